package channel

import "github.com/duskline/tangleduplex/ddml"

// TaggedPacketContent is the parsed or to-be-wrapped content of a TaggedPacket message (spec.md §4.4 TYPE=3):
// identical to [SignedPacketContent] minus the signer public key and signature — authentication is implicit via
// the sponge state chained from a Keyload the recipient was able to decrypt.
type TaggedPacketContent struct {
	PublicPayload []byte
	MaskedPayload []byte
}

// taggedPacketScript runs the TaggedPacket DDML script once, dispatched by ctx.Pass.
func taggedPacketScript(ctx *ddml.Context, c *TaggedPacketContent) error {
	if err := ctx.AbsorbVarLen("public-payload", &c.PublicPayload); err != nil {
		return err
	}
	if err := ctx.MaskVarLen("masked-payload", &c.MaskedPayload); err != nil {
		return err
	}
	ctx.Commit("tagged-packet-commit")
	return nil
}
