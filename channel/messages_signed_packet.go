package channel

import (
	"crypto/ed25519"

	"github.com/duskline/tangleduplex/ddml"
)

// SignedPacketContent is the parsed or to-be-wrapped content of a SignedPacket message (spec.md §4.4 TYPE=2): the
// signer's Ed25519 public key, a plaintext public payload, an encrypted masked payload, and a signature over the
// resulting state.
type SignedPacketContent struct {
	SignerPub     []byte
	PublicPayload []byte
	MaskedPayload []byte
	Sig           []byte
}

// signedPacketScript runs the SignedPacket DDML script once, dispatched by ctx.Pass.
func signedPacketScript(ctx *ddml.Context, c *SignedPacketContent, signer Signer) error {
	if err := ctx.AbsorbFixed("signer-pub", &c.SignerPub, ed25519.PublicKeySize); err != nil {
		return err
	}
	if err := ctx.AbsorbVarLen("public-payload", &c.PublicPayload); err != nil {
		return err
	}
	if err := ctx.MaskVarLen("masked-payload", &c.MaskedPayload); err != nil {
		return err
	}

	ctx.Commit("signed-packet-commit")
	digest := ctx.Squeeze("signed-packet-digest", 64)

	return signStep(ctx, digest, c.SignerPub, &c.Sig, signer)
}
