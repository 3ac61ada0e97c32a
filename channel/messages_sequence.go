package channel

import "github.com/duskline/tangleduplex/ddml"

// SequenceContent is the parsed or to-be-wrapped content of a Sequence message (spec.md §4.4 TYPE=5,
// multi-branching only): a tiny indirection pointing at the publisher's actual next content-bearing message.
type SequenceContent struct {
	Publisher Identifier
	Ref       MsgId
}

// sequenceScript runs the Sequence DDML script once, dispatched by ctx.Pass.
func sequenceScript(ctx *ddml.Context, c *SequenceContent) error {
	pub := append([]byte(nil), c.Publisher[:]...)
	if err := ctx.AbsorbFixed("publisher", &pub, len(c.Publisher)); err != nil {
		return err
	}
	copy(c.Publisher[:], pub)

	ref := append([]byte(nil), c.Ref[:]...)
	if err := ctx.AbsorbFixed("ref-msgid", &ref, len(c.Ref)); err != nil {
		return err
	}
	copy(c.Ref[:], ref)

	ctx.Commit("sequence-commit")
	return nil
}
