package channel

import (
	"crypto/ed25519"

	"github.com/duskline/tangleduplex/ddml"
)

// AnnounceContent is the parsed or to-be-wrapped content of the channel's single Announce message (spec.md §4.4
// TYPE=0): the author's Ed25519 and X25519 public keys, and a signature binding them. Announce has no parent link
// and defines the channel address.
type AnnounceContent struct {
	SigPub  []byte
	ExchPub []byte
	Sig     []byte
}

// announceScript runs the Announce DDML script once, dispatched by ctx.Pass.
func announceScript(ctx *ddml.Context, c *AnnounceContent, signer Signer) error {
	if err := ctx.AbsorbFixed("author-sig-pub", &c.SigPub, ed25519.PublicKeySize); err != nil {
		return err
	}
	if err := ctx.AbsorbFixed("author-exch-pub", &c.ExchPub, 32); err != nil {
		return err
	}

	ctx.Commit("announce-commit")
	digest := ctx.Squeeze("announce-digest", 64)

	return signStep(ctx, digest, c.SigPub, &c.Sig, signer)
}
