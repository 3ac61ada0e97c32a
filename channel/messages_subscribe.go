package channel

import (
	"crypto/ed25519"

	"github.com/duskline/tangleduplex/ddml"
)

// SubscribeContent is the parsed or to-be-wrapped content of a Subscribe message (spec.md §4.4 TYPE=4): the
// subscriber's X25519 public key (delivering a fresh subscription key to the author via Diffie-Hellman), the
// subscriber's Ed25519 public key, and a signature.
type SubscribeContent struct {
	ExchPub        []byte
	SubscribeKey   []byte
	SigPub         []byte
	Sig            []byte
}

// subscribeScript runs the Subscribe DDML script once, dispatched by ctx.Pass. computeShared returns the
// Diffie-Hellman shared secret between this party's static key and the other party's exchange public key; it is
// called with c.ExchPub only after that field has been populated by the script (on Unwrap, that means after the
// subscriber's key has just been read off the wire).
func subscribeScript(ctx *ddml.Context, c *SubscribeContent, computeShared func(peerExchPub []byte) ([]byte, error), signer Signer) error {
	if err := ctx.AbsorbFixed("subscriber-exch-pub", &c.ExchPub, 32); err != nil {
		return err
	}

	shared, err := computeShared(c.ExchPub)
	if err != nil {
		return err
	}
	if err := ctx.X25519("subscribe-key", shared, &c.SubscribeKey, 32); err != nil {
		return err
	}

	if err := ctx.MaskFixed("subscriber-sig-pub", &c.SigPub, ed25519.PublicKeySize); err != nil {
		return err
	}

	ctx.Commit("subscribe-commit")
	digest := ctx.Squeeze("subscribe-digest", 64)

	return signStep(ctx, digest, c.SigPub, &c.Sig, signer)
}
