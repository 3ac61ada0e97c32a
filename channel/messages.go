package channel

import (
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/curve25519"

	"github.com/duskline/tangleduplex/ddml"
)

// Signer is satisfied by [*Identity]; message scripts that end in a signature take one of these rather than an
// *Identity directly so they can be exercised without constructing a full identity.
type Signer interface {
	Sign(message []byte) []byte
}

// signStep appends an Ed25519 signature over digest to the wire (Wrap), or reads one and verifies it (Unwrap). It
// is shared by Announce, Subscribe and SignedPacket, the three kinds whose content.md §4.4 descriptions end in
// "signature".
func signStep(ctx *ddml.Context, digest []byte, signerPub []byte, sig *[]byte, signer Signer) error {
	switch ctx.Pass {
	case ddml.Wrap:
		*sig = signer.Sign(digest)
	case ddml.SizeOf:
		*sig = make([]byte, ed25519.SignatureSize)
	}
	if err := ctx.SkipBytes(sig, ed25519.SignatureSize); err != nil {
		return err
	}
	if ctx.Pass == ddml.Unwrap {
		if !ed25519.Verify(signerPub, digest, *sig) {
			return ErrSignatureVerificationFailed
		}
	}
	return nil
}

// randomBytes returns n cryptographically random bytes, used for nonces and ephemeral keys.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// generateX25519Keypair returns a fresh ephemeral X25519 key pair, clamped per the standard.
func generateX25519Keypair() (priv [32]byte, pub [32]byte, err error) {
	raw, err := randomBytes(32)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], raw)
	clampX25519(&priv)

	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], p)
	return priv, pub, nil
}
