package channel

import (
	"crypto/ed25519"

	"golang.org/x/crypto/curve25519"

	"github.com/duskline/tangleduplex/ddml"
)

// Identity holds the Ed25519 signing key pair and X25519 static key pair derived from a user's seed, plus an appinst
// index derived from the same seed. An author's channel address is derived with channel index 0, not with AppInst.
type Identity struct {
	Seed string

	SigPub  ed25519.PublicKey
	sigPriv ed25519.PrivateKey

	ExchPub  [32]byte
	exchPriv [32]byte

	AppInst uint32
}

// deriveIdentity derives an [Identity] deterministically from seed using a dedicated sponge instance as a PRF. The
// same seed always yields the same keys and appinst index (testable property 4).
func deriveIdentity(seed string) (*Identity, error) {
	s := ddml.New("channel.identity.v1")
	s.Absorb("seed", []byte(seed))

	ed25519Seed := s.Squeeze("ed25519-seed", ed25519.SeedSize)
	sigPriv := ed25519.NewKeyFromSeed(ed25519Seed)
	clear(ed25519Seed)

	var exchPriv [32]byte
	copy(exchPriv[:], s.Squeeze("x25519-priv", 32))
	clampX25519(&exchPriv)

	var exchPub [32]byte
	pub, err := curve25519.X25519(exchPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(exchPub[:], pub)

	appInstBytes := s.Squeeze("appinst", 4)
	appInst := uint32(appInstBytes[0])<<24 | uint32(appInstBytes[1])<<16 | uint32(appInstBytes[2])<<8 | uint32(appInstBytes[3])

	return &Identity{
		Seed:     seed,
		SigPub:   sigPriv.Public().(ed25519.PublicKey),
		sigPriv:  sigPriv,
		ExchPub:  exchPub,
		exchPriv: exchPriv,
		AppInst:  appInst,
	}, nil
}

// clampX25519 applies the standard X25519 scalar clamping in place.
func clampX25519(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// sharedSecret performs X25519 Diffie-Hellman between this identity's static private key and a peer's public key.
func (id *Identity) sharedSecret(peerPub *[32]byte) ([]byte, error) {
	return curve25519.X25519(id.exchPriv[:], peerPub[:])
}

// Sign signs message with this identity's Ed25519 private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.sigPriv, message)
}

// Clear wipes the identity's private key material. The identity must not be used afterward.
func (id *Identity) Clear() {
	clear(id.sigPriv)
	clear(id.exchPriv[:])
}

// x25519SharedSecret performs X25519 between an arbitrary private scalar and public point, used when a recipient's
// long-term key is not our own identity (e.g. ephemeral keyload keys).
func x25519SharedSecret(priv *[32]byte, pub *[32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}
