package channel

import "github.com/duskline/tangleduplex/ddml"

// PskEntry addresses one recipient of a [KeyloadContent] by pre-shared key.
type PskEntry struct {
	ID  PskId
	Psk Psk
}

// KeEntry addresses one recipient of a [KeyloadContent] by X25519 public key identifier.
type KeEntry struct {
	Pub [32]byte
}

// KeyloadContent is the parsed or to-be-wrapped content of a Keyload message (spec.md §4.4 TYPE=1). On Wrap, the
// caller fills Nonce, PskEntries, KeEntries, EphPub/EphPriv and SessionKey. On Unwrap, Nonce, EphPub, SessionKey and
// KeyFound are populated by the script; PskEntries/KeEntries are not reconstructed (recipient identities are not
// hidden on the wire, but this implementation has no need to list them back out — see spec.md Non-goals on
// metadata confidentiality).
type KeyloadContent struct {
	Nonce      []byte
	PskEntries []PskEntry
	KeEntries  []KeEntry
	EphPub     []byte
	EphPriv    [32]byte
	SessionKey []byte
	KeyFound   bool
}

// keyloadScript implements the DDML command sequence from spec.md §4.4:
//
//	join link; absorb nonce[16]; absorb eph_pub[32];
//	skip N_psk; repeated N_psk { fork; mask id[16]; absorb_external psk[32]; commit; mask key[32] }
//	skip N_ke;  repeated N_ke  { fork; absorb xpk[32]; x25519(eph_priv, xpk) -> key[32] }
//	guard(key_found); absorb_external key[32]; commit.
//
// The same script runs for SizeOf, Wrap and Unwrap; identity supplies this user's own key material for recipient
// matching on Unwrap, and lookupPsk resolves a PskId to its secret.
func keyloadScript(ctx *ddml.Context, c *KeyloadContent, identity *Identity, lookupPsk func(PskId) (Psk, bool)) error {
	if err := ctx.AbsorbFixed("nonce", &c.Nonce, 16); err != nil {
		return err
	}
	if err := ctx.AbsorbFixed("eph-pub", &c.EphPub, 32); err != nil {
		return err
	}

	keyFound := false

	nPsk := uint64(len(c.PskEntries))
	if err := ctx.SkipUvarint("n-psk", &nPsk); err != nil {
		return err
	}
	for i := uint64(0); i < nPsk; i++ {
		var entry PskEntry
		if ctx.Pass != ddml.Unwrap && int(i) < len(c.PskEntries) {
			entry = c.PskEntries[i]
		}
		idBytes := append([]byte(nil), entry.ID[:]...)

		err := ctx.Fork("psk-entry", nil, func(fc *ddml.Context) error {
			if err := fc.MaskFixed("psk-id", &idBytes, PskIdSize); err != nil {
				return err
			}
			var id PskId
			copy(id[:], idBytes)

			var pskBytes []byte
			psk, matched := lookupPsk(id)
			switch {
			case ctx.Pass != ddml.Unwrap:
				pskBytes = append([]byte(nil), entry.Psk[:]...)
			case matched:
				pskBytes = append([]byte(nil), psk[:]...)
			default:
				pskBytes = make([]byte, PskSize)
			}
			if err := fc.AbsorbExternal("psk", pskBytes); err != nil {
				return err
			}
			fc.Commit("psk-commit")

			keyBuf := make([]byte, 32)
			if ctx.Pass != ddml.Unwrap {
				keyBuf = append([]byte(nil), c.SessionKey...)
			}
			if err := fc.MaskFixed("session-key", &keyBuf, 32); err != nil {
				return err
			}
			if ctx.Pass == ddml.Unwrap && matched && !keyFound {
				c.SessionKey = keyBuf
				keyFound = true
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	nKe := uint64(len(c.KeEntries))
	if err := ctx.SkipUvarint("n-ke", &nKe); err != nil {
		return err
	}
	for i := uint64(0); i < nKe; i++ {
		var entry KeEntry
		if ctx.Pass != ddml.Unwrap && int(i) < len(c.KeEntries) {
			entry = c.KeEntries[i]
		}
		pubBytes := append([]byte(nil), entry.Pub[:]...)

		err := ctx.Fork("ke-entry", nil, func(fc *ddml.Context) error {
			if err := fc.AbsorbFixed("recipient-pub", &pubBytes, 32); err != nil {
				return err
			}
			var pub [32]byte
			copy(pub[:], pubBytes)

			isMe := equalBytes(pub[:], identity.ExchPub[:])

			var shared []byte
			switch {
			case ctx.Pass != ddml.Unwrap:
				s, err := x25519SharedSecret(&c.EphPriv, &pub)
				if err != nil {
					return err
				}
				shared = s
			case isMe:
				var ephPub [32]byte
				copy(ephPub[:], c.EphPub)
				s, err := identity.sharedSecret(&ephPub)
				if err != nil {
					return err
				}
				shared = s
			default:
				shared = make([]byte, 32)
			}

			keyBuf := make([]byte, 32)
			if ctx.Pass != ddml.Unwrap {
				keyBuf = append([]byte(nil), c.SessionKey...)
			}
			if err := fc.X25519("session-key", shared, &keyBuf, 32); err != nil {
				return err
			}
			if ctx.Pass == ddml.Unwrap && isMe && !keyFound {
				c.SessionKey = keyBuf
				keyFound = true
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if ctx.Pass == ddml.Unwrap {
		c.KeyFound = keyFound
		if err := ctx.Guard(keyFound, "keyload addressed to no recipient we can decrypt"); err != nil {
			return ErrKeyNotFound
		}
	}

	if err := ctx.AbsorbExternal("session-key-final", c.SessionKey); err != nil {
		return err
	}
	ctx.Commit("keyload-commit")
	return nil
}
