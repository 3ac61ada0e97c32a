package channel

import (
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"

	"github.com/duskline/tangleduplex/hazmat/turboshake"
)

// Identifier names a channel participant. It is the participant's Ed25519 public key, which is how both the author
// and subscribers refer to each other in cursors and keyload recipient lists.
type Identifier [ed25519.PublicKeySize]byte

func identifierOf(pub ed25519.PublicKey) Identifier {
	var id Identifier
	copy(id[:], pub)
	return id
}

func (id Identifier) String() string { return fmt.Sprintf("%x", id[:8]) }

// Cursor tracks a publisher's latest known message.
type Cursor struct {
	Link     MsgId
	SeqNum   uint64
	BranchNo uint64
}

// PskSize is the length, in bytes, of a pre-shared key.
const PskSize = 32

// Psk is a 32-byte pre-shared secret.
type Psk [PskSize]byte

// PskIdSize is the length, in bytes, of a PSK identifier tag.
const PskIdSize = 16

// PskId identifies a [Psk] without revealing it.
type PskId [PskIdSize]byte

func (id PskId) String() string { return fmt.Sprintf("%x", id[:]) }

// DerivePskId computes the public identifier tag for a pre-shared key.
func DerivePskId(psk Psk) PskId {
	var id PskId
	h := turboshake.New(0x02)
	_, _ = h.Write([]byte("pskid"))
	_, _ = h.Write(psk[:])
	_, _ = h.Read(id[:])
	return id
}

// NewPsk derives a 32-byte pre-shared key from arbitrary secret material (e.g. a passphrase), matching how the test
// scenarios in the specification mint PSKs from literal strings.
func NewPsk(secret []byte) Psk {
	var psk Psk
	h := turboshake.New(0x03)
	_, _ = h.Write([]byte("psk"))
	_, _ = h.Write(secret)
	_, _ = h.Read(psk[:])
	return psk
}

// KeyStore is a per-user mapping from participant identifier to cursor, plus the PSK table, the set of known
// subscriber public keys, and the session keys recovered from Keyloads. This user's own key pairs are held by its
// [Identity], not here. KeyStore has no method that removes PSK or subscriber-pk entries.
type KeyStore struct {
	cursors     map[Identifier]*Cursor
	psks        map[PskId]Psk
	subscribers map[Identifier]*[32]byte // Identifier -> X25519 public key
	linkKeys    map[MsgId][]byte         // parent link -> session key recovered from a Keyload there
}

// NewKeyStore returns an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		cursors:     make(map[Identifier]*Cursor),
		psks:        make(map[PskId]Psk),
		subscribers: make(map[Identifier]*[32]byte),
		linkKeys:    make(map[MsgId][]byte),
	}
}

// Cursor returns the cursor for identifier, if known.
func (ks *KeyStore) Cursor(id Identifier) (Cursor, bool) {
	c, ok := ks.cursors[id]
	if !ok {
		return Cursor{}, false
	}
	return *c, true
}

// Cursors returns a snapshot of every known (identifier, cursor) pair.
func (ks *KeyStore) Cursors() map[Identifier]Cursor {
	out := make(map[Identifier]Cursor, len(ks.cursors))
	for id, c := range ks.cursors {
		out[id] = *c
	}
	return out
}

// SetCursor sets or advances identifier's cursor. Monotone: per the REDESIGN note in §9, a call with a seq_num
// smaller than or equal to the current one is a no-op rather than a rewind, except when reset is true (used by
// ResetState).
func (ks *KeyStore) SetCursor(id Identifier, c Cursor, reset bool) {
	existing, ok := ks.cursors[id]
	if ok && !reset && c.SeqNum <= existing.SeqNum {
		return
	}
	cc := c
	ks.cursors[id] = &cc
}

// KnownIdentifiers returns every identifier this key store has a cursor for.
func (ks *KeyStore) KnownIdentifiers() []Identifier {
	out := make([]Identifier, 0, len(ks.cursors))
	for id := range ks.cursors {
		out = append(out, id)
	}
	return out
}

// StorePsk inserts a pre-shared key under its derived identifier.
func (ks *KeyStore) StorePsk(id PskId, psk Psk) {
	ks.psks[id] = psk
}

// Psk looks up a pre-shared key by identifier.
func (ks *KeyStore) Psk(id PskId) (Psk, bool) {
	p, ok := ks.psks[id]
	return p, ok
}

// PskIds returns every known PSK identifier.
func (ks *KeyStore) PskIds() []PskId {
	out := make([]PskId, 0, len(ks.psks))
	for id := range ks.psks {
		out = append(out, id)
	}
	return out
}

// StoreSubscriber records a subscriber's X25519 public key.
func (ks *KeyStore) StoreSubscriber(id Identifier, exchPub [32]byte) {
	k := exchPub
	ks.subscribers[id] = &k
}

// Subscriber returns the X25519 public key recorded for id.
func (ks *KeyStore) Subscriber(id Identifier) (*[32]byte, bool) {
	k, ok := ks.subscribers[id]
	return k, ok
}

// Subscribers returns every known subscriber identifier.
func (ks *KeyStore) Subscribers() []Identifier {
	out := make([]Identifier, 0, len(ks.subscribers))
	for id := range ks.subscribers {
		out = append(out, id)
	}
	return out
}

// StoreLinkKey records the session key recovered from successfully opening the Keyload at link, so that its
// children (and siblings joined to it) can be read.
func (ks *KeyStore) StoreLinkKey(link MsgId, key []byte) {
	k := make([]byte, len(key))
	copy(k, key)
	ks.linkKeys[link] = k
}

// LinkKey returns the session key recorded for link, if any.
func (ks *KeyStore) LinkKey(link MsgId) ([]byte, bool) {
	k, ok := ks.linkKeys[link]
	return k, ok
}

// equalBytes is a small constant-time helper used by keyload recipient matching.
func equalBytes(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
