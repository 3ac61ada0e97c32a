package channel

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// exportVersion is the format version prefixed to every exported blob (spec.md §6 Export/Import).
const exportVersion byte = 1

// exportedState is the gob-serializable snapshot of everything a [User] needs to resume: its key store (cursors,
// PSKs, known subscribers, recovered keyload session keys) and its [LinkStore] (spec.md §6: "key store, cursors,
// link store"), without which a restored user cannot [User.joinSponge] off any previously known link and every
// subsequent send/receive fails with [ErrLinkMismatch]. Private key material is NOT included — the password-derived
// key protects confidentiality of who this user has talked to and what it has recovered, not its identity seed,
// which the caller must supply again on [Import].
type exportedState struct {
	Cursors     map[Identifier]Cursor
	Psks        map[PskId]Psk
	Subscribers map[Identifier][32]byte
	LinkKeys    map[MsgId][]byte
	Links       linkStoreSnapshot

	Bound        bool
	ChannelAddr  ChannelAddress
	AnnounceLink MsgId
	AnnounceSent bool
	AuthorID     Identifier
	AuthorSigPub []byte
	AuthorExch   [32]byte
	State        State
}

const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	saltSize      = 16
)

// Export serializes this user's resumable state (cursors, PSKs, known subscribers, recovered link keys, and
// channel-binding metadata) and seals it under password: Argon2id stretches the password, HKDF-SHA256 expands the
// result into a ChaCha20-Poly1305 key, and the key seals the gob-encoded snapshot. The returned blob is
// self-contained (it carries its own salt and nonce) except for the format version, which Import checks against
// [ErrVersionMismatch].
func (u *User) Export(password []byte) ([]byte, error) {
	linkSnap, err := u.linkStore.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("channel: export link store: %w", err)
	}

	st := exportedState{
		Cursors:      u.keyStore.Cursors(),
		Psks:         make(map[PskId]Psk),
		Subscribers:  make(map[Identifier][32]byte),
		LinkKeys:     make(map[MsgId][]byte),
		Links:        linkSnap,
		Bound:        u.bound,
		ChannelAddr:  u.channelAddr,
		AnnounceLink: u.announceLink,
		AnnounceSent: u.announceSent,
		AuthorID:     u.authorID,
		AuthorSigPub: u.authorSigPub,
		AuthorExch:   u.authorExchPub,
		State:        u.state,
	}
	for _, id := range u.keyStore.PskIds() {
		psk, _ := u.keyStore.Psk(id)
		st.Psks[id] = psk
	}
	for _, id := range u.keyStore.Subscribers() {
		pub, _ := u.keyStore.Subscriber(id)
		st.Subscribers[id] = *pub
	}
	for link, k := range u.keyStore.linkKeys {
		st.LinkKeys[link] = k
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return nil, fmt.Errorf("channel: export encode: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := deriveExportKey(password, salt)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, buf.Bytes(), nil)

	out := make([]byte, 0, 1+saltSize+len(nonce)+len(sealed))
	out = append(out, exportVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Import decrypts a blob produced by [User.Export] and restores its state onto u, which must already have the
// correct identity (seed) for the channel the blob was exported from — Import does not carry a seed across, only
// the resumable bookkeeping. A version mismatch or failed decryption (wrong password) returns [ErrVersionMismatch]
// or the AEAD's own authentication error respectively, and u is left unchanged.
func (u *User) Import(blob []byte, password []byte) error {
	if len(blob) < 1 || blob[0] != exportVersion {
		return ErrVersionMismatch
	}
	blob = blob[1:]
	if len(blob) < saltSize {
		return fmt.Errorf("channel: import: truncated blob")
	}
	salt, blob := blob[:saltSize], blob[saltSize:]

	key, err := deriveExportKey(password, salt)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
	}
	if len(blob) < aead.NonceSize() {
		return fmt.Errorf("channel: import: truncated blob")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("channel: import: %w", err)
	}

	var st exportedState
	if err := gob.NewDecoder(bytes.NewReader(plaintext)).Decode(&st); err != nil {
		return fmt.Errorf("channel: import decode: %w", err)
	}

	keyStore := NewKeyStore()
	for id, c := range st.Cursors {
		keyStore.SetCursor(id, c, true)
	}
	for id, psk := range st.Psks {
		keyStore.StorePsk(id, psk)
	}
	for id, pub := range st.Subscribers {
		keyStore.StoreSubscriber(id, pub)
	}
	for link, k := range st.LinkKeys {
		keyStore.StoreLinkKey(link, k)
	}

	linkStore := NewLinkStore()
	if err := linkStore.Restore(st.Links); err != nil {
		return fmt.Errorf("channel: import link store: %w", err)
	}

	u.keyStore = keyStore
	u.linkStore = linkStore
	u.bound = st.Bound
	u.channelAddr = st.ChannelAddr
	u.announceLink = st.AnnounceLink
	u.announceSent = st.AnnounceSent
	u.authorID = st.AuthorID
	u.authorSigPub = st.AuthorSigPub
	u.authorExchPub = st.AuthorExch
	u.state = st.State
	return nil
}

// deriveExportKey stretches password with Argon2id and expands the result into a ChaCha20-Poly1305 key with
// HKDF-SHA256, matching the teacher's habit of never using a single KDF pass for password-derived key material.
func deriveExportKey(password, salt []byte) ([]byte, error) {
	stretched := argon2.IDKey(password, salt, argon2Time, argon2Memory, argon2Threads, 32)
	defer func() {
		for i := range stretched {
			stretched[i] = 0
		}
	}()

	kdf := hkdf.New(sha256.New, stretched, salt, []byte("tangleduplex-export-v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}
