package channel

import (
	"fmt"
	"sync"

	"github.com/duskline/tangleduplex/ddml"
)

// MsgKind tags the message a [LinkStore] entry belongs to, so that a child message can verify its parent is of a
// plausible kind before attempting to join it (spec.md §4.3).
type MsgKind byte

// Message kind type bytes (spec.md §4.4, §6).
const (
	KindAnnounce      MsgKind = 0
	KindKeyload       MsgKind = 1
	KindSignedPacket  MsgKind = 2
	KindTaggedPacket  MsgKind = 3
	KindSubscribe     MsgKind = 4
	KindSequence      MsgKind = 5
)

func (k MsgKind) String() string {
	switch k {
	case KindAnnounce:
		return "announce"
	case KindKeyload:
		return "keyload"
	case KindSignedPacket:
		return "signed-packet"
	case KindTaggedPacket:
		return "tagged-packet"
	case KindSubscribe:
		return "subscribe"
	case KindSequence:
		return "sequence"
	default:
		return "unknown"
	}
}

// LinkInfo tags a link-store entry with the message kind at that link and the position (a monotonic insertion
// counter — this module never calls a clock) at which it was inserted. [User.FetchPrevMsgs] does not read it: it
// takes each parent link from the message's wire header, not from the link store.
type LinkInfo struct {
	Kind MsgKind
	Seq  uint64
}

type linkEntry struct {
	sponge *ddml.Sponge
	info   LinkInfo
}

// LinkStore maps a relative MsgId to the sponge state committed at that message, and the message's kind. Entries
// are inserted once, at wrap-commit or unwrap-commit time, and are never mutated afterward (spec.md §3, §4.3).
type LinkStore struct {
	mu      sync.Mutex
	entries map[MsgId]linkEntry
	counter uint64
}

// NewLinkStore returns an empty link store.
func NewLinkStore() *LinkStore {
	return &LinkStore{entries: make(map[MsgId]linkEntry)}
}

// Insert records the committed sponge state for msgid. Calling Insert twice for the same msgid with a
// byte-identical sponge state is a no-op; calling it with a different state is an invariant violation
// ([ErrLinkStoreCorrupt]), since the link graph is meant to be append-only. Insert may upgrade a prior
// [LinkStore.InsertInaccessible] marker of the same kind into a real entry (a keyload this user could not open at
// first, but can after a later StorePsk or reset/sync).
func (ls *LinkStore) Insert(msgid MsgId, sponge *ddml.Sponge, kind MsgKind) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if existing, ok := ls.entries[msgid]; ok {
		if existing.sponge == nil {
			if existing.info.Kind != kind {
				return fmt.Errorf("%w: %s already holds a different entry", ErrLinkStoreCorrupt, msgid)
			}
			ls.entries[msgid] = linkEntry{sponge: sponge, info: LinkInfo{Kind: kind, Seq: existing.info.Seq}}
			return nil
		}
		if existing.sponge.Equal(sponge) && existing.info.Kind == kind {
			return nil
		}
		return fmt.Errorf("%w: %s already holds a different entry", ErrLinkStoreCorrupt, msgid)
	}

	ls.counter++
	ls.entries[msgid] = linkEntry{sponge: sponge, info: LinkInfo{Kind: kind, Seq: ls.counter}}
	return nil
}

// InsertInaccessible records that msgid is a known message of kind that this user was unable to open (e.g. a
// Keyload addressed to other recipients). A later [LinkStore.Lookup] reports it as present but with a nil sponge,
// so callers can distinguish "never seen" ([ErrLinkMismatch]) from "seen but unreadable" ([ErrKeyNotFound]) for
// every descendant joined to it, without re-attempting the failed decryption. Idempotent.
func (ls *LinkStore) InsertInaccessible(msgid MsgId, kind MsgKind) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if existing, ok := ls.entries[msgid]; ok {
		if existing.info.Kind != kind {
			return fmt.Errorf("%w: %s already holds a different entry", ErrLinkStoreCorrupt, msgid)
		}
		return nil
	}

	ls.counter++
	ls.entries[msgid] = linkEntry{sponge: nil, info: LinkInfo{Kind: kind, Seq: ls.counter}}
	return nil
}

// Lookup returns the committed sponge state and kind recorded for msgid. A true result with a nil sponge means the
// message is known but was recorded via [LinkStore.InsertInaccessible].
func (ls *LinkStore) Lookup(msgid MsgId) (*ddml.Sponge, LinkInfo, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	e, ok := ls.entries[msgid]
	if !ok {
		return nil, LinkInfo{}, false
	}
	return e.sponge, e.info, true
}

// Has reports whether msgid has a recorded entry.
func (ls *LinkStore) Has(msgid MsgId) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	_, ok := ls.entries[msgid]
	return ok
}

// Len returns the number of recorded entries.
func (ls *LinkStore) Len() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.entries)
}

// linkStoreSnapshot is the gob-serializable form of a [LinkStore]'s entries, shared by durable persistence
// ([BoltStateStore]) and password-sealed export ([User.Export]/[User.Import]) so the link graph — not just cursors
// and keys — survives both a process restart and a full export/import round trip.
type linkStoreSnapshot struct {
	Entries map[MsgId]linkStoreSnapshotEntry
}

type linkStoreSnapshotEntry struct {
	Kind    MsgKind
	Seq     uint64
	Sponge  []byte // nil for an inaccessible marker
	Present bool
}

// Snapshot returns a gob-serializable copy of every entry, using the sponge's own binary marshaling ([ddml]
// delegates to turboshake.Hasher.MarshalBinary).
func (ls *LinkStore) Snapshot() (linkStoreSnapshot, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	snap := linkStoreSnapshot{Entries: make(map[MsgId]linkStoreSnapshotEntry, len(ls.entries))}
	for id, e := range ls.entries {
		entry := linkStoreSnapshotEntry{Kind: e.info.Kind, Seq: e.info.Seq}
		if e.sponge != nil {
			b, err := e.sponge.MarshalBinary()
			if err != nil {
				return linkStoreSnapshot{}, fmt.Errorf("channel: marshal link store entry %s: %w", id, err)
			}
			entry.Sponge = b
			entry.Present = true
		}
		snap.Entries[id] = entry
	}
	return snap, nil
}

// Restore replaces ls's entries with snap's. ls should be empty; entries present in both are overwritten with no
// append-only enforcement, since this is a bulk load, not a protocol-driven insert.
func (ls *LinkStore) Restore(snap linkStoreSnapshot) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for id, entry := range snap.Entries {
		if entry.Seq > ls.counter {
			ls.counter = entry.Seq
		}
		if !entry.Present {
			ls.entries[id] = linkEntry{sponge: nil, info: LinkInfo{Kind: entry.Kind, Seq: entry.Seq}}
			continue
		}
		sponge, err := ddml.UnmarshalSponge(entry.Sponge)
		if err != nil {
			return fmt.Errorf("channel: unmarshal link store entry %s: %w", id, err)
		}
		ls.entries[id] = linkEntry{sponge: sponge, info: LinkInfo{Kind: entry.Kind, Seq: entry.Seq}}
	}
	return nil
}
