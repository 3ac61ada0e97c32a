package channel

import (
	"errors"
	"testing"

	"github.com/duskline/tangleduplex/ddml"
)

func TestLinkStoreInsertAndLookup(t *testing.T) {
	ls := NewLinkStore()
	sponge := ddml.New("test.link")
	var id MsgId
	id[0] = 1

	if err := ls.Insert(id, sponge, KindAnnounce); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, info, ok := ls.Lookup(id)
	if !ok {
		t.Fatal("Lookup: not found after Insert")
	}
	if !got.Equal(sponge) {
		t.Fatal("Lookup returned a different sponge")
	}
	if info.Kind != KindAnnounce {
		t.Fatalf("info.Kind = %v, want KindAnnounce", info.Kind)
	}

	// Re-inserting the identical entry is idempotent.
	if err := ls.Insert(id, sponge, KindAnnounce); err != nil {
		t.Fatalf("idempotent re-insert: %v", err)
	}

	// Inserting a different sponge/kind under the same id is corruption.
	other := ddml.New("test.link.other")
	if err := ls.Insert(id, other, KindAnnounce); !errors.Is(err, ErrLinkStoreCorrupt) {
		t.Fatalf("conflicting Insert error = %v, want ErrLinkStoreCorrupt", err)
	}
}

func TestLinkStoreInsertInaccessibleThenUpgrade(t *testing.T) {
	ls := NewLinkStore()
	var id MsgId
	id[0] = 2

	if err := ls.InsertInaccessible(id, KindKeyload); err != nil {
		t.Fatalf("InsertInaccessible: %v", err)
	}
	sponge, info, ok := ls.Lookup(id)
	if !ok {
		t.Fatal("Lookup: not found after InsertInaccessible")
	}
	if sponge != nil {
		t.Fatal("Lookup returned a non-nil sponge for an inaccessible marker")
	}
	if info.Kind != KindKeyload {
		t.Fatalf("info.Kind = %v, want KindKeyload", info.Kind)
	}

	// Marking the same link inaccessible again is a no-op.
	if err := ls.InsertInaccessible(id, KindKeyload); err != nil {
		t.Fatalf("repeated InsertInaccessible: %v", err)
	}

	// A later successful open upgrades the marker into a real entry.
	real := ddml.New("test.link.real")
	if err := ls.Insert(id, real, KindKeyload); err != nil {
		t.Fatalf("upgrade Insert: %v", err)
	}
	got, _, ok := ls.Lookup(id)
	if !ok || got == nil {
		t.Fatal("expected a real sponge after upgrade")
	}
	if !got.Equal(real) {
		t.Fatal("upgraded entry does not match inserted sponge")
	}

	// But a mismatched kind on upgrade is still rejected.
	var id2 MsgId
	id2[0] = 3
	if err := ls.InsertInaccessible(id2, KindKeyload); err != nil {
		t.Fatalf("InsertInaccessible id2: %v", err)
	}
	if err := ls.Insert(id2, real, KindTaggedPacket); !errors.Is(err, ErrLinkStoreCorrupt) {
		t.Fatalf("kind-mismatched upgrade error = %v, want ErrLinkStoreCorrupt", err)
	}
}

func TestLinkStoreLookupMiss(t *testing.T) {
	ls := NewLinkStore()
	var id MsgId
	id[0] = 9
	if _, _, ok := ls.Lookup(id); ok {
		t.Fatal("Lookup found an entry that was never inserted")
	}
}
