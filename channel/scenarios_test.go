package channel

import (
	"bytes"
	"reflect"
	"testing"
)

// newTestChannel sets up a fresh author bound to a single-branching channel over a shared in-memory transport.
func newTestChannel(t *testing.T, authorSeed string) (*MemTransport, *User, Address) {
	t.Helper()
	transport := NewMemTransport(nil)
	author, err := NewAuthor(authorSeed, false, transport, nil)
	if err != nil {
		t.Fatalf("NewAuthor: %v", err)
	}
	addr, err := author.SendAnnounce()
	if err != nil {
		t.Fatalf("SendAnnounce: %v", err)
	}
	return transport, author, addr
}

func TestAnnounceRoundTrip(t *testing.T) {
	transport, author, annAddr := newTestChannel(t, "author-seed-1")

	sub, err := NewSubscriber("subscriber-seed-1", false, transport, nil)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	if err := sub.ReceiveAnnouncement(annAddr); err != nil {
		t.Fatalf("ReceiveAnnouncement: %v", err)
	}
	if sub.ChannelAddress() != author.ChannelAddress() {
		t.Fatalf("channel address mismatch: got %s want %s", sub.ChannelAddress(), author.ChannelAddress())
	}
	if sub.State() != StateAnnounced {
		t.Fatalf("state = %v, want StateAnnounced", sub.State())
	}

	// Re-receiving the same announcement is a no-op (property 7).
	if err := sub.ReceiveAnnouncement(annAddr); err != nil {
		t.Fatalf("duplicate ReceiveAnnouncement: %v", err)
	}

	// A second, distinct channel's announcement is rejected.
	otherTransport, _, otherAnn := newTestChannel(t, "author-seed-2")
	_ = otherTransport
	if err := sub.ReceiveAnnouncement(otherAnn); err != ErrApplicationInstanceMismatch {
		t.Fatalf("cross-channel ReceiveAnnouncement error = %v, want ErrApplicationInstanceMismatch", err)
	}
}

func TestKeyloadForEveryoneAndTaggedPacket(t *testing.T) {
	transport, author, annAddr := newTestChannel(t, "author-seed-3")

	subA, err := NewSubscriber("sub-a-seed", false, transport, nil)
	if err != nil {
		t.Fatalf("NewSubscriber subA: %v", err)
	}
	subB, err := NewSubscriber("sub-b-seed", false, transport, nil)
	if err != nil {
		t.Fatalf("NewSubscriber subB: %v", err)
	}
	for name, s := range map[string]*User{"subA": subA, "subB": subB} {
		if err := s.ReceiveAnnouncement(annAddr); err != nil {
			t.Fatalf("%s ReceiveAnnouncement: %v", name, err)
		}
	}

	subAddrA, _, err := subA.SendSubscribe(annAddr)
	if err != nil {
		t.Fatalf("subA SendSubscribe: %v", err)
	}
	subAddrB, _, err := subB.SendSubscribe(annAddr)
	if err != nil {
		t.Fatalf("subB SendSubscribe: %v", err)
	}
	if err := author.ReceiveSubscribe(subAddrA); err != nil {
		t.Fatalf("author ReceiveSubscribe(subA): %v", err)
	}
	if err := author.ReceiveSubscribe(subAddrB); err != nil {
		t.Fatalf("author ReceiveSubscribe(subB): %v", err)
	}

	kAddr, _, err := author.SendKeyloadForEveryone(annAddr)
	if err != nil {
		t.Fatalf("SendKeyloadForEveryone: %v", err)
	}

	if err := subA.ReceiveKeyload(kAddr); err != nil {
		t.Fatalf("subA ReceiveKeyload: %v", err)
	}
	if err := subB.ReceiveKeyload(kAddr); err != nil {
		t.Fatalf("subB ReceiveKeyload: %v", err)
	}

	authorKey, ok := author.SessionKey(kAddr.Msg)
	if !ok || len(authorKey) == 0 {
		t.Fatal("author SessionKey missing after SendKeyloadForEveryone")
	}
	for name, s := range map[string]*User{"subA": subA, "subB": subB} {
		key, ok := s.SessionKey(kAddr.Msg)
		if !ok {
			t.Fatalf("%s SessionKey missing after ReceiveKeyload", name)
		}
		if !bytes.Equal(key, authorKey) {
			t.Fatalf("%s SessionKey = %x, want %x (author's)", name, key, authorKey)
		}
	}

	publicPayload := []byte("hello, channel")
	maskedPayload := []byte("a secret only recipients of the keyload can read")
	tAddr, _, err := author.SendTaggedPacket(publicPayload, maskedPayload)
	if err != nil {
		t.Fatalf("SendTaggedPacket: %v", err)
	}

	for name, s := range map[string]*User{"subA": subA, "subB": subB} {
		gotPublic, gotMasked, err := s.ReceiveTaggedPacket(tAddr)
		if err != nil {
			t.Fatalf("%s ReceiveTaggedPacket: %v", name, err)
		}
		if !bytes.Equal(gotPublic, publicPayload) {
			t.Fatalf("%s public payload = %q, want %q", name, gotPublic, publicPayload)
		}
		if !bytes.Equal(gotMasked, maskedPayload) {
			t.Fatalf("%s masked payload = %q, want %q", name, gotMasked, maskedPayload)
		}
	}
}

func TestExcludedRecipientGetsConsistentKeyNotFound(t *testing.T) {
	transport, author, annAddr := newTestChannel(t, "author-seed-4")

	subA, err := NewSubscriber("sub-a-seed-4", false, transport, nil)
	if err != nil {
		t.Fatalf("NewSubscriber subA: %v", err)
	}
	subB, err := NewSubscriber("sub-b-seed-4", false, transport, nil)
	if err != nil {
		t.Fatalf("NewSubscriber subB: %v", err)
	}
	if err := subA.ReceiveAnnouncement(annAddr); err != nil {
		t.Fatalf("subA ReceiveAnnouncement: %v", err)
	}
	if err := subB.ReceiveAnnouncement(annAddr); err != nil {
		t.Fatalf("subB ReceiveAnnouncement: %v", err)
	}

	subAddrA, _, err := subA.SendSubscribe(annAddr)
	if err != nil {
		t.Fatalf("subA SendSubscribe: %v", err)
	}
	subAddrB, _, err := subB.SendSubscribe(annAddr)
	if err != nil {
		t.Fatalf("subB SendSubscribe: %v", err)
	}
	if err := author.ReceiveSubscribe(subAddrA); err != nil {
		t.Fatalf("author ReceiveSubscribe(subA): %v", err)
	}
	if err := author.ReceiveSubscribe(subAddrB); err != nil {
		t.Fatalf("author ReceiveSubscribe(subB): %v", err)
	}

	// Keyload addressed to subA only; subB is excluded.
	kAddr, _, err := author.SendKeyload(annAddr, []Identifier{subA.Identifier()}, nil)
	if err != nil {
		t.Fatalf("SendKeyload: %v", err)
	}

	if err := subA.ReceiveKeyload(kAddr); err != nil {
		t.Fatalf("subA ReceiveKeyload: %v", err)
	}

	before := subB.FetchState()
	if err := subB.ReceiveKeyload(kAddr); err != ErrKeyNotFound {
		t.Fatalf("subB ReceiveKeyload error = %v, want ErrKeyNotFound", err)
	}
	after := subB.FetchState()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("subB cursor state changed after a failed keyload unwrap: before=%v after=%v", before, after)
	}

	tAddr, _, err := author.SendTaggedPacket([]byte("public"), []byte("masked"))
	if err != nil {
		t.Fatalf("SendTaggedPacket: %v", err)
	}

	if _, _, err := subB.ReceiveTaggedPacket(tAddr); err != ErrKeyNotFound {
		t.Fatalf("subB ReceiveTaggedPacket (descendant of unopenable keyload) error = %v, want ErrKeyNotFound", err)
	}

	gotPublic, gotMasked, err := subA.ReceiveTaggedPacket(tAddr)
	if err != nil {
		t.Fatalf("subA ReceiveTaggedPacket: %v", err)
	}
	if !bytes.Equal(gotPublic, []byte("public")) || !bytes.Equal(gotMasked, []byte("masked")) {
		t.Fatalf("subA payload mismatch: public=%q masked=%q", gotPublic, gotMasked)
	}
}

func TestResetStateThenSyncRestoresCursors(t *testing.T) {
	transport, author, annAddr := newTestChannel(t, "author-seed-5")

	sub, err := NewSubscriber("sub-seed-5", false, transport, nil)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	if err := sub.ReceiveAnnouncement(annAddr); err != nil {
		t.Fatalf("ReceiveAnnouncement: %v", err)
	}

	// Use a pre-shared key so both parties share the recipient set without needing an explicit Subscribe exchange
	// (which would otherwise leave the author's own cursor and the subscriber's view of it out of step, since
	// Subscribe registration does not itself advance the shared single-branching cursor).
	psk := NewPsk([]byte("shared secret for reset/sync test"))
	pskID := DerivePskId(psk)
	author.StorePsk(pskID, psk)
	sub.StorePsk(pskID, psk)

	kAddr, _, err := author.SendKeyload(annAddr, nil, []PskId{pskID})
	if err != nil {
		t.Fatalf("SendKeyload: %v", err)
	}
	_ = kAddr

	tAddr, _, err := author.SendTaggedPacket([]byte("p"), []byte("m"))
	if err != nil {
		t.Fatalf("SendTaggedPacket: %v", err)
	}
	_ = tAddr

	if err := sub.SyncState(); err != nil {
		t.Fatalf("initial SyncState: %v", err)
	}
	firstPass := sub.FetchState()
	if len(firstPass) == 0 {
		t.Fatalf("expected non-empty cursor state after sync")
	}

	if err := sub.ResetState(); err != nil {
		t.Fatalf("ResetState: %v", err)
	}
	if err := sub.SyncState(); err != nil {
		t.Fatalf("resync SyncState: %v", err)
	}
	secondPass := sub.FetchState()

	if !reflect.DeepEqual(firstPass, secondPass) {
		t.Fatalf("cursor state differs after reset+resync: first=%v second=%v", firstPass, secondPass)
	}
}

func TestFetchPrevMsgsStopsAtMax(t *testing.T) {
	transport, author, annAddr := newTestChannel(t, "author-seed-6")

	sub, err := NewSubscriber("sub-seed-6", false, transport, nil)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	if err := sub.ReceiveAnnouncement(annAddr); err != nil {
		t.Fatalf("ReceiveAnnouncement: %v", err)
	}

	psk := NewPsk([]byte("shared secret for fetch-prev test"))
	pskID := DerivePskId(psk)
	author.StorePsk(pskID, psk)
	sub.StorePsk(pskID, psk)

	kAddr, _, err := author.SendKeyload(annAddr, nil, []PskId{pskID})
	if err != nil {
		t.Fatalf("SendKeyload: %v", err)
	}

	// Chain five tagged packets after the keyload: announce -> keyload -> t[0] -> ... -> t[4]. Each send advances
	// the author's own cursor (single-branching), so the chain forms from sequential sends with no extra wiring.
	var tAddrs [5]Address
	for i := range tAddrs {
		addr, _, err := author.SendTaggedPacket([]byte("p"), []byte("m"))
		if err != nil {
			t.Fatalf("SendTaggedPacket[%d]: %v", i, err)
		}
		tAddrs[i] = addr
	}

	chain, err := sub.FetchPrevMsgs(tAddrs[4], 5)
	if err != nil {
		t.Fatalf("FetchPrevMsgs: %v", err)
	}
	// Nearest first: t[3], t[2], t[1], t[0], keyload — exactly 5 items, cut off by max before ever reaching announce.
	if len(chain) != 5 {
		t.Fatalf("FetchPrevMsgs returned %d links, want 5: %v", len(chain), chain)
	}
	want := []Address{tAddrs[3], tAddrs[2], tAddrs[1], tAddrs[0], kAddr}
	for i, w := range want {
		if chain[i] != w {
			t.Fatalf("FetchPrevMsgs[%d] = %v, want %v", i, chain[i], w)
		}
	}
}
