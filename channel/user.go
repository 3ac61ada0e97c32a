package channel

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/duskline/tangleduplex/ddml"
)

// State names a user's position in the lifecycle described in spec.md §4.5. It is informational only; no operation
// gates on it beyond the checks already implied by whether a channel is bound and whether this user is the author.
type State int

const (
	StateFresh State = iota
	StateAnnounced
	StateSubscribed
	StateAuthored
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateAnnounced:
		return "announced"
	case StateSubscribed:
		return "subscribed"
	case StateAuthored:
		return "authored"
	default:
		return "unknown"
	}
}

// channelIndex is the appinst index this module always uses; nothing here exposes multiple channels per seed.
const channelIndex = 0

// User is a single participant's channel engine: identity, key store, link store and a transport handle, plus the
// bookkeeping needed to publish and discover messages (spec.md §4.5). A User is not safe for concurrent use by
// multiple goroutines; the [Transport] it shares with other Users is.
type User struct {
	identity *Identity
	selfID   Identifier

	log       Logger
	transport Transport
	linkStore *LinkStore
	keyStore  *KeyStore

	isAuthor       bool
	multiBranching bool

	bound       bool
	channelAddr ChannelAddress
	announceLink MsgId
	announceSent bool

	authorID      Identifier
	authorSigPub  []byte
	authorExchPub [32]byte

	state State
}

// NewAuthor derives identity from seed and returns a User that will author a new channel at index 0. Its channel
// address is fixed immediately, before [User.SendAnnounce] is ever called.
func NewAuthor(seed string, multiBranching bool, transport Transport, log Logger) (*User, error) {
	return newUser(seed, true, multiBranching, transport, log)
}

// NewSubscriber derives identity from seed and returns a User with no channel bound yet; it learns the channel
// address from [User.ReceiveAnnouncement].
func NewSubscriber(seed string, multiBranching bool, transport Transport, log Logger) (*User, error) {
	return newUser(seed, false, multiBranching, transport, log)
}

func newUser(seed string, isAuthor bool, multiBranching bool, transport Transport, log Logger) (*User, error) {
	identity, err := deriveIdentity(seed)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = NopLogger()
	}
	u := &User{
		identity:       identity,
		selfID:         identifierOf(identity.SigPub),
		log:            log.Named("channel.user").With("self", identifierOf(identity.SigPub).String()),
		transport:      transport,
		linkStore:      NewLinkStore(),
		keyStore:       NewKeyStore(),
		isAuthor:       isAuthor,
		multiBranching: multiBranching,
		state:          StateFresh,
	}
	if isAuthor {
		u.channelAddr = deriveChannelAddress(identity.SigPub, channelIndex)
		u.bound = true
	}
	return u, nil
}

// ChannelAddress returns the channel this user is bound to. An author's address is set when the User is constructed;
// a subscriber's is the zero value until it has received the channel's Announce message via
// [User.ReceiveAnnouncement].
func (u *User) ChannelAddress() ChannelAddress { return u.channelAddr }

// State reports the user's position in the lifecycle (spec.md §4.5); informational only.
func (u *User) State() State { return u.state }

// Identifier returns this user's own [Identifier].
func (u *User) Identifier() Identifier { return u.selfID }

// StorePsk records a pre-shared key this user already holds out of band, making it usable both to author keyloads
// that include it and to open keyloads addressed to it.
func (u *User) StorePsk(id PskId, psk Psk) { u.keyStore.StorePsk(id, psk) }

// Close wipes this user's private key material (spec.md §9 zeroization note). The user must not be used afterward.
func (u *User) Close() { u.identity.Clear() }

// FetchState returns a snapshot of every known participant's cursor, for equality comparisons (property 6).
func (u *User) FetchState() map[Identifier]Cursor { return u.keyStore.Cursors() }

// joinSponge looks up the committed sponge state for parent. It distinguishes a link never seen at all
// ([ErrLinkMismatch]) from a link known but unreadable because a keyload guard previously failed
// ([ErrKeyNotFound], recorded via [LinkStore.InsertInaccessible]) — this is what gives every descendant of an
// unopenable keyload the same error kind the keyload itself produced (spec.md §8 scenario on excluded recipients).
func (u *User) joinSponge(parent MsgId) (*ddml.Sponge, error) {
	sponge, _, ok := u.linkStore.Lookup(parent)
	if !ok {
		return nil, ErrLinkMismatch
	}
	if sponge == nil {
		return nil, ErrKeyNotFound
	}
	return sponge, nil
}

// buildAnnounceContent runs the Announce wrap script in isolation, with no side effects on the user beyond reading
// its identity. It is shared by [User.SendAnnounce] and [Recover], which must both be able to reproduce the exact
// same wire bytes for the same seed (property 4).
func (u *User) buildAnnounceContent() (*ddml.Context, MsgId, error) {
	sponge := ddml.New(fmt.Sprintf("announce:%s", u.channelAddr))
	ctx := ddml.NewWrap(sponge)
	content := AnnounceContent{
		SigPub:  append([]byte(nil), u.identity.SigPub...),
		ExchPub: append([]byte(nil), u.identity.ExchPub[:]...),
	}
	if err := announceScript(ctx, &content, u.identity); err != nil {
		return nil, MsgId{}, err
	}
	return ctx, announceMsgId(u.channelAddr), nil
}

// SendAnnounce publishes the channel's Announce message. Only the author may call it, and only once.
func (u *User) SendAnnounce() (Address, error) {
	if !u.isAuthor {
		return Address{}, fmt.Errorf("channel: only the author sends announce")
	}
	if u.announceSent {
		return Address{}, fmt.Errorf("channel: announce already sent")
	}

	ctx, msgid, err := u.buildAnnounceContent()
	if err != nil {
		return Address{}, err
	}
	if err := u.linkStore.Insert(msgid, ctx.Sponge, KindAnnounce); err != nil {
		return Address{}, err
	}
	wire := encodeMessage(u.channelAddr, MsgId{}, msgid, KindAnnounce, ctx.Bytes())
	if err := u.transport.SendMessage(Address{Channel: u.channelAddr, Msg: msgid}, wire); err != nil {
		return Address{}, err
	}

	u.announceLink = msgid
	u.announceSent = true
	u.authorID = u.selfID
	u.authorSigPub = append([]byte(nil), u.identity.SigPub...)
	u.authorExchPub = u.identity.ExchPub
	u.keyStore.SetCursor(u.selfID, Cursor{Link: msgid, SeqNum: 1}, false)
	u.state = StateAuthored
	u.log.Info("sent announce", "link", msgid.String())
	return Address{Channel: u.channelAddr, Msg: msgid}, nil
}

// ReceiveAnnouncement binds this user to the channel at link. Calling it twice with the same link is a no-op
// (property 7); calling it after already being bound to a different channel fails with
// [ErrApplicationInstanceMismatch] and leaves the user unchanged.
func (u *User) ReceiveAnnouncement(link Address) error {
	if u.bound {
		if u.channelAddr == link.Channel && u.announceLink == link.Msg {
			return nil
		}
		return ErrApplicationInstanceMismatch
	}

	data, err := u.transport.RecvMessage(link)
	if err != nil {
		return err
	}
	h, body, err := decodeHeader(data)
	if err != nil {
		return err
	}
	if h.Type != KindAnnounce || h.Channel != link.Channel {
		return ErrBadType
	}

	sponge := ddml.New(fmt.Sprintf("announce:%s", link.Channel))
	ctx := ddml.NewUnwrap(sponge, body)
	var content AnnounceContent
	if err := announceScript(ctx, &content, nil); err != nil {
		return err
	}
	if deriveChannelAddress(content.SigPub, channelIndex) != link.Channel {
		return ErrLinkMismatch
	}
	if announceMsgId(link.Channel) != link.Msg {
		return ErrLinkMismatch
	}

	var authorExchPub [32]byte
	copy(authorExchPub[:], content.ExchPub)
	authorID := identifierOf(content.SigPub)

	if err := u.linkStore.Insert(link.Msg, ctx.Sponge, KindAnnounce); err != nil {
		return err
	}

	u.bound = true
	u.channelAddr = link.Channel
	u.announceLink = link.Msg
	u.authorID = authorID
	u.authorSigPub = append([]byte(nil), content.SigPub...)
	u.authorExchPub = authorExchPub

	u.keyStore.StoreSubscriber(authorID, authorExchPub)
	u.keyStore.SetCursor(authorID, Cursor{Link: link.Msg, SeqNum: 1}, false)
	u.keyStore.SetCursor(u.selfID, Cursor{Link: link.Msg, SeqNum: 1}, false)

	u.state = StateAnnounced
	u.log.Info("received announcement", "link", link.Msg.String(), "author", authorID.String())
	return nil
}

// sendMessage wraps and publishes a message of kind, joined to linkTo's committed sponge state, and — when this
// channel is multi-branching — publishes the companion Sequence indirection pointing at it (spec.md §4.4, §4.5:
// every send operation returns a second address in multi-branching mode). It is the one place message addresses are
// minted, so every message kind shares the same cursor-advancement and indirection behavior.
func (u *User) sendMessage(kind MsgKind, linkTo MsgId, build func(ctx *ddml.Context) error) (Address, *Address, error) {
	cur, ok := u.keyStore.Cursor(u.selfID)
	if !ok {
		return Address{}, nil, fmt.Errorf("channel: send before announce/subscribe")
	}

	parentSponge, err := u.joinSponge(linkTo)
	if err != nil {
		return Address{}, nil, err
	}

	var msgid MsgId
	var seqAddress *Address
	if u.multiBranching {
		sa := seqAddr(u.channelAddr, u.selfID, cur.Link, cur.SeqNum)
		msgid = linkMsgId(u.channelAddr, sa, "content")
		seqAddress = &Address{Channel: u.channelAddr, Msg: sa}
	} else {
		msgid = nextAddr(u.channelAddr, u.selfID, cur.Link, cur.SeqNum)
	}

	ctx := ddml.NewWrap(nil)
	ctx.Join(parentSponge, msgid.String())
	if err := build(ctx); err != nil {
		return Address{}, nil, err
	}
	if err := u.linkStore.Insert(msgid, ctx.Sponge, kind); err != nil {
		return Address{}, nil, err
	}

	wire := encodeMessage(u.channelAddr, linkTo, msgid, kind, ctx.Bytes())
	if err := u.transport.SendMessage(Address{Channel: u.channelAddr, Msg: msgid}, wire); err != nil {
		return Address{}, nil, err
	}

	if u.multiBranching {
		seqParentSponge, err := u.joinSponge(cur.Link)
		if err != nil {
			return Address{}, nil, err
		}
		seqCtx := ddml.NewWrap(nil)
		seqCtx.Join(seqParentSponge, seqAddress.Msg.String())
		seqContent := SequenceContent{Publisher: u.selfID, Ref: msgid}
		if err := sequenceScript(seqCtx, &seqContent); err != nil {
			return Address{}, nil, err
		}
		if err := u.linkStore.Insert(seqAddress.Msg, seqCtx.Sponge, KindSequence); err != nil {
			return Address{}, nil, err
		}
		seqWire := encodeMessage(u.channelAddr, cur.Link, seqAddress.Msg, KindSequence, seqCtx.Bytes())
		if err := u.transport.SendMessage(*seqAddress, seqWire); err != nil {
			return Address{}, nil, err
		}
	}

	u.advanceCursorsAfter(u.selfID, msgid, cur.SeqNum+1)
	return Address{Channel: u.channelAddr, Msg: msgid}, seqAddress, nil
}

// advanceCursorsAfter records that publisher's latest known message is now (newLink, newSeq). In a single-branching
// channel every known identifier shares one chain position, so every cursor advances together (spec.md §4.5
// branching rules); in a multi-branching channel only publisher's own cursor moves.
func (u *User) advanceCursorsAfter(publisher Identifier, newLink MsgId, newSeq uint64) {
	if !u.multiBranching {
		for _, id := range u.keyStore.KnownIdentifiers() {
			u.keyStore.SetCursor(id, Cursor{Link: newLink, SeqNum: newSeq}, false)
		}
		return
	}
	u.keyStore.SetCursor(publisher, Cursor{Link: newLink, SeqNum: newSeq}, false)
}

// SendSubscribe publishes a Subscribe message joined to linkTo (ordinarily the channel's announce link).
func (u *User) SendSubscribe(linkTo Address) (Address, *Address, error) {
	if linkTo.Channel != u.channelAddr {
		return Address{}, nil, ErrApplicationInstanceMismatch
	}
	subscribeKey, err := randomBytes(32)
	if err != nil {
		return Address{}, nil, err
	}
	computeShared := func([]byte) ([]byte, error) {
		return u.identity.sharedSecret(&u.authorExchPub)
	}
	var content SubscribeContent
	addr, seqAddr, err := u.sendMessage(KindSubscribe, linkTo.Msg, func(ctx *ddml.Context) error {
		content = SubscribeContent{
			ExchPub:      append([]byte(nil), u.identity.ExchPub[:]...),
			SubscribeKey: subscribeKey,
			SigPub:       append([]byte(nil), u.identity.SigPub...),
		}
		return subscribeScript(ctx, &content, computeShared, u.identity)
	})
	if err != nil {
		return Address{}, nil, err
	}
	u.state = StateSubscribed
	u.log.Info("sent subscribe", "link", addr.Msg.String())
	return addr, seqAddr, nil
}

func (u *User) doReceiveSubscribe(addr Address, h header) error {
	data, err := u.transport.RecvMessage(addr)
	if err != nil {
		return err
	}
	_, body, err := decodeHeader(data)
	if err != nil {
		return err
	}
	parentSponge, err := u.joinSponge(h.Parent)
	if err != nil {
		return err
	}
	ctx := ddml.NewUnwrap(nil, body)
	ctx.Join(parentSponge, addr.Msg.String())

	computeShared := func(peerExchPub []byte) ([]byte, error) {
		var p [32]byte
		copy(p[:], peerExchPub)
		return u.identity.sharedSecret(&p)
	}
	var content SubscribeContent
	if err := subscribeScript(ctx, &content, computeShared, nil); err != nil {
		return err
	}

	subscriberID := identifierOf(content.SigPub)
	if cur, ok := u.keyStore.Cursor(subscriberID); ok {
		if cur.Link == addr.Msg {
			return nil // already processed this exact message (property 7)
		}
		return ErrDuplicateSubscribe
	}

	var exchPub [32]byte
	copy(exchPub[:], content.ExchPub)

	if err := u.linkStore.Insert(addr.Msg, ctx.Sponge, KindSubscribe); err != nil {
		return err
	}
	u.keyStore.StoreSubscriber(subscriberID, exchPub)
	u.keyStore.SetCursor(subscriberID, Cursor{Link: addr.Msg, SeqNum: 1}, false)
	u.log.Info("received subscribe", "link", addr.Msg.String(), "from", subscriberID.String())
	return nil
}

// ReceiveSubscribe processes a Subscribe message found at link.
func (u *User) ReceiveSubscribe(link Address) error {
	data, err := u.transport.RecvMessage(link)
	if err != nil {
		return err
	}
	h, _, err := decodeHeader(data)
	if err != nil {
		return err
	}
	if h.Type != KindSubscribe || h.Channel != u.channelAddr {
		return ErrBadType
	}
	return u.doReceiveSubscribe(link, h)
}

// SendKeyload publishes a Keyload message joined to linkTo, addressed to recipients (by public key) and pskIDs (by
// pre-shared key identifier). Every entry must already be known to this user's key store, or [ErrUnknownRecipient]
// is returned and nothing is sent.
func (u *User) SendKeyload(linkTo Address, recipients []Identifier, pskIDs []PskId) (Address, *Address, error) {
	if linkTo.Channel != u.channelAddr {
		return Address{}, nil, ErrApplicationInstanceMismatch
	}

	pskEntries := make([]PskEntry, 0, len(pskIDs))
	for _, id := range pskIDs {
		psk, ok := u.keyStore.Psk(id)
		if !ok {
			return Address{}, nil, ErrUnknownRecipient
		}
		pskEntries = append(pskEntries, PskEntry{ID: id, Psk: psk})
	}
	keEntries := make([]KeEntry, 0, len(recipients))
	for _, id := range recipients {
		pub, ok := u.keyStore.Subscriber(id)
		if !ok {
			return Address{}, nil, ErrUnknownRecipient
		}
		keEntries = append(keEntries, KeEntry{Pub: *pub})
	}

	nonce, err := randomBytes(16)
	if err != nil {
		return Address{}, nil, err
	}
	sessionKey, err := randomBytes(32)
	if err != nil {
		return Address{}, nil, err
	}
	ephPriv, ephPub, err := generateX25519Keypair()
	if err != nil {
		return Address{}, nil, err
	}

	addr, seqAddr, err := u.sendMessage(KindKeyload, linkTo.Msg, func(ctx *ddml.Context) error {
		content := KeyloadContent{
			Nonce:      nonce,
			PskEntries: pskEntries,
			KeEntries:  keEntries,
			EphPub:     ephPub[:],
			EphPriv:    ephPriv,
			SessionKey: sessionKey,
		}
		return keyloadScript(ctx, &content, u.identity, func(id PskId) (Psk, bool) { return u.keyStore.Psk(id) })
	})
	if err != nil {
		return Address{}, nil, err
	}
	u.keyStore.StoreLinkKey(addr.Msg, sessionKey)
	u.log.Info("sent keyload", "link", addr.Msg.String(), "recipients", len(recipients), "psks", len(pskIDs))
	return addr, seqAddr, nil
}

// SendKeyloadForEveryone publishes a Keyload addressed to every subscriber and every pre-shared key this user
// currently knows.
func (u *User) SendKeyloadForEveryone(linkTo Address) (Address, *Address, error) {
	return u.SendKeyload(linkTo, u.keyStore.Subscribers(), u.keyStore.PskIds())
}

func (u *User) doReceiveKeyload(addr Address, h header) error {
	data, err := u.transport.RecvMessage(addr)
	if err != nil {
		return err
	}
	_, body, err := decodeHeader(data)
	if err != nil {
		return err
	}
	parentSponge, err := u.joinSponge(h.Parent)
	if err != nil {
		return err
	}
	ctx := ddml.NewUnwrap(nil, body)
	ctx.Join(parentSponge, addr.Msg.String())

	var content KeyloadContent
	err = keyloadScript(ctx, &content, u.identity, func(id PskId) (Psk, bool) { return u.keyStore.Psk(id) })
	if err != nil {
		if err == ErrKeyNotFound {
			if ierr := u.linkStore.InsertInaccessible(addr.Msg, KindKeyload); ierr != nil {
				return ierr
			}
		}
		return err
	}

	if err := u.linkStore.Insert(addr.Msg, ctx.Sponge, KindKeyload); err != nil {
		return err
	}
	u.keyStore.StoreLinkKey(addr.Msg, content.SessionKey)
	u.log.Info("received keyload", "link", addr.Msg.String())
	return nil
}

// ReceiveKeyload processes a Keyload message found at link. If this user holds none of its recipient keys, it
// returns [ErrKeyNotFound] and leaves the key store and cursors untouched (property 2); the link store records only
// that the message is known and unreadable, so descendants resolve to the same error (spec.md §8).
func (u *User) ReceiveKeyload(link Address) error {
	data, err := u.transport.RecvMessage(link)
	if err != nil {
		return err
	}
	h, _, err := decodeHeader(data)
	if err != nil {
		return err
	}
	if h.Type != KindKeyload || h.Channel != u.channelAddr {
		return ErrBadType
	}
	return u.doReceiveKeyload(link, h)
}

// SessionKey returns the session key this user recovered from the Keyload at keyloadLink, whether it sent that
// Keyload itself or opened it as a recipient. It reports false if the Keyload is unknown or could not be opened.
func (u *User) SessionKey(keyloadLink MsgId) ([]byte, bool) {
	return u.keyStore.LinkKey(keyloadLink)
}

// SendSignedPacket publishes a SignedPacket, joined to wherever this user's own cursor currently points (typically
// the most recent Keyload or content message it has sent or processed).
func (u *User) SendSignedPacket(publicPayload, maskedPayload []byte) (Address, *Address, error) {
	cur, ok := u.keyStore.Cursor(u.selfID)
	if !ok {
		return Address{}, nil, fmt.Errorf("channel: send before announce/subscribe")
	}
	return u.sendMessage(KindSignedPacket, cur.Link, func(ctx *ddml.Context) error {
		content := SignedPacketContent{
			SignerPub:     append([]byte(nil), u.identity.SigPub...),
			PublicPayload: append([]byte(nil), publicPayload...),
			MaskedPayload: append([]byte(nil), maskedPayload...),
		}
		return signedPacketScript(ctx, &content, u.identity)
	})
}

func (u *User) doReceiveSignedPacket(addr Address, h header) (signerPub, publicPayload, maskedPayload []byte, err error) {
	data, err := u.transport.RecvMessage(addr)
	if err != nil {
		return nil, nil, nil, err
	}
	_, body, err := decodeHeader(data)
	if err != nil {
		return nil, nil, nil, err
	}
	parentSponge, err := u.joinSponge(h.Parent)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx := ddml.NewUnwrap(nil, body)
	ctx.Join(parentSponge, addr.Msg.String())

	var content SignedPacketContent
	if err := signedPacketScript(ctx, &content, nil); err != nil {
		return nil, nil, nil, err
	}
	if err := u.linkStore.Insert(addr.Msg, ctx.Sponge, KindSignedPacket); err != nil {
		return nil, nil, nil, err
	}
	u.log.Info("received signed packet", "link", addr.Msg.String())
	return content.SignerPub, content.PublicPayload, content.MaskedPayload, nil
}

// ReceiveSignedPacket processes a SignedPacket found at link, returning its signer, public and masked payloads.
func (u *User) ReceiveSignedPacket(link Address) (signerPub, publicPayload, maskedPayload []byte, err error) {
	data, err := u.transport.RecvMessage(link)
	if err != nil {
		return nil, nil, nil, err
	}
	h, _, err := decodeHeader(data)
	if err != nil {
		return nil, nil, nil, err
	}
	if h.Type != KindSignedPacket || h.Channel != u.channelAddr {
		return nil, nil, nil, ErrBadType
	}
	return u.doReceiveSignedPacket(link, h)
}

// SendTaggedPacket publishes a TaggedPacket, joined to wherever this user's own cursor currently points.
// Authentication is implicit: the masked payload can only be decrypted by holders of a key chained from a Keyload
// further up the link graph.
func (u *User) SendTaggedPacket(publicPayload, maskedPayload []byte) (Address, *Address, error) {
	cur, ok := u.keyStore.Cursor(u.selfID)
	if !ok {
		return Address{}, nil, fmt.Errorf("channel: send before announce/subscribe")
	}
	return u.sendMessage(KindTaggedPacket, cur.Link, func(ctx *ddml.Context) error {
		content := TaggedPacketContent{
			PublicPayload: append([]byte(nil), publicPayload...),
			MaskedPayload: append([]byte(nil), maskedPayload...),
		}
		return taggedPacketScript(ctx, &content)
	})
}

func (u *User) doReceiveTaggedPacket(addr Address, h header) (publicPayload, maskedPayload []byte, err error) {
	data, err := u.transport.RecvMessage(addr)
	if err != nil {
		return nil, nil, err
	}
	_, body, err := decodeHeader(data)
	if err != nil {
		return nil, nil, err
	}
	parentSponge, err := u.joinSponge(h.Parent)
	if err != nil {
		return nil, nil, err
	}
	ctx := ddml.NewUnwrap(nil, body)
	ctx.Join(parentSponge, addr.Msg.String())

	var content TaggedPacketContent
	if err := taggedPacketScript(ctx, &content); err != nil {
		return nil, nil, err
	}
	if err := u.linkStore.Insert(addr.Msg, ctx.Sponge, KindTaggedPacket); err != nil {
		return nil, nil, err
	}
	u.log.Info("received tagged packet", "link", addr.Msg.String())
	return content.PublicPayload, content.MaskedPayload, nil
}

// ReceiveTaggedPacket processes a TaggedPacket found at link, returning its public and masked payloads.
func (u *User) ReceiveTaggedPacket(link Address) (publicPayload, maskedPayload []byte, err error) {
	data, err := u.transport.RecvMessage(link)
	if err != nil {
		return nil, nil, err
	}
	h, _, err := decodeHeader(data)
	if err != nil {
		return nil, nil, err
	}
	if h.Type != KindTaggedPacket || h.Channel != u.channelAddr {
		return nil, nil, ErrBadType
	}
	return u.doReceiveTaggedPacket(link, h)
}

func (u *User) doReceiveSequence(addr Address, h header) (MsgId, error) {
	data, err := u.transport.RecvMessage(addr)
	if err != nil {
		return MsgId{}, err
	}
	_, body, err := decodeHeader(data)
	if err != nil {
		return MsgId{}, err
	}
	parentSponge, err := u.joinSponge(h.Parent)
	if err != nil {
		return MsgId{}, err
	}
	ctx := ddml.NewUnwrap(nil, body)
	ctx.Join(parentSponge, addr.Msg.String())

	var content SequenceContent
	if err := sequenceScript(ctx, &content); err != nil {
		return MsgId{}, err
	}
	if err := u.linkStore.Insert(addr.Msg, ctx.Sponge, KindSequence); err != nil {
		return MsgId{}, err
	}
	return content.Ref, nil
}

// ReceiveSequence processes a Sequence indirection message found at link and returns the content address it points
// to.
func (u *User) ReceiveSequence(link Address) (Address, error) {
	data, err := u.transport.RecvMessage(link)
	if err != nil {
		return Address{}, err
	}
	h, _, err := decodeHeader(data)
	if err != nil {
		return Address{}, err
	}
	if h.Type != KindSequence || h.Channel != u.channelAddr {
		return Address{}, ErrBadType
	}
	ref, err := u.doReceiveSequence(link, h)
	if err != nil {
		return Address{}, err
	}
	return Address{Channel: u.channelAddr, Msg: ref}, nil
}

// candidate is one identifier's next probeable address.
type candidate struct {
	id   Identifier
	addr Address
}

// GenNextMsgIds returns, for every known participant, the deterministic address this user has not yet processed:
// the next single-branching slot, or the next multi-branching Sequence slot (spec.md §4.5).
func (u *User) GenNextMsgIds() []Address {
	ids := u.keyStore.KnownIdentifiers()
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

	out := make([]Address, 0, len(ids))
	for _, id := range ids {
		cur, ok := u.keyStore.Cursor(id)
		if !ok {
			continue
		}
		var msgid MsgId
		if u.multiBranching {
			msgid = seqAddr(u.channelAddr, id, cur.Link, cur.SeqNum)
		} else {
			msgid = nextAddr(u.channelAddr, id, cur.Link, cur.SeqNum)
		}
		out = append(out, Address{Channel: u.channelAddr, Msg: msgid})
	}
	return out
}

func (u *User) genCandidates() []candidate {
	ids := u.keyStore.KnownIdentifiers()
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

	out := make([]candidate, 0, len(ids))
	for _, id := range ids {
		cur, ok := u.keyStore.Cursor(id)
		if !ok {
			continue
		}
		var msgid MsgId
		if u.multiBranching {
			msgid = seqAddr(u.channelAddr, id, cur.Link, cur.SeqNum)
		} else {
			msgid = nextAddr(u.channelAddr, id, cur.Link, cur.SeqNum)
		}
		out = append(out, candidate{id: id, addr: Address{Channel: u.channelAddr, Msg: msgid}})
	}
	return out
}

// kindOrder resolves the fetch ordering within one pass: Subscribe, then Keyload, then content (spec.md Open
// Question (a)), so that a subscriber registered this round is visible to a keyload processed the same round, and a
// keyload's recovered session key is visible to content processed the same round.
var kindOrder = map[MsgKind]int{
	KindSubscribe:    0,
	KindKeyload:      1,
	KindSignedPacket: 2,
	KindTaggedPacket: 2,
}

// FetchNextMsgs polls every known participant's next candidate address, processes whatever is found (resolving
// Sequence indirections first in multi-branching channels), and returns the addresses of messages it successfully
// delivered. It is one non-recursive pass: call [User.SyncState] to repeat until a pass finds nothing new.
// Per-candidate failures (a bad signature, an unreadable keyload, a malformed body) are excluded from the result
// rather than failing the whole pass; they are aggregated into one error that is logged, not returned. The returned
// error is non-nil only when this user is not yet bound to a channel.
func (u *User) FetchNextMsgs() ([]Address, error) {
	if !u.bound {
		return nil, fmt.Errorf("channel: fetch before announce/subscribe")
	}

	var errs *multierror.Error
	type found struct {
		publisher Identifier
		addr      Address
		h         header
	}

	var pending []found
	for _, c := range u.genCandidates() {
		data, err := u.transport.RecvMessage(c.addr)
		if err != nil {
			continue // nothing published there yet; not an error
		}
		h, _, err := decodeHeader(data)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", c.addr, err))
			continue
		}
		if h.Channel != u.channelAddr {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", c.addr, ErrApplicationInstanceMismatch))
			continue
		}
		pending = append(pending, found{publisher: c.id, addr: c.addr, h: h})
	}

	if u.multiBranching {
		resolved := make([]found, 0, len(pending))
		for _, f := range pending {
			if f.h.Type != KindSequence {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", f.addr, ErrBadType))
				continue
			}
			ref, err := u.doReceiveSequence(f.addr, f.h)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", f.addr, err))
				continue
			}
			contentAddr := Address{Channel: u.channelAddr, Msg: ref}
			data, err := u.transport.RecvMessage(contentAddr)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", contentAddr, err))
				continue
			}
			h2, _, err := decodeHeader(data)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", contentAddr, err))
				continue
			}
			resolved = append(resolved, found{publisher: f.publisher, addr: contentAddr, h: h2})
		}
		pending = resolved
	}

	sort.SliceStable(pending, func(i, j int) bool { return kindOrder[pending[i].h.Type] < kindOrder[pending[j].h.Type] })

	var delivered []Address
	for _, f := range pending {
		var err error
		switch f.h.Type {
		case KindSubscribe:
			err = u.doReceiveSubscribe(f.addr, f.h)
		case KindKeyload:
			err = u.doReceiveKeyload(f.addr, f.h)
		case KindSignedPacket:
			_, _, _, err = u.doReceiveSignedPacket(f.addr, f.h)
		case KindTaggedPacket:
			_, _, err = u.doReceiveTaggedPacket(f.addr, f.h)
		default:
			err = ErrBadType
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", f.addr, err))
			continue
		}

		cur, _ := u.keyStore.Cursor(f.publisher)
		u.advanceCursorsAfter(f.publisher, f.addr.Msg, cur.SeqNum+1)
		delivered = append(delivered, f.addr)
	}

	if errs != nil {
		u.log.Warn("fetch_next_msgs: some candidates did not deliver", "errors", errs.Error())
	}
	return delivered, nil
}

// SyncState repeatedly calls [User.FetchNextMsgs] until a pass delivers nothing new.
func (u *User) SyncState() error {
	for {
		delivered, err := u.FetchNextMsgs()
		if err != nil {
			return err
		}
		if len(delivered) == 0 {
			return nil
		}
	}
}

// FetchPrevMsg returns the address of link's parent, read from the wire header (spec.md §4.3). Announce, which has
// no parent, returns [ErrLinkMismatch].
func (u *User) FetchPrevMsg(link Address) (Address, error) {
	data, err := u.transport.RecvMessage(link)
	if err != nil {
		return Address{}, err
	}
	h, _, err := decodeHeader(data)
	if err != nil {
		return Address{}, err
	}
	if h.Type == KindAnnounce {
		return Address{}, ErrLinkMismatch
	}
	return Address{Channel: link.Channel, Msg: h.Parent}, nil
}

// FetchPrevMsgs walks parent pointers backward from link, returning up to max addresses (nearest first). It stops
// early, without error, if it reaches the channel's Announce message.
func (u *User) FetchPrevMsgs(link Address, max int) ([]Address, error) {
	out := make([]Address, 0, max)
	cur := link
	for i := 0; i < max; i++ {
		prev, err := u.FetchPrevMsg(cur)
		if err != nil {
			break
		}
		out = append(out, prev)
		cur = prev
	}
	return out, nil
}

// ResetState rewinds every known identifier's cursor back to the channel's start (the announce link, sequence
// number 1), retaining all recorded keys, subscribers and link-store entries. A subsequent [User.SyncState] walks
// the same history again and restores the identical cursor map (property 6), since every address along the way is
// deterministic.
func (u *User) ResetState() error {
	if !u.bound {
		return fmt.Errorf("channel: reset before announce/subscribe")
	}
	start := Cursor{Link: u.announceLink, SeqNum: 1}
	for _, id := range u.keyStore.KnownIdentifiers() {
		u.keyStore.SetCursor(id, start, true)
	}
	return nil
}

// Recover reconstructs an author's User from seed and the channel's previously published Announce message,
// verifying that this seed deterministically reproduces byte-identical wire bytes before trusting it, then
// synchronizes state from the transport (spec.md §4.5, property 4).
func Recover(seed string, multiBranching bool, announcement Address, transport Transport, log Logger) (*User, error) {
	u, err := NewAuthor(seed, multiBranching, transport, log)
	if err != nil {
		return nil, err
	}
	if u.channelAddr != announcement.Channel {
		return nil, ErrLinkMismatch
	}

	ctx, msgid, err := u.buildAnnounceContent()
	if err != nil {
		return nil, err
	}
	if msgid != announcement.Msg {
		return nil, ErrLinkMismatch
	}

	gotWire, err := transport.RecvMessage(announcement)
	if err != nil {
		return nil, err
	}
	wantWire := encodeMessage(u.channelAddr, MsgId{}, msgid, KindAnnounce, ctx.Bytes())
	if !bytes.Equal(wantWire, gotWire) {
		return nil, ErrLinkMismatch
	}

	if err := u.linkStore.Insert(msgid, ctx.Sponge, KindAnnounce); err != nil {
		return nil, err
	}
	u.announceLink = msgid
	u.announceSent = true
	u.authorID = u.selfID
	u.authorSigPub = append([]byte(nil), u.identity.SigPub...)
	u.authorExchPub = u.identity.ExchPub
	u.keyStore.SetCursor(u.selfID, Cursor{Link: msgid, SeqNum: 1}, false)
	u.state = StateAuthored

	if err := u.SyncState(); err != nil {
		return nil, err
	}
	return u, nil
}
