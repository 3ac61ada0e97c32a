package channel

import (
	"encoding/hex"
	"fmt"

	"github.com/duskline/tangleduplex/hazmat/turboshake"
)

const addrDS = 0x01

// ChannelAddress identifies a channel instance (the "appinst"), derived deterministically from the author's Ed25519
// public key and a channel index.
type ChannelAddress [32]byte

func (a ChannelAddress) String() string { return hex.EncodeToString(a[:]) }

// IsZero reports whether a is the zero value (no channel bound yet).
func (a ChannelAddress) IsZero() bool { return a == ChannelAddress{} }

// MsgId identifies a single message within a channel.
type MsgId [32]byte

func (m MsgId) String() string { return hex.EncodeToString(m[:]) }

// Address is a fully qualified message location: the channel it belongs to, plus its MsgId within that channel.
type Address struct {
	Channel ChannelAddress
	Msg     MsgId
}

func (a Address) String() string { return fmt.Sprintf("%s/%s", a.Channel, a.Msg) }

// deriveChannelAddress computes the channel address for an author's Ed25519 public key and channel index.
func deriveChannelAddress(authorPub []byte, index uint32) ChannelAddress {
	var out ChannelAddress
	h := turboshake.New(addrDS)
	_, _ = h.Write([]byte("channel-address"))
	_, _ = h.Write(authorPub)
	_, _ = h.Write(encodeU32(index))
	_, _ = h.Read(out[:])
	return out
}

// announceMsgId computes the MsgId of the (unique) Announce message of a channel: it has no parent, so it is
// derived solely from the channel address.
func announceMsgId(ch ChannelAddress) MsgId {
	var out MsgId
	h := turboshake.New(addrDS)
	_, _ = h.Write([]byte("announce"))
	_, _ = h.Write(ch[:])
	_, _ = h.Read(out[:])
	return out
}

// linkMsgId derives a child MsgId from its parent link and an appinst-scoped tag, as used by Subscribe, Keyload,
// SignedPacket and TaggedPacket (everything but Announce and Sequence, which have their own deterministic schemes).
func linkMsgId(ch ChannelAddress, parent MsgId, tag string) MsgId {
	var out MsgId
	h := turboshake.New(addrDS)
	_, _ = h.Write([]byte("link"))
	_, _ = h.Write(ch[:])
	_, _ = h.Write(parent[:])
	_, _ = h.Write([]byte(tag))
	_, _ = h.Read(out[:])
	return out
}

// nextAddr computes the deterministic next-message address for publisher on top of link in a single-branching
// channel: next_addr(P, L, seq_num).
func nextAddr(ch ChannelAddress, publisher Identifier, parent MsgId, seqNum uint64) MsgId {
	var out MsgId
	h := turboshake.New(addrDS)
	_, _ = h.Write([]byte("next"))
	_, _ = h.Write(ch[:])
	_, _ = h.Write(publisher[:])
	_, _ = h.Write(parent[:])
	_, _ = h.Write(encodeU64(seqNum))
	_, _ = h.Read(out[:])
	return out
}

// seqAddr computes the deterministic address of a publisher's Sequence indirection message in a multi-branching
// channel: seq_addr(P, prev, seq_num).
func seqAddr(ch ChannelAddress, publisher Identifier, prev MsgId, seqNum uint64) MsgId {
	var out MsgId
	h := turboshake.New(addrDS)
	_, _ = h.Write([]byte("seq"))
	_, _ = h.Write(ch[:])
	_, _ = h.Write(publisher[:])
	_, _ = h.Write(prev[:])
	_, _ = h.Write(encodeU64(seqNum))
	_, _ = h.Read(out[:])
	return out
}

func encodeU32(x uint32) []byte {
	return []byte{byte(x >> 24), byte(x >> 16), byte(x >> 8), byte(x)}
}

func encodeU64(x uint64) []byte {
	return []byte{
		byte(x >> 56), byte(x >> 48), byte(x >> 40), byte(x >> 32),
		byte(x >> 24), byte(x >> 16), byte(x >> 8), byte(x),
	}
}
