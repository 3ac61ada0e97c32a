package channel

import "fmt"

// ProtocolVersion is the current wire format version (spec.md §6). Messages and exported state blobs carrying any
// other version byte are rejected with [ErrVersionMismatch].
const ProtocolVersion byte = 1

// header is the fixed-size prefix of every message on the wire: [channel_address | parent_msgid | msgid |
// version_byte | type_byte], followed by the DDML body (spec.md §6). The parent link travels in the clear — the
// original protocol this module generalizes always carries it as a plain struct field of the transport envelope,
// not as DDML-scripted content, so that a candidate address found by cursor-polling can be joined (or walked
// backward, see [User.FetchPrevMsg]) before its body has been evaluated at all.
type header struct {
	Channel ChannelAddress
	Parent  MsgId
	Msg     MsgId
	Version byte
	Type    MsgKind
}

const headerSize = 32 + 32 + 32 + 1 + 1

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:32], h.Channel[:])
	copy(buf[32:64], h.Parent[:])
	copy(buf[64:96], h.Msg[:])
	buf[96] = h.Version
	buf[97] = byte(h.Type)
	return buf
}

func decodeHeader(data []byte) (header, []byte, error) {
	if len(data) < headerSize {
		return header{}, nil, fmt.Errorf("channel: short message header (%d bytes)", len(data))
	}
	var h header
	copy(h.Channel[:], data[0:32])
	copy(h.Parent[:], data[32:64])
	copy(h.Msg[:], data[64:96])
	h.Version = data[96]
	h.Type = MsgKind(data[97])

	if h.Version != ProtocolVersion {
		return header{}, nil, ErrVersionMismatch
	}
	return h, data[headerSize:], nil
}

// encodeMessage assembles the full wire bytes for a message: header (including its parent link) plus DDML body.
// Announce, which has no parent, passes the zero MsgId.
func encodeMessage(ch ChannelAddress, parent MsgId, msgid MsgId, kind MsgKind, body []byte) []byte {
	h := encodeHeader(header{Channel: ch, Parent: parent, Msg: msgid, Version: ProtocolVersion, Type: kind})
	return append(h, body...)
}
