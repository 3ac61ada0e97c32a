package channel

import "errors"

// Protocol errors: the offending message is dropped and no cursor or key-store entry is mutated. One exception
// touches the link store: a Keyload that fails with [ErrKeyNotFound] is recorded there as known but unreadable (see
// [User.ReceiveKeyload]).
var (
	// ErrBadType is returned when a message's type byte does not match any known message kind.
	ErrBadType = errors.New("channel: unknown message type")
	// ErrVersionMismatch is returned when a message's version byte, or an exported state blob's format version,
	// does not match what this implementation supports.
	ErrVersionMismatch = errors.New("channel: version mismatch")
	// ErrLinkMismatch is returned when a message references a parent link this user has not seen, or whose stored
	// kind is implausible for the child being parsed.
	ErrLinkMismatch = errors.New("channel: link mismatch")
	// ErrValueMismatch names a value rejected by a DDML guard. No function in this package returns it: the one
	// guard in use, the Keyload recipient guard, reports [ErrKeyNotFound].
	ErrValueMismatch = errors.New("channel: guard rejected value")
	// ErrStateMismatch names a commit or squeeze checksum that fails verification on unwrap. No function in this
	// package returns it; no message kind carries a commit tag on the wire.
	ErrStateMismatch = errors.New("channel: commit checksum mismatch")
	// ErrKeyNotFound is returned when a keyload cannot be opened with any key this user holds.
	ErrKeyNotFound = errors.New("channel: no usable key found")
	// ErrSignatureVerificationFailed is returned when a SignedPacket's Ed25519 signature does not verify.
	ErrSignatureVerificationFailed = errors.New("channel: signature verification failed")
)

// Semantic errors: surfaced to the caller without mutating state.
var (
	// ErrApplicationInstanceMismatch is returned by ReceiveAnnouncement when the user is already bound to a
	// different channel address.
	ErrApplicationInstanceMismatch = errors.New("channel: application instance mismatch")
	// ErrBranchingFlagMismatch names a peer whose branching mode differs from this user's. No function in this
	// package returns it; the Announce message does not carry a branching flag.
	ErrBranchingFlagMismatch = errors.New("channel: branching flag mismatch")
	// ErrPublicPayloadMismatch names a round-tripped public payload that differs from the one sent. No function or
	// test in this module returns it.
	ErrPublicPayloadMismatch = errors.New("channel: public payload mismatch")
	// ErrUnknownRecipient is returned by SendKeyload when asked to address an identifier the key store does not
	// know.
	ErrUnknownRecipient = errors.New("channel: unknown recipient")
	// ErrDuplicateSubscribe is returned when a Subscribe message is received twice from the same identifier.
	ErrDuplicateSubscribe = errors.New("channel: duplicate subscribe")
	// ErrCursorCollision names two messages found at the address a cursor already claims. No function in this
	// package returns it: [User.FetchNextMsgs] reads only the first message at each candidate address and does not
	// check for a second one.
	ErrCursorCollision = errors.New("channel: cursor collision")
)

// Transport errors are surfaced verbatim; the user is unchanged.
var (
	// ErrMessageNotFound is returned by a [Transport] when no message exists at the requested address.
	ErrMessageNotFound = errors.New("channel: message not found")
)

// Invariant violations are fatal; the user that observes one is considered poisoned and must be discarded.
var (
	// ErrLinkStoreCorrupt is raised when the link store's invariants (append-only, write-once) are violated.
	ErrLinkStoreCorrupt = errors.New("channel: link store corrupt")
)
