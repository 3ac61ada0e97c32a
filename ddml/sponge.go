// Package ddml implements the DDML (Data Description & Manipulation Language) command pipeline that produces and
// consumes every channel message type.
//
// At the bottom of the pipeline sits [Sponge], a transcript-based pseudo-random permutation built on TurboSHAKE128.
// Operations append frames to an internal transcript; finalizing operations (Commit, Squeeze, Mask, Unmask) evaluate
// TurboSHAKE128 over the transcript, derive outputs, and reset the transcript with a chain value so absorption can
// continue. [Context] then layers the wrap/unwrap/size-of passes, fork-and-drain, and guards on top of the sponge to
// express a single message script once and dispatch it by pass. Context has no repetition command; message scripts
// repeat commands with ordinary Go loops.
package ddml

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/duskline/tangleduplex/hazmat/turboshake"
	"github.com/duskline/tangleduplex/internal/mem"
)

// CommitTagSize is the length, in bytes, of the checksum produced by [Sponge.Commit].
const CommitTagSize = 16

// chainValueSize is the chain value size in bytes (= TurboSHAKE128 capacity).
const chainValueSize = 32

// TurboSHAKE128 domain separation bytes.
const (
	dsChain  = 0x20
	dsCommit = 0x21
	dsSqueeze = 0x22
	dsMask   = 0x23
)

// Operation codes, written into the transcript ahead of each frame.
const (
	opInit           = 0x01
	opAbsorb         = 0x02
	opAbsorbExternal = 0x03
	opFork           = 0x04
	opJoin           = 0x05
	opCommit         = 0x06
	opSqueeze        = 0x07
	opMask           = 0x08
	opChain          = 0x09
	opSkip           = 0x0a
)

// Sponge is a stateful cryptographic permutation wrapping the channel, providing absorb/squeeze/mask/fork/join
// primitives. Two sponges are equal iff the sequence of commands applied to them from a common initial state has
// been identical; the sponge itself carries no notion of "correctness" beyond that.
type Sponge struct {
	h     turboshake.Hasher
	label string
}

// New creates a sponge initialized with the given domain label. Two sponges created with different labels produce
// cryptographically independent transcripts, even given identical subsequent commands.
func New(label string) *Sponge {
	s := &Sponge{h: turboshake.New(dsChain), label: label}
	s.writeOpLabel(opInit, label)
	return s
}

// Absorb mixes public data into the sponge transcript. Used for fields that are also written to (or read from) the
// wire by the enclosing [Context].
func (s *Sponge) Absorb(label string, data []byte) {
	s.writeOpLabel(opAbsorb, label)
	s.writeLengthEncode(data)
}

// AbsorbExternal mixes data that is never transmitted — pre-shared keys, ephemeral shared secrets, and other values
// both parties hold out of band.
func (s *Sponge) AbsorbExternal(label string, data []byte) {
	s.writeOpLabel(opAbsorbExternal, label)
	s.writeLengthEncode(data)
}

// Commit finalizes pending absorption and returns a [CommitTagSize]-byte checksum over the transcript so far.
// Subsequent operations depend on everything absorbed up to this point.
func (s *Sponge) Commit(label string) [CommitTagSize]byte {
	s.writeOpLabel(opCommit, label)

	var tag [CommitTagSize]byte
	cv := s.finalize(dsCommit, tag[:])
	s.resetChain(opCommit, cv[:])
	return tag
}

// CommitVerify recomputes the commit checksum for label and compares it against tag in constant time. It always
// advances the transcript identically to [Sponge.Commit], regardless of the outcome — callers must discard the
// sponge (and roll back any state derived from it) on a false result rather than continue using it.
func (s *Sponge) CommitVerify(label string, tag []byte) bool {
	got := s.Commit(label)
	return len(tag) == CommitTagSize && subtle.ConstantTimeCompare(got[:], tag) == 1
}

// Squeeze derives n bytes of pseudorandom output deterministic in the full transcript and advances the transcript.
// Used both for MAC-like tags (compare the wrap-time and unwrap-time values for equality) and for deriving session
// and signing keys.
func (s *Sponge) Squeeze(label string, n int) []byte {
	s.writeOpLabel(opSqueeze, label)

	out := make([]byte, n)
	cv := s.finalize(dsSqueeze, out)
	s.resetChain(opSqueeze, cv[:])
	return out
}

// Mask derives a keystream from the transcript, XORs it with plaintext to produce ciphertext, and then mixes the
// plaintext into the transcript (as [Sponge.Absorb] would). Confidentiality requires the transcript already contain
// unpredictable input; Mask provides no authentication by itself — pair it with a [Sponge.Commit] or an external
// signature.
func (s *Sponge) Mask(label string, plaintext []byte) []byte {
	s.writeOpLabel(opMask, label)

	ks := make([]byte, len(plaintext))
	cv := s.finalize(dsMask, ks)

	ciphertext := make([]byte, len(plaintext))
	copy(ciphertext, plaintext)
	mem.XORInPlace(ciphertext, ks)
	clear(ks)

	s.resetChain(opMask, cv[:])
	s.Absorb(label, plaintext)
	return ciphertext
}

// Unmask reverses [Sponge.Mask]: it derives the same keystream from the transcript, XORs it with ciphertext to
// recover plaintext, and mixes the recovered plaintext into the transcript.
func (s *Sponge) Unmask(label string, ciphertext []byte) []byte {
	s.writeOpLabel(opMask, label)

	ks := make([]byte, len(ciphertext))
	cv := s.finalize(dsMask, ks)

	plaintext := make([]byte, len(ciphertext))
	copy(plaintext, ciphertext)
	mem.XORInPlace(plaintext, ks)
	clear(ks)

	s.resetChain(opMask, cv[:])
	s.Absorb(label, plaintext)
	return plaintext
}

// Fork calls ForkN with a single value and returns the one branch.
func (s *Sponge) Fork(label string, value []byte) *Sponge {
	return s.ForkN(label, [][]byte{value})[0]
}

// ForkN clones the sponge into len(values) independent branches, leaving s itself unchanged beyond recording that a
// fork of this label and arity occurred. Each branch additionally mixes in its corresponding value, so branches with
// distinct values diverge immediately. Used by repeated-fork constructs (e.g. keyload recipient entries) where each
// iteration must not contaminate the others or the parent.
func (s *Sponge) ForkN(label string, values [][]byte) []*Sponge {
	n := len(values)
	s.writeOpLabel(opFork, label)
	s.writeLeftEncode(uint64(n))

	branches := make([]*Sponge, n)
	for i, v := range values {
		b := s.Clone()
		b.writeLeftEncode(uint64(i + 1))
		b.writeLengthEncode(v)
		branches[i] = b
	}
	return branches
}

// Join resumes a sponge from a parent's committed state, then mixes in label (typically the child's own link
// identifier) so that two messages joined to the same parent diverge immediately. This is the sponge half of the
// link store's "join link" operation; the caller is responsible for looking up the parent's committed state.
func Join(parent *Sponge, label string) *Sponge {
	child := parent.Clone()
	child.writeOpLabel(opJoin, label)
	return child
}

// Clone returns an independent copy of the sponge. The original and the clone evolve independently from this point
// on.
func (s *Sponge) Clone() *Sponge {
	return &Sponge{h: s.h, label: s.label}
}

// Equal reports whether two sponges have applied an identical command sequence from a common initial state.
func (s *Sponge) Equal(other *Sponge) bool {
	return s.label == other.label && s.h.Equal(&other.h)
}

// Clear overwrites the sponge state with zeros and invalidates the instance.
func (s *Sponge) Clear() {
	s.h.Reset(0)
	s.label = ""
}

func (s *Sponge) String() string {
	return fmt.Sprintf("Sponge(%s)", s.label)
}

// MarshalBinary serializes the sponge's full internal state (label and underlying Keccak state), so a committed
// link can be persisted outside the process — see channel.BoltStateStore.
func (s *Sponge) MarshalBinary() ([]byte, error) {
	hb, err := s.h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	lb := []byte(s.label)
	buf := make([]byte, 4+len(lb)+len(hb))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(lb)))
	copy(buf[4:4+len(lb)], lb)
	copy(buf[4+len(lb):], hb)
	return buf, nil
}

// UnmarshalSponge reconstructs a sponge previously serialized with [Sponge.MarshalBinary].
func UnmarshalSponge(data []byte) (*Sponge, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("ddml: short sponge encoding")
	}
	n := binary.BigEndian.Uint32(data[:4])
	if uint64(4+n) > uint64(len(data)) {
		return nil, fmt.Errorf("ddml: truncated sponge encoding")
	}
	label := string(data[4 : 4+n])
	var h turboshake.Hasher
	if err := h.UnmarshalBinary(data[4+n:]); err != nil {
		return nil, err
	}
	return &Sponge{h: h, label: label}, nil
}

// finalize performs the dual TurboSHAKE128 finalization in parallel using [turboshake.Chain]: s.h (kept at dsChain)
// produces the new chain value, and a clone finalized with outputDS produces the output read into dst.
func (s *Sponge) finalize(outputDS byte, dst []byte) [chainValueSize]byte {
	var cv [chainValueSize]byte

	oh := s.h
	turboshake.Chain(&s.h, &oh, outputDS)
	_, _ = s.h.Read(cv[:])
	if dst != nil {
		_, _ = oh.Read(dst)
	}

	return cv
}

// resetChain resets the transcript with a CHAIN frame binding the originating operation and its chain value, so
// absorption can resume.
func (s *Sponge) resetChain(originOp byte, chainValue []byte) {
	s.h.Reset(dsChain)

	var buf [2 + chainValueSize]byte
	buf[0] = opChain
	buf[1] = originOp
	copy(buf[2:], chainValue)
	_, _ = s.h.Write(buf[:])
}

// writeOpLabel writes op || length_encode(label). Every sponge operation begins with this preamble.
func (s *Sponge) writeOpLabel(op byte, label string) {
	_, _ = s.h.Write([]byte{op})
	s.writeLengthEncode([]byte(label))
}

// writeLeftEncode writes left_encode(x) as defined in NIST SP 800-185.
func (s *Sponge) writeLeftEncode(x uint64) {
	var buf [9]byte
	if x == 0 {
		buf[0] = 1
		_, _ = s.h.Write(buf[:2])
		return
	}

	i := 8
	v := x
	for v > 0 {
		buf[i] = byte(v)
		v >>= 8
		i--
	}
	buf[i] = byte(8 - i)
	_, _ = s.h.Write(buf[i:9])
}

// writeLengthEncode writes length_encode(x) = left_encode(len(x)) || x.
func (s *Sponge) writeLengthEncode(data []byte) {
	s.writeLeftEncode(uint64(len(data)))
	if len(data) > 0 {
		_, _ = s.h.Write(data)
	}
}
