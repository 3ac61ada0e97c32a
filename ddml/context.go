package ddml

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Pass selects which of the three DDML passes a [Context] performs. A message kind's wrap script is written once
// and dispatched by pass: size-of computes the exact wire length, wrap emits bytes, unwrap consumes them. All three
// share the same command sequence; only the side-effect kind differs.
type Pass int

const (
	// SizeOf computes the exact byte length of a message without touching any I/O.
	SizeOf Pass = iota
	// Wrap emits bytes to the wire and mutates the sponge.
	Wrap
	// Unwrap consumes bytes from the wire and mutates the sponge.
	Unwrap
)

func (p Pass) String() string {
	switch p {
	case SizeOf:
		return "size-of"
	case Wrap:
		return "wrap"
	case Unwrap:
		return "unwrap"
	default:
		return "unknown"
	}
}

// Context carries a mutable sponge and a position in a byte stream through one DDML command sequence. It is the
// builder described in spec.md §4.2: each method advances the sponge and, depending on Pass, reads or writes wire
// bytes or merely tallies them.
type Context struct {
	Pass   Pass
	Sponge *Sponge

	out  []byte // Wrap: accumulated output.
	in   []byte // Unwrap: full input.
	pos  int    // Unwrap: read cursor into in.
	size int    // SizeOf: accumulated byte length.
}

// NewSizeOf returns a Context that computes byte length only.
func NewSizeOf(s *Sponge) *Context {
	return &Context{Pass: SizeOf, Sponge: s}
}

// NewWrap returns a Context that emits bytes, starting from an empty output buffer.
func NewWrap(s *Sponge) *Context {
	return &Context{Pass: Wrap, Sponge: s, out: make([]byte, 0, 128)}
}

// NewUnwrap returns a Context that consumes bytes from data.
func NewUnwrap(s *Sponge, data []byte) *Context {
	return &Context{Pass: Unwrap, Sponge: s, in: data}
}

// Bytes returns the accumulated wire output. Valid only in the Wrap pass.
func (c *Context) Bytes() []byte { return c.out }

// Size returns the accumulated byte length. Valid only in the SizeOf pass.
func (c *Context) Size() int { return c.size }

// Remaining reports how many unconsumed input bytes remain. Valid only in the Unwrap pass.
func (c *Context) Remaining() int { return len(c.in) - c.pos }

func (c *Context) writeOut(b []byte) {
	if c.Pass == Wrap {
		c.out = append(c.out, b...)
	}
}

func (c *Context) readIn(n int) ([]byte, error) {
	if c.pos+n > len(c.in) {
		return nil, io.ErrUnexpectedEOF
	}
	b := c.in[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// AbsorbFixed absorbs a fixed-size field of exactly n bytes, both transmitting it on the wire and mixing it into the
// sponge. On Wrap, *data must already hold n bytes. On Unwrap, *data is replaced with the n bytes read from the
// wire. Used for public keys, nonces, and other fields whose length both parties already know.
func (c *Context) AbsorbFixed(label string, data *[]byte, n int) error {
	switch c.Pass {
	case Wrap:
		if len(*data) != n {
			return fmt.Errorf("ddml: absorb %q: want %d bytes, have %d", label, n, len(*data))
		}
		c.writeOut(*data)
	case Unwrap:
		b, err := c.readIn(n)
		if err != nil {
			return fmt.Errorf("ddml: absorb %q: %w", label, err)
		}
		*data = append([]byte(nil), b...)
	case SizeOf:
		c.size += n
	}
	c.Sponge.Absorb(label, *data)
	return nil
}

// AbsorbVarLen absorbs a length-prefixed variable-size field: the length is written as a raw (un-absorbed) uvarint,
// followed by the absorbed content.
func (c *Context) AbsorbVarLen(label string, data *[]byte) error {
	var n uint64
	if c.Pass == Wrap || c.Pass == SizeOf {
		n = uint64(len(*data))
	}
	if err := c.SkipUvarint(label+"-len", &n); err != nil {
		return err
	}
	return c.AbsorbFixed(label, data, int(n))
}

// AbsorbExternal mixes data that is never transmitted on the wire — pre-shared keys, Diffie-Hellman shared secrets,
// and other values both parties already hold.
func (c *Context) AbsorbExternal(label string, data []byte) error {
	if c.Pass != SizeOf {
		c.Sponge.AbsorbExternal(label, data)
	}
	return nil
}

// MaskFixed encrypts (Wrap) or decrypts (Unwrap) a fixed-size field of exactly n bytes.
func (c *Context) MaskFixed(label string, data *[]byte, n int) error {
	switch c.Pass {
	case Wrap:
		if len(*data) != n {
			return fmt.Errorf("ddml: mask %q: want %d bytes, have %d", label, n, len(*data))
		}
		ct := c.Sponge.Mask(label, *data)
		c.writeOut(ct)
		return nil
	case Unwrap:
		ct, err := c.readIn(n)
		if err != nil {
			return fmt.Errorf("ddml: mask %q: %w", label, err)
		}
		*data = c.Sponge.Unmask(label, ct)
		return nil
	default: // SizeOf
		c.size += n
		return nil
	}
}

// MaskVarLen encrypts/decrypts a length-prefixed variable-size field; the length itself is a raw, unmasked uvarint.
func (c *Context) MaskVarLen(label string, data *[]byte) error {
	var n uint64
	if c.Pass == Wrap || c.Pass == SizeOf {
		n = uint64(len(*data))
	}
	if err := c.SkipUvarint(label+"-len", &n); err != nil {
		return err
	}
	return c.MaskFixed(label, data, int(n))
}

// SkipUvarint reads or writes a uvarint-encoded integer directly on the wire without touching the sponge, as used
// for repetition counts (spec.md §4.1 `skip`).
func (c *Context) SkipUvarint(label string, v *uint64) error {
	switch c.Pass {
	case Wrap:
		var buf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(buf[:], *v)
		c.writeOut(buf[:n])
	case Unwrap:
		x, n := binary.Uvarint(c.in[c.pos:])
		if n <= 0 {
			return fmt.Errorf("ddml: skip %q: malformed uvarint", label)
		}
		c.pos += n
		*v = x
	case SizeOf:
		var buf [binary.MaxVarintLen64]byte
		c.size += binary.PutUvarint(buf[:], *v)
	}
	return nil
}

// SkipBytes reads or writes n raw bytes without touching the sponge.
func (c *Context) SkipBytes(data *[]byte, n int) error {
	switch c.Pass {
	case Wrap:
		if len(*data) != n {
			return fmt.Errorf("ddml: skip: want %d bytes, have %d", n, len(*data))
		}
		c.writeOut(*data)
	case Unwrap:
		b, err := c.readIn(n)
		if err != nil {
			return fmt.Errorf("ddml: skip: %w", err)
		}
		*data = append([]byte(nil), b...)
	case SizeOf:
		c.size += n
	}
	return nil
}

// Commit finalizes pending absorption and returns the resulting commit tag. Per spec.md §4.1b, commit is purely
// sponge-internal: it never itself reads or writes wire bytes. Message kinds that need an on-wire authenticator
// (Announce, Subscribe, SignedPacket) do not use the returned tag; after Commit they sign a digest taken with
// [Context.Squeeze].
func (c *Context) Commit(label string) []byte {
	tag := c.Sponge.Commit(label)
	return tag[:]
}

// Squeeze derives n bytes of pseudorandom output from the sponge, advancing the transcript. Used to derive session
// and signing material.
func (c *Context) Squeeze(label string, n int) []byte {
	return c.Sponge.Squeeze(label, n)
}

// Guard fails unwrap with a recoverable error when cond is false. A Wrap-time caller should never construct a
// message that would fail its own guard; Guard is provided on all passes for symmetry with the DDML script.
func (c *Context) Guard(cond bool, msg string) error {
	if !cond {
		return fmt.Errorf("ddml: guard failed: %s", msg)
	}
	return nil
}

// Fork runs body against an independent branch of the sponge, forked from c.Sponge under label (and an optional
// per-branch value, which may be nil). The branch is discarded when body returns — the parent sponge is unaffected
// beyond having recorded the fork's label and arity. The wire cursor (and, on SizeOf, the accumulated size) IS
// shared: body reads/writes through the same byte stream as c, so a fork is purely a sponge-state scope, not a
// stream scope. This is how repeated per-recipient Keyload entries avoid cross-contaminating each other (spec.md
// §4.2) while still being driven by one wire cursor that advances identically in every branch taken.
func (c *Context) Fork(label string, value []byte, body func(*Context) error) error {
	branch := c.Sponge.Fork(label, value)
	fc := &Context{Pass: c.Pass, Sponge: branch, out: c.out, in: c.in, pos: c.pos, size: c.size}
	err := body(fc)
	c.out = fc.out
	c.pos = fc.pos
	c.size = fc.size
	return err
}

// Join resumes sequencing from parent's committed state (looked up by the caller in the link store) and mixes in
// label — typically the child message's own identifier — so two messages joined to the same parent diverge
// immediately. Join replaces c.Sponge; it is always the first command of every message kind but Announce.
func (c *Context) Join(parent *Sponge, label string) {
	c.Sponge = Join(parent, label)
}

// X25519 mixes a precomputed shared secret (the caller performs the actual Diffie-Hellman, treated as a black-box
// collaborator per spec.md §1) into the sponge as external data, then masks/unmasks an n-byte key field under the
// resulting state — the sponge half of spec.md §4.1's `x25519(pk_or_sk, key_field)`.
func (c *Context) X25519(label string, sharedSecret []byte, keyField *[]byte, n int) error {
	if err := c.AbsorbExternal(label+"-shared", sharedSecret); err != nil {
		return err
	}
	return c.MaskFixed(label, keyField, n)
}
