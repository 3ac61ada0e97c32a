package channel

import "sync"

// Transport is the untrusted append-only "tangle" messages are published to and fetched from. Implementations need
// only satisfy the three operations below (spec.md §6); the concrete transport — an in-memory mock here, an
// HTTP-to-tangle client elsewhere — is an external collaborator out of scope for the protocol core.
//
// Transport methods must tolerate concurrent calls from multiple Users sharing the same handle (spec.md §5).
type Transport interface {
	// SendMessage publishes data at addr. Publishing twice to the same addr appends a second blob rather than
	// overwriting the first, so that duplicate detection (RecvMessages) and accidental collisions are both
	// observable to callers.
	SendMessage(addr Address, data []byte) error
	// RecvMessage returns the single (first) blob published at addr, or ErrMessageNotFound if none exists.
	RecvMessage(addr Address) ([]byte, error)
	// RecvMessages returns every blob published at addr, in publication order. An empty, non-error result means
	// nothing has been published there yet.
	RecvMessages(addr Address) ([][]byte, error)
}

// MemTransport is an in-memory [Transport] mock, safe for concurrent use by multiple Users (spec.md §5, §9). It is
// required for tests and is the only transport this module ships; an HTTP-to-tangle-node transport is explicitly
// left as an external, optional collaborator (spec.md §1).
type MemTransport struct {
	mu       sync.Mutex
	messages map[Address][][]byte
	log      Logger
}

// NewMemTransport returns an empty in-memory transport. A nil logger is replaced with [NopLogger].
func NewMemTransport(log Logger) *MemTransport {
	if log == nil {
		log = NopLogger()
	}
	return &MemTransport{messages: make(map[Address][][]byte), log: log}
}

// SendMessage implements [Transport].
func (t *MemTransport) SendMessage(addr Address, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := append([]byte(nil), data...)
	t.messages[addr] = append(t.messages[addr], buf)
	t.log.Debug("transport: published", "addr", addr.String(), "bytes", len(buf))
	return nil
}

// RecvMessage implements [Transport].
func (t *MemTransport) RecvMessage(addr Address) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs, ok := t.messages[addr]
	if !ok || len(msgs) == 0 {
		return nil, ErrMessageNotFound
	}
	return msgs[0], nil
}

// RecvMessages implements [Transport].
func (t *MemTransport) RecvMessages(addr Address) ([][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := t.messages[addr]
	out := make([][]byte, len(msgs))
	copy(out, msgs)
	return out, nil
}
