package queue

import (
	"log/slog"
	"sync"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

// DefaultBufferPerRecipient bounds each recipient's offline ring.
const DefaultBufferPerRecipient = 100

// Buffer holds messages addressed to currently-disconnected identities.
// Each recipient gets a bounded ring: once full, the oldest entry is
// silently dropped. With a store attached every mutation is persisted so
// buffers survive a restart.
type Buffer struct {
	mu           sync.Mutex
	perRecipient map[string][]*model.Envelope
	limit        int
	store        *BufferStore // nil means memory-only
	logger       *slog.Logger
}

// NewBuffer builds an offline buffer. store may be nil for memory-only
// operation (tests, or persistence disabled by config).
func NewBuffer(limit int, store *BufferStore, logger *slog.Logger) *Buffer {
	if limit <= 0 {
		limit = DefaultBufferPerRecipient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		perRecipient: make(map[string][]*model.Envelope),
		limit:        limit,
		store:        store,
		logger:       logger,
	}
}

// Load restores persisted buffers. Must run before connections are
// accepted so reconnecting clients see their pre-restart backlog.
func (b *Buffer) Load() error {
	if b.store == nil {
		return nil
	}
	restored, err := b.store.LoadAll()
	if err != nil {
		return err
	}

	b.mu.Lock()
	total := 0
	for recipient, msgs := range restored {
		if len(msgs) > b.limit {
			msgs = msgs[len(msgs)-b.limit:]
		}
		b.perRecipient[recipient] = msgs
		total += len(msgs)
	}
	b.mu.Unlock()

	if total > 0 {
		b.logger.Info("restored offline buffers",
			slog.Int("recipients", len(restored)),
			slog.Int("messages", total),
		)
	}
	return nil
}

// Add appends a message to the recipient's ring, dropping the oldest entry
// once the ring is full. Persistence failures are logged, never surfaced:
// live buffering must not fail because the disk does.
func (b *Buffer) Add(recipient string, env *model.Envelope) {
	b.mu.Lock()
	ring := b.perRecipient[recipient]
	if len(ring) >= b.limit {
		copy(ring, ring[1:])
		ring = ring[:len(ring)-1]
	}
	ring = append(ring, env)
	b.perRecipient[recipient] = ring
	snapshot := make([]*model.Envelope, len(ring))
	copy(snapshot, ring)
	b.mu.Unlock()

	b.persist(recipient, snapshot)
}

// Drain pops and returns up to limit buffered messages for the recipient
// in insertion order. Used when a recipient reconnects.
func (b *Buffer) Drain(recipient string, limit int) []*model.Envelope {
	b.mu.Lock()
	ring := b.perRecipient[recipient]
	if len(ring) == 0 {
		b.mu.Unlock()
		return nil
	}
	n := len(ring)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*model.Envelope, n)
	copy(out, ring[:n])

	rest := ring[n:]
	if len(rest) == 0 {
		delete(b.perRecipient, recipient)
	} else {
		remaining := make([]*model.Envelope, len(rest))
		copy(remaining, rest)
		b.perRecipient[recipient] = remaining
	}
	var snapshot []*model.Envelope
	if len(rest) > 0 {
		snapshot = make([]*model.Envelope, len(rest))
		copy(snapshot, rest)
	}
	b.mu.Unlock()

	if snapshot == nil {
		b.forget(recipient)
	} else {
		b.persist(recipient, snapshot)
	}
	return out
}

// Len reports the number of messages buffered for one recipient.
func (b *Buffer) Len(recipient string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.perRecipient[recipient])
}

// Size reports the total number of buffered messages.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, ring := range b.perRecipient {
		total += len(ring)
	}
	return total
}

func (b *Buffer) persist(recipient string, msgs []*model.Envelope) {
	if b.store == nil {
		return
	}
	if err := b.store.SaveRecipient(recipient, msgs); err != nil {
		b.logger.Warn("offline buffer persistence failed",
			slog.String("recipient", recipient),
			slog.Any("err", err),
		)
	}
}

func (b *Buffer) forget(recipient string) {
	if b.store == nil {
		return
	}
	if err := b.store.DeleteRecipient(recipient); err != nil {
		b.logger.Warn("offline buffer cleanup failed",
			slog.String("recipient", recipient),
			slog.Any("err", err),
		)
	}
}
