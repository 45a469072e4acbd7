package queue

import (
	"sync"
	"time"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

// DefaultConfirmationTimeout is how long a delivered message may wait for
// its application-level acknowledgment.
const DefaultConfirmationTimeout = 30 * time.Second

type pendingConfirmation struct {
	msg   *model.QueueMessage
	timer *time.Timer
}

// ConfirmationTracker tracks messages awaiting application-level
// acknowledgment. Expiry marks the message FAILED; it never retries on its
// own, that decision belongs to the orchestrator.
type ConfirmationTracker struct {
	mu       sync.Mutex
	pending  map[int64]*pendingConfirmation
	timeout  time.Duration
	onExpire func(*model.QueueMessage)
	stopped  bool
}

// NewConfirmationTracker builds a tracker. onExpire may be nil.
func NewConfirmationTracker(timeout time.Duration, onExpire func(*model.QueueMessage)) *ConfirmationTracker {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	return &ConfirmationTracker{
		pending:  make(map[int64]*pendingConfirmation),
		timeout:  timeout,
		onExpire: onExpire,
	}
}

// Await registers the message as pending and arms its timeout timer.
func (t *ConfirmationTracker) Await(m *model.QueueMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	id := m.ID
	t.pending[id] = &pendingConfirmation{
		msg: m,
		timer: time.AfterFunc(t.timeout, func() {
			t.expire(id)
		}),
	}
}

// Confirm cancels the timer and marks the message COMPLETED. Returns false
// for an unknown id: never registered, already confirmed, or already timed
// out. Idempotent by construction.
func (t *ConfirmationTracker) Confirm(id int64) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		p.timer.Stop()
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.msg.MarkStatus(model.StatusCompleted, "")
	return true
}

func (t *ConfirmationTracker) expire(id int64) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	// The timer fires on its own goroutine while a worker may still be
	// writing the processing outcome; MarkStatus serializes the two.
	p.msg.MarkStatus(model.StatusFailed, "confirmation timeout")
	if t.onExpire != nil {
		t.onExpire(p.msg)
	}
}

// PendingCount reports how many messages still await confirmation.
func (t *ConfirmationTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop cancels every outstanding timer and rejects further registrations.
func (t *ConfirmationTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
}
