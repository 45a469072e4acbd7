// Package queue implements the message-delivery pipeline: a strict
// four-level priority queue, the per-recipient offline buffer, the
// delivery confirmation tracker and the orchestrator that runs workers,
// scheduling, retries and the dead-letter store on top of them.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

// ErrQueueClosed is returned by Put and Get once Close has been called.
var ErrQueueClosed = errors.New("queue: closed")

// PriorityQueue is a four-level FIFO-within-level queue with strict
// priority dequeue order. Get suspends the calling worker until a message
// is available; a LOW message is handed out only when CRITICAL, HIGH and
// NORMAL are all empty at the instant of dequeue. No starvation protection
// for LOW is provided; that is policy, not an oversight.
type PriorityQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	levels [model.PriorityLevels][]*model.QueueMessage
	size   int
	closed bool
}

// NewPriorityQueue builds an empty queue.
func NewPriorityQueue() *PriorityQueue {
	q := &PriorityQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends the message to its priority level and wakes one waiter.
func (q *PriorityQueue) Put(m *model.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	lvl := m.Priority.Level()
	q.levels[lvl] = append(q.levels[lvl], m)
	q.size++
	q.cond.Signal()
	return nil
}

// Get blocks until a message is available, the context is cancelled or the
// queue closes, then returns the head of the highest non-empty level.
func (q *PriorityQueue) Get(ctx context.Context) (*model.QueueMessage, error) {
	// Waiters sit on the condition variable; cancellation has to reach
	// them through a broadcast, cond.Wait alone cannot observe the ctx.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.size > 0 {
			return q.popLocked(), nil
		}
		if q.closed {
			return nil, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
}

func (q *PriorityQueue) popLocked() *model.QueueMessage {
	for lvl := range q.levels {
		if len(q.levels[lvl]) == 0 {
			continue
		}
		m := q.levels[lvl][0]
		q.levels[lvl][0] = nil
		q.levels[lvl] = q.levels[lvl][1:]
		q.size--
		return m
	}
	return nil
}

// Len reports the total number of queued messages.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// LenByPriority reports the per-level depth for monitoring.
func (q *PriorityQueue) LenByPriority() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]int, model.PriorityLevels)
	for lvl := range q.levels {
		out[(model.PriorityCritical + model.Priority(lvl)).String()] = len(q.levels[lvl])
	}
	return out
}

// Oldest returns the creation time of the oldest queued message. Heads
// are oldest within their level, so scanning four heads suffices.
func (q *PriorityQueue) Oldest() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest time.Time
	found := false
	for lvl := range q.levels {
		if len(q.levels[lvl]) == 0 {
			continue
		}
		head := q.levels[lvl][0].CreatedAt
		if !found || head.Before(oldest) {
			oldest = head
			found = true
		}
	}
	return oldest, found
}

// Close rejects further puts and wakes every blocked waiter.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
