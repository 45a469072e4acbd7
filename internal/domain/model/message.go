package model

import (
	"strings"
	"sync"
	"time"
)

// Priority determines dequeue order. Lower value dequeues first.
type Priority int8

const (
	// PriorityUnspecified is the zero value; admission collapses it to
	// PriorityNormal so a caller omitting the field never jumps the line.
	PriorityUnspecified Priority = iota
	PriorityCritical
	PriorityHigh
	PriorityNormal
	PriorityLow

	// PriorityLevels is the number of distinct queue levels.
	PriorityLevels = 4
)

// Level maps a priority to its queue level index; level 0 dequeues first.
// Unspecified and out-of-range values land on the NORMAL level.
func (p Priority) Level() int {
	if p < PriorityCritical || p > PriorityLow {
		p = PriorityNormal
	}
	return int(p - PriorityCritical)
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// ParsePriority maps a wire-level priority name to a Priority.
// Unknown or empty input falls back to PriorityNormal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// MessageStatus tracks a queue message through its lifecycle.
// COMPLETED and DEAD_LETTER are terminal.
type MessageStatus int8

const (
	StatusPending MessageStatus = iota + 1
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusRetry
	StatusDeadLetter
)

func (s MessageStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusProcessing:
		return "PROCESSING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusRetry:
		return "RETRY"
	case StatusDeadLetter:
		return "DEAD_LETTER"
	}
	return "UNKNOWN"
}

// QueueMessage is the unit of work flowing through the orchestrator.
// Routing fields are mutated only by the worker that currently owns the
// message; Status and Error also transition from confirmation timers, so
// those writes go through MarkStatus.
type QueueMessage struct {
	ID          int64
	Content     *Envelope
	Priority    Priority
	CreatedAt   time.Time
	ScheduledAt time.Time // zero value means deliver immediately
	RetryCount  int
	MaxRetries  int
	Recipient   string
	Group       string
	Tags        []string

	statusMu sync.Mutex
	Status   MessageStatus
	Error    string
}

// MarkStatus records a lifecycle transition. Workers and confirmation
// timers can race on terminal transitions, so the write is guarded.
func (m *QueueMessage) MarkStatus(s MessageStatus, errText string) {
	m.statusMu.Lock()
	m.Status = s
	m.Error = errText
	m.statusMu.Unlock()
}

// CurrentStatus reads the lifecycle fields under the same guard.
func (m *QueueMessage) CurrentStatus() (MessageStatus, string) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.Status, m.Error
}
