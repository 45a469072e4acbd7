package amqp

import (
	"context"
	"errors"
	"time"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

// NotificationV1 is the bus shape of a targeted notification.
type NotificationV1 struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Priority  string `json:"priority"`
	Confirm   bool   `json:"confirm"`
}

// TaskStatusV1 announces an agent task transition to its owner.
type TaskStatusV1 struct {
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// BroadcastV1 is a system-wide announcement.
type BroadcastV1 struct {
	Text     string `json:"text"`
	Group    string `json:"group,omitempty"`
	Priority string `json:"priority"`
}

// OnNotificationCreatedV1 enqueues a targeted notification for delivery.
// An offline recipient falls through to the replay buffer; a multi-node
// deployment would add a locality filter here before enqueueing.
func (h *EventHandler) OnNotificationCreatedV1(_ context.Context, raw *NotificationV1) error {
	if raw.Recipient == "" {
		h.logger.Warn("notification without recipient dropped")
		return nil // terminal, not worth a retry
	}

	env := &model.Envelope{
		Type:      model.TypeNotification,
		ID:        raw.ID,
		Text:      raw.Body,
		Timestamp: time.Now().UnixMilli(),
		Data:      map[string]any{"title": raw.Title},
	}

	_, err := h.mgr.SendToIdentity(raw.Recipient, env, model.ParsePriority(raw.Priority), raw.Confirm)
	return err
}

// OnTaskStatusChangedV1 delivers a task transition to the owning identity.
// Failures and completions outrank routine progress updates.
func (h *EventHandler) OnTaskStatusChangedV1(_ context.Context, raw *TaskStatusV1) error {
	if raw.Recipient == "" {
		return errors.New("task status without recipient")
	}

	prio := model.PriorityNormal
	if raw.Status == "failed" {
		prio = model.PriorityHigh
	}

	env := &model.Envelope{
		Type:      model.TypeNotification,
		Text:      raw.Detail,
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]any{
			"task_id":  raw.TaskID,
			"agent_id": raw.AgentID,
			"status":   raw.Status,
		},
	}

	_, err := h.mgr.SendToIdentity(raw.Recipient, env, prio, false)
	return err
}

// OnSystemBroadcastV1 fans an announcement out through the batching window.
func (h *EventHandler) OnSystemBroadcastV1(_ context.Context, raw *BroadcastV1) error {
	h.mgr.Broadcast(&model.Envelope{
		Type:      model.TypeNotification,
		Text:      raw.Text,
		Priority:  raw.Priority,
		Timestamp: time.Now().UnixMilli(),
	}, raw.Group, "")
	return nil
}
