// Package amqp consumes platform events from the message bus and feeds
// them into the local delivery pipeline. Notifications and task updates
// become targeted queue messages; system broadcasts fan out to every
// connection.
package amqp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/conductorhq/agent-relay/internal/adapter/pubsub"
	"github.com/conductorhq/agent-relay/internal/manager"
)

const (
	// Topics (routing keys) this node subscribes to.
	TopicNotificationCreated = "agent.notification.created.v1"
	TopicTaskStatusChanged   = "agent.task.status.v1"
	TopicSystemBroadcast     = "agent.system.broadcast.v1"
)

type EventHandler struct {
	mgr    *manager.Manager
	logger *slog.Logger
}

func NewEventHandler(mgr *manager.Manager, logger *slog.Logger) *EventHandler {
	return &EventHandler{mgr: mgr, logger: logger}
}

// RegisterHandlers wires every bus listener onto the router with the
// shared middleware chain: tracing, logging, bounded retry, poison queue,
// throttling and a per-message timeout.
func (h *EventHandler) RegisterHandlers(router *message.Router, ps *pubsub.PubSub) error {
	poison, err := middleware.PoisonQueue(ps.Publisher, pubsub.PoisonTopic)
	if err != nil {
		return fmt.Errorf("amqp: poison queue setup: %w", err)
	}

	configs := []struct {
		name    string
		topic   string
		handler message.NoPublishHandlerFunc
	}{
		{"on_notification_created", TopicNotificationCreated, Bind(h, h.OnNotificationCreatedV1)},
		{"on_task_status_changed", TopicTaskStatusChanged, Bind(h, h.OnTaskStatusChangedV1)},
		{"on_system_broadcast", TopicSystemBroadcast, Bind(h, h.OnSystemBroadcastV1)},
	}

	for _, c := range configs {
		router.AddConsumerHandler(c.name, c.topic, ps.Subscriber, c.handler).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(h.logger),
			NewRetryMiddleware().Middleware,
			poison,
			middleware.NewThrottle(100, time.Second).Middleware,
			middleware.Timeout(30*time.Second),
		)
	}

	h.logger.Info("bus listeners registered", slog.Int("handlers", len(configs)))
	return nil
}
