// Package pubsub bridges accepted chat traffic onto the message bus. The
// durable chat-history store consumes these events downstream; this
// service only publishes and forgets.
package pubsub

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

const (
	// ChatEventsTopic receives every accepted chat message for durable
	// history persistence.
	ChatEventsTopic = "chat.message.created.v1"
	// PoisonTopic receives inbound bus messages that exhausted their
	// handler retries.
	PoisonTopic = "relay.incoming.poison"
)

// Dispatcher is the high-level contract for outgoing events. Handlers stay
// agnostic of the transport implementation (AMQP in production, go-channel
// in tests).
type Dispatcher interface {
	PublishChatMessage(ctx context.Context, env *model.Envelope) error
	Publisher() message.Publisher
}

type dispatcher struct {
	publisher message.Publisher
}

// NewDispatcher returns the interface, not the struct, to keep call sites
// mockable.
func NewDispatcher(pub message.Publisher) Dispatcher {
	return &dispatcher{publisher: pub}
}

func (d *dispatcher) PublishChatMessage(ctx context.Context, env *model.Envelope) error {
	if env == nil {
		return fmt.Errorf("dispatcher: cannot publish nil envelope")
	}

	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("dispatcher: marshal failure: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("user_id", env.UserID)

	if err := d.publisher.Publish(ChatEventsTopic, msg); err != nil {
		return fmt.Errorf("dispatcher: publish to %s: %w", ChatEventsTopic, err)
	}
	return nil
}

func (d *dispatcher) Publisher() message.Publisher {
	return d.publisher
}
