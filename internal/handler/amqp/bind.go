package amqp

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"
)

// BusHandler is the functional signature of a listener's business logic.
type BusHandler[T any] func(ctx context.Context, payload *T) error

// Bind adapts a typed listener onto watermill's handler contract. It owns
// panic recovery and the ack/nack decision: undecodable payloads are acked
// (terminal, poison-pill protection), business failures are nacked so the
// retry chain and poison queue apply.
func Bind[T any](h *EventHandler, fn BusHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("listener panic recovered",
					slog.Any("err", r),
					slog.String("msg_id", msg.UUID),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()

		payload := new(T)
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			h.logger.Error("undecodable bus payload",
				slog.Any("err", err),
				slog.String("msg_id", msg.UUID),
			)
			return nil
		}

		return fn(msg.Context(), payload)
	}
}
