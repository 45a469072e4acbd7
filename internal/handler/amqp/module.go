package amqp

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"

	"github.com/conductorhq/agent-relay/internal/adapter/pubsub"
)

var Module = fx.Module("amqp-handler",
	fx.Provide(NewEventHandler),
	fx.Invoke(func(lc fx.Lifecycle, h *EventHandler, router *message.Router, ps *pubsub.PubSub) error {
		if err := h.RegisterHandlers(router, ps); err != nil {
			return err
		}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go router.Run(context.Background())
				<-router.Running()
				return nil
			},
			OnStop: func(context.Context) error {
				return router.Close()
			},
		})
		return nil
	}),
)
