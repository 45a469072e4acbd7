package pubsub

import (
	"go.uber.org/fx"
)

var Module = fx.Module("pubsub",
	fx.Provide(
		NewPubSub,
		NewRouter,
		func(ps *PubSub) Dispatcher { return NewDispatcher(ps.Publisher) },
	),
)
