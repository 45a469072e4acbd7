package pubsub

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/conductorhq/agent-relay/config"
)

// PubSub bundles both directions of the bus connection behind one value so
// the fx graph hands handlers a single dependency.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// NewPubSub connects to the configured broker. Without a broker the
// in-process go-channel transport backs both directions, which keeps
// single-node deployments and tests broker-free.
func NewPubSub(cfg *config.Config, logger *slog.Logger) (*PubSub, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	if !cfg.AMQP.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
		return &PubSub{Publisher: ch, Subscriber: ch}, nil
	}

	amqpCfg := wamqp.NewDurablePubSubConfig(
		cfg.AMQP.URL,
		wamqp.GenerateQueueNameTopicNameWithSuffix("agent-relay"),
	)

	pub, err := wamqp.NewPublisher(amqpCfg, wmLogger)
	if err != nil {
		return nil, err
	}
	sub, err := wamqp.NewSubscriber(amqpCfg, wmLogger)
	if err != nil {
		pub.Close()
		return nil, err
	}
	return &PubSub{Publisher: pub, Subscriber: sub}, nil
}

// NewRouter builds the watermill router the AMQP handlers register on.
func NewRouter(logger *slog.Logger) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{}, watermill.NewSlogLogger(logger))
}
