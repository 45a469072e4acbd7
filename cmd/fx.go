package cmd

import (
	"go.uber.org/fx"

	"github.com/conductorhq/agent-relay/config"
	httpserver "github.com/conductorhq/agent-relay/infra/server/http"
	"github.com/conductorhq/agent-relay/internal/adapter/pubsub"
	amqphandler "github.com/conductorhq/agent-relay/internal/handler/amqp"
	"github.com/conductorhq/agent-relay/internal/handler/httpapi"
	wshandler "github.com/conductorhq/agent-relay/internal/handler/ws"
	"github.com/conductorhq/agent-relay/internal/manager"
	"github.com/conductorhq/agent-relay/internal/pool"
	"github.com/conductorhq/agent-relay/internal/queue"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
		),
		pubsub.Module,
		pool.Module,
		queue.Module,
		manager.Module,
		wshandler.Module,
		httpapi.Module,
		amqphandler.Module,
		httpserver.Module,
	)
}
