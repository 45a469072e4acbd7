package pool

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/conductorhq/agent-relay/config"
)

var Module = fx.Module("pool",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) *Pool {
			return New(
				WithCapacity(cfg.Pool.Capacity),
				WithMaxGroups(cfg.Pool.MaxGroups),
				WithGroupSize(cfg.Pool.GroupSize),
				WithStrategy(ParseStrategy(cfg.Pool.Strategy)),
				WithSweepInterval(cfg.Pool.SweepInterval),
				WithIdleTimeout(cfg.Pool.IdleTimeout),
				WithBroadcastBatchSize(cfg.Pool.BroadcastBatchSize),
				WithLogger(logger),
			)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, p *Pool) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				p.Close()
				return nil
			},
		})
	}),
)
