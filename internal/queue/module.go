package queue

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/conductorhq/agent-relay/config"
)

var Module = fx.Module("queue",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) (*BufferStore, error) {
			if cfg.Buffer.Path == "" {
				return nil, nil
			}
			return OpenBufferStore(cfg.Buffer.Path)
		},
		func(cfg *config.Config, store *BufferStore, logger *slog.Logger) *Buffer {
			return NewBuffer(cfg.Buffer.PerRecipient, store, logger)
		},
		func(cfg *config.Config, buffer *Buffer, logger *slog.Logger) (*Orchestrator, error) {
			return NewOrchestrator(buffer,
				WithWorkers(cfg.Queue.Workers),
				WithMaxRetries(cfg.Queue.MaxRetries),
				WithDeadLetterLimit(cfg.Queue.DeadLetterLimit),
				WithSchedulerTick(cfg.Queue.SchedulerTick),
				WithMetricsInterval(cfg.Queue.MetricsInterval),
				WithConfirmationTimeout(cfg.Queue.ConfirmationTimeout),
				WithOrchestratorLogger(logger),
			)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, buffer *Buffer, store *BufferStore, orch *Orchestrator) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				// Restore persisted buffers before the transport
				// layer starts accepting connections.
				if err := buffer.Load(); err != nil {
					return err
				}
				orch.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				orch.Stop()
				if store != nil {
					return store.Close()
				}
				return nil
			},
		})
	}),
)
