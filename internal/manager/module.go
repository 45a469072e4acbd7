package manager

import (
	"context"
	"log/slog"
	"strings"

	"go.uber.org/fx"

	"github.com/conductorhq/agent-relay/config"
	"github.com/conductorhq/agent-relay/internal/auth"
)

var Module = fx.Module("manager",
	fx.Provide(
		func() Validator { return NewDefaultValidator() },
		func(cfg *config.Config) auth.Authenticator {
			return auth.WithBreaker(
				auth.NewStaticTokenAuthenticator(parseTokenTable(cfg.Auth.Tokens)),
			)
		},
		New,
	),
	fx.Invoke(func(lc fx.Lifecycle, m *Manager, cfg *config.Config, logger *slog.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				m.Start()
				cfg.WatchThresholds(func(t config.Thresholds) {
					logger.Info("thresholds reloaded",
						slog.Float64("latency_p95_ms", t.LatencyP95Ms),
						slog.Float64("error_rate", t.ErrorRate),
					)
				})
				return nil
			},
			OnStop: m.Shutdown,
		})
	}),
)

// parseTokenTable turns the configured token -> "identity:role" pairs into
// resolvable identities. A pair without a role defaults to "user".
func parseTokenTable(tokens map[string]string) map[string]auth.Identity {
	out := make(map[string]auth.Identity, len(tokens))
	for token, pair := range tokens {
		id, role, ok := strings.Cut(pair, ":")
		if !ok {
			role = "user"
		}
		out[token] = auth.Identity{ID: id, Role: role}
	}
	return out
}
