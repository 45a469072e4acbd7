package pool

import (
	"log/slog"
	"time"
)

type poolConfig struct {
	capacity           int
	maxGroups          int
	groupSize          int
	strategy           Strategy
	sweepInterval      time.Duration
	idleTimeout        time.Duration
	broadcastBatchSize int
	logger             *slog.Logger
}

func defaultConfig() poolConfig {
	return poolConfig{
		capacity:           10000,
		maxGroups:          64,
		groupSize:          1024,
		strategy:           RoundRobin,
		sweepInterval:      30 * time.Second,
		idleTimeout:        5 * time.Minute,
		broadcastBatchSize: 100,
		logger:             slog.Default(),
	}
}

// Option configures a Pool.
type Option func(*poolConfig)

// WithCapacity sets the hard global connection cap.
func WithCapacity(n int) Option {
	return func(c *poolConfig) { c.capacity = n }
}

// WithMaxGroups bounds the number of groups; further group ids fall back
// to the default group.
func WithMaxGroups(n int) Option {
	return func(c *poolConfig) { c.maxGroups = n }
}

// WithGroupSize bounds members per group; a full group evicts its most
// idle member on insert.
func WithGroupSize(n int) Option {
	return func(c *poolConfig) { c.groupSize = n }
}

// WithStrategy sets the load-balancing strategy applied by new groups.
func WithStrategy(s Strategy) Option {
	return func(c *poolConfig) { c.strategy = s }
}

// WithSweepInterval sets how often the janitor evicts idle connections and
// recomputes aggregate stats.
func WithSweepInterval(d time.Duration) Option {
	return func(c *poolConfig) { c.sweepInterval = d }
}

// WithIdleTimeout sets the inactivity threshold past which the sweep
// evicts a connection.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *poolConfig) { c.idleTimeout = d }
}

// WithBroadcastBatchSize bounds concurrent sends during fan-out.
func WithBroadcastBatchSize(n int) Option {
	return func(c *poolConfig) { c.broadcastBatchSize = n }
}

// WithLogger sets the pool's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *poolConfig) { c.logger = l }
}
