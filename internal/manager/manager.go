// Package manager ties the delivery subsystem together: it accepts
// inbound websocket connections, gates them through the authentication
// handshake, registers them with the pool, runs the inbound frame
// pipeline and the outbound broadcast batcher, and owns the health-check
// and performance-metrics loops.
package manager

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conductorhq/agent-relay/config"
	"github.com/conductorhq/agent-relay/internal/adapter/pubsub"
	"github.com/conductorhq/agent-relay/internal/auth"
	"github.com/conductorhq/agent-relay/internal/domain/model"
	"github.com/conductorhq/agent-relay/internal/pool"
	"github.com/conductorhq/agent-relay/internal/queue"
)

const (
	// ServerName identifies the instance in info responses.
	ServerName = "agent-relay"
	// ServerVersion is stamped by the build; the default covers dev runs.
	ServerVersion = "0.0.0"

	pingWriteTimeout = 5 * time.Second
	rateLimitWindow  = time.Minute
)

// serverCapabilities are advertised in the auth_success frame.
var serverCapabilities = []string{"compression", "batch", "confirmations"}

// Manager is the top-level connection manager and the public send/
// broadcast/stats API of the subsystem.
type Manager struct {
	cfg        *config.Config
	logger     *slog.Logger
	pool       *pool.Pool
	orch       *queue.Orchestrator
	buffer     *queue.Buffer
	authn      auth.Authenticator
	validator  Validator
	dispatcher pubsub.Dispatcher

	upgrader websocket.Upgrader
	limiter  *rateLimiter
	batcher  *batcher

	startedAt time.Time
	frames    atomic.Uint64
	errors    atomic.Uint64

	metricsMu sync.RWMutex
	metrics   model.PerformanceMetrics

	// CPU sampling baseline, touched only by the metrics loop.
	prevCPUSeconds float64
	prevCPUAt      time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a manager. Call Start before serving connections.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	connPool *pool.Pool,
	orch *queue.Orchestrator,
	authn auth.Authenticator,
	validator Validator,
	dispatcher pubsub.Dispatcher,
) *Manager {
	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		pool:       connPool,
		orch:       orch,
		buffer:     orch.Buffer(),
		authn:      authn,
		validator:  validator,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limiter:   newRateLimiter(cfg.Manager.RateLimitPerMinute, rateLimitWindow),
		startedAt: time.Now(),
	}
	m.batcher = newBatcher(cfg.Manager.BatchFlushInterval, cfg.Manager.BatchMaxSize, m.flushBroadcasts)
	return m
}

// Start registers the delivery processor and launches the background
// loops: batching window, health checks, performance metrics.
func (m *Manager) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.orch.RegisterProcessor(model.TypeChatMessage, queue.ProcessorFunc(m.deliverToRecipient))
	m.orch.RegisterProcessor(model.TypeUserStatus, queue.ProcessorFunc(m.deliverToRecipient))
	m.orch.RegisterProcessor(model.TypeNotification, queue.ProcessorFunc(m.deliverToRecipient))

	m.batcher.start()
	m.wg.Add(2)
	go m.healthLoop()
	go m.metricsLoop()

	m.logger.Info("connection manager started",
		slog.Int("capacity", m.pool.Capacity()),
		slog.Duration("auth_timeout", m.cfg.Manager.AuthTimeout),
	)
}

// Shutdown announces the shutdown to every client, then stops the loops.
// Pool teardown (closing sockets) happens in the pool's own lifecycle.
func (m *Manager) Shutdown(ctx context.Context) error {
	frame, err := (&model.Envelope{
		Type:      model.TypeServerShutdown,
		Timestamp: time.Now().UnixMilli(),
	}).Encode()
	if err == nil {
		m.pool.Broadcast(ctx, "", frame, nil)
	}

	if m.cancel != nil {
		m.cancel()
	}
	m.batcher.stop()
	m.wg.Wait()
	return nil
}

// deliverToRecipient is the processor behind targeted queue messages.
// Broadcast traffic never reaches it; the batcher fans that out directly.
// A dead or missing recipient sends the message to the offline buffer:
// that is successful processing, not a failure. Delivery errors never
// trigger a per-send retry; the buffer replays on reconnect.
func (m *Manager) deliverToRecipient(_ context.Context, qm *model.QueueMessage) (bool, error) {
	if qm.Recipient == "" {
		return true, nil
	}

	out := deliveryCopy(qm)

	conn, ok := m.pool.Get(qm.Recipient)
	if !ok || !conn.Healthy() {
		m.buffer.Add(qm.Recipient, out)
		return true, nil
	}

	if err := conn.Send(mustEncode(out)); err != nil {
		m.errors.Add(1)
		m.cleanupConn(conn, "delivery send failed")
		m.buffer.Add(qm.Recipient, out)
	}
	return true, nil
}

// deliveryCopy stamps the queue id into a copy of the content so the
// recipient can acknowledge it with a confirm frame.
func deliveryCopy(qm *model.QueueMessage) *model.Envelope {
	out := *qm.Content
	if out.ID == "" {
		out.ID = formatMessageID(qm.ID)
	}
	data := make(map[string]any, len(out.Data)+1)
	for k, v := range out.Data {
		data[k] = v
	}
	data["delivery_id"] = formatMessageID(qm.ID)
	out.Data = data
	return &out
}

// SendToIdentity enqueues a targeted message for delivery, optionally
// requiring an application-level confirmation.
func (m *Manager) SendToIdentity(identity string, env *model.Envelope, prio model.Priority, requireConfirmation bool) (int64, error) {
	return m.orch.EnqueueForRecipient(identity, env, prio, requireConfirmation)
}

// Broadcast stages an envelope for the next batching-window flush.
func (m *Manager) Broadcast(env *model.Envelope, group, excludeIdentity string) {
	m.batcher.Stage(broadcastEntry{env: env, group: group, exclude: excludeIdentity})
}

// flushBroadcasts fans the staged window out through the pool. Entries
// stay individual frames: each carries its own sender exclusion, so
// frames cannot be coalesced across senders.
func (m *Manager) flushBroadcasts(entries []broadcastEntry) {
	for _, e := range entries {
		data, err := e.env.Encode()
		if err != nil {
			continue
		}
		var exclude map[string]struct{}
		if e.exclude != "" {
			exclude = map[string]struct{}{e.exclude: {}}
		}
		m.pool.Broadcast(m.ctx, e.group, data, exclude)
	}
}

func (m *Manager) stageStatus(identity, status string) {
	m.batcher.Stage(broadcastEntry{
		env: &model.Envelope{
			Type:      model.TypeUserStatus,
			UserID:    identity,
			Timestamp: time.Now().UnixMilli(),
			Data:      map[string]any{"status": status},
		},
		exclude: identity,
	})
}

// cleanupConn removes a broken connection from the pool, closes its
// socket and announces the identity going offline. Removal compares the
// stored entry: when the identity was already replaced by a newer socket,
// this connection is gone from the pool and there is nothing to do.
func (m *Manager) cleanupConn(c *pool.Conn, reason string) {
	if !m.pool.RemoveConn(c) {
		return // replaced or already cleaned up
	}
	c.Close()
	m.stageStatus(c.ID(), "offline")
	m.logger.Info("connection cleaned up",
		slog.String("conn_id", c.ID()),
		slog.String("reason", reason),
	)
}

// ConnectionStats returns the operational read model for the stats API.
func (m *Manager) ConnectionStats() model.ConnectionStats {
	return model.ConnectionStats{
		Pool:        m.pool.Stats(),
		Queue:       m.orch.Stats(),
		Health:      m.pool.Status(),
		Connections: m.pool.Snapshots(),
	}
}

// PerformanceMetrics returns the latest sample from the metrics loop.
func (m *Manager) PerformanceMetrics() model.PerformanceMetrics {
	m.metricsMu.RLock()
	defer m.metricsMu.RUnlock()
	return m.metrics
}

// ServerInfo describes the running instance.
func (m *Manager) ServerInfo() model.ServerInfo {
	return model.ServerInfo{
		Name:          ServerName,
		Version:       ServerVersion,
		StartedAt:     m.startedAt,
		UptimeSeconds: time.Since(m.startedAt).Seconds(),
		Capabilities:  serverCapabilities,
		Capacity:      m.pool.Capacity(),
	}
}

// DeadLetters, RequeueDeadLetter and ClearDeadLetter re-expose the
// orchestrator's dead-letter controls for the operational HTTP surface.
func (m *Manager) DeadLetters() []*model.QueueMessage { return m.orch.DeadLetters() }
func (m *Manager) RequeueDeadLetter(id int64) bool    { return m.orch.RequeueDeadLetter(id) }
func (m *Manager) ClearDeadLetter() int               { return m.orch.ClearDeadLetter() }

func mustEncode(env *model.Envelope) []byte {
	data, err := env.Encode()
	if err != nil {
		// Envelope fields are all marshalable types; this cannot fail
		// at runtime.
		panic(err)
	}
	return data
}
