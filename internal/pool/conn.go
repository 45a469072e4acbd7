package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

// Socket is the minimal transport surface the pool needs. *websocket.Conn
// satisfies it; tests substitute an in-memory fake.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// latencySampleLimit bounds the rolling round-trip window per connection.
const latencySampleLimit = 100

// Conn wraps one live bidirectional socket and owns its statistics.
// The Pool is the sole owner of a Conn's lifecycle; every other structure
// holds only the identity string and resolves it through the Pool.
type Conn struct {
	id        string
	role      string
	createdAt time.Time

	sock    Socket
	writeMu sync.Mutex // gorilla conns allow a single concurrent writer

	lastActivity atomic.Int64 // unix nanos
	lastPingAt   atomic.Int64 // unix nanos, 0 when no ping is in flight

	sentMessages atomic.Uint64
	recvMessages atomic.Uint64
	sentBytes    atomic.Uint64
	recvBytes    atomic.Uint64
	errorCount   atomic.Uint64
	usage        atomic.Int64 // selection counter for least-connections
	pingFailures atomic.Int32
	unhealthy    atomic.Bool

	latMu     sync.Mutex
	latencies []time.Duration // ring, newest appended, oldest dropped
}

// NewConn wraps an accepted socket. The connection starts healthy.
func NewConn(id, role string, sock Socket) *Conn {
	c := &Conn{
		id:        id,
		role:      role,
		createdAt: time.Now(),
		sock:      sock,
		latencies: make([]time.Duration, 0, latencySampleLimit),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) Role() string         { return c.role }
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// Send writes one text frame. A failed write counts against the connection
// and marks it unhealthy; the caller decides on cleanup.
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	err := c.sock.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.errorCount.Add(1)
		c.unhealthy.Store(true)
		return err
	}
	c.sentMessages.Add(1)
	c.sentBytes.Add(uint64(len(data)))
	c.Touch()
	return nil
}

// SendEnvelope encodes and sends a wire envelope.
func (c *Conn) SendEnvelope(env *model.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Ping writes a control ping and records the send time so the pong handler
// can compute a round trip.
func (c *Conn) Ping(deadline time.Time) error {
	c.lastPingAt.Store(time.Now().UnixNano())
	c.writeMu.Lock()
	err := c.sock.WriteControl(websocket.PingMessage, nil, deadline)
	c.writeMu.Unlock()
	if err != nil {
		c.errorCount.Add(1)
	}
	return err
}

// PongReceived resolves an in-flight ping: resets the failure streak and
// feeds the measured round trip into the latency window.
func (c *Conn) PongReceived() {
	c.pingFailures.Store(0)
	c.unhealthy.Store(false)
	if sent := c.lastPingAt.Swap(0); sent > 0 {
		c.ObserveLatency(time.Since(time.Unix(0, sent)))
	}
	c.Touch()
}

// PingPending reports whether a ping is still awaiting its pong.
func (c *Conn) PingPending() bool {
	return c.lastPingAt.Load() != 0
}

// PingFailed increments the consecutive failure streak and returns it.
func (c *Conn) PingFailed() int32 {
	return c.pingFailures.Add(1)
}

// Touch refreshes the last-activity timestamp.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor reports how long the connection has been without activity.
func (c *Conn) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// MarkReceived accounts one inbound frame of n bytes.
func (c *Conn) MarkReceived(n int) {
	c.recvMessages.Add(1)
	c.recvBytes.Add(uint64(n))
	c.Touch()
}

// ObserveLatency appends one round-trip sample, dropping the oldest past
// the window limit.
func (c *Conn) ObserveLatency(d time.Duration) {
	c.latMu.Lock()
	if len(c.latencies) == latencySampleLimit {
		copy(c.latencies, c.latencies[1:])
		c.latencies = c.latencies[:latencySampleLimit-1]
	}
	c.latencies = append(c.latencies, d)
	c.latMu.Unlock()
}

// LatencySamples returns a copy of the rolling window.
func (c *Conn) LatencySamples() []time.Duration {
	c.latMu.Lock()
	out := make([]time.Duration, len(c.latencies))
	copy(out, c.latencies)
	c.latMu.Unlock()
	return out
}

func (c *Conn) Healthy() bool      { return !c.unhealthy.Load() }
func (c *Conn) SetHealthy(ok bool) { c.unhealthy.Store(!ok) }

func (c *Conn) Errors() uint64 { return c.errorCount.Load() }
func (c *Conn) Usage() int64   { return c.usage.Load() }

func (c *Conn) markSelected() { c.usage.Add(1) }

// errorRate relates failed writes to total writes for WRR weighting.
func (c *Conn) errorRate() float64 {
	sent := c.sentMessages.Load()
	errs := c.errorCount.Load()
	total := sent + errs
	if total == 0 {
		return 0
	}
	return float64(errs) / float64(total)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.sock.Close()
}

// Snapshot copies the live counters for stats aggregation.
func (c *Conn) Snapshot() model.ConnSnapshot {
	return model.ConnSnapshot{
		ID:           c.id,
		Role:         c.role,
		CreatedAt:    c.createdAt,
		IdleFor:      c.IdleFor(),
		SentMessages: c.sentMessages.Load(),
		RecvMessages: c.recvMessages.Load(),
		SentBytes:    c.sentBytes.Load(),
		RecvBytes:    c.recvBytes.Load(),
		Errors:       c.errorCount.Load(),
		Healthy:      c.Healthy(),
	}
}
