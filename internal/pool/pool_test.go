package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

// fakeSocket records writes and satisfies the Socket contract.
type fakeSocket struct {
	mu       sync.Mutex
	writes   [][]byte
	failSend bool
	closed   bool
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return assert.AnError
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.writes = append(f.writes, buf)
	return nil
}

func (f *fakeSocket) WriteControl(int, []byte, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return assert.AnError
	}
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	base := []Option{WithSweepInterval(time.Hour)}
	p := New(append(base, opts...)...)
	t.Cleanup(p.Close)
	return p
}

func TestPoolAddGetRemove(t *testing.T) {
	p := newTestPool(t)

	c := NewConn("user-1", "user", &fakeSocket{})
	require.True(t, p.Add(c, ""))
	assert.Equal(t, 1, p.Len())

	got, ok := p.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, c, got)

	require.True(t, p.Remove("user-1"))
	assert.False(t, p.Remove("user-1"))
	_, ok = p.Get("user-1")
	assert.False(t, ok)
	assert.Equal(t, 0, p.Len())
}

func TestPoolRemoveConnSkipsReplacedEntry(t *testing.T) {
	p := newTestPool(t)

	old := NewConn("user-1", "user", &fakeSocket{})
	require.True(t, p.Add(old, ""))

	// Identity replacement: the old entry is dropped and a new socket
	// registers under the same identity.
	require.True(t, p.Remove("user-1"))
	repl := NewConn("user-1", "user", &fakeSocket{})
	require.True(t, p.Add(repl, ""))

	assert.False(t, p.RemoveConn(old), "stale connection must not unregister its replacement")
	got, ok := p.Get("user-1")
	require.True(t, ok)
	assert.Same(t, repl, got)

	assert.True(t, p.RemoveConn(repl))
	assert.Equal(t, 0, p.Len())
}

func TestPoolRejectsDuplicateIdentity(t *testing.T) {
	p := newTestPool(t)

	require.True(t, p.Add(NewConn("user-1", "user", &fakeSocket{}), ""))
	assert.False(t, p.Add(NewConn("user-1", "user", &fakeSocket{}), ""))
	assert.Equal(t, 1, p.Len())
}

func TestPoolEnforcesCapacity(t *testing.T) {
	p := newTestPool(t, WithCapacity(2))

	require.True(t, p.Add(NewConn("a", "user", &fakeSocket{}), ""))
	require.True(t, p.Add(NewConn("b", "user", &fakeSocket{}), ""))
	assert.False(t, p.Add(NewConn("c", "user", &fakeSocket{}), ""))
	assert.Equal(t, 2, p.Len())

	// Removing one frees a slot.
	require.True(t, p.Remove("a"))
	assert.True(t, p.Add(NewConn("c", "user", &fakeSocket{}), ""))
}

func TestPoolGroupBudgetFallsBackToDefault(t *testing.T) {
	p := newTestPool(t, WithMaxGroups(2)) // default group occupies one slot

	require.True(t, p.Add(NewConn("a", "user", &fakeSocket{}), "alpha"))
	// Budget spent: "beta" lands in the default group instead.
	require.True(t, p.Add(NewConn("b", "user", &fakeSocket{}), "beta"))

	_, ok := p.Best("beta")
	assert.False(t, ok)
	got, ok := p.Best(DefaultGroup)
	require.True(t, ok)
	assert.Equal(t, "b", got.ID())
}

func TestPoolFullGroupEvictsMostIdle(t *testing.T) {
	p := newTestPool(t, WithGroupSize(2))

	idle := NewConn("idle", "user", &fakeSocket{})
	idle.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	require.True(t, p.Add(idle, "g"))

	busy := NewConn("busy", "user", &fakeSocket{})
	require.True(t, p.Add(busy, "g"))

	require.True(t, p.Add(NewConn("new", "user", &fakeSocket{}), "g"))

	_, ok := p.Get("idle")
	assert.False(t, ok, "most idle member should have been evicted")
	_, ok = p.Get("busy")
	assert.True(t, ok)
	assert.Equal(t, 2, p.Len())
}

func TestPoolBroadcast(t *testing.T) {
	p := newTestPool(t, WithBroadcastBatchSize(4))

	socks := map[string]*fakeSocket{}
	for _, id := range []string{"a", "b", "c"} {
		s := &fakeSocket{}
		socks[id] = s
		require.True(t, p.Add(NewConn(id, "user", s), ""))
	}

	sent := p.Broadcast(context.Background(), "", []byte("hello"), map[string]struct{}{"b": {}})
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, socks["a"].writeCount())
	assert.Equal(t, 0, socks["b"].writeCount())
	assert.Equal(t, 1, socks["c"].writeCount())
}

func TestPoolBroadcastCountsFailures(t *testing.T) {
	p := newTestPool(t)

	require.True(t, p.Add(NewConn("ok", "user", &fakeSocket{}), ""))
	require.True(t, p.Add(NewConn("bad", "user", &fakeSocket{failSend: true}), ""))

	sent := p.Broadcast(context.Background(), "", []byte("x"), nil)
	assert.Equal(t, 1, sent)

	bad, _ := p.Get("bad")
	assert.False(t, bad.Healthy())
}

func TestPoolStatusFromUnhealthyFraction(t *testing.T) {
	p := newTestPool(t)

	conns := make([]*Conn, 0, 10)
	for i := 0; i < 10; i++ {
		c := NewConn(string(rune('a'+i)), "user", &fakeSocket{})
		require.True(t, p.Add(c, ""))
		conns = append(conns, c)
	}
	assert.Equal(t, model.HealthHealthy, p.Status())

	for _, c := range conns[:2] {
		c.SetHealthy(false)
	}
	assert.Equal(t, model.HealthDegraded, p.Status())

	for _, c := range conns[2:5] {
		c.SetHealthy(false)
	}
	assert.Equal(t, model.HealthUnhealthy, p.Status())
}

func TestPoolSweepEvictsIdle(t *testing.T) {
	p := newTestPool(t, WithIdleTimeout(time.Minute))

	stale := NewConn("stale", "user", &fakeSocket{})
	stale.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	require.True(t, p.Add(stale, ""))
	require.True(t, p.Add(NewConn("fresh", "user", &fakeSocket{}), ""))

	p.sweep()

	_, ok := p.Get("stale")
	assert.False(t, ok)
	_, ok = p.Get("fresh")
	assert.True(t, ok)

	stats := p.Stats()
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, uint64(1), stats.TotalEvicted)
}

func TestConnLatencyWindow(t *testing.T) {
	c := NewConn("a", "user", &fakeSocket{})

	for i := 0; i < latencySampleLimit+10; i++ {
		c.ObserveLatency(time.Duration(i) * time.Millisecond)
	}
	samples := c.LatencySamples()
	require.Len(t, samples, latencySampleLimit)
	// Oldest samples were dropped.
	assert.Equal(t, 10*time.Millisecond, samples[0])
}

func TestConnPingLifecycle(t *testing.T) {
	c := NewConn("a", "user", &fakeSocket{})
	assert.False(t, c.PingPending())

	require.NoError(t, c.Ping(time.Now().Add(time.Second)))
	assert.True(t, c.PingPending())

	assert.Equal(t, int32(1), c.PingFailed())
	assert.Equal(t, int32(2), c.PingFailed())

	c.PongReceived()
	assert.False(t, c.PingPending())
	assert.True(t, c.Healthy())
	assert.Equal(t, int32(1), c.PingFailed(), "pong resets the failure streak")
	assert.NotEmpty(t, c.LatencySamples())
}
