// Package pool owns every live connection in the process.
//
// Ownership is strict: the Pool creates, indexes and closes connections;
// groups only reference them for load-balanced selection. Each group has
// its own lock and the global index has another, so unrelated connections
// never serialize on a shared mutex. A janitor goroutine sweeps idle
// members and republishes aggregate stats on a fixed cadence.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

// DefaultGroup receives members when the group budget is exhausted. It is
// never removed, even when empty.
const DefaultGroup = "default"

// Pool holds all connection groups plus a flat index by identity, enforces
// the hard global capacity and runs the idle sweep.
type Pool struct {
	cfg poolConfig

	mu    sync.RWMutex // global identity index
	conns map[string]*Conn
	size  atomic.Int32 // fast-path capacity check without the lock

	gmu    sync.RWMutex // group map
	groups map[string]*Group

	added   atomic.Uint64
	removed atomic.Uint64
	evicted atomic.Uint64
	hits    atomic.Uint64
	misses  atomic.Uint64

	statsMu sync.RWMutex
	stats   model.PoolStats

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a pool and starts its sweep loop. Close joins the loop and
// closes every remaining connection.
func New(opts ...Option) *Pool {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Pool{
		cfg:    cfg,
		conns:  make(map[string]*Conn, cfg.capacity),
		groups: make(map[string]*Group),
		done:   make(chan struct{}),
	}
	p.groups[DefaultGroup] = newGroup(DefaultGroup, cfg.strategy, cfg.groupSize)

	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// Add registers a connection under groupID. Returns false when the global
// capacity is reached or the identity is already present. Groups are
// created lazily up to the group budget; past it the connection lands in
// the default group. A full group evicts its most idle member first.
func (p *Pool) Add(c *Conn, groupID string) bool {
	if int(p.size.Load()) >= p.cfg.capacity {
		return false
	}

	p.mu.Lock()
	if _, exists := p.conns[c.id]; exists {
		p.mu.Unlock()
		return false
	}
	if int(p.size.Load()) >= p.cfg.capacity {
		p.mu.Unlock()
		return false
	}
	p.conns[c.id] = c
	p.size.Add(1)
	p.mu.Unlock()

	g := p.groupFor(groupID)
	if evicted := g.add(c); evicted != nil {
		p.detach(evicted)
		evicted.Close()
		p.evicted.Add(1)
		p.cfg.logger.Debug("evicted idle group member",
			slog.String("group", g.ID()),
			slog.String("conn_id", evicted.ID()),
		)
	}

	p.added.Add(1)
	return true
}

// groupFor resolves or lazily creates the group, falling back to the
// default group once the group budget is spent.
func (p *Pool) groupFor(groupID string) *Group {
	if groupID == "" {
		groupID = DefaultGroup
	}

	p.gmu.RLock()
	g, ok := p.groups[groupID]
	p.gmu.RUnlock()
	if ok {
		return g
	}

	p.gmu.Lock()
	defer p.gmu.Unlock()
	if g, ok = p.groups[groupID]; ok {
		return g
	}
	if len(p.groups) >= p.cfg.maxGroups {
		return p.groups[DefaultGroup]
	}
	g = newGroup(groupID, p.cfg.strategy, p.cfg.groupSize)
	p.groups[groupID] = g
	return g
}

// Remove detaches a connection from its group and the global index.
// It does not close the socket; that is the caller's decision.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	c, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
		p.size.Add(-1)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	p.removeFromGroups(c)
	p.removed.Add(1)
	return true
}

// RemoveConn detaches c only while it is still the registered connection
// for its identity. After an identity replacement the old session's late
// cleanup must not unregister the replacement socket.
func (p *Pool) RemoveConn(c *Conn) bool {
	p.mu.Lock()
	cur, ok := p.conns[c.id]
	if !ok || cur != c {
		p.mu.Unlock()
		return false
	}
	delete(p.conns, c.id)
	p.size.Add(-1)
	p.mu.Unlock()

	p.removeFromGroups(c)
	p.removed.Add(1)
	return true
}

// detach removes a connection from the index only; used for group-level
// evictions where the group already dropped its reference.
func (p *Pool) detach(c *Conn) {
	p.mu.Lock()
	if _, ok := p.conns[c.id]; ok {
		delete(p.conns, c.id)
		p.size.Add(-1)
	}
	p.mu.Unlock()
}

func (p *Pool) removeFromGroups(c *Conn) {
	p.gmu.RLock()
	groups := make([]*Group, 0, len(p.groups))
	for _, g := range p.groups {
		groups = append(groups, g)
	}
	p.gmu.RUnlock()

	for _, g := range groups {
		if found, empty := g.remove(c.id); found {
			if empty && g.ID() != DefaultGroup {
				p.dropEmptyGroup(g.ID())
			}
			return
		}
	}
}

func (p *Pool) dropEmptyGroup(id string) {
	p.gmu.Lock()
	if g, ok := p.groups[id]; ok && g.len() == 0 {
		delete(p.groups, id)
	}
	p.gmu.Unlock()
}

// Get resolves a connection by identity, counting hit/miss for the stats
// aggregation.
func (p *Pool) Get(id string) (*Conn, bool) {
	p.mu.RLock()
	c, ok := p.conns[id]
	p.mu.RUnlock()
	if ok {
		p.hits.Add(1)
	} else {
		p.misses.Add(1)
	}
	return c, ok
}

// Best delegates to the group's strategy to select a member.
func (p *Pool) Best(groupID string) (*Conn, bool) {
	p.gmu.RLock()
	g, ok := p.groups[groupID]
	p.gmu.RUnlock()
	if !ok {
		p.misses.Add(1)
		return nil, false
	}
	c := g.pick()
	if c == nil {
		p.misses.Add(1)
		return nil, false
	}
	p.hits.Add(1)
	return c, true
}

// Broadcast fans a payload out to a group ("" means all connections),
// skipping identities in exclude. Sends run concurrently but bounded to
// the configured batch size so a large pool cannot spike the scheduler.
// Returns the number of successful sends.
func (p *Pool) Broadcast(ctx context.Context, groupID string, data []byte, exclude map[string]struct{}) int {
	var targets []*Conn
	if groupID == "" {
		targets = p.all()
	} else {
		p.gmu.RLock()
		g, ok := p.groups[groupID]
		p.gmu.RUnlock()
		if !ok {
			return 0
		}
		targets = g.snapshot()
	}

	var sent atomic.Int64
	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(p.cfg.broadcastBatchSize)

	for _, c := range targets {
		if _, skip := exclude[c.ID()]; skip {
			continue
		}
		eg.Go(func() error {
			if err := c.Send(data); err == nil {
				sent.Add(1)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return int(sent.Load())
}

// Each calls fn over a snapshot of all connections, lock-free for fn.
func (p *Pool) Each(fn func(*Conn)) {
	for _, c := range p.all() {
		fn(c)
	}
}

func (p *Pool) all() []*Conn {
	p.mu.RLock()
	out := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	p.mu.RUnlock()
	return out
}

// Len reports the current pool size without locking.
func (p *Pool) Len() int { return int(p.size.Load()) }

// Capacity reports the configured hard cap.
func (p *Pool) Capacity() int { return p.cfg.capacity }

// Status classifies pool health from the unhealthy member fraction:
// >=50% unhealthy, >=20% degraded.
func (p *Pool) Status() model.HealthStatus {
	conns := p.all()
	if len(conns) == 0 {
		return model.HealthHealthy
	}
	bad := 0
	for _, c := range conns {
		if !c.Healthy() {
			bad++
		}
	}
	frac := float64(bad) / float64(len(conns))
	switch {
	case frac >= 0.5:
		return model.HealthUnhealthy
	case frac >= 0.2:
		return model.HealthDegraded
	default:
		return model.HealthHealthy
	}
}

// Stats returns the latest aggregate snapshot published by the sweep loop.
func (p *Pool) Stats() model.PoolStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

// Snapshots copies every connection's counters for the metrics loop.
func (p *Pool) Snapshots() []model.ConnSnapshot {
	conns := p.all()
	out := make([]model.ConnSnapshot, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Snapshot())
	}
	return out
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep evicts connections idle past the threshold, drops empty
// non-default groups and republishes the stats snapshot.
func (p *Pool) sweep() {
	p.gmu.RLock()
	groups := make([]*Group, 0, len(p.groups))
	for _, g := range p.groups {
		groups = append(groups, g)
	}
	p.gmu.RUnlock()

	for _, g := range groups {
		for _, c := range g.idleMembers(p.cfg.idleTimeout) {
			p.cfg.logger.Info("sweeping idle connection",
				slog.String("conn_id", c.ID()),
				slog.String("group", g.ID()),
				slog.Duration("idle", c.IdleFor()),
			)
			p.Remove(c.ID())
			c.Close()
			p.evicted.Add(1)
		}
		if g.ID() != DefaultGroup && g.len() == 0 {
			p.dropEmptyGroup(g.ID())
		}
	}

	p.publishStats()
}

func (p *Pool) publishStats() {
	conns := p.all()

	var ageSum float64
	for _, c := range conns {
		ageSum += time.Since(c.CreatedAt()).Seconds()
	}
	avgAge := 0.0
	if len(conns) > 0 {
		avgAge = ageSum / float64(len(conns))
	}

	hits, misses := p.hits.Load(), p.misses.Load()
	hitRatio := 0.0
	if hits+misses > 0 {
		hitRatio = float64(hits) / float64(hits+misses)
	}

	p.gmu.RLock()
	groupCount := len(p.groups)
	p.gmu.RUnlock()

	stats := model.PoolStats{
		ActiveConnections: len(conns),
		Capacity:          p.cfg.capacity,
		Utilization:       float64(len(conns)) / float64(p.cfg.capacity),
		Groups:            groupCount,
		TotalAdded:        p.added.Load(),
		TotalRemoved:      p.removed.Load(),
		TotalEvicted:      p.evicted.Load(),
		Hits:              hits,
		Misses:            misses,
		HitRatio:          hitRatio,
		AvgAgeSeconds:     avgAge,
		CollectedAt:       time.Now(),
	}

	p.statsMu.Lock()
	p.stats = stats
	p.statsMu.Unlock()
}

// Close stops the sweep loop and closes every remaining connection.
func (p *Pool) Close() {
	close(p.done)
	p.wg.Wait()

	for _, c := range p.all() {
		p.Remove(c.ID())
		c.Close()
	}
}
