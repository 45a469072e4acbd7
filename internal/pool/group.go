package pool

import (
	"sync"
	"time"
)

// wrrBaseWeight is the healthy-member weight for smoothed WRR. Error
// history subtracts from it, a full cycle replenishes one point.
const wrrBaseWeight = 100

type wrrState struct {
	effective int
	current   int
}

// Group is a bounded collection of connections sharing one load-balancing
// strategy. It references connections, never owns them; the Pool handles
// lifecycle. All mutation happens under the group's own mutex so unrelated
// groups never contend.
type Group struct {
	id       string
	strategy Strategy
	maxSize  int

	mu      sync.Mutex
	members map[string]*Conn
	order   []string // insertion order, drives the round-robin cursor
	cursor  int
	weights map[string]*wrrState
	picks   int
}

func newGroup(id string, strategy Strategy, maxSize int) *Group {
	return &Group{
		id:       id,
		strategy: strategy,
		maxSize:  maxSize,
		members:  make(map[string]*Conn, maxSize),
		weights:  make(map[string]*wrrState, maxSize),
	}
}

func (g *Group) ID() string { return g.id }

// add inserts a member, evicting the group's most idle member first when
// the group is full. Returns the evicted connection, if any.
func (g *Group) add(c *Conn) (evicted *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[c.id]; !ok && len(g.members) >= g.maxSize {
		if victim := g.mostIdleLocked(); victim != nil {
			g.removeLocked(victim.id)
			evicted = victim
		}
	}

	if _, ok := g.members[c.id]; !ok {
		g.order = append(g.order, c.id)
	}
	g.members[c.id] = c
	g.weights[c.id] = &wrrState{effective: wrrBaseWeight}
	return evicted
}

// remove detaches a member. Reports whether it was present and whether the
// group is now empty.
func (g *Group) remove(id string) (found, empty bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, found = g.members[id]
	if found {
		g.removeLocked(id)
	}
	return found, len(g.members) == 0
}

func (g *Group) removeLocked(id string) {
	delete(g.members, id)
	delete(g.weights, id)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			if g.cursor > i {
				g.cursor--
			}
			break
		}
	}
}

func (g *Group) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// mostIdleLocked finds the member with the longest inactivity.
func (g *Group) mostIdleLocked() *Conn {
	var victim *Conn
	for _, c := range g.members {
		if victim == nil || c.IdleFor() > victim.IdleFor() {
			victim = c
		}
	}
	return victim
}

// pick selects one member according to the group's strategy. Returns nil
// for an empty group.
func (g *Group) pick() *Conn {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.members) == 0 {
		return nil
	}

	var c *Conn
	switch g.strategy {
	case LeastConnections:
		c = g.pickLeastLocked()
	case WeightedRoundRobin:
		c = g.pickWeightedLocked()
	default:
		c = g.pickRoundRobinLocked()
	}
	if c != nil {
		c.markSelected()
	}
	return c
}

func (g *Group) pickRoundRobinLocked() *Conn {
	if g.cursor >= len(g.order) {
		g.cursor = 0
	}
	c := g.members[g.order[g.cursor]]
	g.cursor++
	return c
}

func (g *Group) pickLeastLocked() *Conn {
	var best *Conn
	for _, id := range g.order {
		c := g.members[id]
		if best == nil || c.Usage() < best.Usage() {
			best = c
		}
	}
	return best
}

// pickWeightedLocked implements smoothed weighted round robin. Effective
// weights decay with the member's error rate and replenish one point per
// full cycle; every selection subtracts the weight total from the winner.
// The group lock makes the whole update step atomic.
func (g *Group) pickWeightedLocked() *Conn {
	total := 0
	var best *Conn
	var bestState *wrrState

	for _, id := range g.order {
		c := g.members[id]
		w := g.weights[id]

		ceiling := wrrBaseWeight - int(c.errorRate()*wrrBaseWeight)
		if ceiling < 1 {
			ceiling = 1
		}
		if w.effective > ceiling {
			w.effective = ceiling
		}

		w.current += w.effective
		total += w.effective
		if best == nil || w.current > bestState.current {
			best = c
			bestState = w
		}
	}

	bestState.current -= total

	g.picks++
	if g.picks >= len(g.members) {
		g.picks = 0
		for _, id := range g.order {
			c := g.members[id]
			w := g.weights[id]
			ceiling := wrrBaseWeight - int(c.errorRate()*wrrBaseWeight)
			if ceiling < 1 {
				ceiling = 1
			}
			if w.effective < ceiling {
				w.effective++
			}
		}
	}
	return best
}

// snapshot copies the member set so callers iterate without the lock held.
func (g *Group) snapshot() []*Conn {
	g.mu.Lock()
	out := make([]*Conn, 0, len(g.members))
	for _, id := range g.order {
		out = append(out, g.members[id])
	}
	g.mu.Unlock()
	return out
}

// idleMembers returns members idle past the threshold.
func (g *Group) idleMembers(threshold time.Duration) []*Conn {
	g.mu.Lock()
	var out []*Conn
	for _, c := range g.members {
		if c.IdleFor() > threshold {
			out = append(out, c)
		}
	}
	g.mu.Unlock()
	return out
}
