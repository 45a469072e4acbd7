package manager

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// rateLimiter enforces a sliding one-minute window per identity. Window
// state lives in an expirable LRU so identities that go quiet stop
// costing memory.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	cache *expirable.LRU[string, *rateWindow]
}

type rateWindow struct {
	mu    sync.Mutex
	times []time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: window,
		cache:  expirable.NewLRU[string, *rateWindow](8192, nil, 2*window),
	}
}

// Allow records one frame for the identity and reports whether it stays
// inside the window limit.
func (r *rateLimiter) Allow(identity string) bool {
	r.mu.Lock()
	w, ok := r.cache.Get(identity)
	if !ok {
		w = &rateWindow{}
		r.cache.Add(identity, w)
	}
	r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.times[:0]
	for _, ts := range w.times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.times = kept

	if len(w.times) >= r.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}
