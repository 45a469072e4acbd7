package manager

import (
	"sync"
	"time"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

// broadcastEntry is one staged outbound broadcast.
type broadcastEntry struct {
	env     *model.Envelope
	group   string // empty targets all connections
	exclude string // sender identity, skipped during fan-out
}

// batcher coalesces outbound broadcasts into a short batching window.
// Entries flush on a fixed interval or as soon as the staged count
// reaches the size threshold, whichever comes first.
type batcher struct {
	interval time.Duration
	maxSize  int
	flush    func([]broadcastEntry)

	mu      sync.Mutex
	entries []broadcastEntry

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func newBatcher(interval time.Duration, maxSize int, flush func([]broadcastEntry)) *batcher {
	return &batcher{
		interval: interval,
		maxSize:  maxSize,
		flush:    flush,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (b *batcher) start() {
	b.wg.Add(1)
	go b.loop()
}

func (b *batcher) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			b.drain()
			return
		case <-ticker.C:
			b.drain()
		case <-b.kick:
			b.drain()
		}
	}
}

func (b *batcher) drain() {
	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	b.mu.Unlock()

	if len(entries) > 0 {
		b.flush(entries)
	}
}

// Stage queues one broadcast for the next flush.
func (b *batcher) Stage(e broadcastEntry) {
	b.mu.Lock()
	b.entries = append(b.entries, e)
	full := len(b.entries) >= b.maxSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

func (b *batcher) stop() {
	close(b.done)
	b.wg.Wait()
}
