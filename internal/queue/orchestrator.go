package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_depth",
		Help: "Messages waiting in the priority queue",
	})
	queueDeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_dead_letters",
		Help: "Messages in the dead-letter store",
	})
	queueProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_queue_processed_total",
		Help: "Messages processed successfully",
	})
	queueFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_queue_failed_total",
		Help: "Processing attempts that failed",
	})
)

// Processor executes message-type-specific logic. Implementations report
// success with true; false or an error triggers the retry path.
type Processor interface {
	Process(ctx context.Context, m *model.QueueMessage) (bool, error)
}

// ProcessorFunc adapts a function to the Processor contract.
type ProcessorFunc func(ctx context.Context, m *model.QueueMessage) (bool, error)

func (f ProcessorFunc) Process(ctx context.Context, m *model.QueueMessage) (bool, error) {
	return f(ctx, m)
}

// Hook observes terminal message transitions.
type Hook func(*model.QueueMessage)

// EnqueueOptions carries the per-message settings accepted by Enqueue.
// An omitted Priority enqueues at NORMAL.
type EnqueueOptions struct {
	Priority            model.Priority
	ScheduledAt         time.Time // in the future: held until due
	Recipient           string
	Group               string
	Tags                []string
	MaxRetries          int // <0 means the orchestrator default
	RequireConfirmation bool
}

type orchestratorConfig struct {
	workers             int
	maxRetries          int
	deadLetterLimit     int
	schedulerTick       time.Duration
	metricsInterval     time.Duration
	confirmationTimeout time.Duration
	throughputWindow    time.Duration
	onSuccess           Hook
	onFailure           Hook
	logger              *slog.Logger
}

func defaultOrchestratorConfig() orchestratorConfig {
	return orchestratorConfig{
		workers:             8,
		maxRetries:          3,
		deadLetterLimit:     1000,
		schedulerTick:       time.Second,
		metricsInterval:     5 * time.Second,
		confirmationTimeout: DefaultConfirmationTimeout,
		throughputWindow:    time.Minute,
		logger:              slog.Default(),
	}
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*orchestratorConfig)

// WithWorkers sets the fixed worker pool size.
func WithWorkers(n int) OrchestratorOption {
	return func(c *orchestratorConfig) { c.workers = n }
}

// WithMaxRetries sets the default retry budget for enqueued messages.
func WithMaxRetries(n int) OrchestratorOption {
	return func(c *orchestratorConfig) { c.maxRetries = n }
}

// WithDeadLetterLimit bounds the dead-letter store; the oldest entry is
// dropped past the limit.
func WithDeadLetterLimit(n int) OrchestratorOption {
	return func(c *orchestratorConfig) { c.deadLetterLimit = n }
}

// WithSchedulerTick sets how often due scheduled messages move into the
// priority queue.
func WithSchedulerTick(d time.Duration) OrchestratorOption {
	return func(c *orchestratorConfig) { c.schedulerTick = d }
}

// WithMetricsInterval sets the stats recomputation cadence.
func WithMetricsInterval(d time.Duration) OrchestratorOption {
	return func(c *orchestratorConfig) { c.metricsInterval = d }
}

// WithConfirmationTimeout sets the per-message acknowledgment deadline.
func WithConfirmationTimeout(d time.Duration) OrchestratorOption {
	return func(c *orchestratorConfig) { c.confirmationTimeout = d }
}

// WithSuccessHook registers a callback invoked after COMPLETED.
func WithSuccessHook(h Hook) OrchestratorOption {
	return func(c *orchestratorConfig) { c.onSuccess = h }
}

// WithFailureHook registers a callback invoked after DEAD_LETTER.
func WithFailureHook(h Hook) OrchestratorOption {
	return func(c *orchestratorConfig) { c.onFailure = h }
}

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(c *orchestratorConfig) { c.logger = l }
}

// Orchestrator composes the priority queue, offline buffer, confirmation
// tracker, a fixed worker pool, a scheduler for future-dated messages and
// a bounded dead-letter store. It is the only component that executes
// message-type-specific processing, via registered processors.
type Orchestrator struct {
	cfg orchestratorConfig

	pq      *PriorityQueue
	buffer  *Buffer
	tracker *ConfirmationTracker
	snow    *snowflake.Node

	procMu      sync.RWMutex
	processors  map[string]Processor
	defaultProc Processor

	schedMu   sync.Mutex
	scheduled scheduledHeap

	deadMu sync.Mutex
	dead   []*model.QueueMessage

	processed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	deadTotal atomic.Uint64

	sampleMu sync.Mutex
	samples  []time.Time // completion times inside the throughput window

	statsMu sync.RWMutex
	stats   model.QueueStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator wires the pipeline around an offline buffer. Call Start
// to launch workers and background loops.
func NewOrchestrator(buffer *Buffer, opts ...OrchestratorOption) (*Orchestrator, error) {
	cfg := defaultOrchestratorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	snow, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: snowflake node: %w", err)
	}

	o := &Orchestrator{
		cfg:        cfg,
		pq:         NewPriorityQueue(),
		buffer:     buffer,
		snow:       snow,
		processors: make(map[string]Processor),
		// Unhandled message types complete vacuously rather than
		// poisoning the retry path.
		defaultProc: ProcessorFunc(func(context.Context, *model.QueueMessage) (bool, error) {
			return true, nil
		}),
	}
	o.tracker = NewConfirmationTracker(cfg.confirmationTimeout, func(m *model.QueueMessage) {
		cfg.logger.Warn("delivery confirmation timed out",
			slog.Int64("msg_id", m.ID),
			slog.String("recipient", m.Recipient),
		)
	})
	return o, nil
}

// Buffer exposes the offline buffer composed into the pipeline.
func (o *Orchestrator) Buffer() *Buffer { return o.buffer }

// RegisterProcessor binds a processor to a content type, replacing any
// previous binding.
func (o *Orchestrator) RegisterProcessor(contentType string, p Processor) {
	o.procMu.Lock()
	o.processors[contentType] = p
	o.procMu.Unlock()
}

// SetDefaultProcessor replaces the fallback processor.
func (o *Orchestrator) SetDefaultProcessor(p Processor) {
	o.procMu.Lock()
	o.defaultProc = p
	o.procMu.Unlock()
}

func (o *Orchestrator) processorFor(contentType string) Processor {
	o.procMu.RLock()
	defer o.procMu.RUnlock()
	if p, ok := o.processors[contentType]; ok {
		return p
	}
	return o.defaultProc
}

// Start launches the worker pool, scheduler and metrics loops.
func (o *Orchestrator) Start() {
	o.ctx, o.cancel = context.WithCancel(context.Background())

	for i := 0; i < o.cfg.workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.wg.Add(2)
	go o.schedulerLoop()
	go o.metricsLoop()
}

// Stop drains the loops: the queue is closed so blocked workers wake, the
// scheduler and metrics tickers stop, and all goroutines are joined.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.pq.Close()
	o.wg.Wait()
	o.tracker.Stop()
}

// Enqueue assigns an id and admits the message. Future-dated messages are
// held in the scheduled list; everything else goes straight to the
// priority queue.
func (o *Orchestrator) Enqueue(content *model.Envelope, opts EnqueueOptions) (int64, error) {
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = o.cfg.maxRetries
	}
	prio := opts.Priority
	if prio == model.PriorityUnspecified {
		prio = model.PriorityNormal
	}

	m := &model.QueueMessage{
		ID:          o.snow.Generate().Int64(),
		Content:     content,
		Priority:    prio,
		CreatedAt:   time.Now(),
		ScheduledAt: opts.ScheduledAt,
		MaxRetries:  maxRetries,
		Status:      model.StatusPending,
		Recipient:   opts.Recipient,
		Group:       opts.Group,
		Tags:        opts.Tags,
	}

	if opts.RequireConfirmation {
		o.tracker.Await(m)
	}

	if !opts.ScheduledAt.IsZero() && opts.ScheduledAt.After(time.Now()) {
		o.schedMu.Lock()
		heap.Push(&o.scheduled, m)
		o.schedMu.Unlock()
		return m.ID, nil
	}

	if err := o.pq.Put(m); err != nil {
		return 0, err
	}
	return m.ID, nil
}

// EnqueueForRecipient is the convenience path for targeted delivery,
// optionally registering the message with the confirmation tracker.
func (o *Orchestrator) EnqueueForRecipient(recipient string, content *model.Envelope, prio model.Priority, requireConfirmation bool) (int64, error) {
	return o.Enqueue(content, EnqueueOptions{
		Priority:            prio,
		Recipient:           recipient,
		MaxRetries:          -1,
		RequireConfirmation: requireConfirmation,
	})
}

// Confirm resolves a pending delivery confirmation.
func (o *Orchestrator) Confirm(id int64) bool {
	return o.tracker.Confirm(id)
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		m, err := o.pq.Get(o.ctx)
		if err != nil {
			return
		}
		o.process(m)
	}
}

// process runs one attempt. Worker-level panics and errors never escape:
// they become a retry or dead-letter transition and the loop continues.
func (o *Orchestrator) process(m *model.QueueMessage) {
	m.MarkStatus(model.StatusProcessing, "")

	ok, err := o.attempt(m)
	if ok && err == nil {
		m.MarkStatus(model.StatusCompleted, "")
		o.processed.Add(1)
		queueProcessed.Inc()
		o.recordCompletion()
		if o.cfg.onSuccess != nil {
			o.cfg.onSuccess(m)
		}
		return
	}

	reason := "processor rejected message"
	if err != nil {
		reason = err.Error()
	}
	o.failed.Add(1)
	queueFailed.Inc()

	m.RetryCount++
	if m.RetryCount <= m.MaxRetries {
		m.MarkStatus(model.StatusRetry, reason)
		o.retried.Add(1)
		// Same priority on re-enqueue; retrying never jumps the line.
		if putErr := o.pq.Put(m); putErr != nil {
			o.deadLetter(m, reason)
		}
		return
	}
	o.deadLetter(m, reason)
}

func (o *Orchestrator) attempt(m *model.QueueMessage) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	contentType := ""
	if m.Content != nil {
		contentType = m.Content.Type
	}
	return o.processorFor(contentType).Process(o.ctx, m)
}

func (o *Orchestrator) deadLetter(m *model.QueueMessage, reason string) {
	m.MarkStatus(model.StatusDeadLetter, reason)
	o.deadTotal.Add(1)

	o.deadMu.Lock()
	if len(o.dead) >= o.cfg.deadLetterLimit {
		copy(o.dead, o.dead[1:])
		o.dead = o.dead[:len(o.dead)-1]
	}
	o.dead = append(o.dead, m)
	o.deadMu.Unlock()

	o.cfg.logger.Warn("message dead-lettered",
		slog.Int64("msg_id", m.ID),
		slog.Int("retries", m.RetryCount),
		slog.String("error", reason),
	)
	if o.cfg.onFailure != nil {
		o.cfg.onFailure(m)
	}
}

// RequeueDeadLetter resets a dead-lettered message and returns it to the
// priority queue with a fresh retry budget.
func (o *Orchestrator) RequeueDeadLetter(id int64) bool {
	o.deadMu.Lock()
	var m *model.QueueMessage
	for i, d := range o.dead {
		if d.ID == id {
			m = d
			o.dead = append(o.dead[:i], o.dead[i+1:]...)
			break
		}
	}
	o.deadMu.Unlock()

	if m == nil {
		return false
	}
	m.RetryCount = 0
	m.MarkStatus(model.StatusPending, "")
	return o.pq.Put(m) == nil
}

// ClearDeadLetter empties the dead-letter store, returning the count.
func (o *Orchestrator) ClearDeadLetter() int {
	o.deadMu.Lock()
	n := len(o.dead)
	o.dead = nil
	o.deadMu.Unlock()
	return n
}

// DeadLetters returns a copy of the dead-letter store.
func (o *Orchestrator) DeadLetters() []*model.QueueMessage {
	o.deadMu.Lock()
	out := make([]*model.QueueMessage, len(o.dead))
	copy(out, o.dead)
	o.deadMu.Unlock()
	return out
}

// schedulerLoop moves due messages into the priority queue once per tick.
func (o *Orchestrator) schedulerLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case now := <-ticker.C:
			o.releaseDue(now)
		}
	}
}

func (o *Orchestrator) releaseDue(now time.Time) {
	o.schedMu.Lock()
	var due []*model.QueueMessage
	for o.scheduled.Len() > 0 && !o.scheduled[0].ScheduledAt.After(now) {
		due = append(due, heap.Pop(&o.scheduled).(*model.QueueMessage))
	}
	o.schedMu.Unlock()

	for _, m := range due {
		if err := o.pq.Put(m); err != nil {
			return
		}
	}
}

func (o *Orchestrator) recordCompletion() {
	now := time.Now()
	cutoff := now.Add(-o.cfg.throughputWindow)

	o.sampleMu.Lock()
	o.samples = append(o.samples, now)
	trimmed := o.samples[:0]
	for _, ts := range o.samples {
		if ts.After(cutoff) {
			trimmed = append(trimmed, ts)
		}
	}
	o.samples = trimmed
	o.sampleMu.Unlock()
}

func (o *Orchestrator) throughput() float64 {
	cutoff := time.Now().Add(-o.cfg.throughputWindow)
	o.sampleMu.Lock()
	n := 0
	for _, ts := range o.samples {
		if ts.After(cutoff) {
			n++
		}
	}
	o.sampleMu.Unlock()
	return float64(n) / o.cfg.throughputWindow.Seconds()
}

func (o *Orchestrator) metricsLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.publishStats()
		}
	}
}

func (o *Orchestrator) publishStats() {
	o.schedMu.Lock()
	scheduled := o.scheduled.Len()
	o.schedMu.Unlock()

	o.deadMu.Lock()
	deadCount := len(o.dead)
	o.deadMu.Unlock()

	oldestAge := time.Duration(0)
	if oldest, ok := o.pq.Oldest(); ok {
		oldestAge = time.Since(oldest)
	}

	stats := model.QueueStats{
		Depth:                o.pq.Len(),
		DepthByPriority:      o.pq.LenByPriority(),
		Scheduled:            scheduled,
		DeadLetters:          deadCount,
		PendingConfirmations: o.tracker.PendingCount(),
		Processed:            o.processed.Load(),
		Failed:               o.failed.Load(),
		Retried:              o.retried.Load(),
		Dead:                 o.deadTotal.Load(),
		ThroughputPerSec:     o.throughput(),
		OldestPendingAge:     oldestAge,
		CollectedAt:          time.Now(),
	}

	queueDepth.Set(float64(stats.Depth))
	queueDeadLetters.Set(float64(deadCount))

	o.statsMu.Lock()
	o.stats = stats
	o.statsMu.Unlock()
}

// Stats returns the latest snapshot published by the metrics loop.
func (o *Orchestrator) Stats() model.QueueStats {
	o.statsMu.RLock()
	defer o.statsMu.RUnlock()
	return o.stats
}

// scheduledHeap orders future-dated messages by their due time.
type scheduledHeap []*model.QueueMessage

func (h scheduledHeap) Len() int            { return len(h) }
func (h scheduledHeap) Less(i, j int) bool  { return h[i].ScheduledAt.Before(h[j].ScheduledAt) }
func (h scheduledHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scheduledHeap) Push(x any)         { *h = append(*h, x.(*model.QueueMessage)) }
func (h *scheduledHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}
