package manager

import (
	"log/slog"
	"runtime"
	"runtime/metrics"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/conductorhq/agent-relay/internal/domain/model"
	"github.com/conductorhq/agent-relay/internal/pool"
)

var (
	connGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Active pooled connections",
	})
	latencyP95Gauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_latency_p95_ms",
		Help: "95th percentile round-trip latency across connections",
	})
	errorRateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_error_rate",
		Help: "Fraction of inbound frames that produced an error",
	})
)

// metricsLoop samples process and delivery health on a fixed cadence and
// raises log-level warnings when the configured thresholds are exceeded.
func (m *Manager) metricsLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Manager.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.collectMetrics()
		}
	}
}

func (m *Manager) collectMetrics() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var samples []time.Duration
	m.pool.Each(func(c *pool.Conn) {
		samples = append(samples, c.LatencySamples()...)
	})
	p50 := percentileMs(samples, 0.50)
	p95 := percentileMs(samples, 0.95)
	p99 := percentileMs(samples, 0.99)

	frames := m.frames.Load()
	errs := m.errors.Load()
	errorRate := 0.0
	if frames > 0 {
		errorRate = float64(errs) / float64(frames)
	}

	queueStats := m.orch.Stats()
	connections := m.pool.Len()

	sample := model.PerformanceMetrics{
		Connections:    connections,
		Goroutines:     runtime.NumGoroutine(),
		CPUPercent:     m.cpuPercent(),
		HeapAllocBytes: mem.HeapAlloc,
		LatencyP50Ms:   p50,
		LatencyP95Ms:   p95,
		LatencyP99Ms:   p99,
		MessagesPerSec: queueStats.ThroughputPerSec,
		ErrorRate:      errorRate,
		QueueDepth:     queueStats.Depth,
		CollectedAt:    time.Now(),
	}

	connGauge.Set(float64(connections))
	latencyP95Gauge.Set(p95)
	errorRateGauge.Set(errorRate)

	m.metricsMu.Lock()
	m.metrics = sample
	m.metricsMu.Unlock()

	m.warnOnThresholds(sample)
}

// cpuPercent derives process CPU utilization from the runtime's cumulative
// cpu-seconds metric across consecutive samples. The first call primes the
// baseline and reports 0. Only the metrics loop calls this.
func (m *Manager) cpuPercent() float64 {
	s := []metrics.Sample{{Name: "/cpu/classes/total:cpu-seconds"}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindFloat64 {
		return 0
	}
	total := s[0].Value.Float64()
	now := time.Now()

	prevTotal, prevAt := m.prevCPUSeconds, m.prevCPUAt
	m.prevCPUSeconds, m.prevCPUAt = total, now

	if prevAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	pct := (total - prevTotal) / (elapsed * float64(runtime.NumCPU())) * 100
	if pct < 0 {
		return 0
	}
	return pct
}

func (m *Manager) warnOnThresholds(sample model.PerformanceMetrics) {
	t := m.cfg.CurrentThresholds()

	if t.LatencyP95Ms > 0 && sample.LatencyP95Ms > t.LatencyP95Ms {
		m.logger.Warn("latency above threshold",
			slog.Float64("p95_ms", sample.LatencyP95Ms),
			slog.Float64("threshold_ms", t.LatencyP95Ms),
		)
	}
	if t.HeapAllocBytes > 0 && sample.HeapAllocBytes > t.HeapAllocBytes {
		m.logger.Warn("heap usage above threshold",
			slog.Uint64("heap_alloc", sample.HeapAllocBytes),
			slog.Uint64("threshold", t.HeapAllocBytes),
		)
	}
	if t.ErrorRate > 0 && sample.ErrorRate > t.ErrorRate {
		m.logger.Warn("error rate above threshold",
			slog.Float64("error_rate", sample.ErrorRate),
			slog.Float64("threshold", t.ErrorRate),
		)
	}
	if t.CapacityRatio > 0 && m.pool.Capacity() > 0 {
		ratio := float64(sample.Connections) / float64(m.pool.Capacity())
		if ratio >= t.CapacityRatio {
			m.logger.Warn("approaching connection capacity",
				slog.Int("connections", sample.Connections),
				slog.Int("capacity", m.pool.Capacity()),
			)
		}
	}
}

// percentileMs computes the p-th percentile of the samples in
// milliseconds. Empty input yields 0.
func percentileMs(samples []time.Duration, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(p * float64(len(sorted)-1))
	return float64(sorted[idx]) / float64(time.Millisecond)
}
