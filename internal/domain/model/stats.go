package model

import "time"

// Health classification derived from the fraction of unhealthy members.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// PoolStats is a point-in-time aggregate recomputed by the pool sweep loop.
// Snapshots handed to callers are never mutated after publication.
type PoolStats struct {
	ActiveConnections int       `json:"active_connections"`
	Capacity          int       `json:"capacity"`
	Utilization       float64   `json:"utilization"`
	Groups            int       `json:"groups"`
	TotalAdded        uint64    `json:"total_added"`
	TotalRemoved      uint64    `json:"total_removed"`
	TotalEvicted      uint64    `json:"total_evicted"`
	Hits              uint64    `json:"hits"`
	Misses            uint64    `json:"misses"`
	HitRatio          float64   `json:"hit_ratio"`
	AvgAgeSeconds     float64   `json:"avg_age_seconds"`
	CollectedAt       time.Time `json:"collected_at"`
}

// QueueStats is a point-in-time aggregate recomputed by the orchestrator
// metrics loop.
type QueueStats struct {
	Depth                int            `json:"depth"`
	DepthByPriority      map[string]int `json:"depth_by_priority"`
	Scheduled            int            `json:"scheduled"`
	DeadLetters          int            `json:"dead_letters"`
	PendingConfirmations int            `json:"pending_confirmations"`
	Processed            uint64         `json:"processed"`
	Failed               uint64         `json:"failed"`
	Retried              uint64         `json:"retried"`
	Dead                 uint64         `json:"dead"`
	ThroughputPerSec     float64        `json:"throughput_per_sec"`
	OldestPendingAge     time.Duration  `json:"oldest_pending_age"`
	CollectedAt          time.Time      `json:"collected_at"`
}

// PerformanceMetrics is the process-wide sample published by the manager's
// metrics loop and re-exposed over the operational HTTP surface.
type PerformanceMetrics struct {
	Connections    int       `json:"connections"`
	Goroutines     int       `json:"goroutines"`
	CPUPercent     float64   `json:"cpu_percent"`
	HeapAllocBytes uint64    `json:"heap_alloc_bytes"`
	LatencyP50Ms   float64   `json:"latency_p50_ms"`
	LatencyP95Ms   float64   `json:"latency_p95_ms"`
	LatencyP99Ms   float64   `json:"latency_p99_ms"`
	MessagesPerSec float64   `json:"messages_per_sec"`
	ErrorRate      float64   `json:"error_rate"`
	QueueDepth     int       `json:"queue_depth"`
	CollectedAt    time.Time `json:"collected_at"`
}

// ServerInfo describes the running instance.
type ServerInfo struct {
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Capabilities  []string  `json:"capabilities"`
	Capacity      int       `json:"capacity"`
}

// ConnectionStats bundles the operational read model for the stats API.
type ConnectionStats struct {
	Pool        PoolStats      `json:"pool"`
	Queue       QueueStats     `json:"queue"`
	Health      HealthStatus   `json:"health"`
	Connections []ConnSnapshot `json:"connections"`
}

// ConnSnapshot is a read-only copy of one connection's counters, taken for
// stats aggregation so readers never touch the live struct.
type ConnSnapshot struct {
	ID           string        `json:"id"`
	Role         string        `json:"role"`
	CreatedAt    time.Time     `json:"created_at"`
	IdleFor      time.Duration `json:"idle_for"`
	SentMessages uint64        `json:"sent_messages"`
	RecvMessages uint64        `json:"recv_messages"`
	SentBytes    uint64        `json:"sent_bytes"`
	RecvBytes    uint64        `json:"recv_bytes"`
	Errors       uint64        `json:"errors"`
	Healthy      bool          `json:"healthy"`
}
