// Package metrics provides in-memory runtime statistics collection for the
// worker, exposed over its diagnostics endpoint.
package metrics

import (
	"math"
	"sync"
	"time"
)

// Operation names for the collector.
const (
	OpLLMComplete = "llm_complete"
	OpQueueJob    = "queue_job"
	OpSweep       = "sweep"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Errors    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count     int64   `json:"count"`
	Errors    int64   `json:"errors"`
	TotalMs   int64   `json:"total_ms"`
	AvgMs     float64 `json:"avg_ms"`
	MinMs     int64   `json:"min_ms"`
	MaxMs     int64   `json:"max_ms"`
	ErrorRate float64 `json:"error_rate"`
}

// Snapshot is the full worker statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	LLMComplete   *OperationSnapshot `json:"llm_complete,omitempty"`
	QueueJob      *OperationSnapshot `json:"queue_job,omitempty"`
	Sweep         *OperationSnapshot `json:"sweep,omitempty"`
}

// Collector aggregates in-memory runtime statistics. All methods are
// thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// Caller must hold the write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// Record adds one observation for an operation.
func (c *Collector) Record(op string, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	if err != nil {
		m.Errors++
	}
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}
	return &OperationSnapshot{
		Count:     m.Count,
		Errors:    m.Errors,
		TotalMs:   m.TotalTime.Milliseconds(),
		AvgMs:     float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinMs:     m.MinTime.Milliseconds(),
		MaxMs:     m.MaxTime.Milliseconds(),
		ErrorRate: float64(m.Errors) / float64(m.Count),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		LLMComplete:   snapshotOp(c.ops[OpLLMComplete]),
		QueueJob:      snapshotOp(c.ops[OpQueueJob]),
		Sweep:         snapshotOp(c.ops[OpSweep]),
	}
}
