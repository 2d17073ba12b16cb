// Package profiler records per-query timing in a fixed-size ring and
// aggregates it into operational statistics. Recording is cheap and
// lock-scoped so it can sit on the hot path of every storage call.
package profiler

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity bounds the ring when no capacity is configured.
const DefaultCapacity = 1000

// DefaultSlowThreshold marks queries worth warning about.
const DefaultSlowThreshold = 100 * time.Millisecond

// QueryStat is one recorded query execution.
type QueryStat struct {
	Operation  string        `json:"operation"`
	Collection string        `json:"collection"`
	Query      string        `json:"query"`
	Duration   time.Duration `json:"duration"`
	ResultSize int           `json:"result_size,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Err        bool          `json:"error,omitempty"`
}

// OperationStats aggregates executions sharing an operation or collection.
type OperationStats struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	SlowCount     int64         `json:"slow_count"`
	ErrorCount    int64         `json:"error_count"`
}

// Stats is a point-in-time aggregation over the retained window.
type Stats struct {
	TotalQueries  int64                     `json:"total_queries"`
	TotalDuration time.Duration             `json:"total_duration"`
	AvgDuration   time.Duration             `json:"avg_duration"`
	SlowQueries   int64                     `json:"slow_queries"`
	ErrorCount    int64                     `json:"error_count"`
	ByOperation   map[string]OperationStats `json:"by_operation"`
	ByCollection  map[string]OperationStats `json:"by_collection"`
	Slowest       *QueryStat                `json:"slowest,omitempty"`
}

// Profiler retains the most recent query executions in a ring buffer.
// When the ring is full the oldest entry is overwritten.
type Profiler struct {
	mu       sync.RWMutex
	entries  []QueryStat
	capacity int
	head     int
	size     int

	slowThreshold time.Duration
	logger        *slog.Logger
	metrics       *profilerMetrics
}

// New creates a profiler. capacity <= 0 selects DefaultCapacity.
func New(capacity int, logger *slog.Logger, opts ...Option) (*Profiler, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Profiler{
		entries:       make([]QueryStat, capacity),
		capacity:      capacity,
		slowThreshold: DefaultSlowThreshold,
		logger:        logger,
	}
	if err := applyOptions(p, opts); err != nil {
		return nil, err
	}
	return p, nil
}

// SlowThreshold returns the duration beyond which a query is slow.
func (p *Profiler) SlowThreshold() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.slowThreshold
}

// Record stores one execution. Slow queries are logged at WARN with the
// query text truncated so document dumps do not flood the log.
func (p *Profiler) Record(stat QueryStat) {
	if stat.Timestamp.IsZero() {
		stat.Timestamp = time.Now()
	}

	p.mu.Lock()
	p.entries[p.head] = stat
	p.head = (p.head + 1) % p.capacity
	if p.size < p.capacity {
		p.size++
	}
	slow := stat.Duration >= p.slowThreshold
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.recordQuery(stat, slow)
	}
	if slow {
		p.logger.Warn("slow query",
			"operation", stat.Operation,
			"collection", stat.Collection,
			"duration", stat.Duration,
			"query", truncate(stat.Query, 200))
	}
}

// Stats aggregates the retained window.
func (p *Profiler) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{
		ByOperation:  make(map[string]OperationStats),
		ByCollection: make(map[string]OperationStats),
	}
	var slowest *QueryStat
	p.forEachLocked(func(entry QueryStat) {
		slow := entry.Duration >= p.slowThreshold

		stats.TotalQueries++
		stats.TotalDuration += entry.Duration
		if slow {
			stats.SlowQueries++
		}
		if entry.Err {
			stats.ErrorCount++
		}
		accumulate(stats.ByOperation, entry.Operation, entry, slow)
		accumulate(stats.ByCollection, entry.Collection, entry, slow)

		if slowest == nil || entry.Duration > slowest.Duration {
			copied := entry
			slowest = &copied
		}
	})

	if stats.TotalQueries > 0 {
		stats.AvgDuration = stats.TotalDuration / time.Duration(stats.TotalQueries)
	}
	finalize(stats.ByOperation)
	finalize(stats.ByCollection)
	stats.Slowest = slowest
	return stats
}

// SlowQueries returns retained executions at or above threshold, oldest
// first. threshold <= 0 uses the configured slow threshold.
func (p *Profiler) SlowQueries(threshold time.Duration) []QueryStat {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if threshold <= 0 {
		threshold = p.slowThreshold
	}
	var out []QueryStat
	p.forEachLocked(func(entry QueryStat) {
		if entry.Duration >= threshold {
			out = append(out, entry)
		}
	})
	return out
}

// Len returns the number of retained executions.
func (p *Profiler) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size
}

// Reset discards all retained executions.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		p.entries[i] = QueryStat{}
	}
	p.head = 0
	p.size = 0
}

// forEachLocked visits retained entries oldest first. Callers hold p.mu.
func (p *Profiler) forEachLocked(fn func(QueryStat)) {
	start := p.head - p.size
	if start < 0 {
		start += p.capacity
	}
	for i := 0; i < p.size; i++ {
		fn(p.entries[(start+i)%p.capacity])
	}
}

func accumulate(m map[string]OperationStats, key string, entry QueryStat, slow bool) {
	if key == "" {
		key = "unknown"
	}
	agg := m[key]
	agg.Count++
	agg.TotalDuration += entry.Duration
	if entry.Duration > agg.MaxDuration {
		agg.MaxDuration = entry.Duration
	}
	if slow {
		agg.SlowCount++
	}
	if entry.Err {
		agg.ErrorCount++
	}
	m[key] = agg
}

func finalize(m map[string]OperationStats) {
	for key, agg := range m {
		if agg.Count > 0 {
			agg.AvgDuration = agg.TotalDuration / time.Duration(agg.Count)
			m[key] = agg
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
