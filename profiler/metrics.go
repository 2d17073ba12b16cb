package profiler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/D9292S/New-Quantum-Bank/metric"
)

// profilerMetrics holds Prometheus metrics for query profiling.
type profilerMetrics struct {
	queries  prometheus.Counter
	slow     prometheus.Counter
	errors   prometheus.Counter
	duration prometheus.Histogram
}

func newProfilerMetrics(registry *metric.MetricsRegistry) (*profilerMetrics, error) {
	m := &profilerMetrics{
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quantumbank",
			Subsystem: "profiler",
			Name:      "queries_total",
			Help:      "Total number of profiled queries",
		}),
		slow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quantumbank",
			Subsystem: "profiler",
			Name:      "slow_queries_total",
			Help:      "Total number of queries exceeding the slow threshold",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quantumbank",
			Subsystem: "profiler",
			Name:      "query_errors_total",
			Help:      "Total number of profiled queries that returned an error",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quantumbank",
			Subsystem: "profiler",
			Name:      "query_duration_seconds",
			Help:      "Query execution time in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	if err := registry.RegisterCounter("profiler", "queries", m.queries); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("profiler", "slow_queries", m.slow); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("profiler", "query_errors", m.errors); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("profiler", "query_duration", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *profilerMetrics) recordQuery(stat QueryStat, slow bool) {
	m.queries.Inc()
	m.duration.Observe(stat.Duration.Seconds())
	if slow {
		m.slow.Inc()
	}
	if stat.Err {
		m.errors.Inc()
	}
}
