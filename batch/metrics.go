package batch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/D9292S/New-Quantum-Bank/metric"
)

// Option configures processor behavior using the functional options pattern.
type Option func(*options)

type options struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithMetrics enables Prometheus metrics export for batch statistics.
// If registry is nil or prefix empty, this option is ignored.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(opts *options) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// batchMetrics holds Prometheus metrics for batch processing.
type batchMetrics struct {
	flushes    prometheus.Counter
	items      prometheus.Counter
	failures   prometheus.Counter
	queueDepth prometheus.Gauge
}

func newBatchMetrics(registry *metric.MetricsRegistry, prefix string) (*batchMetrics, error) {
	m := &batchMetrics{
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "quantumbank",
			Subsystem:   "batch",
			Name:        "flushes_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of successful batch flushes",
		}),
		items: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "quantumbank",
			Subsystem:   "batch",
			Name:        "items_processed_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of items processed in batches",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "quantumbank",
			Subsystem:   "batch",
			Name:        "flush_failures_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of failed batch flushes",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quantumbank",
			Subsystem:   "batch",
			Name:        "queue_depth",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Current number of unflushed items",
		}),
	}

	if err := registry.RegisterCounter(prefix, "batch_flushes", m.flushes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "batch_items", m.items); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "batch_failures", m.failures); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "batch_queue_depth", m.queueDepth); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *batchMetrics) recordFlush(items int) {
	m.flushes.Inc()
	m.items.Add(float64(items))
}

func (m *batchMetrics) recordFailure() {
	m.failures.Inc()
}

func (m *batchMetrics) updateQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
