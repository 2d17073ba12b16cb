package profiler

import (
	"time"

	"github.com/D9292S/New-Quantum-Bank/errors"
	"github.com/D9292S/New-Quantum-Bank/metric"
)

// Option configures a Profiler.
type Option func(*Profiler) error

// WithSlowThreshold overrides the slow-query threshold.
func WithSlowThreshold(threshold time.Duration) Option {
	return func(p *Profiler) error {
		if threshold <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "profiler", "WithSlowThreshold",
				"threshold must be positive")
		}
		p.slowThreshold = threshold
		return nil
	}
}

// WithMetrics exposes query timing as Prometheus metrics.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(p *Profiler) error {
		if reg == nil {
			return nil
		}
		m, err := newProfilerMetrics(reg)
		if err != nil {
			return err
		}
		p.metrics = m
		return nil
	}
}

func applyOptions(p *Profiler, opts []Option) error {
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return err
		}
	}
	return nil
}
