// Package perf wires the performance layer together: it constructs the
// cache, batch processor, retry executor, memory manager, profiler, and
// bulk helper from one configuration and owns their lifecycle. Nothing in
// this layer is a package-level singleton; callers hold the Manager and
// pass its parts to consumers.
package perf

import (
	"context"
	"log/slog"
	"time"

	"github.com/D9292S/New-Quantum-Bank/batch"
	"github.com/D9292S/New-Quantum-Bank/bulk"
	"github.com/D9292S/New-Quantum-Bank/config"
	"github.com/D9292S/New-Quantum-Bank/errors"
	"github.com/D9292S/New-Quantum-Bank/metric"
	"github.com/D9292S/New-Quantum-Bank/pkg/cache"
	"github.com/D9292S/New-Quantum-Bank/pkg/memory"
	"github.com/D9292S/New-Quantum-Bank/pkg/retry"
	"github.com/D9292S/New-Quantum-Bank/profiler"
	"github.com/D9292S/New-Quantum-Bank/storage"
)

// Manager owns the performance-layer components and their lifecycle.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger

	executor *retry.Executor
	cache    *cache.QueryCache[[]storage.Document]
	memoizer *cache.Memoizer[[]storage.Document]
	batch    *batch.Processor[storage.Document]
	memory   *memory.Manager
	profiler *profiler.Profiler
	bulk     *bulk.Helper

	started bool
	stopped bool
}

// New constructs the performance layer against db. The metrics registry is
// optional; when nil, components run with internal statistics only.
func New(cfg *config.Config, db storage.Database, logger *slog.Logger, registry *metric.MetricsRegistry) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if db == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "perf", "New", "database is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	executor, err := retry.NewExecutor(retry.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay.Std(),
		MaxDelay:       cfg.Retry.MaxDelay.Std(),
		Multiplier:     cfg.Retry.Multiplier,
		JitterFraction: cfg.Retry.JitterFraction,
		AttemptTimeout: cfg.Retry.AttemptTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	var cacheOpts []cache.Option[[]storage.Document]
	if registry != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics[[]storage.Document](registry, "query"))
	}
	queryCache, err := cache.New[[]storage.Document](
		cfg.Cache.Capacity, cfg.Cache.DefaultTTL.Std(), cfg.Cache.CleanupInterval.Std(), cacheOpts...)
	if err != nil {
		return nil, err
	}

	profOpts := []profiler.Option{profiler.WithSlowThreshold(cfg.Profiler.SlowThreshold.Std())}
	if registry != nil {
		profOpts = append(profOpts, profiler.WithMetrics(registry))
	}
	prof, err := profiler.New(cfg.Profiler.Capacity, logger, profOpts...)
	if err != nil {
		queryCache.Close()
		return nil, err
	}

	memoizer := cache.NewMemoizer(queryCache)
	helper, err := bulk.NewHelper(db, executor, prof, memoizer, logger)
	if err != nil {
		queryCache.Close()
		return nil, err
	}

	var batchOpts []batch.Option
	if registry != nil {
		batchOpts = append(batchOpts, batch.WithMetrics(registry, "transactions"))
	}
	writer, err := batch.New[storage.Document](
		batch.Config{BatchSize: cfg.Batch.BatchSize, MaxDelay: cfg.Batch.MaxDelay.Std()},
		func(ctx context.Context, docs []storage.Document) error {
			models := make([]storage.WriteModel, len(docs))
			for i, doc := range docs {
				models[i] = storage.InsertOneModel{Document: doc}
			}
			_, err := helper.BulkWrite(ctx, bulk.TransactionsCollection, models, false)
			return err
		},
		executor, logger, batchOpts...)
	if err != nil {
		queryCache.Close()
		return nil, err
	}

	mem := memory.NewManager(memory.Config{
		LimitMB:            cfg.Memory.LimitMB,
		CheckInterval:      cfg.Memory.CheckInterval.Std(),
		CollectionCooldown: cfg.Memory.CollectionCooldown.Std(),
	}, logger)

	// Under memory pressure, drop expired cache entries before the forced
	// collection runs.
	mem.OnPressure(func() {
		evicted := queryCache.EvictExpired()
		logger.Info("memory pressure: evicted expired cache entries", "count", evicted)
	})

	return &Manager{
		cfg:      cfg,
		logger:   logger,
		executor: executor,
		cache:    queryCache,
		memoizer: memoizer,
		batch:    writer,
		memory:   mem,
		profiler: prof,
		bulk:     helper,
	}, nil
}

// Start launches the background monitors.
func (m *Manager) Start(ctx context.Context) error {
	if m.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "perf", "Start", "manager already started")
	}
	if err := m.memory.Start(ctx); err != nil {
		return err
	}
	m.started = true
	m.logger.Info("performance layer started",
		"mode", m.cfg.Mode,
		"cache_capacity", m.cfg.Cache.Capacity,
		"batch_size", m.cfg.Batch.BatchSize)
	return nil
}

// Stop tears the layer down: the batch processor flushes its remaining
// queue, then the cache closes, then the memory monitor stops.
func (m *Manager) Stop(ctx context.Context) error {
	if m.stopped {
		return nil
	}
	m.stopped = true

	var firstErr error
	if err := m.batch.Close(ctx); err != nil {
		m.logger.Error("final batch flush failed", "error", err)
		firstErr = err
	}
	if err := m.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	m.memory.Stop()

	m.logger.Info("performance layer stopped")
	return firstErr
}

// Cache returns the query cache.
func (m *Manager) Cache() *cache.QueryCache[[]storage.Document] { return m.cache }

// Memoizer returns the single-flight cache front door.
func (m *Manager) Memoizer() *cache.Memoizer[[]storage.Document] { return m.memoizer }

// Batch returns the transaction batch processor.
func (m *Manager) Batch() *batch.Processor[storage.Document] { return m.batch }

// Bulk returns the bulk operations helper.
func (m *Manager) Bulk() *bulk.Helper { return m.bulk }

// Memory returns the memory manager.
func (m *Manager) Memory() *memory.Manager { return m.memory }

// Profiler returns the query profiler.
func (m *Manager) Profiler() *profiler.Profiler { return m.profiler }

// Retry returns the shared retry executor.
func (m *Manager) Retry() *retry.Executor { return m.executor }

// RecordTransaction enqueues a transaction document for batched insertion.
func (m *Manager) RecordTransaction(ctx context.Context, doc storage.Document) error {
	if doc["timestamp"] == nil {
		doc["timestamp"] = time.Now().UTC()
	}
	return m.batch.Add(ctx, doc)
}
