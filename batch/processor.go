// Package batch aggregates document-store write operations and flushes them
// as single bulk requests, on a size threshold or a max-delay timer.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/D9292S/New-Quantum-Bank/errors"
	"github.com/D9292S/New-Quantum-Bank/pkg/retry"
)

// ProcessFunc handles one drained batch. It is supplied by the caller and
// typically issues a single bulk write to the document store.
type ProcessFunc[T any] func(ctx context.Context, items []T) error

// FlushError wraps a processing-function failure after retry handling. It
// carries the drained batch so a caller that triggered the flush can decide
// what to do with the items, and unwraps to the underlying error, so
// retry.IsExhausted and errors.Is work through it.
type FlushError[T any] struct {
	Items []T
	Err   error
}

func (e *FlushError[T]) Error() string {
	return fmt.Sprintf("batch flush of %d items failed: %v", len(e.Items), e.Err)
}

func (e *FlushError[T]) Unwrap() error {
	return e.Err
}

// Config controls batching behavior.
type Config struct {
	// BatchSize triggers a flush when the queue reaches this many items.
	BatchSize int `json:"batch_size"`

	// MaxDelay triggers a flush when this much time has elapsed since the
	// oldest unflushed item was enqueued.
	MaxDelay time.Duration `json:"max_delay"`
}

// DefaultConfig returns batching defaults tuned for transaction writes.
func DefaultConfig() Config {
	return Config{
		BatchSize: 100,
		MaxDelay:  time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "batch", "Validate",
			fmt.Sprintf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.MaxDelay <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "batch", "Validate",
			fmt.Sprintf("max_delay must be positive, got %v", c.MaxDelay))
	}
	return nil
}

// Stats is a point-in-time view of processor activity.
type Stats struct {
	QueueLength        int           `json:"queue_length"`
	Flushes            int64         `json:"flushes"`
	ItemsProcessed     int64         `json:"items_processed"`
	FlushFailures      int64         `json:"flush_failures"`
	TimeSinceLastFlush time.Duration `json:"time_since_last_flush"`
}

// Processor aggregates items and flushes them in enqueue order. At most one
// flush executes at a time: size-triggered, timer-triggered and explicit
// flush requests coalesce on an in-flight flag. Items added during an
// in-flight flush land in the next batch.
type Processor[T any] struct {
	cfg     Config
	process ProcessFunc[T]
	exec    *retry.Executor
	logger  *slog.Logger
	metrics *batchMetrics

	mu        sync.Mutex
	queue     []T
	oldestAt  time.Time // enqueue time of the oldest unflushed item
	timer     *time.Timer
	inFlight  bool
	flushDone chan struct{}
	closed    bool

	flushes        int64
	itemsProcessed int64
	flushFailures  int64
	lastFlush      time.Time
}

// New creates a Processor. The retry executor is consulted on flush failure;
// transient failures retry the batch as a unit, never split or reordered.
func New[T any](cfg Config, process ProcessFunc[T], exec *retry.Executor, logger *slog.Logger, options ...Option) (*Processor[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if process == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "batch", "New", "process function is required")
	}
	if exec == nil {
		var err error
		exec, err = retry.NewExecutor(retry.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := applyOptions(options...)

	var metrics *batchMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBatchMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "batch", "New", "metrics registration")
		}
	}

	return &Processor[T]{
		cfg:       cfg,
		process:   process,
		exec:      exec,
		logger:    logger,
		metrics:   metrics,
		lastFlush: time.Now(),
	}, nil
}

// Add enqueues an item. Reaching BatchSize triggers a flush whose outcome is
// returned to this caller; otherwise the max-delay timer is armed from the
// oldest unflushed item.
func (p *Processor[T]) Add(ctx context.Context, item T) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "BatchProcessor", "Add", "enqueue after close")
	}

	if len(p.queue) == 0 {
		p.oldestAt = time.Now()
	}
	p.queue = append(p.queue, item)
	if p.metrics != nil {
		p.metrics.updateQueueDepth(len(p.queue))
	}

	if len(p.queue) >= p.cfg.BatchSize && !p.inFlight {
		items := p.beginFlushLocked()
		p.mu.Unlock()
		return p.runFlush(ctx, items)
	}

	// Arm the delay timer for the oldest unflushed item. During an in-flight
	// flush the completion path re-arms instead.
	if p.timer == nil && !p.inFlight {
		p.armTimerLocked(p.cfg.MaxDelay)
	}
	p.mu.Unlock()
	return nil
}

// Flush drains the current queue and processes it, returning the number of
// items processed. If a flush is already in flight it waits for that flush,
// then drains whatever remains.
func (p *Processor[T]) Flush(ctx context.Context) (int, error) {
	for {
		p.mu.Lock()
		if p.inFlight {
			done := p.flushDone
			p.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return 0, nil
		}
		items := p.beginFlushLocked()
		p.mu.Unlock()

		if err := p.runFlush(ctx, items); err != nil {
			return 0, err
		}
		return len(items), nil
	}
}

// Stats returns current processor statistics.
func (p *Processor[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		QueueLength:        len(p.queue),
		Flushes:            p.flushes,
		ItemsProcessed:     p.itemsProcessed,
		FlushFailures:      p.flushFailures,
		TimeSinceLastFlush: time.Since(p.lastFlush),
	}
}

// Close stops accepting items, cancels the pending timer, and performs one
// final flush of anything remaining. No item is dropped or processed twice.
func (p *Processor[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.stopTimerLocked()
	p.mu.Unlock()

	_, err := p.Flush(ctx)
	if err != nil {
		return errors.Wrap(err, "BatchProcessor", "Close", "final flush")
	}
	return nil
}

// beginFlushLocked snapshots the queue for processing and marks the flush in
// flight. Must be called with the mutex held and no flush in flight.
func (p *Processor[T]) beginFlushLocked() []T {
	items := p.queue
	p.queue = nil
	p.inFlight = true
	p.flushDone = make(chan struct{})
	p.stopTimerLocked()
	if p.metrics != nil {
		p.metrics.updateQueueDepth(0)
	}
	return items
}

// runFlush processes one drained batch through the retry executor and then
// dispatches any follow-up flush that became due while it ran.
func (p *Processor[T]) runFlush(ctx context.Context, items []T) error {
	err := p.exec.Do(ctx, func(ctx context.Context) error {
		return p.process(ctx, items)
	})

	p.finishFlush(len(items), err)

	if err != nil {
		return &FlushError[T]{Items: items, Err: err}
	}
	return nil
}

// finishFlush clears the in-flight flag, updates counters, and schedules the
// next flush for items that arrived while this one ran.
func (p *Processor[T]) finishFlush(count int, err error) {
	p.mu.Lock()
	p.inFlight = false
	close(p.flushDone)

	if err == nil {
		p.flushes++
		p.itemsProcessed += int64(count)
		p.lastFlush = time.Now()
		if p.metrics != nil {
			p.metrics.recordFlush(count)
		}
	} else {
		p.flushFailures++
		if p.metrics != nil {
			p.metrics.recordFailure()
		}
	}

	// Items deferred during the flush get their own trigger: immediately if
	// a full batch is waiting, otherwise on the remaining delay.
	if len(p.queue) > 0 && !p.closed {
		if len(p.queue) >= p.cfg.BatchSize {
			items := p.beginFlushLocked()
			p.mu.Unlock()
			go p.backgroundFlush(items)
			return
		}
		remaining := p.cfg.MaxDelay - time.Since(p.oldestAt)
		if remaining < 0 {
			remaining = 0
		}
		p.armTimerLocked(remaining)
	}
	p.mu.Unlock()
}

// armTimerLocked schedules a timer-triggered flush. Must be called with the
// mutex held.
func (p *Processor[T]) armTimerLocked(d time.Duration) {
	p.stopTimerLocked()
	p.timer = time.AfterFunc(d, p.timerFlush)
}

func (p *Processor[T]) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// timerFlush fires when the oldest unflushed item has waited MaxDelay. A
// failure here has no caller to report to: it is logged and the batch is
// requeued at the front so nothing is dropped.
func (p *Processor[T]) timerFlush() {
	p.mu.Lock()
	p.timer = nil
	if p.inFlight || len(p.queue) == 0 || p.closed {
		// An in-flight flush re-arms on completion; nothing to do here.
		p.mu.Unlock()
		return
	}
	items := p.beginFlushLocked()
	p.mu.Unlock()

	p.backgroundFlush(items)
}

// backgroundFlush runs a flush with no caller to surface errors to.
func (p *Processor[T]) backgroundFlush(items []T) {
	err := p.exec.Do(context.Background(), func(ctx context.Context) error {
		return p.process(ctx, items)
	})

	if err != nil {
		p.logger.Error("timer-triggered batch flush failed, preserving items",
			"items", len(items), "error", err)
		p.requeueFront(items)
		return
	}
	p.finishFlush(len(items), nil)
}

// requeueFront returns failed items to the head of the queue in their
// original order and re-arms the delay timer.
func (p *Processor[T]) requeueFront(items []T) {
	p.mu.Lock()
	p.inFlight = false
	close(p.flushDone)
	p.flushFailures++
	if p.metrics != nil {
		p.metrics.recordFailure()
	}

	p.queue = append(items, p.queue...)
	p.oldestAt = time.Now()
	if p.metrics != nil {
		p.metrics.updateQueueDepth(len(p.queue))
	}
	if !p.closed {
		p.armTimerLocked(p.cfg.MaxDelay)
	}
	p.mu.Unlock()
}

// QueueLength returns the number of unflushed items.
func (p *Processor[T]) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
