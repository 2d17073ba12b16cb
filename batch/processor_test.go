package batch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/D9292S/New-Quantum-Bank/errors"
	"github.com/D9292S/New-Quantum-Bank/pkg/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func quickRetry(t *testing.T, attempts int) *retry.Executor {
	t.Helper()
	exec, err := retry.NewExecutor(retry.Config{
		MaxAttempts:    attempts,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0,
	})
	require.NoError(t, err)
	return exec
}

// collector records flushed batches for assertions.
type collector struct {
	mu      sync.Mutex
	batches [][]string
}

func (c *collector) process(_ context.Context, items []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]string, len(items))
	copy(batch, items)
	c.batches = append(c.batches, batch)
	return nil
}

func (c *collector) snapshot() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.batches))
	copy(out, c.batches)
	return out
}

func TestSizeTriggeredFlush(t *testing.T) {
	c := &collector{}
	p, err := New(Config{BatchSize: 3, MaxDelay: time.Hour}, c.process, quickRetry(t, 1), testLogger())
	require.NoError(t, err)
	defer func() { _ = p.Close(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, p.Add(ctx, "a"))
	require.NoError(t, p.Add(ctx, "b"))
	assert.Empty(t, c.snapshot(), "no flush before the size threshold")

	require.NoError(t, p.Add(ctx, "c"))

	batches := c.snapshot()
	require.Len(t, batches, 1, "reaching batch_size triggers exactly one flush")
	assert.Equal(t, []string{"a", "b", "c"}, batches[0], "enqueue order preserved")
	assert.Equal(t, 0, p.QueueLength())
}

func TestTimerTriggeredFlush(t *testing.T) {
	c := &collector{}
	p, err := New(Config{BatchSize: 100, MaxDelay: 50 * time.Millisecond}, c.process, quickRetry(t, 1), testLogger())
	require.NoError(t, err)
	defer func() { _ = p.Close(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, p.Add(ctx, "x"))
	require.NoError(t, p.Add(ctx, "y"))

	assert.Empty(t, c.snapshot())

	time.Sleep(120 * time.Millisecond)

	batches := c.snapshot()
	require.Len(t, batches, 1, "max_delay elapsed, one flush expected")
	assert.Equal(t, []string{"x", "y"}, batches[0])
}

func TestExplicitFlush(t *testing.T) {
	c := &collector{}
	p, err := New(Config{BatchSize: 100, MaxDelay: time.Hour}, c.process, quickRetry(t, 1), testLogger())
	require.NoError(t, err)
	defer func() { _ = p.Close(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, p.Add(ctx, "a"))
	require.NoError(t, p.Add(ctx, "b"))

	n, err := p.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Flushing an empty queue is a no-op
	n, err = p.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTransientFailureRetriesWholeBatch(t *testing.T) {
	var calls int32
	var sizes []int
	var mu sync.Mutex
	process := func(_ context.Context, items []string) error {
		mu.Lock()
		sizes = append(sizes, len(items))
		mu.Unlock()
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.ErrConnectionTimeout
		}
		return nil
	}

	p, err := New(Config{BatchSize: 2, MaxDelay: time.Hour}, process, quickRetry(t, 5), testLogger())
	require.NoError(t, err)
	defer func() { _ = p.Close(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, p.Add(ctx, "a"))
	require.NoError(t, p.Add(ctx, "b"))

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	mu.Lock()
	defer mu.Unlock()
	for _, size := range sizes {
		assert.Equal(t, 2, size, "the batch is retried as a unit, never split")
	}
}

func TestFatalFailureSurfacesToCaller(t *testing.T) {
	process := func(context.Context, []string) error {
		return errors.ErrDuplicateKey
	}

	p, err := New(Config{BatchSize: 1, MaxDelay: time.Hour}, process, quickRetry(t, 5), testLogger())
	require.NoError(t, err)

	err = p.Add(context.Background(), "a")
	require.Error(t, err)

	var fe *FlushError[string]
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, []string{"a"}, fe.Items)
	assert.ErrorIs(t, err, errors.ErrDuplicateKey)
}

func TestFailedExplicitFlushSurfacesDrainedItems(t *testing.T) {
	process := func(context.Context, []string) error {
		return errors.ErrValidationFailed
	}

	p, err := New(Config{BatchSize: 10, MaxDelay: time.Hour}, process, quickRetry(t, 5), testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Add(ctx, "a"))
	require.NoError(t, p.Add(ctx, "b"))
	require.NoError(t, p.Add(ctx, "c"))

	_, err = p.Flush(ctx)
	require.Error(t, err)

	// The drained batch rides on the error in enqueue order, so the caller
	// can retry or persist it.
	var fe *FlushError[string]
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, []string{"a", "b", "c"}, fe.Items)
	assert.Equal(t, 0, p.QueueLength(), "failed explicit flush is not requeued")
}

func TestItemsAddedDuringFlushDeferToNextBatch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	c := &collector{}
	process := func(ctx context.Context, items []string) error {
		select {
		case started <- struct{}{}:
			<-release
		default:
		}
		return c.process(ctx, items)
	}

	p, err := New(Config{BatchSize: 2, MaxDelay: time.Hour}, process, quickRetry(t, 1), testLogger())
	require.NoError(t, err)
	defer func() { _ = p.Close(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, p.Add(ctx, "a"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Triggers the size flush and blocks inside process
		_ = p.Add(ctx, "b")
	}()

	<-started
	// This lands while the flush is in flight and must defer
	require.NoError(t, p.Add(ctx, "c"))
	close(release)
	wg.Wait()

	// Drain the deferred item
	_, err = p.Flush(ctx)
	require.NoError(t, err)

	batches := c.snapshot()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"a", "b"}, batches[0])
	assert.Equal(t, []string{"c"}, batches[1], "deferred item processed once, in the next batch")
}

func TestTimerFailurePreservesQueue(t *testing.T) {
	fail := atomic.Bool{}
	fail.Store(true)
	c := &collector{}
	process := func(ctx context.Context, items []string) error {
		if fail.Load() {
			return errors.ErrStorageUnavailable
		}
		return c.process(ctx, items)
	}

	p, err := New(Config{BatchSize: 100, MaxDelay: 30 * time.Millisecond}, process, quickRetry(t, 1), testLogger())
	require.NoError(t, err)
	defer func() { _ = p.Close(context.Background()) }()

	require.NoError(t, p.Add(context.Background(), "precious"))

	// Let the timer flush fail
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, p.QueueLength(), "failed timer flush must preserve the queue")

	stats := p.Stats()
	assert.GreaterOrEqual(t, stats.FlushFailures, int64(1))

	// Once the store recovers, the re-armed timer delivers the item
	fail.Store(false)
	time.Sleep(120 * time.Millisecond)

	batches := c.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"precious"}, batches[0])
}

func TestCloseFlushesRemainingExactlyOnce(t *testing.T) {
	c := &collector{}
	p, err := New(Config{BatchSize: 100, MaxDelay: time.Hour}, c.process, quickRetry(t, 1), testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Add(ctx, "a"))
	require.NoError(t, p.Add(ctx, "b"))

	require.NoError(t, p.Close(ctx))

	batches := c.snapshot()
	require.Len(t, batches, 1, "shutdown flushes remaining items exactly once")
	assert.Equal(t, []string{"a", "b"}, batches[0])

	// After close, adds are rejected and a second close is a no-op
	assert.Error(t, p.Add(ctx, "late"))
	require.NoError(t, p.Close(ctx))
	assert.Len(t, c.snapshot(), 1)
}

func TestConcurrentAdds(t *testing.T) {
	var processed int64
	process := func(_ context.Context, items []string) error {
		atomic.AddInt64(&processed, int64(len(items)))
		return nil
	}

	p, err := New(Config{BatchSize: 10, MaxDelay: 20 * time.Millisecond}, process, quickRetry(t, 1), testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = p.Add(ctx, "item")
			}
		}()
	}
	wg.Wait()

	require.NoError(t, p.Close(ctx))
	assert.Equal(t, int64(writers*perWriter), atomic.LoadInt64(&processed),
		"every item processed exactly once across size, timer and shutdown flushes")
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{BatchSize: 0, MaxDelay: time.Second}.Validate())
	assert.Error(t, Config{BatchSize: 10, MaxDelay: 0}.Validate())
	assert.NoError(t, DefaultConfig().Validate())
}
