package memory

import (
	"fmt"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestUsageMB(t *testing.T) {
	m := NewManager(DefaultConfig(), testLogger())

	usage := m.UsageMB()
	assert.Greater(t, usage, 0.0, "a running test process has resident memory")
}

func TestUsageMB_DegradedFallback(t *testing.T) {
	m := NewManager(DefaultConfig(), testLogger())
	m.rssFn = func() (float64, error) {
		return 0, fmt.Errorf("memory source unavailable")
	}

	// First read logs degraded mode and falls back to runtime stats
	usage := m.UsageMB()
	assert.Greater(t, usage, 0.0)
	assert.True(t, m.degraded)
}

func TestUsageMB_Unavailable(t *testing.T) {
	m := NewManager(DefaultConfig(), testLogger())
	m.rssFn = func() (float64, error) {
		return -1, nil
	}

	assert.Equal(t, float64(UsageUnavailable), m.UsageMB())
}

func TestForceCollection(t *testing.T) {
	m := NewManager(DefaultConfig(), testLogger())

	// Allocate garbage so the collection has something to reclaim
	for i := 0; i < 10000; i++ {
		_ = make([]byte, 1024)
	}

	reclaimed := m.ForceCollection()
	assert.GreaterOrEqual(t, reclaimed, 0)

	report := m.CheckMemory()
	assert.GreaterOrEqual(t, report.CollectionsTriggered, int64(1))
}

func TestTrackedObjects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeakAgeThreshold = time.Hour
	m := NewManager(cfg, testLogger())

	type payload struct{ data [1024]byte }

	live := &payload{}
	Track(m, live, "live-object")

	func() {
		dead := &payload{}
		Track(m, dead, "dead-object")
	}()

	// Encourage collection of the dead object
	for i := 0; i < 3; i++ {
		runtime.GC()
	}

	statuses := m.CheckTrackedObjects()
	require.Len(t, statuses, 2)

	byLabel := map[string]TrackedStatus{}
	for _, s := range statuses {
		byLabel[s.Label] = s
	}

	assert.True(t, byLabel["live-object"].Alive, "registry must not report live objects dead")
	assert.False(t, byLabel["live-object"].SuspectedLeak)
	assert.False(t, byLabel["dead-object"].Alive,
		"registry must not keep tracked objects alive")

	// Dead handles are pruned on check
	statuses = m.CheckTrackedObjects()
	assert.Len(t, statuses, 1)

	runtime.KeepAlive(live)
}

func TestSuspectedLeakFlag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeakAgeThreshold = time.Nanosecond
	m := NewManager(cfg, testLogger())

	obj := &struct{ x int }{}
	Track(m, obj, "old-object")
	time.Sleep(time.Millisecond)

	statuses := m.CheckTrackedObjects()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].SuspectedLeak, "long-lived tracked object should be flagged")

	runtime.KeepAlive(obj)
}

func TestAutomaticCollectionPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LimitMB = 0.001 // Any real usage exceeds this
	cfg.CollectionCooldown = time.Hour
	m := NewManager(cfg, testLogger())

	pressureCalls := 0
	m.OnPressure(func() { pressureCalls++ })

	report := m.CheckMemory()
	assert.True(t, report.CollectionPerformed, "over-limit usage must trigger collection")
	assert.Equal(t, 1, pressureCalls)

	// Cooldown gates a second collection
	report = m.CheckMemory()
	assert.False(t, report.CollectionPerformed, "cooldown must prevent immediate re-collection")
	assert.Equal(t, 1, pressureCalls)
}

func TestMemoryTrend(t *testing.T) {
	m := NewManager(DefaultConfig(), testLogger())

	now := time.Now()
	m.samples = []sample{
		{at: now.Add(-time.Hour), mb: 100},
		{at: now.Add(-30 * time.Minute), mb: 150},
		{at: now, mb: 200},
	}

	trend := m.MemoryTrend(2 * time.Hour)
	assert.Equal(t, "increasing", trend.Direction)
	assert.InDelta(t, 100.0, trend.ChangeRateMBPrH, 1.0)
	assert.Equal(t, 3, trend.Samples)

	// Too few samples in window
	trend = m.MemoryTrend(time.Nanosecond)
	assert.Equal(t, "unknown", trend.Direction)
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	m := NewManager(cfg, testLogger())

	require.NoError(t, m.Start(t.Context()))
	assert.Error(t, m.Start(t.Context()), "double start must fail")

	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop() // idempotent
}
