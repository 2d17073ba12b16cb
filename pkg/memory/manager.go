// Package memory provides process memory monitoring, pressure-triggered
// garbage collection, and weak-reference leak tracking for long-running bot
// processes.
package memory

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
	"weak"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/D9292S/New-Quantum-Bank/errors"
)

// UsageUnavailable is returned by UsageMB when no memory source can be read.
const UsageUnavailable = -1

// Config controls memory monitoring behavior.
type Config struct {
	// LimitMB is the resident-memory threshold above which a collection is
	// triggered automatically. Zero disables the automatic policy.
	LimitMB float64 `json:"limit_mb"`

	// CheckInterval is how often the background monitor samples usage.
	CheckInterval time.Duration `json:"check_interval"`

	// CollectionCooldown is the minimum time between automatic collections,
	// preventing GC thrashing under sustained pressure.
	CollectionCooldown time.Duration `json:"collection_cooldown"`

	// LeakAgeThreshold flags tracked objects still alive after this long as
	// suspected leaks. Reporting only; nothing is freed automatically.
	LeakAgeThreshold time.Duration `json:"leak_age_threshold"`

	// SampleWindow bounds how long usage samples are retained for trend
	// analysis.
	SampleWindow time.Duration `json:"sample_window"`
}

// DefaultConfig returns sensible monitoring defaults.
func DefaultConfig() Config {
	return Config{
		LimitMB:            500,
		CheckInterval:      30 * time.Second,
		CollectionCooldown: time.Minute,
		LeakAgeThreshold:   30 * time.Minute,
		SampleWindow:       24 * time.Hour,
	}
}

// trackedObject is a non-owning weak handle to a registered object. The
// registry never extends the target's lifetime; liveness is observed through
// the weak pointer alone.
type trackedObject struct {
	label      string
	alive      func() bool
	registered time.Time
}

// TrackedStatus reports the state of one tracked object.
type TrackedStatus struct {
	Label         string        `json:"label"`
	Alive         bool          `json:"alive"`
	Age           time.Duration `json:"age"`
	SuspectedLeak bool          `json:"suspected_leak"`
}

// Report is a point-in-time view of memory state.
type Report struct {
	UsageMB              float64 `json:"usage_mb"`
	PeakMB               float64 `json:"peak_mb"`
	LimitMB              float64 `json:"limit_mb"`
	TrackedObjects       int     `json:"tracked_objects"`
	CollectionsTriggered int64   `json:"collections_triggered"`
	CollectionPerformed  bool    `json:"collection_performed"`
}

// Trend describes memory growth over a window.
type Trend struct {
	Direction       string  `json:"direction"` // "increasing", "decreasing", "stable", "unknown"
	ChangeRateMBPrH float64 `json:"change_rate_mb_per_hour"`
	Samples         int     `json:"samples"`
	StartMB         float64 `json:"start_mb"`
	EndMB           float64 `json:"end_mb"`
}

type sample struct {
	at time.Time
	mb float64
}

// Manager tracks process memory, triggers collection under pressure, and
// tracks registered objects for leak detection. It never returns errors from
// its observation paths; failures degrade to logged fallbacks.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu                   sync.Mutex
	proc                 *process.Process
	degraded             bool
	peakMB               float64
	lastCollection       time.Time
	collectionsTriggered int64
	tracked              map[string]*trackedObject
	samples              []sample
	pressureHooks        []func()

	// Test seam for the resident-memory source
	rssFn func() (float64, error)

	started  bool
	shutdown chan struct{}
	done     chan struct{}
}

// NewManager creates a memory manager. Call Start to enable the automatic
// collection policy.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.CollectionCooldown <= 0 {
		cfg.CollectionCooldown = time.Minute
	}
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = 24 * time.Hour
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		tracked: make(map[string]*trackedObject),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.degraded = true
		logger.Warn("process memory source unavailable, using runtime stats", "error", err)
	} else {
		m.proc = proc
	}
	m.rssFn = m.residentMB

	return m
}

// UsageMB returns current resident memory in MB. On failure it logs degraded
// mode, falls back to runtime heap statistics, and returns UsageUnavailable
// only when no source can be read. It never returns an error.
func (m *Manager) UsageMB() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked()
}

func (m *Manager) usageLocked() float64 {
	mb, err := m.rssFn()
	if err != nil {
		if !m.degraded {
			m.degraded = true
			m.logger.Warn("resident memory read failed, degrading to runtime stats", "error", err)
		}
		mb = runtimeHeapMB()
	}
	if mb < 0 {
		return UsageUnavailable
	}
	if mb > m.peakMB {
		m.peakMB = mb
	}
	return mb
}

// residentMB reads the process RSS via gopsutil.
func (m *Manager) residentMB() (float64, error) {
	if m.degraded || m.proc == nil {
		return runtimeHeapMB(), nil
	}
	info, err := m.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(info.RSS) / (1024 * 1024), nil
}

// runtimeHeapMB is the degraded-mode source: Go heap in use, in MB.
func runtimeHeapMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapInuse+ms.StackInuse) / (1024 * 1024)
}

// ForceCollection triggers a full garbage collection pass and returns an
// estimate of the number of objects reclaimed.
func (m *Manager) ForceCollection() int {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	runtime.ReadMemStats(&after)

	m.mu.Lock()
	m.collectionsTriggered++
	m.lastCollection = time.Now()
	m.mu.Unlock()

	reclaimed := 0
	if before.HeapObjects > after.HeapObjects {
		reclaimed = int(before.HeapObjects - after.HeapObjects)
	}
	m.logger.Debug("forced garbage collection", "reclaimed_objects", reclaimed)
	return reclaimed
}

// Track registers a non-owning weak handle to obj under label. The registry
// does not keep obj alive; once collected elsewhere the handle reports dead.
func Track[T any](m *Manager, obj *T, label string) {
	wp := weak.Make(obj)
	m.mu.Lock()
	m.tracked[label] = &trackedObject{
		label:      label,
		alive:      func() bool { return wp.Value() != nil },
		registered: time.Now(),
	}
	m.mu.Unlock()
	m.logger.Debug("tracking object", "label", label)
}

// CheckTrackedObjects returns liveness and age for every tracked handle,
// flagging long-lived survivors as suspected leaks. Dead handles are removed
// from the registry as a side effect.
func (m *Manager) CheckTrackedObjects() []TrackedStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	statuses := make([]TrackedStatus, 0, len(m.tracked))
	for label, obj := range m.tracked {
		alive := obj.alive()
		age := now.Sub(obj.registered)
		status := TrackedStatus{
			Label:         label,
			Alive:         alive,
			Age:           age,
			SuspectedLeak: alive && m.cfg.LeakAgeThreshold > 0 && age > m.cfg.LeakAgeThreshold,
		}
		statuses = append(statuses, status)

		if !alive {
			delete(m.tracked, label)
		} else if status.SuspectedLeak {
			m.logger.Warn("tracked object exceeds leak age threshold",
				"label", label, "age", age)
		}
	}
	return statuses
}

// OnPressure registers a hook invoked when the automatic policy detects
// memory pressure, before the collection runs. The cache registers its
// expired-entry sweep here.
func (m *Manager) OnPressure(hook func()) {
	if hook == nil {
		return
	}
	m.mu.Lock()
	m.pressureHooks = append(m.pressureHooks, hook)
	m.mu.Unlock()
}

// CheckMemory samples usage, applies the automatic collection policy, and
// returns a report. Collection runs only when usage exceeds the limit and the
// cooldown window has elapsed.
func (m *Manager) CheckMemory() Report {
	m.mu.Lock()
	usage := m.usageLocked()
	now := time.Now()
	m.samples = append(m.samples, sample{at: now, mb: usage})
	m.pruneSamplesLocked(now)

	overLimit := m.cfg.LimitMB > 0 && usage >= 0 && usage > m.cfg.LimitMB
	cooled := now.Sub(m.lastCollection) >= m.cfg.CollectionCooldown
	var hooks []func()
	if overLimit && cooled {
		hooks = append(hooks, m.pressureHooks...)
	}
	report := Report{
		UsageMB:              usage,
		PeakMB:               m.peakMB,
		LimitMB:              m.cfg.LimitMB,
		TrackedObjects:       len(m.tracked),
		CollectionsTriggered: m.collectionsTriggered,
	}
	m.mu.Unlock()

	if overLimit && cooled {
		m.logger.Warn("memory usage exceeds limit, forcing collection",
			"usage_mb", usage, "limit_mb", m.cfg.LimitMB)
		for _, hook := range hooks {
			hook()
		}
		m.ForceCollection()
		report.CollectionPerformed = true
		report.CollectionsTriggered++
	}
	return report
}

func (m *Manager) pruneSamplesLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.SampleWindow)
	idx := 0
	for idx < len(m.samples) && m.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		m.samples = append(m.samples[:0], m.samples[idx:]...)
	}
}

// MemoryTrend analyzes usage growth over the given window.
func (m *Manager) MemoryTrend(window time.Duration) Trend {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var windowed []sample
	for _, s := range m.samples {
		if !s.at.Before(cutoff) {
			windowed = append(windowed, s)
		}
	}

	if len(windowed) < 2 {
		return Trend{Direction: "unknown", Samples: len(windowed)}
	}

	first, last := windowed[0], windowed[len(windowed)-1]
	hours := last.at.Sub(first.at).Hours()
	if hours <= 0 {
		return Trend{Direction: "unknown", Samples: len(windowed)}
	}

	rate := (last.mb - first.mb) / hours
	direction := "stable"
	switch {
	case rate > 1.0:
		direction = "increasing"
	case rate < -1.0:
		direction = "decreasing"
	}

	return Trend{
		Direction:       direction,
		ChangeRateMBPrH: rate,
		Samples:         len(windowed),
		StartMB:         first.mb,
		EndMB:           last.mb,
	}
}

// Start launches the background monitor applying the automatic collection
// policy at the configured interval.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "MemoryManager", "Start", "monitor already running")
	}
	m.started = true
	m.shutdown = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.monitor(ctx)

	m.logger.Info("memory manager started",
		"limit_mb", m.cfg.LimitMB, "check_interval", m.cfg.CheckInterval)
	return nil
}

func (m *Manager) monitor(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.CheckMemory()
			m.CheckTrackedObjects()
		}
	}
}

// Stop shuts down the background monitor. Safe to call without Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.shutdown)
	m.mu.Unlock()
	<-m.done
}
