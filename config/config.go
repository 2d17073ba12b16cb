// Package config holds the performance-layer configuration: per-component
// tuning knobs plus a coarse performance-mode selector that maps to presets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/D9292S/New-Quantum-Bank/errors"
)

// Performance mode constants.
const (
	ModeLow    = "low"    // small footprint, aggressive expiry
	ModeMedium = "medium" // balanced defaults
	ModeHigh   = "high"   // large cache, long TTLs, big batches
)

// EnvPrefix namespaces environment-variable overrides.
const EnvPrefix = "QBPERF"

// Config is the complete performance-layer configuration.
type Config struct {
	Mode     string         `json:"mode,omitempty"`
	Cache    CacheConfig    `json:"cache"`
	Batch    BatchConfig    `json:"batch"`
	Retry    RetryConfig    `json:"retry"`
	Memory   MemoryConfig   `json:"memory"`
	Profiler ProfilerConfig `json:"profiler"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// CacheConfig tunes the query cache.
type CacheConfig struct {
	Capacity        int      `json:"capacity"`
	DefaultTTL      Duration `json:"default_ttl"`
	CleanupInterval Duration `json:"cleanup_interval"`
}

// BatchConfig tunes the batch processor.
type BatchConfig struct {
	BatchSize int      `json:"batch_size"`
	MaxDelay  Duration `json:"max_delay"`
}

// RetryConfig tunes the retry executor.
type RetryConfig struct {
	MaxAttempts    int      `json:"max_attempts"`
	BaseDelay      Duration `json:"base_delay"`
	MaxDelay       Duration `json:"max_delay"`
	Multiplier     float64  `json:"multiplier"`
	JitterFraction float64  `json:"jitter_fraction"`
	AttemptTimeout Duration `json:"attempt_timeout,omitempty"`
}

// MemoryConfig tunes the memory manager.
type MemoryConfig struct {
	LimitMB            float64  `json:"limit_mb"`
	CheckInterval      Duration `json:"check_interval"`
	CollectionCooldown Duration `json:"collection_cooldown"`
}

// ProfilerConfig tunes the query profiler.
type ProfilerConfig struct {
	Capacity      int      `json:"capacity"`
	SlowThreshold Duration `json:"slow_threshold"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port,omitempty"`
}

// DefaultConfig returns the medium-mode configuration.
func DefaultConfig() *Config {
	cfg := &Config{Mode: ModeMedium}
	cfg.applyModePresets()
	cfg.Retry = RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      Duration(100 * time.Millisecond),
		MaxDelay:       Duration(5 * time.Second),
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
	cfg.Memory.CheckInterval = Duration(30 * time.Second)
	cfg.Memory.CollectionCooldown = Duration(time.Minute)
	cfg.Profiler = ProfilerConfig{
		Capacity:      1000,
		SlowThreshold: Duration(100 * time.Millisecond),
	}
	cfg.Metrics = MetricsConfig{Enabled: false, Port: 9090}
	return cfg
}

// modePresets maps each performance mode to its numeric presets.
var modePresets = map[string]struct {
	cacheCapacity int
	cacheTTL      time.Duration
	batchSize     int
	batchDelay    time.Duration
	memoryLimitMB float64
}{
	ModeLow:    {500, time.Minute, 50, 2 * time.Second, 256},
	ModeMedium: {2000, 5 * time.Minute, 100, time.Second, 512},
	ModeHigh:   {10000, 15 * time.Minute, 500, 500 * time.Millisecond, 2048},
}

// applyModePresets fills cache/batch/memory knobs from the mode selector.
func (c *Config) applyModePresets() {
	preset, ok := modePresets[c.Mode]
	if !ok {
		return
	}
	c.Cache.Capacity = preset.cacheCapacity
	c.Cache.DefaultTTL = Duration(preset.cacheTTL)
	c.Cache.CleanupInterval = Duration(preset.cacheTTL / 5)
	c.Batch.BatchSize = preset.batchSize
	c.Batch.MaxDelay = Duration(preset.batchDelay)
	c.Memory.LimitMB = preset.memoryLimitMB
}

// ApplyMode switches the config to the named performance mode and applies
// its presets over the tunable knobs.
func (c *Config) ApplyMode(mode string) error {
	if _, ok := modePresets[mode]; !ok {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "ApplyMode",
			fmt.Sprintf("unknown performance mode %q", mode))
	}
	c.Mode = mode
	c.applyModePresets()
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Mode != "" {
		if _, ok := modePresets[c.Mode]; !ok {
			return validationErr("mode must be one of low, medium, high")
		}
	}
	if c.Cache.Capacity <= 0 {
		return validationErr("cache.capacity must be positive")
	}
	if c.Cache.DefaultTTL <= 0 {
		return validationErr("cache.default_ttl must be positive")
	}
	if c.Cache.CleanupInterval <= 0 {
		return validationErr("cache.cleanup_interval must be positive")
	}
	if c.Batch.BatchSize <= 0 {
		return validationErr("batch.batch_size must be positive")
	}
	if c.Batch.MaxDelay <= 0 {
		return validationErr("batch.max_delay must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return validationErr("retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return validationErr("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Retry.Multiplier < 1 {
		return validationErr("retry.multiplier must be >= 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		return validationErr("retry.jitter_fraction must be in [0, 1]")
	}
	if c.Memory.LimitMB <= 0 {
		return validationErr("memory.limit_mb must be positive")
	}
	if c.Memory.CheckInterval <= 0 {
		return validationErr("memory.check_interval must be positive")
	}
	if c.Profiler.Capacity <= 0 {
		return validationErr("profiler.capacity must be positive")
	}
	if c.Profiler.SlowThreshold <= 0 {
		return validationErr("profiler.slow_threshold must be positive")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return validationErr("metrics.port must be a valid TCP port")
	}
	return nil
}

func validationErr(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", msg)
}

// Load reads configuration from an optional JSON file, layered as:
// defaults <- mode presets <- file values <- environment overrides.
// An empty path loads defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "reading config file")
		}
		// Read the mode first so file-level knobs override its presets.
		var probe struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parsing config file")
		}
		if probe.Mode != "" {
			if err := cfg.ApplyMode(strings.ToLower(probe.Mode)); err != nil {
				return nil, err
			}
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parsing config file")
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if val := os.Getenv(EnvPrefix + "_MODE"); val != "" {
		_ = c.ApplyMode(strings.ToLower(val))
	}
	if val, ok := envInt("_CACHE_CAPACITY"); ok {
		c.Cache.Capacity = val
	}
	if val, ok := envDuration("_CACHE_TTL"); ok {
		c.Cache.DefaultTTL = val
	}
	if val, ok := envInt("_BATCH_SIZE"); ok {
		c.Batch.BatchSize = val
	}
	if val, ok := envDuration("_BATCH_MAX_DELAY"); ok {
		c.Batch.MaxDelay = val
	}
	if val, ok := envInt("_RETRY_MAX_ATTEMPTS"); ok {
		c.Retry.MaxAttempts = val
	}
	if val, ok := envFloat("_MEMORY_LIMIT_MB"); ok {
		c.Memory.LimitMB = val
	}
	if val, ok := envInt("_METRICS_PORT"); ok {
		c.Metrics.Port = val
		c.Metrics.Enabled = true
	}
}

func envInt(suffix string) (int, bool) {
	val := os.Getenv(EnvPrefix + suffix)
	if val == "" {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(suffix string) (float64, bool) {
	val := os.Getenv(EnvPrefix + suffix)
	if val == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envDuration(suffix string) (Duration, bool) {
	val := os.Getenv(EnvPrefix + suffix)
	if val == "" {
		return 0, false
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, false
	}
	return Duration(d), true
}

// String returns an indented JSON rendering for logs and debugging.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
