// Package main implements the qbperf operational harness. It constructs the
// Quantum Bank database performance layer (query cache, batch writer, retry
// executor, memory manager, profiler) against an in-memory document store,
// optionally exposes Prometheus metrics, and runs until signalled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/D9292S/New-Quantum-Bank/bulk"
	"github.com/D9292S/New-Quantum-Bank/config"
	"github.com/D9292S/New-Quantum-Bank/metric"
	"github.com/D9292S/New-Quantum-Bank/perf"
	"github.com/D9292S/New-Quantum-Bank/storage"
	"github.com/D9292S/New-Quantum-Bank/storage/memstore"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "qbperf"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s %s (build: %s)\n", appName, Version, BuildTime)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cliCfg.Mode != "" {
		if err := cfg.ApplyMode(cliCfg.Mode); err != nil {
			return err
		}
	}
	if cliCfg.MetricsPort > 0 {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = cliCfg.MetricsPort
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "mode", cfg.Mode)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var registry *metric.MetricsRegistry
	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		registry = metric.NewMetricsRegistry()
		metricsServer = metric.NewServer(cfg.Metrics.Port, "/metrics", registry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
		logger.Info("metrics listener started", "port", cfg.Metrics.Port)
	}

	db := memstore.New()
	manager, err := perf.New(cfg, db, logger, registry)
	if err != nil {
		return fmt.Errorf("constructing performance layer: %w", err)
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}

	if cliCfg.Demo {
		if err := runDemoWorkload(ctx, db, manager, logger); err != nil {
			logger.Error("demo workload failed", "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// runDemoWorkload seeds sample accounts and exercises each component once,
// then logs the profiler and cache statistics.
func runDemoWorkload(ctx context.Context, db *memstore.DB, manager *perf.Manager, logger *slog.Logger) error {
	accounts := db.Collection(bulk.AccountsCollection).(*memstore.Collection)
	for i := 1; i <= 25; i++ {
		tier := "basic"
		if i%5 == 0 {
			tier = "premium"
		}
		accounts.Insert(storage.Document{
			"user_id": fmt.Sprintf("user-%02d", i),
			"balance": float64(i * 100),
			"tier":    tier,
		})
	}

	top, err := manager.Bulk().Leaderboard(ctx, 5, time.Minute)
	if err != nil {
		return err
	}
	logger.Info("leaderboard", "entries", len(top), "top", top[0]["user_id"])

	// cached on the second read
	if _, err := manager.Bulk().Leaderboard(ctx, 5, time.Minute); err != nil {
		return err
	}

	result, err := manager.Bulk().ProcessDailyInterest(ctx, 0.005, 500)
	if err != nil {
		return err
	}
	logger.Info("interest run", "accounts", result.AccountsCredited, "total", result.TotalInterest)

	for i := 0; i < 10; i++ {
		if err := manager.RecordTransaction(ctx, storage.Document{
			"user_id": fmt.Sprintf("user-%02d", i+1),
			"type":    "deposit",
			"amount":  float64(10 + i),
		}); err != nil {
			return err
		}
	}
	if _, err := manager.Batch().Flush(ctx); err != nil {
		return err
	}

	stats := manager.Profiler().Stats()
	logger.Info("query profile",
		"total_queries", stats.TotalQueries,
		"avg_duration", stats.AvgDuration,
		"slow_queries", stats.SlowQueries)

	cacheStats := manager.Cache().Stats()
	logger.Info("cache statistics",
		"hits", cacheStats.Hits,
		"misses", cacheStats.Misses,
		"hit_ratio", cacheStats.HitRatio)

	logger.Info("memory usage", "resident_mb", manager.Memory().UsageMB())
	return nil
}
