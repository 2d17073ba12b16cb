package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/D9292S/New-Quantum-Bank/config"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	Mode            string
	LogLevel        string
	LogFormat       string
	MetricsPort     int
	Demo            bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("QBPERF_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: QBPERF_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("QBPERF_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: QBPERF_CONFIG)")

	flag.StringVar(&cfg.Mode, "mode",
		getEnv("QBPERF_MODE", ""),
		"Performance mode: low, medium, high (env: QBPERF_MODE)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("QBPERF_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: QBPERF_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("QBPERF_LOG_FORMAT", "json"),
		"Log format: json, text (env: QBPERF_LOG_FORMAT)")

	flag.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("QBPERF_METRICS_PORT", 0),
		"Prometheus metrics port, 0 to disable (env: QBPERF_METRICS_PORT)")

	flag.BoolVar(&cfg.Demo, "demo", false,
		"Seed sample accounts and run a demonstration workload")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("QBPERF_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: QBPERF_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.Mode != "" {
		validModes := []string{config.ModeLow, config.ModeMedium, config.ModeHigh}
		if !contains(validModes, cfg.Mode) {
			return fmt.Errorf("invalid performance mode: %s", cfg.Mode)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Quantum Bank Performance Layer

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with custom config
  %s --config=/path/to/config.json

  # Run the demonstration workload with text logging
  %s --demo --log-level=debug --log-format=text

  # Run in high-performance mode with metrics
  %s --mode=high --metrics-port=9090

  # Validate configuration only
  %s --config=/path/to/config.json --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
