package config

import (
	"strings"
	"time"
)

// GetDefaultConfig returns a configuration with every default applied.
func GetDefaultConfig() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyBackendDefaults(&cfg.Backend)
	applyLeaseDefaults(&cfg.Lease)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyBackendDefaults sets object store connection defaults.
func applyBackendDefaults(cfg *BackendConfig) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = 2.0
	}
}

// applyLeaseDefaults sets lock and renewal defaults.
func applyLeaseDefaults(cfg *LeaseConfig) {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Autorenew == 0 {
		cfg.Autorenew = 30 * time.Second
	}
	if cfg.LockWait == 0 {
		cfg.LockWait = 60 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	if cfg.Enabled && cfg.Listen == "" {
		cfg.Listen = ":9090"
	}
}
