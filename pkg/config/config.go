// Package config loads and validates the blobdict configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the blobdict configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (BLOBDICT_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Backend configures the S3-compatible object store
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`

	// Namespace configures the dictionary namespace within the bucket
	Namespace NamespaceConfig `mapstructure:"namespace" yaml:"namespace"`

	// Lease tunes lock acquisition and background renewal
	Lease LeaseConfig `mapstructure:"lease" yaml:"lease"`

	// Workers bounds concurrent backend calls in bulk operations
	Workers int `mapstructure:"workers" yaml:"workers"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output"`
}

// BackendConfig configures the S3-compatible object store connection.
type BackendConfig struct {
	// Endpoint overrides the S3 endpoint, e.g. for MinIO or LocalStack.
	// Empty uses the AWS default resolution.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Region is the bucket region
	Region string `mapstructure:"region" yaml:"region"`

	// Bucket is the bucket holding all dictionary objects
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// AccessKeyID and SecretAccessKey override the ambient AWS credential
	// chain when both are set
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`

	// PathStyle forces path-style addressing, required by most
	// S3-compatible servers
	PathStyle bool `mapstructure:"path_style" yaml:"path_style"`

	// MaxRetries caps retry attempts for transient backend errors
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the first retry delay; subsequent delays grow by
	// BackoffMultiplier up to MaxBackoff
	InitialBackoff    time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// NamespaceConfig configures the dictionary namespace.
type NamespaceConfig struct {
	// Folder is the key prefix within the bucket
	Folder string `mapstructure:"folder" yaml:"folder"`

	// Indexed maintains the shared index object for fast key enumeration
	Indexed bool `mapstructure:"indexed" yaml:"indexed"`

	// Scope is the lock-identity string shared by cooperating clients.
	// Empty gives each client a private scope.
	Scope string `mapstructure:"scope" yaml:"scope"`
}

// LeaseConfig tunes lock acquisition and background renewal.
type LeaseConfig struct {
	// TickInterval is how often the renewal loop wakes
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`

	// Autorenew is how often a held lease is re-extended; must stay below
	// the backend's physical lease cap
	Autorenew time.Duration `mapstructure:"autorenew" yaml:"autorenew"`

	// LockWait bounds the wait for a contended lock
	LockWait time.Duration `mapstructure:"lock_wait" yaml:"lock_wait"`

	// PollInterval is the sleep between lock acquisition attempts
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Listen is the address of the metrics endpoint, e.g. ":9090"
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (BLOBDICT_*)
//  2. Configuration file
//  3. Default values
//
// configPath may be empty, in which case the default location is
// searched and a missing file falls back to pure defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// config file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  blobdict init\n\n"+
				"Or specify a custom config file:\n"+
				"  blobdict <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  blobdict init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML
// format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Config files may contain credentials; keep them owner-only.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks configuration consistency beyond what defaults can
// repair.
func Validate(cfg *Config) error {
	switch strings.ToUpper(cfg.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid logging level %q", cfg.Logging.Level)
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging format %q", cfg.Logging.Format)
	}

	if cfg.Backend.Bucket == "" {
		return fmt.Errorf("backend.bucket is required")
	}

	if cfg.Backend.BackoffMultiplier < 1 {
		return fmt.Errorf("backend.backoff_multiplier must be >= 1, got %g", cfg.Backend.BackoffMultiplier)
	}

	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}

	if cfg.Lease.Autorenew >= 60*time.Second {
		return fmt.Errorf("lease.autorenew must stay below the 60s backend lease cap, got %s", cfg.Lease.Autorenew)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}

// setupViper configures viper with environment variables and config file
// settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the BLOBDICT_ prefix and underscores.
	// Example: BLOBDICT_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("BLOBDICT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/blobdict/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. Returns
// (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// durationDecodeHook converts strings like "30s" or "5m" to
// time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path: XDG_CONFIG_HOME
// if set, otherwise ~/.config, falling back to the current directory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "blobdict")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "blobdict")
}

// GetDefaultConfigPath returns the default config file location.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the
// default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
