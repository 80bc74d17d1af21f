// Package config loads and validates the data-access layer configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the complete configuration for the data-access layer.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Cache     CacheConfig     `yaml:"cache"`
	Predictor PredictorConfig `yaml:"predictor"`
	Query     QueryConfig     `yaml:"query"`
	Offline   OfflineConfig   `yaml:"offline"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// CacheConfig controls the in-memory cache store.
type CacheConfig struct {
	MemoryBudget  string        `yaml:"memory_budget"` // e.g. "64MB"
	MaxEntries    int           `yaml:"max_entries"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Persist       bool          `yaml:"persist"`
}

// MemoryBudgetBytes returns the parsed memory budget.
func (c CacheConfig) MemoryBudgetBytes() (int64, error) {
	return ParseSize(c.MemoryBudget)
}

// PredictorConfig controls access-pattern prediction.
type PredictorConfig struct {
	Enabled        bool          `yaml:"enabled"`
	WindowSize     int           `yaml:"window_size"`     // timestamps kept per key
	StaleAfter     time.Duration `yaml:"stale_after"`     // pattern GC threshold
	SmoothingAlpha float64       `yaml:"smoothing_alpha"` // accuracy EWMA factor
	MinTTL         time.Duration `yaml:"min_ttl"`
	MaxTTL         time.Duration `yaml:"max_ttl"`
}

// QueryConfig controls batching and invalidation.
type QueryConfig struct {
	BatchWindow     time.Duration `yaml:"batch_window"`
	MaxBatchSize    int           `yaml:"max_batch_size"`
	LookaheadPages  int           `yaml:"lookahead_pages"`
	AggregateTTL    time.Duration `yaml:"aggregate_ttl"`
	DefaultCacheTTL time.Duration `yaml:"default_cache_ttl"`
	UsePredictedTTL bool          `yaml:"use_predicted_ttl"`
}

// OfflineConfig controls the offline mutation queue.
type OfflineConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// RealtimeConfig controls the subscription pool.
type RealtimeConfig struct {
	MaxConnections    int           `yaml:"max_connections"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	TeardownGrace     time.Duration `yaml:"teardown_grace"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	DedupeWindow      int           `yaml:"dedupe_window"`
}

// MetricsConfig controls prometheus exposure.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a yaml config file, fills defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the host app
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers RETAILSYNC_* environment variables over file values.
// Malformed values are ignored in favor of the file or default.
func (c *Config) applyEnv() {
	if v := os.Getenv("RETAILSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RETAILSYNC_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("RETAILSYNC_CACHE_MEMORY_BUDGET"); v != "" {
		c.Cache.MemoryBudget = v
	}
	if v := os.Getenv("RETAILSYNC_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.MaxEntries = n
		}
	}
	if v := os.Getenv("RETAILSYNC_CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.DefaultTTL = d
		}
	}
	if v := os.Getenv("RETAILSYNC_CACHE_PERSIST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Cache.Persist = b
		}
	}
	if v := os.Getenv("RETAILSYNC_PREDICTOR_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Predictor.Enabled = b
		}
	}
	if v := os.Getenv("RETAILSYNC_OFFLINE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Offline.MaxRetries = n
		}
	}
	if v := os.Getenv("RETAILSYNC_REALTIME_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Realtime.MaxConnections = n
		}
	}
	if v := os.Getenv("RETAILSYNC_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Enabled = b
		}
	}
	if v := os.Getenv("RETAILSYNC_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Cache.MemoryBudget == "" {
		c.Cache.MemoryBudget = "64MB"
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 1000
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = 5 * time.Minute
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = time.Minute
	}

	if c.Predictor.WindowSize <= 0 {
		c.Predictor.WindowSize = 50
	}
	if c.Predictor.StaleAfter <= 0 {
		c.Predictor.StaleAfter = 24 * time.Hour
	}
	if c.Predictor.SmoothingAlpha <= 0 || c.Predictor.SmoothingAlpha > 1 {
		c.Predictor.SmoothingAlpha = 0.2
	}
	if c.Predictor.MinTTL <= 0 {
		c.Predictor.MinTTL = time.Minute
	}
	if c.Predictor.MaxTTL <= 0 {
		c.Predictor.MaxTTL = 2 * time.Hour
	}

	if c.Query.BatchWindow <= 0 {
		c.Query.BatchWindow = 50 * time.Millisecond
	}
	if c.Query.MaxBatchSize <= 0 {
		c.Query.MaxBatchSize = 10
	}
	if c.Query.LookaheadPages <= 0 {
		c.Query.LookaheadPages = 2
	}
	if c.Query.AggregateTTL <= 0 {
		c.Query.AggregateTTL = 15 * time.Minute
	}
	if c.Query.DefaultCacheTTL <= 0 {
		c.Query.DefaultCacheTTL = 5 * time.Minute
	}

	if c.Offline.MaxRetries <= 0 {
		c.Offline.MaxRetries = 3
	}
	if c.Offline.DrainInterval <= 0 {
		c.Offline.DrainInterval = 30 * time.Second
	}
	if c.Offline.RetryDelay <= 0 {
		c.Offline.RetryDelay = time.Second
	}

	if c.Realtime.MaxConnections <= 0 {
		c.Realtime.MaxConnections = 10
	}
	if c.Realtime.ReconnectAttempts <= 0 {
		c.Realtime.ReconnectAttempts = 3
	}
	if c.Realtime.ReconnectDelay <= 0 {
		c.Realtime.ReconnectDelay = time.Second
	}
	if c.Realtime.TeardownGrace <= 0 {
		c.Realtime.TeardownGrace = 30 * time.Second
	}
	if c.Realtime.StaleAfter <= 0 {
		c.Realtime.StaleAfter = 2 * time.Minute
	}
	if c.Realtime.ProbeInterval <= 0 {
		c.Realtime.ProbeInterval = 30 * time.Second
	}
	if c.Realtime.DedupeWindow <= 0 {
		c.Realtime.DedupeWindow = 512
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Port <= 0 {
		c.Metrics.Port = 9464
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "retailsync"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if _, err := c.Cache.MemoryBudgetBytes(); err != nil {
		return fmt.Errorf("cache.memory_budget: %w", err)
	}
	if c.Predictor.MinTTL > c.Predictor.MaxTTL {
		return fmt.Errorf("predictor: min_ttl %v exceeds max_ttl %v", c.Predictor.MinTTL, c.Predictor.MaxTTL)
	}
	if c.Query.BatchWindow > time.Second {
		return fmt.Errorf("query.batch_window %v is too long; batching is meant for sub-second coalescing", c.Query.BatchWindow)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// ParseSize parses human-readable sizes like "512KB", "64MB", "2GB".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("size must be non-negative, got %d", value)
	}
	return value * multiplier, nil
}
