// Package config loads runtime configuration for a tether datastore from
// YAML. Command-line flags override file values; see internal/cli.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tether/internal/ir"
)

// Config is the root configuration.
type Config struct {
	// DB is the SQLite database path. ":memory:" keeps everything in memory.
	DB string `yaml:"db"`

	// SchemaDir holds the CUE model definitions.
	SchemaDir string `yaml:"schema_dir"`

	// KVPath is the YAML file for scalar state. Empty means "<db>.state.yaml".
	KVPath string `yaml:"kv_path,omitempty"`

	// StoreVersion is compared with the version recorded in the kv store at
	// startup. A different value removes the database file.
	StoreVersion string `yaml:"store_version,omitempty"`

	// MaxPredicates caps leaf predicates per compiled query.
	MaxPredicates int `yaml:"max_predicates"`

	Remote RemoteConfig `yaml:"remote"`
	Sync   SyncConfig   `yaml:"sync"`
}

// RemoteConfig selects the remote channel. An empty URL runs local-only.
type RemoteConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token,omitempty"`
}

// SyncConfig tunes the mutation sender and the reconciliation session.
type SyncConfig struct {
	// RetryMaxAttempts bounds network retries of one delivery.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`

	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffJitter     float64       `yaml:"backoff_jitter"`

	// RatePerSecond caps deliveries; zero removes the cap.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`

	// RequestTimeout bounds each remote call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Cooldown is the pause after a delivery exhausted its retries.
	Cooldown time.Duration `yaml:"cooldown"`

	// InitialSyncPageSize is the page size served by `tether serve`.
	InitialSyncPageSize int `yaml:"initial_sync_page_size"`

	// MaxSyncAge skips the initial sync when the last one finished more
	// recently. Zero always syncs.
	MaxSyncAge time.Duration `yaml:"max_sync_age"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DB:            "tether.db",
		SchemaDir:     "schemas",
		MaxPredicates: 100,
		Sync: SyncConfig{
			RetryMaxAttempts:    5,
			BackoffInitial:      500 * time.Millisecond,
			BackoffMax:          30 * time.Second,
			BackoffMultiplier:   2,
			BackoffJitter:       0.2,
			RateBurst:           1,
			RequestTimeout:      30 * time.Second,
			Cooldown:            5 * time.Second,
			InitialSyncPageSize: 100,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, ir.NewConfigurationError("parse config", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.DB != "", "db is required")
	check(c.MaxPredicates > 0, "max_predicates must be positive, got %d", c.MaxPredicates)

	s := c.Sync
	check(s.RetryMaxAttempts >= 0, "sync.retry_max_attempts must not be negative")
	check(s.BackoffInitial > 0, "sync.backoff_initial must be positive")
	check(s.BackoffMax >= s.BackoffInitial, "sync.backoff_max must be at least sync.backoff_initial")
	check(s.BackoffMultiplier >= 1, "sync.backoff_multiplier must be at least 1, got %g", s.BackoffMultiplier)
	check(s.BackoffJitter >= 0 && s.BackoffJitter <= 1, "sync.backoff_jitter must be within [0, 1], got %g", s.BackoffJitter)
	check(s.RatePerSecond >= 0, "sync.rate_per_second must not be negative")
	check(s.RateBurst >= 1, "sync.rate_burst must be at least 1")
	check(s.RequestTimeout > 0, "sync.request_timeout must be positive")
	check(s.Cooldown >= 0, "sync.cooldown must not be negative")
	check(s.InitialSyncPageSize > 0, "sync.initial_sync_page_size must be positive")
	check(s.MaxSyncAge >= 0, "sync.max_sync_age must not be negative")

	if len(errs) > 0 {
		return ir.NewConfigurationError("invalid config", errors.Join(errs...))
	}
	return nil
}

// StatePath returns the kv store path.
func (c *Config) StatePath() string {
	if c.KVPath != "" {
		return c.KVPath
	}
	if c.DB == ":memory:" {
		return ""
	}
	return c.DB + ".state.yaml"
}
