package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/config"
	"github.com/roach88/tether/internal/engine"
	"github.com/roach88/tether/internal/kv"
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/reconcile"
	"github.com/roach88/tether/internal/registry"
	"github.com/roach88/tether/internal/store"
)

// StoreFlags are the flags of every command that opens a datastore.
// Set flags override the config file.
type StoreFlags struct {
	Config  string
	DB      string
	Schemas string
}

func (f *StoreFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.Config, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&f.DB, "db", "", "SQLite database path (overrides config)")
	cmd.Flags().StringVar(&f.Schemas, "schemas", "", "CUE schema directory (overrides config)")
}

// load reads the config file, if any, and applies set flags.
func (f *StoreFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if f.Config != "" {
		loaded, err := config.Load(f.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("db") {
		cfg.DB = f.DB
	}
	if cmd.Flags().Changed("schemas") {
		cfg.SchemaDir = f.Schemas
	}
	return cfg, cfg.Validate()
}

// loadRegistry compiles cfg.SchemaDir, failing on the first error.
func loadRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	result, errs := LoadModels(cfg.SchemaDir, LoadModeFailFast)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	for _, w := range result.Warnings {
		logger.Warn("association cycle", "path", w.Path, "message", w.Message)
	}
	logger.Debug("schemas loaded", "dir", cfg.SchemaDir, "models", len(result.Schemas))
	return result.Registry, nil
}

// openKV opens the scalar state file next to the database, or an
// in-memory store for ":memory:" databases.
func openKV(cfg *config.Config) (kv.Store, error) {
	path := cfg.StatePath()
	if path == "" {
		return kv.NewMemStore(), nil
	}
	fs, err := kv.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}
	return fs, nil
}

// engineOptions maps the configuration onto datastore options.
func engineOptions(cfg *config.Config, kvs kv.Store, logger *slog.Logger) []engine.Option {
	s := cfg.Sync
	senderOpts := []mutation.SenderOption{
		mutation.WithBackoff(mutation.Backoff{
			Initial:     s.BackoffInitial,
			Max:         s.BackoffMax,
			Multiplier:  s.BackoffMultiplier,
			MaxAttempts: s.RetryMaxAttempts,
			Jitter:      s.BackoffJitter,
		}),
		mutation.WithTimeout(s.RequestTimeout),
		mutation.WithCooldown(s.Cooldown),
	}
	if s.RatePerSecond > 0 {
		senderOpts = append(senderOpts, mutation.WithRateLimit(s.RatePerSecond, s.RateBurst))
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithKV(kvs),
		engine.WithStoreOptions(store.WithMaxPredicates(cfg.MaxPredicates)),
		engine.WithSenderOptions(senderOpts...),
		engine.WithSessionOptions(reconcile.WithMaxSyncAge(s.MaxSyncAge)),
	}
	if cfg.StoreVersion != "" {
		opts = append(opts, engine.WithStoreVersion(cfg.StoreVersion))
	}
	return opts
}

// openDataStore builds a datastore from cfg. extra options are applied
// last.
func openDataStore(cfg *config.Config, logger *slog.Logger, extra ...engine.Option) (*engine.DataStore, error) {
	reg, err := loadRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	kvs, err := openKV(cfg)
	if err != nil {
		return nil, err
	}
	opts := append(engineOptions(cfg, kvs, logger), extra...)
	return engine.New(cfg.DB, reg, opts...), nil
}
