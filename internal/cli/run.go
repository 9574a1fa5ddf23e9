package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/engine"
	"github.com/roach88/tether/internal/hub"
	"github.com/roach88/tether/internal/remote"
	"github.com/roach88/tether/internal/remote/wsremote"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	StoreFlags
	Remote string
	Token  string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the datastore and sync with a remote",
		Long: `Open the local datastore and keep it in sync with a remote.

Queued local changes are delivered through the outbox, the initial sync
pulls every model in dependency order and live remote changes are
applied as they arrive. Every change is logged. Without a remote URL
the datastore runs local-only. An unreachable remote does not stop the
datastore: writes stay queued and the connection is retried.

Example:
  tether run --config tether.yaml
  tether run --db ./app.db --schemas ./schemas --remote ws://localhost:8080/rpc`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDataStore(opts, cmd)
		},
	}

	opts.StoreFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Remote, "remote", "", "remote WebSocket URL (overrides config)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "remote access token (overrides config)")

	return cmd
}

func runDataStore(opts *RunOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	cfg, err := opts.StoreFlags.load(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if cmd.Flags().Changed("remote") {
		cfg.Remote.URL = opts.Remote
	}
	if cmd.Flags().Changed("token") {
		cfg.Remote.Token = opts.Token
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var extra []engine.Option
	if cfg.Remote.URL != "" {
		logger.Info("syncing with remote", "url", cfg.Remote.URL)
		// The first call dials; an unreachable remote leaves writes queued
		// and is retried by the sender and the session restarts.
		channel := wsremote.NewReconnecting(cfg.Remote.URL,
			wsremote.WithCredentials(remote.StaticCredentials(cfg.Remote.Token)),
			wsremote.WithClientLogger(logger),
		)
		defer channel.Close()
		extra = append(extra, engine.WithRemote(channel))
	}

	ds, err := openDataStore(cfg, logger, extra...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load schemas", err)
	}
	defer func() {
		if closeErr := ds.Close(); closeErr != nil {
			logger.Error("error closing datastore", "error", closeErr)
		}
	}()

	sub := ds.Observe()
	defer sub.Close()

	if err := ds.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start datastore", err)
	}
	mode := "local-only"
	if !ds.LocalOnly() {
		mode = "syncing"
	}
	logger.Info("datastore running", "db", cfg.DB, "schemas", cfg.SchemaDir, "mode", mode)
	fmt.Fprintln(cmd.OutOrStdout(), "Datastore running. Press Ctrl-C to stop.")

	err = sub.Each(ctx, func(e hub.Event) error {
		logEvent(logger, e)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "datastore error", err)
	}

	stats := ds.Stats()
	logger.Info("datastore stopped",
		"applied", stats.Applied, "stale", stats.Stale,
		"conflicted", stats.Conflicted, "ignored", stats.Ignored)
	return nil
}

func logEvent(logger *slog.Logger, e hub.Event) {
	switch e.Kind {
	case hub.EventMutation:
		logger.Info("change",
			"source", e.Source, "mutation", e.Mutation,
			"model", e.Model, "id", e.Record.ID, "version", e.Version)
	case hub.EventOutboxProcessed:
		logger.Debug("outbox processed", "model", e.Model, "id", e.Record.ID, "version", e.Version)
	case hub.EventSessionState:
		logger.Info("sync state", "state", e.State)
	case hub.EventError:
		logger.Warn("sync error", "error", e.Err)
	}
}
