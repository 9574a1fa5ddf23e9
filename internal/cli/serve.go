package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/config"
	"github.com/roach88/tether/internal/remote/memremote"
	"github.com/roach88/tether/internal/remote/wsremote"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Token    string
	PageSize int
	Strict   bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory reference remote over WebSocket",
		Long: `Serve an in-memory remote that datastores can sync against.

The remote keeps one version counter per record and broadcasts every
accepted change to subscribers. Clients connect to /rpc; /health reports
liveness. State is lost when the process exits.

Example:
  tether serve --addr 127.0.0.1:8080
  tether serve --token secret --strict`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&opts.Token, "token", "", "require this access token")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", config.Default().Sync.InitialSyncPageSize, "initial sync page size")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "reject mutations made against an outdated version")

	return cmd
}

// NewRemoteRouter routes /rpc to a WebSocket handler over backend and
// answers /health.
func NewRemoteRouter(backend *memremote.Backend, logger *slog.Logger, token string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	handlerOpts := []wsremote.HandlerOption{wsremote.WithHandlerLogger(logger)}
	if token != "" {
		handlerOpts = append(handlerOpts, wsremote.WithAuthenticator(wsremote.TokenAuthenticator(token)))
	}
	r.Handle("/rpc", wsremote.NewHandler(backend, handlerOpts...))

	return r
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	if opts.PageSize <= 0 {
		return NewExitError(ExitCommandError, "page-size must be positive")
	}

	backendOpts := []memremote.Option{memremote.WithPageSize(opts.PageSize)}
	if opts.Strict {
		backendOpts = append(backendOpts, memremote.WithStrictVersions())
	}
	backend := memremote.New(backendOpts...)

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           NewRemoteRouter(backend, logger, opts.Token),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx := commandContext(cmd)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving reference remote", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	return nil
}
