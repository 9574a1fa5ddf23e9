package cli

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/ir"
)

// QueueEntry is one outbox event as shown by the queue command.
type QueueEntry struct {
	ID        string          `json:"id"`
	Model     string          `json:"model"`
	ModelID   string          `json:"model_id"`
	Kind      ir.MutationKind `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	InProcess bool            `json:"in_process"`
	Version   *int64          `json:"version,omitempty"`
}

// QueueResult is the output of the queue command.
type QueueResult struct {
	Pending []QueueEntry `json:"pending"`
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &StoreFlags{}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List local changes waiting for delivery",
		Long: `List the outbox: local changes not yet acknowledged by the remote,
oldest first.

Example:
  tether queue --db ./app.db --schemas ./schemas`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(rootOpts, flags, cmd)
		},
	}
	flags.register(cmd)

	return cmd
}

func runQueue(opts *RootOptions, flags *StoreFlags, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := newLogger(opts, cmd.ErrOrStderr())
	if !opts.Verbose {
		logger = slog.New(slog.DiscardHandler)
	}

	cfg, err := flags.load(cmd)
	if err != nil {
		return outputCommandError(formatter, errorCode(err), err.Error())
	}
	ds, err := openDataStore(cfg, logger)
	if err != nil {
		return outputCommandError(formatter, errorCode(err), err.Error())
	}
	defer ds.Close()

	events, err := ds.Pending(commandContext(cmd))
	if err != nil {
		return outputCommandError(formatter, errorCode(err), err.Error())
	}

	result := QueueResult{Pending: make([]QueueEntry, len(events))}
	for i, ev := range events {
		result.Pending[i] = QueueEntry{
			ID:        ev.ID,
			Model:     ev.ModelName,
			ModelID:   ev.ModelID,
			Kind:      ev.Kind,
			CreatedAt: time.UnixMilli(ev.CreatedAt).UTC(),
			InProcess: ev.InProcess,
			Version:   ev.Version,
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	if len(result.Pending) == 0 {
		fmt.Fprintln(formatter.Writer, "Outbox empty")
		return nil
	}
	fmt.Fprintf(formatter.Writer, "%d pending change(s)\n\n", len(result.Pending))
	tw := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tRECORD\tVERSION\tCREATED\tSTATUS")
	for _, e := range result.Pending {
		version := "-"
		if e.Version != nil {
			version = fmt.Sprint(*e.Version)
		}
		status := "queued"
		if e.InProcess {
			status = "in process"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%s\t%s\n",
			e.ID, e.Kind, e.Model, e.ModelID, version, e.CreatedAt.Format(time.RFC3339), status)
	}
	return tw.Flush()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
