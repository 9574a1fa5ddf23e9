package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ClearOptions holds flags for the clear command.
type ClearOptions struct {
	*RootOptions
	StoreFlags
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClearOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all local records, queued changes and sync state",
		Long: `Delete every local record, every queued change and the sync metadata.
Tables are kept. The next run performs a full initial sync.

Queued changes that were never delivered are lost.

Example:
  tether clear --config tether.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(opts, cmd)
		},
	}
	opts.StoreFlags.register(cmd)

	return cmd
}

func runClear(opts *ClearOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	cfg, err := opts.StoreFlags.load(cmd)
	if err != nil {
		return outputCommandError(formatter, errorCode(err), err.Error())
	}
	ds, err := openDataStore(cfg, logger)
	if err != nil {
		return outputCommandError(formatter, errorCode(err), err.Error())
	}
	defer ds.Close()

	if err := ds.Clear(commandContext(cmd)); err != nil {
		return outputCommandError(formatter, errorCode(err), err.Error())
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]string{"cleared": cfg.DB})
	}
	fmt.Fprintf(formatter.Writer, "✓ Cleared %s\n", cfg.DB)
	return nil
}
