package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/registry"
)

// SchemaOptions holds flags for the schema command.
type SchemaOptions struct {
	*RootOptions
	Output string // output file path
}

// SchemaResult is the compiled form of a schema directory.
type SchemaResult struct {
	Models    []ir.ModelSchema        `json:"models"`
	SyncOrder []string                `json:"sync_order"`
	Warnings  []registry.CycleWarning `json:"warnings,omitempty"`
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schema <schema-dir>",
		Short: "Compile CUE models and show the sync order",
		Long: `Compile the CUE model definitions in a directory.

Prints each model with its fields, indexes and associations, the order
in which models are synchronized (parents before children) and any
belongs-to cycles.

Example:
  tether schema ./schemas
  tether schema ./schemas --format json -o models.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write compiled models as JSON to this file")

	return cmd
}

func runSchema(opts *SchemaOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	loadResult, loadErrors := LoadModels(dir, LoadModeCollectAll)
	if loadResult == nil {
		return outputSchemaErrors(formatter, loadErrors)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, dir)
	for _, s := range loadResult.Schemas {
		formatter.VerboseLog("Compiled model: %s", s.Name)
	}
	if len(loadErrors) > 0 {
		return outputSchemaErrors(formatter, loadErrors)
	}

	result := &SchemaResult{
		Models:    loadResult.Registry.Schemas(),
		SyncOrder: loadResult.Registry.SyncOrder(),
		Warnings:  loadResult.Warnings,
	}

	if opts.Output != "" {
		if err := writeSchemaFile(result, opts.Output); err != nil {
			return outputCommandError(formatter, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err))
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d model(s)\n\n", len(result.Models))
	fmt.Fprintln(w, "Models:")
	for _, s := range result.Models {
		fmt.Fprintf(w, "  %s (key %s): %s\n", s.Name, s.Key(), strings.Join(s.FieldNames(), ", "))
		for _, idx := range s.Indexes {
			fmt.Fprintf(w, "    index %s(%s)\n", idx.Name, strings.Join(idx.Fields, ", "))
		}
		for _, a := range s.Associations {
			if a.Kind == ir.BelongsTo {
				fmt.Fprintf(w, "    %s %s: %s -> %s\n", a.Kind, a.Name, a.Field, a.Target)
				continue
			}
			cascade := ""
			if a.Cascade {
				cascade = " (cascade)"
			}
			fmt.Fprintf(w, "    %s %s: %s.%s%s\n", a.Kind, a.Name, a.Target, a.TargetField, cascade)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Sync order: %s\n", strings.Join(result.SyncOrder, " → "))
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warn.Message)
	}
	if opts.Output != "" {
		fmt.Fprintf(w, "\nWrote compiled models to %s\n", opts.Output)
	}
	return nil
}

// outputCommandError reports one error that prevented the command from
// running (exit code 2).
func outputCommandError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

func outputSchemaErrors(formatter *OutputFormatter, errs []error) error {
	if len(errs) == 1 {
		return outputCommandError(formatter, errorCode(errs[0]), errs[0].Error())
	}

	if formatter.Format == "json" {
		cliErrors := make([]CLIError, len(errs))
		for i, err := range errs {
			cliErrors[i] = CLIError{Code: errorCode(err), Message: err.Error()}
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(CLIResponse{Status: "error", Error: &cliErrors[0], Data: cliErrors}); err != nil {
			return err
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "  %s\n", err)
	}
	return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
}

func writeSchemaFile(result *SchemaResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling models: %w", err)
	}
	return os.WriteFile(filename, append(data, '\n'), 0o644)
}
