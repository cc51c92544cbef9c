package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/assay/internal/ingest"
	"github.com/roach88/assay/internal/ir"
)

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <batch.yaml>...",
		Short: "Store records and plan their compounds",
		Long: `Read YAML record batches, store the records, rebuild the compounds of
every entity they touch under each declared policy, and create the tasks the
declared configs accept. Submitting the same batch twice changes nothing.

Example:
  assay ingest -d ./declarations batches/2026-01-*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runIngest(opts *RootOptions, files []string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	var records []ir.Record
	for _, path := range files {
		batch, err := ingest.LoadFile(path)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeInput, "failed to read batch", err)
		}
		f.VerboseLog("%s: %d record(s)", path, len(batch))
		records = append(records, batch...)
	}

	e, err := openEnv(opts, cmd, f, withDeclarations)
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := e.pipeline().Ingest(cmd.Context(), records)
	if err != nil {
		return commandError(f, "ingest failed", err)
	}
	return f.Success(report, func(w io.Writer) {
		fmt.Fprintf(w, "ingested %d new record(s) across %d entities: %d new compound(s), %d new task(s)\n",
			report.Records, report.Entities, report.Compounds, report.Tasks)
	})
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [entity]...",
		Short: "Rebuild compounds from stored records",
		Long: `Rebuild the compounds of the named entities, or of every stored entity,
from their full record history under the declared policies, and plan any
missing tasks. Use it after adding a policy or config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runBuild(opts *RootOptions, entities []string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	e, err := openEnv(opts, cmd, f, withDeclarations)
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := e.pipeline().Rebuild(cmd.Context(), entities...)
	if err != nil {
		return commandError(f, "build failed", err)
	}
	return f.Success(report, func(w io.Writer) {
		for _, id := range report.CompoundIDs {
			fmt.Fprintln(w, id)
		}
		fmt.Fprintf(w, "%d entities: %d new compound(s), %d new task(s)\n",
			report.Entities, report.Compounds, report.Tasks)
	})
}
