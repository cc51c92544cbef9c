package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/assay/internal/ir"
	"github.com/roach88/assay/internal/review"
	"github.com/roach88/assay/internal/store"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	RunID  string
	Entity string
	Scope  string
	After  int64
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print journal entries",
		Long: `Print journal entries in append order. With --format json the entries
are exported as JSON lines, one entry per line, suitable for downstream
tools; use --after with the last seen seq to follow the journal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run", "", "limit to one review run")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "limit to entries of one entity")
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "limit to a scope (entity|run)")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only entries with a greater seq")

	return cmd
}

func runJournal(opts *JournalOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	filter := store.JournalFilter{RunID: opts.RunID, EntityID: opts.Entity, AfterSeq: opts.After}
	switch scope := ir.Scope(opts.Scope); scope {
	case "":
	case ir.ScopeEntity, ir.ScopeRun:
		filter.Scope = scope
	default:
		return f.Fail(ExitCommandError, ErrCodeInput, fmt.Sprintf("invalid --scope %q", opts.Scope), nil)
	}

	e, err := openEnv(opts.RootOptions, cmd, f, storeOnly)
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := e.store.ListJournal(cmd.Context(), filter)
	if err != nil {
		return commandError(f, "failed to read journal", err)
	}

	if f.JSON() {
		return review.Export(f.Writer, entries)
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tRUN\tSCOPE\tENTITY\tTAG\tPAYLOAD")
	for _, entry := range entries {
		payload, err := ir.Canonical(entry.Payload)
		if err != nil {
			return commandError(f, "failed to render payload", err)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			entry.Seq, entry.RunID, entry.Scope, entry.EntityID, entry.Tag, payload)
	}
	return tw.Flush()
}
