package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/assay/internal/engine"
	"github.com/roach88/assay/internal/ir"
	"github.com/roach88/assay/internal/review"
)

// ReviewOptions holds flags for the review command.
type ReviewOptions struct {
	*RootOptions
	Reviewer string
	Entities []string
	Unit     string
	Config   string
	States   []string

	// IDs overrides the review run id source (for testing).
	IDs engine.IDGenerator
}

// Reviewers are the reviewer names the review command accepts.
var Reviewers = []string{"summary", "integrity"}

// NewReviewCommand creates the review command.
func NewReviewCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReviewOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review task outcomes into the journal",
		Long: `Stream the selected tasks one entity at a time through a reviewer and
append its annotations to the journal.

Reviewers:
  summary   - one "result" entry per completed task and a run "summary"
  integrity - one "attention" entry per task parked in an integrity or
              exhaustion state and a run "integrity" entry with counts

Example:
  assay review --reviewer integrity
  assay review --entity E1,E2 --config count-v1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReview(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Reviewer, "reviewer", "summary", "reviewer to run (summary|integrity)")
	cmd.Flags().StringSliceVar(&opts.Entities, "entity", nil, "limit to these entities")
	cmd.Flags().StringVar(&opts.Unit, "unit", "", "limit to tasks of this unit")
	cmd.Flags().StringVar(&opts.Config, "config", "", "limit to tasks of this config")
	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "task states to review")

	return cmd
}

func runReview(opts *ReviewOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	sel := review.Selection{
		EntityIDs: opts.Entities,
		Unit:      opts.Unit,
		ConfigID:  opts.Config,
	}
	for _, raw := range opts.States {
		st, err := ir.ParseTaskState(raw)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeInput, "invalid --state", err)
		}
		sel.States = append(sel.States, st)
	}

	var reviewer review.Reviewer
	switch opts.Reviewer {
	case "summary":
		reviewer = review.SummaryReviewer{}
	case "integrity":
		reviewer = &review.IntegrityReviewer{}
		if len(sel.States) == 0 {
			sel.States = review.IntegrityStates
		}
	default:
		return f.Fail(ExitCommandError, ErrCodeInput,
			fmt.Sprintf("unknown reviewer %q: must be one of %v", opts.Reviewer, Reviewers), nil)
	}

	e, err := openEnv(opts.RootOptions, cmd, f, storeOnly)
	if err != nil {
		return err
	}
	defer e.Close()

	aggOpts := []review.Option{review.WithLogger(e.logger)}
	if opts.IDs != nil {
		aggOpts = append(aggOpts, review.WithIDGenerator(opts.IDs))
	}
	report, err := review.NewAggregator(e.store, aggOpts...).Run(cmd.Context(), sel, reviewer)
	if err != nil {
		return commandError(f, "review failed", err)
	}
	return f.Success(report, func(w io.Writer) {
		fmt.Fprintf(w, "review %s: %d item(s), %d entity entries, %d run entries\n",
			report.RunID, report.Items, report.EntityEntries, report.RunEntries)
	})
}
