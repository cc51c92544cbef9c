package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/assay/internal/engine"
	"github.com/roach88/assay/internal/ir"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Drain   bool
	Workers int

	// IDs overrides the run and worker id source (for testing).
	IDs engine.IDGenerator
}

// RunResult is reported when a run stops.
type RunResult struct {
	RunID  string         `json:"run_id"`
	States map[string]int `json:"states"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute tasks with the worker pool",
		Long: `Start the worker pool against the database. Workers select runnable
tasks by priority, gate them on their dependencies, claim them and run their
units with a timeout, retrying failures with backoff until the trial budget
is spent.

Without --drain the pool runs until interrupted. With --drain it stops once
no task can make progress.

Example:
  assay run -d ./declarations --drain --workers 8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPool(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "stop when no task can make progress")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "number of workers (overrides config)")

	return cmd
}

func runPool(opts *RunOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	e, err := openEnv(opts.RootOptions, cmd, f, withDeclarations)
	if err != nil {
		return err
	}
	defer e.Close()

	poolOpts := append(e.cfg.PoolOptions(), engine.WithPoolLogger(e.logger))
	if opts.Workers > 0 {
		poolOpts = append(poolOpts, engine.WithWorkers(opts.Workers))
	}
	if opts.Drain {
		poolOpts = append(poolOpts, engine.WithDrain())
	}
	if opts.IDs != nil {
		poolOpts = append(poolOpts, engine.WithIDGenerator(opts.IDs))
	}
	pool := engine.NewPool(e.sched, poolOpts...)

	ctx := cmd.Context()
	if !opts.Drain && !f.JSON() {
		fmt.Fprintln(f.Writer, "Pool started. Press Ctrl-C to stop.")
	}
	if err := pool.Run(ctx); err != nil {
		return f.Fail(ExitFailure, ErrCodeStore, "run failed", err)
	}

	counts, err := e.store.CountByState(context.WithoutCancel(ctx))
	if err != nil {
		return commandError(f, "failed to count tasks", err)
	}
	result := RunResult{RunID: pool.RunID(), States: stateCounts(counts)}
	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "run %s stopped\n", result.RunID)
		writeStateCounts(w, counts)
	})
}

func stateCounts(counts map[ir.TaskState]int) map[string]int {
	out := make(map[string]int, len(counts))
	for st, n := range counts {
		out[string(st)] = n
	}
	return out
}

// writeStateCounts prints non-zero counts in lifecycle order.
func writeStateCounts(w io.Writer, counts map[ir.TaskState]int) {
	for _, st := range ir.AllTaskStates {
		if n := counts[st]; n > 0 {
			fmt.Fprintf(w, "  %-20s %d\n", st, n)
		}
	}
}
