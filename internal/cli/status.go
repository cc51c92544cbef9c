package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/assay/internal/ir"
	"github.com/roach88/assay/internal/store"
)

// StatusResult reports task counts and the stored entities.
type StatusResult struct {
	Entities int            `json:"entities"`
	Tasks    int            `json:"tasks"`
	States   map[string]int `json:"states"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	e, err := openEnv(opts, cmd, f, storeOnly)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	entities, err := e.store.ListEntities(ctx)
	if err != nil {
		return commandError(f, "failed to list entities", err)
	}
	counts, err := e.store.CountByState(ctx)
	if err != nil {
		return commandError(f, "failed to count tasks", err)
	}

	result := StatusResult{Entities: len(entities), States: stateCounts(counts)}
	for _, n := range counts {
		result.Tasks += n
	}
	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "%d entities, %d tasks\n", result.Entities, result.Tasks)
		writeStateCounts(w, counts)
	})
}

// TasksOptions holds flags for the tasks command.
type TasksOptions struct {
	*RootOptions
	Entities []string
	Unit     string
	Config   string
	Compound string
	States   []string
	Limit    int
}

// TaskRow is one task as listed by the tasks command.
type TaskRow struct {
	ID string `json:"id"`
	ir.Task
}

// NewTasksCommand creates the tasks command.
func NewTasksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TasksOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Entities, "entity", nil, "limit to these entities")
	cmd.Flags().StringVar(&opts.Unit, "unit", "", "limit to this unit")
	cmd.Flags().StringVar(&opts.Config, "config", "", "limit to this config")
	cmd.Flags().StringVar(&opts.Compound, "compound", "", "limit to this compound id")
	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "limit to these states")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of tasks (0 for all)")

	return cmd
}

func runTasks(opts *TasksOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	filter := store.TaskFilter{
		EntityIDs:  opts.Entities,
		Unit:       opts.Unit,
		ConfigID:   opts.Config,
		CompoundID: opts.Compound,
		Limit:      opts.Limit,
	}
	for _, raw := range opts.States {
		st, err := ir.ParseTaskState(raw)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeInput, "invalid --state", err)
		}
		filter.States = append(filter.States, st)
	}

	e, err := openEnv(opts.RootOptions, cmd, f, storeOnly)
	if err != nil {
		return err
	}
	defer e.Close()

	tasks, err := e.store.ListTasks(cmd.Context(), filter)
	if err != nil {
		return commandError(f, "failed to list tasks", err)
	}
	rows := make([]TaskRow, len(tasks))
	for i, t := range tasks {
		rows[i] = TaskRow{ID: t.Key.ID(), Task: t}
	}

	return f.Success(rows, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tENTITY\tCONFIG\tSTATE\tTRIALS")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\n",
				shortID(r.ID), r.Key.EntityID, r.Key.ConfigID, r.State, r.TrialCount, r.MaxTrials)
		}
		tw.Flush()
	})
}

// ResetOptions holds flags for the reset command.
type ResetOptions struct {
	*RootOptions
	Priority bool
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset <task-id>",
		Short: "Return a task to TO_RUN with a fresh trial budget",
		Long: `Reset a task so it runs again: its trial count and last failure are
cleared and it returns to TO_RUN, or TO_RUN_PRIORITY with --priority. Tasks
that are QUEUED or RUNNING are refused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Priority, "priority", false, "reset to TO_RUN_PRIORITY")

	return cmd
}

func runReset(opts *ResetOptions, id string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	e, err := openEnv(opts.RootOptions, cmd, f, storeOnly)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	task, err := e.store.ReadTaskByID(ctx, id)
	if err != nil {
		return commandError(f, "failed to read task", err)
	}
	if err := e.sched.Reset(ctx, task.Key, opts.Priority); err != nil {
		return commandError(f, "reset refused", err)
	}
	if task, err = e.store.ReadTaskByID(ctx, id); err != nil {
		return commandError(f, "failed to read task", err)
	}

	row := TaskRow{ID: id, Task: task}
	return f.Success(row, func(w io.Writer) {
		fmt.Fprintf(w, "task %s reset to %s\n", shortID(id), task.State)
	})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
