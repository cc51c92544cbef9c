package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/assay/internal/compiler"
	"github.com/roach88/assay/internal/compound"
	"github.com/roach88/assay/internal/engine"
	"github.com/roach88/assay/internal/ingest"
	"github.com/roach88/assay/internal/ir"
	"github.com/roach88/assay/internal/review"
	"github.com/roach88/assay/internal/store"
	"github.com/roach88/assay/internal/testutil"
	"github.com/roach88/assay/internal/units"
)

// Start is the fixed clock reading every scenario begins at.
var Start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// runTimeout bounds one run step so a scenario that never drains fails
// instead of hanging.
const runTimeout = 30 * time.Second

// Harness holds the components one scenario runs against.
type Harness struct {
	store    *store.Store
	clock    *testutil.FakeClock
	ids      *engine.SequenceGenerator
	registry *engine.Registry
	sched    *engine.Scheduler
	pipeline *ingest.Pipeline
	logger   *slog.Logger
}

// Run executes a scenario in a fresh in-memory database and returns the
// result. The error is non-nil only when the scenario could not be set up
// or a step failed outright; failed assertions are reported on the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := setup(st, scenario)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		event, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.kind(), err)
		}
		event["step"] = ir.Int(i + 1)
		event["kind"] = ir.String(step.kind())
		result.Trace = append(result.Trace, event)
	}

	if result.Tasks, err = h.snapshotTasks(ctx); err != nil {
		return nil, err
	}
	if result.Journal, err = h.snapshotJournal(ctx); err != nil {
		return nil, err
	}

	for i, a := range scenario.Assertions {
		if err := h.check(ctx, result, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

func setup(st *store.Store, scenario *Scenario) (*Harness, error) {
	var (
		bundle *compiler.Bundle
		err    error
	)
	if scenario.DeclarationsDir != "" {
		bundle, err = compiler.LoadDir(scenario.DeclarationsDir)
	} else {
		bundle, err = compiler.CompileString(scenario.Declarations)
	}
	if err != nil {
		return nil, fmt.Errorf("declarations: %w", err)
	}

	reg := engine.NewRegistry()
	if err := units.Register(reg); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(scenario.Units))
	for name := range scenario.Units {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		u, err := newScriptedUnit(name, scenario.Units[name])
		if err != nil {
			return nil, err
		}
		if err := reg.RegisterUnit(u); err != nil {
			return nil, err
		}
	}
	if errs := compiler.Validate(bundle, reg.Units()); len(errs) > 0 {
		return nil, fmt.Errorf("declarations: %w", errs[0])
	}
	if err := bundle.Register(reg); err != nil {
		return nil, fmt.Errorf("declarations: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	clock := testutil.NewFakeClock(Start)
	sched := engine.NewScheduler(st, reg,
		engine.WithClock(clock),
		engine.WithLogger(logger),
		engine.WithBackoffBase(0),
	)

	return &Harness{
		store:    st,
		clock:    clock,
		ids:      engine.NewSequenceGenerator("run"),
		registry: reg,
		sched:    sched,
		pipeline: &ingest.Pipeline{
			Store:     st,
			Builder:   compound.NewBuilder(clock.Now),
			Policies:  bundle.Policies,
			Scheduler: sched,
			Logger:    logger,
		},
		logger: logger,
	}, nil
}

// execute runs one step and returns its trace event.
func (h *Harness) execute(ctx context.Context, step Step) (ir.Object, error) {
	switch {
	case step.Ingest != nil:
		return h.ingest(ctx, step.Ingest)
	case step.Run != nil:
		return h.run(ctx, *step.Run)
	case step.Review != nil:
		return h.review(ctx, *step.Review)
	case step.Reset != nil:
		return h.reset(ctx, *step.Reset)
	}
	return nil, errors.New("empty step")
}

func (h *Harness) ingest(ctx context.Context, docs []ingest.RecordDoc) (ir.Object, error) {
	records := make([]ir.Record, 0, len(docs))
	for _, d := range docs {
		r, err := d.Record()
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	report, err := h.pipeline.Ingest(ctx, records)
	if err != nil {
		return nil, err
	}
	return ir.Object{
		"records":   ir.Int(report.Records),
		"compounds": ir.Int(report.Compounds),
		"tasks":     ir.Int(report.Tasks),
	}, nil
}

func (h *Harness) run(ctx context.Context, step RunStep) (ir.Object, error) {
	workers := step.Workers
	if workers <= 0 {
		workers = 1
	}
	pool := engine.NewPool(h.sched,
		engine.WithWorkers(workers),
		engine.WithPollInterval(5*time.Millisecond),
		engine.WithIDGenerator(h.ids),
		engine.WithPoolLogger(h.logger),
		engine.WithDrain(),
	)

	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	if err := pool.Run(runCtx); err != nil {
		return nil, err
	}
	if runCtx.Err() != nil {
		return nil, fmt.Errorf("run did not drain within %s", runTimeout)
	}

	counts, err := h.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	states := ir.Object{}
	for st, n := range counts {
		states[string(st)] = ir.Int(n)
	}
	return ir.Object{"states": states}, nil
}

func (h *Harness) review(ctx context.Context, step ReviewStep) (ir.Object, error) {
	sel := review.Selection{
		EntityIDs: step.Entities,
		Unit:      step.Unit,
		ConfigID:  step.Config,
	}
	for _, raw := range step.States {
		st, err := ir.ParseTaskState(raw)
		if err != nil {
			return nil, err
		}
		sel.States = append(sel.States, st)
	}

	var reviewer review.Reviewer = review.SummaryReviewer{}
	if step.Reviewer == "integrity" {
		reviewer = &review.IntegrityReviewer{}
		if len(sel.States) == 0 {
			sel.States = review.IntegrityStates
		}
	}

	agg := review.NewAggregator(h.store,
		review.WithClock(h.clock),
		review.WithIDGenerator(h.ids),
		review.WithLogger(h.logger),
	)
	report, err := agg.Run(ctx, sel, reviewer)
	if err != nil {
		return nil, err
	}
	return ir.Object{
		"items":          ir.Int(report.Items),
		"entity_entries": ir.Int(report.EntityEntries),
		"run_entries":    ir.Int(report.RunEntries),
	}, nil
}

func (h *Harness) reset(ctx context.Context, step ResetStep) (ir.Object, error) {
	tasks, err := h.store.ListTasks(ctx, store.TaskFilter{
		EntityIDs: []string{step.Entity},
		ConfigID:  step.Config,
	})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if err := h.sched.Reset(ctx, t.Key, step.Priority); err != nil {
			return nil, err
		}
	}
	return ir.Object{"tasks": ir.Int(len(tasks))}, nil
}

func (h *Harness) snapshotTasks(ctx context.Context) ([]TaskSnapshot, error) {
	tasks, err := h.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	compounds := make(map[string]ir.Compound)
	out := make([]TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		c, ok := compounds[t.Key.CompoundID]
		if !ok {
			c, err = h.store.ReadCompound(ctx, t.Key.CompoundID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			compounds[t.Key.CompoundID] = c
		}
		snap := TaskSnapshot{
			Entity:  t.Key.EntityID,
			Unit:    t.Key.Unit,
			Config:  t.Key.ConfigID,
			Policy:  c.Policy,
			Members: len(c.MemberIDs),
			State:   t.State,
			Trials:  t.TrialCount,
		}
		if t.LastError != nil {
			snap.Failure = string(t.LastError.Kind)
			if t.LastError.Timeout {
				snap.Failure += "/timeout"
			}
		}
		out = append(out, snap)
	}
	slices.SortFunc(out, compareTasks)
	return out, nil
}

func compareTasks(a, b TaskSnapshot) int {
	if c := strings.Compare(a.Entity, b.Entity); c != 0 {
		return c
	}
	if c := strings.Compare(a.Policy, b.Policy); c != 0 {
		return c
	}
	if a.Members != b.Members {
		return a.Members - b.Members
	}
	return strings.Compare(a.Config, b.Config)
}

func (h *Harness) snapshotJournal(ctx context.Context) ([]JournalSnapshot, error) {
	entries, err := h.store.ListJournal(ctx, store.JournalFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]JournalSnapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, JournalSnapshot{
			Scope:   e.Scope,
			Entity:  e.EntityID,
			Tag:     e.Tag,
			Payload: redact(e.Payload).(ir.Object),
		})
	}
	// Entries of one run are ordered by stream position, which depends on
	// task ids; sort for a stable trace.
	slices.SortStableFunc(out, func(a, b JournalSnapshot) int {
		if a.Scope != b.Scope {
			// entity before run
			return strings.Compare(string(a.Scope), string(b.Scope))
		}
		if c := strings.Compare(a.Entity, b.Entity); c != 0 {
			return c
		}
		if c := strings.Compare(a.Tag, b.Tag); c != 0 {
			return c
		}
		return strings.Compare(canonicalString(a.Payload), canonicalString(b.Payload))
	})
	return out, nil
}

// check evaluates one assertion against the result and store.
func (h *Harness) check(ctx context.Context, result *Result, a Assertion) error {
	switch a.Type {
	case AssertTaskState:
		return assertTaskState(result.Tasks, a)
	case AssertCompoundCount, AssertCompoundMembers:
		compounds, err := h.store.ListCompounds(ctx, a.Entity)
		if err != nil {
			return err
		}
		if a.Type == AssertCompoundCount {
			return assertCompoundCount(compounds, a)
		}
		return assertCompoundMembers(compounds, a)
	case AssertJournalCount:
		return assertJournalCount(result.Journal, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}
