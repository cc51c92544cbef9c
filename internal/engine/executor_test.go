package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/assay/internal/ir"
	"github.com/roach88/assay/internal/store"
	"github.com/roach88/assay/internal/testutil"
)

func newTestPool(f *fixture, opts ...PoolOption) *Pool {
	base := []PoolOption{
		WithPoolLogger(discardLogger()),
		WithPollInterval(5 * time.Millisecond),
		WithIDGenerator(NewSequenceGenerator("worker")),
		WithRunID("run-1"),
	}
	return NewPool(f.sched, append(base, opts...)...)
}

func runDrain(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))
}

func TestPool_DrainRunsDependencyChain(t *testing.T) {
	f := newFixture(t, WithBackoffBase(0))
	f.unit(t, "prep", countRecords)
	f.unit(t, "fit", func(ctx context.Context, in Input) (ir.Object, error) {
		prep, ok := in.Dependencies["prep"]
		if !ok {
			return nil, errors.New("prep result missing")
		}
		return ir.Object{"from_prep": prep["records"]}, nil
	})
	f.config(t, Registration{ConfigID: "prep", Unit: "prep"})
	f.config(t, Registration{ConfigID: "fit", Unit: "fit", DependsOn: []string{"prep"}})

	var compounds []ir.Compound
	for _, entity := range []string{"e1", "e2", "e3"} {
		c := f.compound(t, entity, "A", 3)
		_, err := f.sched.Plan(t.Context(), c)
		require.NoError(t, err)
		compounds = append(compounds, c)
	}

	runDrain(t, newTestPool(f, WithWorkers(3), WithDrain()))

	for _, c := range compounds {
		fit := f.task(t, ir.TaskKey{EntityID: c.EntityID, Unit: "fit", CompoundID: c.ID, ConfigID: "fit"})
		assert.Equal(t, ir.StateCompleted, fit.State, c.EntityID)
		assert.Equal(t, ir.Object{"from_prep": ir.Int(3)}, fit.Result)
	}
}

func TestPool_PanicIsolated(t *testing.T) {
	f := newFixture(t, WithBackoffBase(0))
	f.unit(t, "fragile", func(ctx context.Context, in Input) (ir.Object, error) {
		if in.Task.Key.EntityID == "bad" {
			panic("boom")
		}
		return ir.Object{"ok": ir.Bool(true)}, nil
	})
	f.config(t, Registration{ConfigID: "cfg", Unit: "fragile", MaxTrials: 2})

	bad := f.compound(t, "bad", "A", 1)
	good := f.compound(t, "good", "A", 1)
	for _, c := range []ir.Compound{bad, good} {
		_, err := f.sched.Plan(t.Context(), c)
		require.NoError(t, err)
	}

	runDrain(t, newTestPool(f, WithWorkers(2), WithDrain()))

	badTask := f.task(t, ir.TaskKey{EntityID: "bad", Unit: "fragile", CompoundID: bad.ID, ConfigID: "cfg"})
	assert.Equal(t, ir.StateTooManyTrials, badTask.State)
	assert.Equal(t, 2, badTask.TrialCount)
	require.NotNil(t, badTask.LastError)
	assert.Equal(t, ir.FailureException, badTask.LastError.Kind)
	assert.Equal(t, "panic: boom", badTask.LastError.Message)
	assert.Contains(t, badTask.LastError.Trace, "goroutine")

	goodTask := f.task(t, ir.TaskKey{EntityID: "good", Unit: "fragile", CompoundID: good.ID, ConfigID: "cfg"})
	assert.Equal(t, ir.StateCompleted, goodTask.State)
}

func TestPool_ThreeConsecutiveFailures(t *testing.T) {
	f := newFixture(t, WithBackoffBase(0))
	var calls atomic.Int32
	f.unit(t, "flaky", func(ctx context.Context, in Input) (ir.Object, error) {
		calls.Add(1)
		return nil, NewUnitError("input rejected")
	})
	f.config(t, Registration{ConfigID: "cfg", Unit: "flaky", MaxTrials: 3})
	c := f.compound(t, "e1", "A", 1)
	_, err := f.sched.Plan(t.Context(), c)
	require.NoError(t, err)

	runDrain(t, newTestPool(f, WithWorkers(1), WithDrain()))

	got := f.task(t, ir.TaskKey{EntityID: "e1", Unit: "flaky", CompoundID: c.ID, ConfigID: "cfg"})
	assert.Equal(t, ir.StateTooManyTrials, got.State)
	assert.Equal(t, 3, got.TrialCount)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPool_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	p := newTestPool(f, WithWorkers(2))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestPool_ResourcesSharedWithinRun(t *testing.T) {
	f := newFixture(t)
	var created atomic.Int32
	f.unit(t, "shared", func(ctx context.Context, in Input) (ir.Object, error) {
		_, err := in.Resources.GetOrCreate("table", func() (any, error) {
			created.Add(1)
			return map[string]int{"x": 1}, nil
		})
		return ir.Object{}, err
	})
	f.config(t, Registration{ConfigID: "cfg", Unit: "shared"})
	for _, entity := range []string{"e1", "e2", "e3", "e4"} {
		_, err := f.sched.Plan(t.Context(), f.compound(t, entity, "A", 1))
		require.NoError(t, err)
	}

	runDrain(t, newTestPool(f, WithWorkers(2), WithDrain()))
	assert.Equal(t, int32(1), created.Load())
}

func TestExecute_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		fn        func(ctx context.Context, in Input) (ir.Object, error)
		timeout   time.Duration
		wantState ir.TaskState
		check     func(t *testing.T, f *ir.Failure)
	}{
		{
			name: "unit error",
			fn: func(ctx context.Context, in Input) (ir.Object, error) {
				return nil, NewUnitError("too few records").WithDiagnostic(ir.Object{"have": ir.Int(1)})
			},
			wantState: ir.StateError,
			check: func(t *testing.T, f *ir.Failure) {
				assert.Equal(t, ir.FailureError, f.Kind)
				assert.Equal(t, "too few records", f.Message)
				assert.Equal(t, ir.Object{"have": ir.Int(1)}, f.Diagnostic)
				assert.False(t, f.Timeout)
			},
		},
		{
			name: "wrapped unit error",
			fn: func(ctx context.Context, in Input) (ir.Object, error) {
				return nil, &UnitError{Message: "parse", Err: errors.New("eof")}
			},
			wantState: ir.StateError,
			check: func(t *testing.T, f *ir.Failure) {
				assert.Equal(t, "parse: eof", f.Message)
			},
		},
		{
			name: "plain error",
			fn: func(ctx context.Context, in Input) (ir.Object, error) {
				return nil, errors.New("disk on fire")
			},
			wantState: ir.StateException,
			check: func(t *testing.T, f *ir.Failure) {
				assert.Equal(t, ir.FailureException, f.Kind)
				assert.Equal(t, "disk on fire", f.Message)
			},
		},
		{
			name: "timeout honoring ctx",
			fn: func(ctx context.Context, in Input) (ir.Object, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout:   20 * time.Millisecond,
			wantState: ir.StateError,
			check: func(t *testing.T, f *ir.Failure) {
				assert.True(t, f.Timeout)
				assert.Equal(t, ir.FailureError, f.Kind)
			},
		},
		{
			name: "timeout ignoring ctx",
			fn: func(ctx context.Context, in Input) (ir.Object, error) {
				time.Sleep(200 * time.Millisecond)
				return ir.Object{}, nil
			},
			timeout:   10 * time.Millisecond,
			wantState: ir.StateError,
			check: func(t *testing.T, f *ir.Failure) {
				assert.True(t, f.Timeout)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.unit(t, "u", tt.fn)
			f.config(t, Registration{ConfigID: "cfg", Unit: "u", Timeout: tt.timeout})
			_, err := f.sched.Plan(t.Context(), f.compound(t, "e1", "A", 1))
			require.NoError(t, err)

			p := newTestPool(f)
			task := f.selectOne(t, "w")
			require.NoError(t, p.Execute(t.Context(), "w", task))

			got := f.task(t, task.Key)
			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, 1, got.TrialCount)
			require.NotNil(t, got.LastError)
			tt.check(t, got.LastError)
		})
	}
}

func TestExecute_InputAndNote(t *testing.T) {
	f := newFixture(t)
	var seen Input
	f.unit(t, "u", func(ctx context.Context, in Input) (ir.Object, error) {
		seen = in
		if err := in.Note(ctx, "observed", ir.Object{"n": ir.Int(len(in.Records))}); err != nil {
			return nil, err
		}
		return ir.Object{"done": ir.Bool(true)}, nil
	})
	f.config(t, Registration{ConfigID: "cfg", Unit: "u", Params: ir.Object{"alpha": ir.Int(2)}})
	c := f.compound(t, "e1", "A", 3)
	_, err := f.sched.Plan(t.Context(), c)
	require.NoError(t, err)

	p := newTestPool(f)
	task := f.selectOne(t, "w")
	require.NoError(t, p.Execute(t.Context(), "w", task))

	assert.Equal(t, c.ID, seen.Compound.ID)
	require.Len(t, seen.Records, 3)
	assert.Equal(t, "e1-r0", seen.Records[0].ID)
	assert.Equal(t, ir.Object{"alpha": ir.Int(2)}, seen.Params)
	assert.NotNil(t, seen.Resources)

	entries, err := f.store.ListJournal(t.Context(), store.JournalFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ir.ScopeEntity, entries[0].Scope)
	assert.Equal(t, "e1", entries[0].EntityID)
	assert.Equal(t, ir.Object{"n": ir.Int(3)}, entries[0].Payload)
}

func TestExecute_IncompleteDependencySuspends(t *testing.T) {
	f := newFixture(t)
	ran := false
	f.unit(t, "prep", countRecords)
	f.unit(t, "fit", func(ctx context.Context, in Input) (ir.Object, error) {
		ran = true
		return nil, nil
	})
	f.config(t, Registration{ConfigID: "prep", Unit: "prep"})
	f.config(t, Registration{ConfigID: "fit", Unit: "fit", DependsOn: []string{"prep"}})
	c := f.compound(t, "e1", "A", 1)
	_, err := f.sched.Plan(t.Context(), c)
	require.NoError(t, err)
	ctx := t.Context()

	prep := f.selectOne(t, "w")
	require.NoError(t, f.sched.Complete(ctx, "w", prep, ir.Object{"n": ir.Int(1)}))
	fit := f.selectOne(t, "w")
	f.setState(t, prep.Key, ir.StateToRun)

	require.NoError(t, newTestPool(f).Execute(ctx, "w", fit))
	assert.False(t, ran)

	got := f.task(t, fit.Key)
	assert.Equal(t, ir.StateMissingDependency, got.State)
	assert.Equal(t, 0, got.TrialCount)
	assert.Nil(t, got.LastError)
}

func TestPool_RunIDGenerated(t *testing.T) {
	f := newFixture(t)
	p := NewPool(f.sched, WithIDGenerator(testutil.NewFixedIDGenerator("run-x", "owner")))
	assert.Equal(t, "run-x", p.RunID())
}
