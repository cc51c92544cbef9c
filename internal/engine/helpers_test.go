package engine

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/assay/internal/ir"
	"github.com/roach88/assay/internal/store"
	"github.com/roach88/assay/internal/testutil"
)

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	path     string
	store    *store.Store
	clock    *testutil.FakeClock
	registry *Registry
	sched    *Scheduler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture opens a real store and builds a scheduler over a fake clock.
func newFixture(t *testing.T, opts ...SchedulerOption) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewFakeClock(start)
	reg := NewRegistry()
	base := []SchedulerOption{WithClock(clock), WithLogger(discardLogger()), WithBackoffBase(10 * time.Second)}
	sched := NewScheduler(st, reg, append(base, opts...)...)
	return &fixture{path: path, store: st, clock: clock, registry: reg, sched: sched}
}

// unit registers fn as a unit with the given name.
func (f *fixture) unit(t *testing.T, name string, fn func(ctx context.Context, in Input) (ir.Object, error)) {
	t.Helper()
	require.NoError(t, f.registry.RegisterUnit(UnitFunc{UnitName: name, Fn: fn}))
}

func (f *fixture) config(t *testing.T, reg Registration) {
	t.Helper()
	require.NoError(t, f.registry.Register(reg))
}

// compound stores records and a compound over them for entity.
func (f *fixture) compound(t *testing.T, entity, policy string, n int) ir.Compound {
	t.Helper()
	ctx := t.Context()

	var records []ir.Record
	var ids []string
	for i := 0; i < n; i++ {
		id := entity + "-r" + string(rune('0'+i))
		records = append(records, ir.Record{
			ID: id, EntityID: entity, Timestamp: start.Add(time.Duration(i) * time.Minute),
			Payload: ir.Object{"i": ir.Int(i)},
		})
		ids = append(ids, id)
	}
	_, err := f.store.WriteRecords(ctx, records)
	require.NoError(t, err)

	id, err := ir.CompoundID(entity, ir.Policy{Name: policy, Params: ir.Object{}}, ids)
	require.NoError(t, err)
	c := ir.Compound{ID: id, EntityID: entity, Policy: policy, MemberIDs: ids, CreatedAt: start}
	_, err = f.store.InsertCompound(ctx, c)
	require.NoError(t, err)
	return c
}

// setState rewrites a task's state behind the scheduler's back, over a
// second connection to the same database.
func (f *fixture) setState(t *testing.T, key ir.TaskKey, state ir.TaskState) {
	t.Helper()
	db, err := sql.Open("sqlite3", f.path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(t.Context(), `UPDATE tasks SET state = ? WHERE id = ?`, string(state), key.ID())
	require.NoError(t, err)
}

func (f *fixture) task(t *testing.T, key ir.TaskKey) ir.Task {
	t.Helper()
	task, err := f.store.ReadTask(t.Context(), key)
	require.NoError(t, err)
	return task
}

// selectOne selects and claims exactly one task for owner.
func (f *fixture) selectOne(t *testing.T, owner string) ir.Task {
	t.Helper()
	ctx := t.Context()
	selected, err := f.sched.Select(ctx, owner, 1)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	task, ok, err := f.sched.Claim(ctx, owner, selected[0])
	require.NoError(t, err)
	require.True(t, ok)
	return task
}

func countRecords(ctx context.Context, in Input) (ir.Object, error) {
	return ir.Object{"records": ir.Int(len(in.Records))}, nil
}
