package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/assay/internal/ir"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// createTestStore opens a fresh file-backed store under the test's temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestTask returns a TO_RUN task for unit over compound with minimal fields.
func createTestTask(entity, unit, compound string, deps ...ir.TaskKey) ir.Task {
	return ir.Task{
		Key: ir.TaskKey{
			EntityID:   entity,
			Unit:       unit,
			CompoundID: compound,
			ConfigID:   "default",
		},
		State:        ir.StateToRun,
		MaxTrials:    3,
		Dependencies: deps,
		CreatedAt:    t0,
	}
}

func mustEnsure(t *testing.T, s *Store, task ir.Task) {
	t.Helper()
	if _, err := s.EnsureTask(t.Context(), task); err != nil {
		t.Fatalf("EnsureTask(%s) failed: %v", task.Key.Unit, err)
	}
}

// runToCompletion drives a task through queue, claim and a COMPLETED outcome.
func runToCompletion(t *testing.T, s *Store, id string) {
	t.Helper()
	ctx := t.Context()
	task, err := s.ReadTaskByID(ctx, id)
	if err != nil {
		t.Fatalf("ReadTaskByID failed: %v", err)
	}
	if ok, err := s.MarkQueued(ctx, id, task.State, "w", t0.Add(time.Minute), t0); err != nil || !ok {
		t.Fatalf("MarkQueued = %v, %v", ok, err)
	}
	if ok, err := s.Claim(ctx, id, "w", t0.Add(time.Minute), t0); err != nil || !ok {
		t.Fatalf("Claim = %v, %v", ok, err)
	}
	ok, err := s.WriteOutcome(ctx, id, "w", task.TrialCount, Outcome{
		State:      ir.StateCompleted,
		TrialCount: task.TrialCount + 1,
		Result:     ir.Object{"ok": ir.Bool(true)},
	}, t0)
	if err != nil || !ok {
		t.Fatalf("WriteOutcome = %v, %v", ok, err)
	}
}
