package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/assay/internal/ir"
)

func TestRunnable_PriorityFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	normal := createTestTask("e1", "normal", "c1")
	urgent := createTestTask("e1", "urgent", "c1")
	urgent.State = ir.StateToRunPriority
	urgent.Priority = true
	urgent.CreatedAt = t0.Add(time.Hour)
	later := createTestTask("e1", "later", "c1")
	later.NextEligible = t0.Add(time.Hour)

	mustEnsure(t, s, normal)
	mustEnsure(t, s, urgent)
	mustEnsure(t, s, later)

	got, err := s.Runnable(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2, "task not yet eligible must be skipped")
	assert.Equal(t, "urgent", got[0].Key.Unit)
	assert.Equal(t, "normal", got[1].Key.Unit)

	got, err = s.Runnable(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestMarkQueued_CAS(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	task := createTestTask("e1", "u", "c1")
	mustEnsure(t, s, task)

	ok, err := s.MarkQueued(ctx, task.ID(), ir.StateToRun, "w1", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkQueued(ctx, task.ID(), ir.StateToRun, "w2", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.False(t, ok, "second mark must lose")

	_, err = s.MarkQueued(ctx, task.ID(), ir.StateCompleted, "w2", t0, t0)
	assert.Error(t, err)

	got, err := s.ReadTaskByID(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, ir.StateQueued, got.State)
	assert.Equal(t, "w1", got.Owner)
}

func TestClaim_ConcurrentExactlyOneWinner(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	task := createTestTask("e1", "u", "c1")
	mustEnsure(t, s, task)

	// An expired queue mark lets any worker claim.
	ok, err := s.MarkQueued(ctx, task.ID(), ir.StateToRun, "scheduler", t0, t0)
	require.NoError(t, err)
	require.True(t, ok)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			ok, err := s.Claim(ctx, task.ID(), owner, t0.Add(time.Minute), t0.Add(time.Second))
			assert.NoError(t, err)
			if ok {
				wins <- owner
			}
		}(fmt.Sprintf("w%d", i))
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	got, err := s.ReadTaskByID(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, ir.StateRunning, got.State)
	assert.Equal(t, winners[0], got.Owner)
}

func TestClaim_RespectsQueueOwner(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	task := createTestTask("e1", "u", "c1")
	mustEnsure(t, s, task)

	_, err := s.MarkQueued(ctx, task.ID(), ir.StateToRun, "w1", t0.Add(time.Minute), t0)
	require.NoError(t, err)

	ok, err := s.Claim(ctx, task.ID(), "w2", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Claim(ctx, task.ID(), "w1", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWriteOutcome_RequiresOwnerAndTrial(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	task := createTestTask("e1", "u", "c1")
	mustEnsure(t, s, task)

	_, err := s.MarkQueued(ctx, task.ID(), ir.StateToRun, "w1", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	_, err = s.Claim(ctx, task.ID(), "w1", t0.Add(time.Minute), t0)
	require.NoError(t, err)

	failure := &ir.Failure{Kind: ir.FailureError, Message: "bad input"}
	outcome := Outcome{State: ir.StateError, TrialCount: 1, Failure: failure, NextEligible: t0.Add(time.Second)}

	ok, err := s.WriteOutcome(ctx, task.ID(), "intruder", 0, outcome, t0)
	require.NoError(t, err)
	assert.False(t, ok, "wrong owner")

	ok, err = s.WriteOutcome(ctx, task.ID(), "w1", 5, outcome, t0)
	require.NoError(t, err)
	assert.False(t, ok, "stale trial count")

	ok, err = s.WriteOutcome(ctx, task.ID(), "w1", 0, outcome, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.ReadTaskByID(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, ir.StateError, got.State)
	assert.Equal(t, 1, got.TrialCount)
	assert.Empty(t, got.Owner)
	assert.True(t, got.LeaseExpires.IsZero())
	require.NotNil(t, got.LastError)
	assert.Equal(t, "bad input", got.LastError.Message)

	ok, err = s.WriteOutcome(ctx, task.ID(), "w1", 0, outcome, t0)
	require.NoError(t, err)
	assert.False(t, ok, "outcome after release must lose")

	_, err = s.WriteOutcome(ctx, task.ID(), "w1", 1, Outcome{State: ir.StateQueued}, t0)
	assert.Error(t, err)
}

func TestRecoverFailed_AfterBackoff(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	task := createTestTask("e1", "u", "c1")
	task.Priority = true
	task.State = ir.StateToRunPriority
	mustEnsure(t, s, task)

	_, err := s.MarkQueued(ctx, task.ID(), ir.StateToRunPriority, "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	_, err = s.Claim(ctx, task.ID(), "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	_, err = s.WriteOutcome(ctx, task.ID(), "w", 0, Outcome{
		State:        ir.StateException,
		TrialCount:   1,
		Failure:      &ir.Failure{Kind: ir.FailureException, Message: "boom"},
		NextEligible: t0.Add(10 * time.Second),
	}, t0)
	require.NoError(t, err)

	n, err := s.RecoverFailed(ctx, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.RecoverFailed(ctx, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.ReadTaskByID(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, ir.StateToRunPriority, got.State, "priority survives retries")
	assert.Equal(t, 1, got.TrialCount)
	assert.NotNil(t, got.LastError, "last error kept for inspection")
}

func TestRequeueExpired(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	task := createTestTask("e1", "u", "c1")
	mustEnsure(t, s, task)

	_, err := s.MarkQueued(ctx, task.ID(), ir.StateToRun, "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)

	n, err := s.RequeueExpired(ctx, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.RequeueExpired(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.ReadTaskByID(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, ir.StateToRun, got.State)
	assert.Empty(t, got.Owner)
}

func TestUnqueue(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	task := createTestTask("e1", "u", "c1")
	mustEnsure(t, s, task)

	_, err := s.MarkQueued(ctx, task.ID(), ir.StateToRun, "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)

	ok, err := s.Unqueue(ctx, task.ID(), "other", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Unqueue(ctx, task.ID(), "w", t0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiredRunning(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	task := createTestTask("e1", "u", "c1")
	mustEnsure(t, s, task)

	_, err := s.MarkQueued(ctx, task.ID(), ir.StateToRun, "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	_, err = s.Claim(ctx, task.ID(), "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)

	got, err := s.ExpiredRunning(ctx, t0.Add(59*time.Second), 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.ExpiredRunning(ctx, t0.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "w", got[0].Owner)
}

func TestParkMissing_OnlyWhileIncomplete(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	prep := createTestTask("e1", "prep", "c1")
	fit := createTestTask("e1", "fit", "c1", prep.Key)
	mustEnsure(t, s, prep)
	mustEnsure(t, s, fit)

	missing, err := s.IncompleteDependencies(ctx, fit.ID())
	require.NoError(t, err)
	assert.Equal(t, []ir.TaskKey{prep.Key}, missing)

	ok, err := s.ParkMissing(ctx, fit.ID(), ir.StateToRun, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.ReadTaskByID(ctx, fit.ID())
	require.NoError(t, err)
	assert.Equal(t, ir.StateMissingDependency, got.State)

	// Once the prerequisite completes, a task can no longer be parked.
	other := createTestTask("e1", "score", "c1", prep.Key)
	mustEnsure(t, s, other)
	runToCompletion(t, s, prep.ID())

	ok, err = s.ParkMissing(ctx, other.ID(), ir.StateToRun, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	missing, err = s.IncompleteDependencies(ctx, other.ID())
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestParkMissing_AbsentPrerequisite(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	ghost := ir.TaskKey{EntityID: "e1", Unit: "ghost", CompoundID: "c1", ConfigID: "default"}
	task := createTestTask("e1", "fit", "c1", ghost)
	mustEnsure(t, s, task)

	ok, err := s.ParkMissing(ctx, task.ID(), ir.StateToRun, t0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseDependents(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	a := createTestTask("e1", "a", "c1")
	b := createTestTask("e1", "b", "c1")
	onlyA := createTestTask("e1", "only-a", "c1", a.Key)
	onlyA.Priority = true
	both := createTestTask("e1", "both", "c1", a.Key, b.Key)
	for _, task := range []ir.Task{a, b, onlyA, both} {
		mustEnsure(t, s, task)
	}
	for _, task := range []ir.Task{onlyA, both} {
		ok, err := s.ParkMissing(ctx, task.ID(), ir.StateToRun, t0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	runToCompletion(t, s, a.ID())
	released, err := s.ReleaseDependents(ctx, a.ID(), t0)
	require.NoError(t, err)
	assert.Equal(t, []string{onlyA.ID()}, released)

	got, err := s.ReadTaskByID(ctx, onlyA.ID())
	require.NoError(t, err)
	assert.Equal(t, ir.StateToRunPriority, got.State)

	got, err = s.ReadTaskByID(ctx, both.ID())
	require.NoError(t, err)
	assert.Equal(t, ir.StateMissingDependency, got.State)

	runToCompletion(t, s, b.ID())
	released, err = s.ReleaseDependents(ctx, b.ID(), t0)
	require.NoError(t, err)
	assert.Equal(t, []string{both.ID()}, released)

	released, err = s.ReleaseDependents(ctx, b.ID(), t0)
	require.NoError(t, err)
	assert.Empty(t, released)
}

func TestPark(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	task := createTestTask("e1", "u", "c1")
	mustEnsure(t, s, task)

	why := &ir.Failure{Kind: ir.FailureIntegrity, Message: "compound missing"}
	ok, err := s.Park(ctx, task.ID(), ir.StateToRun, ir.StateUnknownLink, why, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.ReadTaskByID(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, ir.StateUnknownLink, got.State)
	assert.Equal(t, ir.FailureIntegrity, got.LastError.Kind)

	_, err = s.Park(ctx, task.ID(), ir.StateRunning, ir.StateUnknownConfig, why, t0)
	assert.Error(t, err)
}

func TestReset(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	task := createTestTask("e1", "u", "c1")
	mustEnsure(t, s, task)
	runToCompletion(t, s, task.ID())

	ok, err := s.Reset(ctx, task.ID(), true, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.ReadTaskByID(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, ir.StateToRunPriority, got.State)
	assert.Equal(t, 0, got.TrialCount)
	assert.Nil(t, got.Result)
	assert.True(t, got.Priority)

	_, err = s.MarkQueued(ctx, task.ID(), ir.StateToRunPriority, "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	ok, err = s.Reset(ctx, task.ID(), false, t0)
	require.NoError(t, err)
	assert.False(t, ok, "in-flight tasks cannot be reset")
}

func TestClaim_RequiresCompletedPrerequisites(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	prep := createTestTask("e1", "prep", "c1")
	fit := createTestTask("e1", "fit", "c1", prep.Key)
	mustEnsure(t, s, prep)
	mustEnsure(t, s, fit)

	_, err := s.MarkQueued(ctx, fit.ID(), ir.StateToRun, "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)

	ok, err := s.Claim(ctx, fit.ID(), "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.False(t, ok, "claim must lose while the prerequisite is incomplete")

	got, err := s.ReadTaskByID(ctx, fit.ID())
	require.NoError(t, err)
	assert.Equal(t, ir.StateQueued, got.State)

	runToCompletion(t, s, prep.ID())
	ok, err = s.Claim(ctx, fit.ID(), "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParkClaimed(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	prep := createTestTask("e1", "prep", "c1")
	fit := createTestTask("e1", "fit", "c1", prep.Key)
	mustEnsure(t, s, prep)
	mustEnsure(t, s, fit)
	runToCompletion(t, s, prep.ID())

	_, err := s.MarkQueued(ctx, fit.ID(), ir.StateToRun, "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	ok, err := s.Claim(ctx, fit.ID(), "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ParkClaimed(ctx, fit.ID(), "w", 0, t0)
	require.NoError(t, err)
	assert.False(t, ok, "complete prerequisites keep the claim")

	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET state = 'TO_RUN' WHERE id = ?`, prep.ID())
	require.NoError(t, err)

	ok, err = s.ParkClaimed(ctx, fit.ID(), "intruder", 0, t0)
	require.NoError(t, err)
	assert.False(t, ok, "wrong owner")

	ok, err = s.ParkClaimed(ctx, fit.ID(), "w", 0, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.ReadTaskByID(ctx, fit.ID())
	require.NoError(t, err)
	assert.Equal(t, ir.StateMissingDependency, got.State)
	assert.Equal(t, 0, got.TrialCount)
	assert.Empty(t, got.Owner)
}

func TestReset_RefusesPrerequisiteOfRunningTask(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	prep := createTestTask("e1", "prep", "c1")
	fit := createTestTask("e1", "fit", "c1", prep.Key)
	mustEnsure(t, s, prep)
	mustEnsure(t, s, fit)
	runToCompletion(t, s, prep.ID())

	_, err := s.MarkQueued(ctx, fit.ID(), ir.StateToRun, "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)

	// A queued dependent does not block the reset.
	ok, err := s.Reset(ctx, prep.ID(), false, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	runToCompletion(t, s, prep.ID())
	ok, err = s.Claim(ctx, fit.ID(), "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Reset(ctx, prep.ID(), false, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.ReadTaskByID(ctx, prep.ID())
	require.NoError(t, err)
	assert.Equal(t, ir.StateCompleted, got.State)
}
