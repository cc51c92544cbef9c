package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/assay/internal/ir"
)

// Every method in this file is a compare-and-swap: it changes a task only if
// the row still matches what the caller last observed, and reports whether it
// did. A false result with a nil error means another worker got there first.

// incompleteDependency matches tasks (aliased t) with at least one
// prerequisite that is absent or not yet COMPLETED.
const incompleteDependency = `EXISTS (
	SELECT 1 FROM task_dependencies d
	LEFT JOIN tasks p ON p.id = d.dep_id
	WHERE d.task_id = t.id AND (p.id IS NULL OR p.state != 'COMPLETED')
)`

// Runnable returns tasks that may be queued at now. Priority tasks come
// first, then earlier next-eligible times, then creation order.
func (s *Store) Runnable(ctx context.Context, now time.Time, limit int) ([]ir.Task, error) {
	if limit <= 0 {
		limit = 1
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state IN ('TO_RUN_PRIORITY', 'TO_RUN') AND next_eligible <= ?
		ORDER BY CASE state WHEN 'TO_RUN_PRIORITY' THEN 0 ELSE 1 END,
			next_eligible ASC, created_at ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, nanos(now), limit)
}

// MarkQueued moves a runnable task to QUEUED for owner. The queue mark
// expires at leaseExpires, after which any worker may claim or requeue it.
func (s *Store) MarkQueued(ctx context.Context, id string, from ir.TaskState, owner string, leaseExpires, now time.Time) (bool, error) {
	if !from.IsRunnable() {
		return false, fmt.Errorf("mark queued: %s is not a runnable state", from)
	}
	return s.exec(ctx, "mark queued", `
		UPDATE tasks SET state = 'QUEUED', owner = ?, lease_expires = ?, updated_at = ?
		WHERE id = ? AND state = ? AND next_eligible <= ?
	`, owner, nanos(leaseExpires), nanos(now), id, string(from), nanos(now))
}

// Claim moves a QUEUED task to RUNNING for owner. It succeeds only if owner
// queued the task or the queue mark has expired, and every prerequisite is
// COMPLETED; concurrent claimers of the same task therefore see exactly one
// success.
func (s *Store) Claim(ctx context.Context, id, owner string, leaseExpires, now time.Time) (bool, error) {
	return s.exec(ctx, "claim", `
		UPDATE tasks AS t SET state = 'RUNNING', owner = ?, lease_expires = ?, updated_at = ?
		WHERE t.id = ? AND t.state = 'QUEUED' AND (t.owner = ? OR t.lease_expires <= ?)
			AND NOT `+incompleteDependency+`
	`, owner, nanos(leaseExpires), nanos(now), id, owner, nanos(now))
}

// Outcome is the result of one trial, written by the worker that ran it.
type Outcome struct {
	State        ir.TaskState
	TrialCount   int
	Result       ir.Object
	Failure      *ir.Failure
	NextEligible time.Time
}

// WriteOutcome records the end of a trial. It requires the task to still be
// RUNNING under owner with the trial count the owner claimed it with, and
// releases the claim.
func (s *Store) WriteOutcome(ctx context.Context, id, owner string, claimedTrials int, o Outcome, now time.Time) (bool, error) {
	switch o.State {
	case ir.StateCompleted, ir.StateError, ir.StateException, ir.StateTooManyTrials:
	default:
		return false, fmt.Errorf("write outcome: %s is not an outcome state", o.State)
	}
	failure, err := marshalFailure(o.Failure)
	if err != nil {
		return false, fmt.Errorf("write outcome: %w", err)
	}
	result, err := marshalResult(o.Result)
	if err != nil {
		return false, fmt.Errorf("write outcome: %w", err)
	}

	return s.exec(ctx, "write outcome", `
		UPDATE tasks SET state = ?, trial_count = ?, result = ?, last_error = ?,
			next_eligible = ?, owner = '', lease_expires = 0, updated_at = ?
		WHERE id = ? AND state = 'RUNNING' AND owner = ? AND trial_count = ?
	`, string(o.State), o.TrialCount, result, failure, nanos(o.NextEligible), nanos(now),
		id, owner, claimedTrials)
}

// Park moves a task from one state into a waiting or integrity state and
// records why. RUNNING tasks cannot be parked.
func (s *Store) Park(ctx context.Context, id string, from, to ir.TaskState, why *ir.Failure, now time.Time) (bool, error) {
	if !ir.CanTransition(from, to) || to == ir.StateMissingDependency {
		return false, fmt.Errorf("park: %s -> %s not allowed", from, to)
	}
	failure, err := marshalFailure(why)
	if err != nil {
		return false, fmt.Errorf("park: %w", err)
	}
	return s.exec(ctx, "park", `
		UPDATE tasks SET state = ?, last_error = ?, owner = '', lease_expires = 0, updated_at = ?
		WHERE id = ? AND state = ?
	`, string(to), failure, nanos(now), id, string(from))
}

// ParkMissing moves a task to MISSING_DEPENDENCY, but only while one of its
// prerequisites is still incomplete. The check and the update are one
// statement, so a prerequisite that completes concurrently cannot strand
// the task.
func (s *Store) ParkMissing(ctx context.Context, id string, from ir.TaskState, now time.Time) (bool, error) {
	if !ir.CanTransition(from, ir.StateMissingDependency) {
		return false, fmt.Errorf("park missing: %s -> MISSING_DEPENDENCY not allowed", from)
	}
	return s.exec(ctx, "park missing", `
		UPDATE tasks AS t SET state = 'MISSING_DEPENDENCY', owner = '', lease_expires = 0, updated_at = ?
		WHERE t.id = ? AND t.state = ? AND `+incompleteDependency+`
	`, nanos(now), id, string(from))
}

// ParkClaimed moves a task RUNNING under owner with claimedTrials to
// MISSING_DEPENDENCY, releasing the claim without spending a trial. Like
// ParkMissing it only applies while a prerequisite is incomplete.
func (s *Store) ParkClaimed(ctx context.Context, id, owner string, claimedTrials int, now time.Time) (bool, error) {
	return s.exec(ctx, "park claimed", `
		UPDATE tasks AS t SET state = 'MISSING_DEPENDENCY', owner = '', lease_expires = 0, updated_at = ?
		WHERE t.id = ? AND t.state = 'RUNNING' AND t.owner = ? AND t.trial_count = ?
			AND `+incompleteDependency+`
	`, nanos(now), id, owner, claimedTrials)
}

// IncompleteDependencies returns the prerequisites of a task that are absent
// or not COMPLETED.
func (s *Store) IncompleteDependencies(ctx context.Context, id string) ([]ir.TaskKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.dep_entity_id, d.dep_unit, d.dep_compound_id, d.dep_config_id
		FROM task_dependencies d
		LEFT JOIN tasks p ON p.id = d.dep_id
		WHERE d.task_id = ? AND (p.id IS NULL OR p.state != 'COMPLETED')
		ORDER BY d.dep_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query incomplete dependencies: %w", err)
	}
	defer rows.Close()

	var keys []ir.TaskKey
	for rows.Next() {
		var k ir.TaskKey
		if err := rows.Scan(&k.EntityID, &k.Unit, &k.CompoundID, &k.ConfigID); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ReleaseDependents returns every MISSING_DEPENDENCY task that depends on
// prereqID and whose prerequisites are now all COMPLETED to its runnable
// state. All eligible dependents are released in one transaction.
func (s *Store) ReleaseDependents(ctx context.Context, prereqID string, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("release dependents: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT t.id FROM tasks t
		JOIN task_dependencies dep ON dep.task_id = t.id
		WHERE dep.dep_id = ? AND t.state = 'MISSING_DEPENDENCY' AND NOT `+incompleteDependency+`
		ORDER BY t.id
	`, prereqID)
	if err != nil {
		return nil, fmt.Errorf("release dependents: query: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("release dependents: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("release dependents: iterate: %w", err)
	}
	rows.Close()

	var released []string
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = CASE priority WHEN 0 THEN 'TO_RUN' ELSE 'TO_RUN_PRIORITY' END,
				last_error = NULL, updated_at = ?
			WHERE id = ? AND state = 'MISSING_DEPENDENCY'
		`, nanos(now), id)
		if err != nil {
			return nil, fmt.Errorf("release dependents: update: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			released = append(released, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("release dependents: commit: %w", err)
	}
	return released, nil
}

// RecoverFailed returns ERROR and EXCEPTION tasks whose backoff has elapsed
// to their runnable state. Returns the number of tasks moved.
func (s *Store) RecoverFailed(ctx context.Context, now time.Time) (int, error) {
	return s.execCount(ctx, "recover failed", `
		UPDATE tasks
		SET state = CASE priority WHEN 0 THEN 'TO_RUN' ELSE 'TO_RUN_PRIORITY' END, updated_at = ?
		WHERE state IN ('ERROR', 'EXCEPTION') AND next_eligible <= ?
	`, nanos(now), nanos(now))
}

// RequeueExpired returns QUEUED tasks whose queue mark expired before any
// worker claimed them to their runnable state.
func (s *Store) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	return s.execCount(ctx, "requeue expired", `
		UPDATE tasks
		SET state = CASE priority WHEN 0 THEN 'TO_RUN' ELSE 'TO_RUN_PRIORITY' END,
			owner = '', lease_expires = 0, updated_at = ?
		WHERE state = 'QUEUED' AND lease_expires <= ?
	`, nanos(now), nanos(now))
}

// Unqueue hands a task queued by owner back to its runnable state, for a
// worker that selected more than it will run.
func (s *Store) Unqueue(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	return s.exec(ctx, "unqueue", `
		UPDATE tasks
		SET state = CASE priority WHEN 0 THEN 'TO_RUN' ELSE 'TO_RUN_PRIORITY' END,
			owner = '', lease_expires = 0, updated_at = ?
		WHERE id = ? AND state = 'QUEUED' AND owner = ?
	`, nanos(now), id, owner)
}

// ExpiredRunning returns RUNNING tasks whose lease ended at or before now.
func (s *Store) ExpiredRunning(ctx context.Context, now time.Time, limit int) ([]ir.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state = 'RUNNING' AND lease_expires <= ?
		ORDER BY lease_expires ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, nanos(now), limit)
}

// Reset is the operator escape hatch: it returns a task in any state other
// than QUEUED or RUNNING to its runnable state with a fresh trial budget.
// A prerequisite is not reset while one of its dependents is RUNNING.
func (s *Store) Reset(ctx context.Context, id string, priority bool, now time.Time) (bool, error) {
	return s.exec(ctx, "reset", `
		UPDATE tasks AS t
		SET state = ?, priority = ?, trial_count = 0, last_error = NULL, result = NULL,
			owner = '', lease_expires = 0, next_eligible = 0, updated_at = ?
		WHERE t.id = ? AND t.state NOT IN ('QUEUED', 'RUNNING')
			AND NOT EXISTS (
				SELECT 1 FROM task_dependencies d
				JOIN tasks c ON c.id = d.task_id
				WHERE d.dep_id = t.id AND c.state = 'RUNNING'
			)
	`, string(ir.Initial(priority)), boolInt(priority), nanos(now), id)
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	n, err := s.execCount(ctx, op, query, args...)
	return n > 0, err
}

func (s *Store) execCount(ctx context.Context, op, query string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return int(n), nil
}
