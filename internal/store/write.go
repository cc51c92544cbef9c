package store

import (
	"context"
	"fmt"

	"github.com/roach88/assay/internal/ir"
)

// WriteRecords inserts records, ignoring ids that already exist.
// Returns the number of records actually inserted.
func (s *Store) WriteRecords(ctx context.Context, records []ir.Record) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("write records: begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, r := range records {
		if !ir.TimestampInRange(r.Timestamp) {
			return 0, fmt.Errorf("write record %q: timestamp %s out of range", r.ID, r.Timestamp)
		}
		payload, err := marshalObject(r.Payload)
		if err != nil {
			return 0, fmt.Errorf("write record %q: payload: %w", r.ID, err)
		}
		excludes, err := marshalStrings(r.Excludes)
		if err != nil {
			return 0, fmt.Errorf("write record %q: excludes: %w", r.ID, err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO records (id, entity_id, timestamp_ns, payload, excludes)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, r.ID, r.EntityID, r.Timestamp.UnixNano(), payload, excludes)
		if err != nil {
			return 0, fmt.Errorf("write record %q: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("write record %q: rows affected: %w", r.ID, err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("write records: commit: %w", err)
	}
	return inserted, nil
}

// InsertCompound stores a compound unless one with the same id exists.
// Because the id is content-addressed, a conflict means the same compound was
// already derived; inserted reports whether this call created the row.
func (s *Store) InsertCompound(ctx context.Context, c ir.Compound) (inserted bool, err error) {
	members, err := marshalStrings(c.MemberIDs)
	if err != nil {
		return false, fmt.Errorf("insert compound: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO compounds (id, entity_id, policy, member_ids, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, c.ID, c.EntityID, c.Policy, members, nanos(c.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert compound: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert compound: rows affected: %w", err)
	}
	return n > 0, nil
}

// EnsureTask creates a task and its dependency edges unless the task key
// already exists. Existing tasks are never modified.
func (s *Store) EnsureTask(ctx context.Context, t ir.Task) (inserted bool, err error) {
	lastErr, err := marshalFailure(t.LastError)
	if err != nil {
		return false, fmt.Errorf("ensure task: %w", err)
	}
	result, err := marshalResult(t.Result)
	if err != nil {
		return false, fmt.Errorf("ensure task: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("ensure task: begin tx: %w", err)
	}
	defer tx.Rollback()

	id := t.ID()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks
		(id, entity_id, unit, compound_id, config_id, state, priority, trial_count, max_trials,
		 last_error, result, owner, lease_expires, next_eligible, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		id, t.Key.EntityID, t.Key.Unit, t.Key.CompoundID, t.Key.ConfigID,
		string(t.State), boolInt(t.Priority), t.TrialCount, t.MaxTrials,
		lastErr, result, nanos(t.NextEligible), nanos(t.CreatedAt), nanos(t.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("ensure task: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure task: rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	for _, dep := range t.Dependencies {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies
			(task_id, dep_id, dep_entity_id, dep_unit, dep_compound_id, dep_config_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id, dep_id) DO NOTHING
		`, id, dep.ID(), dep.EntityID, dep.Unit, dep.CompoundID, dep.ConfigID)
		if err != nil {
			return false, fmt.Errorf("ensure task: dependency: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("ensure task: commit: %w", err)
	}
	return true, nil
}

// AppendJournal writes entries in order and returns them with Seq assigned.
// Entries are never updated after this call.
func (s *Store) AppendJournal(ctx context.Context, entries ...ir.JournalEntry) ([]ir.JournalEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append journal: begin tx: %w", err)
	}
	defer tx.Rollback()

	out := make([]ir.JournalEntry, len(entries))
	for i, e := range entries {
		if e.Scope != ir.ScopeEntity && e.Scope != ir.ScopeRun {
			return nil, fmt.Errorf("append journal: invalid scope %q", e.Scope)
		}
		if e.Scope == ir.ScopeEntity && e.EntityID == "" {
			return nil, fmt.Errorf("append journal: entity-scoped entry %q has no entity", e.Tag)
		}
		if e.Scope == ir.ScopeRun {
			e.EntityID = ""
		}
		payload, err := marshalObject(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("append journal: payload: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO journal (run_id, scope, entity_id, tag, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.RunID, string(e.Scope), e.EntityID, e.Tag, payload, nanos(e.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("append journal: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("append journal: last insert id: %w", err)
		}
		e.Seq = seq
		out[i] = e
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append journal: commit: %w", err)
	}
	return out, nil
}
