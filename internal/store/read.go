package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/assay/internal/ir"
)

// ReadRecords returns all records of an entity in canonical order
// (timestamp, then id).
func (s *Store) ReadRecords(ctx context.Context, entityID string) ([]ir.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, timestamp_ns, payload, excludes
		FROM records
		WHERE entity_id = ?
		ORDER BY timestamp_ns ASC, id COLLATE BINARY ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []ir.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// ReadRecordsByID materializes records in the order of ids.
// Returns ErrNotFound if any id is missing.
func (s *Store) ReadRecordsByID(ctx context.Context, ids []string) ([]ir.Record, error) {
	if len(ids) == 0 {
		return []ir.Record{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, timestamp_ns, payload, excludes
		FROM records
		WHERE id IN (`+placeholders(len(ids))+`)
	`, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]ir.Record, len(ids))
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	out := make([]ir.Record, len(ids))
	for i, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("record %q: %w", id, ErrNotFound)
		}
		out[i] = r
	}
	return out, nil
}

// ListEntities returns every entity that has at least one record, sorted.
func (s *Store) ListEntities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity_id FROM records ORDER BY entity_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	entities := []string{}
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// ReadCompound retrieves a compound by id.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadCompound(ctx context.Context, id string) (ir.Compound, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, policy, member_ids, created_at
		FROM compounds WHERE id = ?
	`, id)
	c, err := scanCompound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Compound{}, fmt.Errorf("compound %q: %w", id, ErrNotFound)
	}
	return c, err
}

// ListCompounds returns the compounds of an entity ordered by policy and id.
func (s *Store) ListCompounds(ctx context.Context, entityID string) ([]ir.Compound, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, policy, member_ids, created_at
		FROM compounds
		WHERE entity_id = ?
		ORDER BY policy COLLATE BINARY ASC, id COLLATE BINARY ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query compounds: %w", err)
	}
	defer rows.Close()

	compounds := []ir.Compound{}
	for rows.Next() {
		c, err := scanCompound(rows)
		if err != nil {
			return nil, err
		}
		compounds = append(compounds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compounds: %w", err)
	}
	return compounds, nil
}

const taskColumns = `id, entity_id, unit, compound_id, config_id, state, priority, trial_count,
	max_trials, last_error, result, owner, lease_expires, next_eligible, created_at, updated_at`

// ReadTask retrieves a task and its dependencies by key.
// Returns ErrNotFound if the task does not exist.
func (s *Store) ReadTask(ctx context.Context, key ir.TaskKey) (ir.Task, error) {
	return s.ReadTaskByID(ctx, key.ID())
}

// ReadTaskByID retrieves a task by its stable id.
func (s *Store) ReadTaskByID(ctx context.Context, id string) (ir.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Task{}, err
	}

	deps, err := s.readDependencies(ctx, []string{id})
	if err != nil {
		return ir.Task{}, err
	}
	t.Dependencies = deps[id]
	return t, nil
}

// TaskFilter selects tasks. Empty fields match everything.
type TaskFilter struct {
	EntityIDs  []string
	Unit       string
	CompoundID string
	ConfigID   string
	States     []ir.TaskState
	Limit      int
}

// ListTasks returns tasks matching the filter, ordered by entity, creation
// time and id so repeated reads are stable.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]ir.Task, error) {
	var where []string
	var args []any
	if len(f.EntityIDs) > 0 {
		where = append(where, "entity_id IN ("+placeholders(len(f.EntityIDs))+")")
		args = append(args, stringArgs(f.EntityIDs)...)
	}
	if f.Unit != "" {
		where = append(where, "unit = ?")
		args = append(args, f.Unit)
	}
	if f.CompoundID != "" {
		where = append(where, "compound_id = ?")
		args = append(args, f.CompoundID)
	}
	if f.ConfigID != "" {
		where = append(where, "config_id = ?")
		args = append(args, f.ConfigID)
	}
	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY entity_id COLLATE BINARY ASC, created_at ASC, id COLLATE BINARY ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	return s.queryTasks(ctx, query, args...)
}

// CountByState returns the number of tasks in each state that has any.
func (s *Store) CountByState(ctx context.Context) (map[ir.TaskState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[ir.TaskState]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		st, err := ir.ParseTaskState(name)
		if err != nil {
			return nil, err
		}
		counts[st] += n
	}
	return counts, rows.Err()
}

// JournalFilter selects journal entries. Empty fields match everything.
type JournalFilter struct {
	RunID    string
	EntityID string
	Scope    ir.Scope
	AfterSeq int64
}

// ListJournal returns journal entries in append order.
func (s *Store) ListJournal(ctx context.Context, f JournalFilter) ([]ir.JournalEntry, error) {
	where := []string{"seq > ?"}
	args := []any{f.AfterSeq}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, string(f.Scope))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, run_id, scope, entity_id, tag, payload, created_at
		FROM journal
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	entries := []ir.JournalEntry{}
	for rows.Next() {
		var e ir.JournalEntry
		var scope, payload string
		var created int64
		if err := rows.Scan(&e.Seq, &e.RunID, &scope, &e.EntityID, &e.Tag, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Scope = ir.Scope(scope)
		e.CreatedAt = fromNanos(created)
		if e.Payload, err = unmarshalObject(payload); err != nil {
			return nil, fmt.Errorf("journal %d payload: %w", e.Seq, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return entries, nil
}

// queryTasks runs a task query and attaches dependencies.
// Rows are fully drained before dependencies are read: the store holds a
// single connection, so a nested query would block forever.
func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]ir.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}

	tasks := []ir.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	rows.Close()

	if len(tasks) == 0 {
		return tasks, nil
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID()
	}
	deps, err := s.readDependencies(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Dependencies = deps[ids[i]]
	}
	return tasks, nil
}

func (s *Store) readDependencies(ctx context.Context, taskIDs []string) (map[string][]ir.TaskKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, dep_entity_id, dep_unit, dep_compound_id, dep_config_id
		FROM task_dependencies
		WHERE task_id IN (`+placeholders(len(taskIDs))+`)
		ORDER BY task_id, dep_id
	`, stringArgs(taskIDs)...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]ir.TaskKey)
	for rows.Next() {
		var taskID string
		var k ir.TaskKey
		if err := rows.Scan(&taskID, &k.EntityID, &k.Unit, &k.CompoundID, &k.ConfigID); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps[taskID] = append(deps[taskID], k)
	}
	return deps, rows.Err()
}

func scanRecord(s scanner) (ir.Record, error) {
	var r ir.Record
	var ts int64
	var payload, excludes string
	if err := s.Scan(&r.ID, &r.EntityID, &ts, &payload, &excludes); err != nil {
		return ir.Record{}, fmt.Errorf("scan record: %w", err)
	}
	r.Timestamp = time.Unix(0, ts).UTC()

	var err error
	if r.Payload, err = unmarshalObject(payload); err != nil {
		return ir.Record{}, fmt.Errorf("record %q payload: %w", r.ID, err)
	}
	if r.Excludes, err = unmarshalStrings(excludes); err != nil {
		return ir.Record{}, fmt.Errorf("record %q excludes: %w", r.ID, err)
	}
	if len(r.Excludes) == 0 {
		r.Excludes = nil
	}
	return r, nil
}

func scanCompound(s scanner) (ir.Compound, error) {
	var c ir.Compound
	var members string
	var created int64
	if err := s.Scan(&c.ID, &c.EntityID, &c.Policy, &members, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Compound{}, err
		}
		return ir.Compound{}, fmt.Errorf("scan compound: %w", err)
	}
	c.CreatedAt = fromNanos(created)

	var err error
	if c.MemberIDs, err = unmarshalStrings(members); err != nil {
		return ir.Compound{}, fmt.Errorf("compound %q members: %w", c.ID, err)
	}
	return c, nil
}

func scanTask(s scanner) (ir.Task, error) {
	var t ir.Task
	var id, state string
	var priority int
	var lastErr, result sql.NullString
	var lease, next, created, updated int64

	err := s.Scan(&id, &t.Key.EntityID, &t.Key.Unit, &t.Key.CompoundID, &t.Key.ConfigID,
		&state, &priority, &t.TrialCount, &t.MaxTrials, &lastErr, &result,
		&t.Owner, &lease, &next, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Task{}, err
		}
		return ir.Task{}, fmt.Errorf("scan task: %w", err)
	}

	if t.State, err = ir.ParseTaskState(state); err != nil {
		return ir.Task{}, fmt.Errorf("task %s: %w", id, err)
	}
	if t.LastError, err = unmarshalFailure(lastErr); err != nil {
		return ir.Task{}, fmt.Errorf("task %s: %w", id, err)
	}
	if t.Result, err = unmarshalResult(result); err != nil {
		return ir.Task{}, fmt.Errorf("task %s result: %w", id, err)
	}
	t.Priority = priority != 0
	t.LeaseExpires = fromNanos(lease)
	t.NextEligible = fromNanos(next)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	return t, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
