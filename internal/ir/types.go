package ir

import (
	"math"
	"slices"
	"time"
)

// Record is one immutable timestamped datum belonging to an entity.
type Record struct {
	ID        string    `json:"id" yaml:"id"`
	EntityID  string    `json:"entity_id" yaml:"entity_id"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Payload   Object    `json:"payload" yaml:"-"`

	// Excludes names the policies this record must be left out of.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`
}

// Record timestamps are stored as Unix nanoseconds, which bounds them.
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// TimestampInRange reports whether t lies within [MinTimestamp, MaxTimestamp].
func TimestampInRange(t time.Time) bool {
	return !t.Before(MinTimestamp) && !t.After(MaxTimestamp)
}

// ExcludedFrom reports whether the record is tagged as excluded for policy.
func (r Record) ExcludedFrom(policy string) bool {
	return slices.Contains(r.Excludes, policy)
}

// Policy selects and parameterizes how records are grouped into a compound.
type Policy struct {
	Name   string `json:"name"`
	Params Object `json:"params"`
}

// Compound is an immutable, content-addressed set of records for one entity
// under one policy. ID is derived from EntityID, Policy and MemberIDs.
type Compound struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	Policy    string    `json:"policy"`
	MemberIDs []string  `json:"member_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskKey identifies one required computation.
type TaskKey struct {
	EntityID   string `json:"entity_id"`
	Unit       string `json:"unit"`
	CompoundID string `json:"compound_id"`
	ConfigID   string `json:"config_id"`
}

// FailureKind classifies the last failure recorded on a task.
type FailureKind string

const (
	// FailureError is a failure reported by the unit itself.
	FailureError FailureKind = "error"
	// FailureException is an unexpected fault: a panic or an untyped error.
	FailureException FailureKind = "exception"
	// FailureIntegrity marks a task parked for a data-integrity problem.
	FailureIntegrity FailureKind = "integrity"
)

// Failure describes why the last trial of a task did not complete.
type Failure struct {
	Kind       FailureKind `json:"kind"`
	Message    string      `json:"message"`
	Timeout    bool        `json:"timeout,omitempty"`
	Diagnostic Object      `json:"diagnostic,omitempty"`
	Trace      string      `json:"trace,omitempty"`
}

// Task tracks the lifecycle of one (entity, unit, compound, config) computation.
type Task struct {
	Key          TaskKey   `json:"key"`
	State        TaskState `json:"state"`
	Priority     bool      `json:"priority"`
	TrialCount   int       `json:"trial_count"`
	MaxTrials    int       `json:"max_trials"`
	LastError    *Failure  `json:"last_error,omitempty"`
	Result       Object    `json:"result,omitempty"`
	Dependencies []TaskKey `json:"dependencies,omitempty"`

	// Owner and LeaseExpires describe an in-flight claim (QUEUED or RUNNING).
	Owner        string    `json:"owner,omitempty"`
	LeaseExpires time.Time `json:"lease_expires,omitzero"`

	// NextEligible is the earliest time the task may be queued again.
	NextEligible time.Time `json:"next_eligible,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ID returns the stable identifier of the task.
func (t Task) ID() string {
	return t.Key.ID()
}

// Scope says whether a journal entry applies to one entity or a whole run.
type Scope string

const (
	// ScopeEntity entries apply only to the entry's EntityID.
	ScopeEntity Scope = "entity"
	// ScopeRun entries apply once to the whole run.
	ScopeRun Scope = "run"
)

// JournalEntry is an append-only audit record written during a run.
type JournalEntry struct {
	Seq       int64     `json:"seq"`
	RunID     string    `json:"run_id"`
	Scope     Scope     `json:"scope"`
	EntityID  string    `json:"entity_id,omitempty"`
	Tag       string    `json:"tag"`
	Payload   Object    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
