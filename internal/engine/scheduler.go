package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/assay/internal/ir"
	"github.com/roach88/assay/internal/store"
)

// Store is the subset of *store.Store the scheduler and pool need.
type Store interface {
	EnsureTask(ctx context.Context, t ir.Task) (bool, error)
	ReadTask(ctx context.Context, key ir.TaskKey) (ir.Task, error)
	ReadTaskByID(ctx context.Context, id string) (ir.Task, error)
	ReadCompound(ctx context.Context, id string) (ir.Compound, error)
	ReadRecordsByID(ctx context.Context, ids []string) ([]ir.Record, error)
	CountByState(ctx context.Context) (map[ir.TaskState]int, error)
	AppendJournal(ctx context.Context, entries ...ir.JournalEntry) ([]ir.JournalEntry, error)

	Runnable(ctx context.Context, now time.Time, limit int) ([]ir.Task, error)
	MarkQueued(ctx context.Context, id string, from ir.TaskState, owner string, leaseExpires, now time.Time) (bool, error)
	Claim(ctx context.Context, id, owner string, leaseExpires, now time.Time) (bool, error)
	WriteOutcome(ctx context.Context, id, owner string, claimedTrials int, o store.Outcome, now time.Time) (bool, error)
	Park(ctx context.Context, id string, from, to ir.TaskState, why *ir.Failure, now time.Time) (bool, error)
	ParkMissing(ctx context.Context, id string, from ir.TaskState, now time.Time) (bool, error)
	ParkClaimed(ctx context.Context, id, owner string, claimedTrials int, now time.Time) (bool, error)
	ReleaseDependents(ctx context.Context, prereqID string, now time.Time) ([]string, error)
	RecoverFailed(ctx context.Context, now time.Time) (int, error)
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	Unqueue(ctx context.Context, id, owner string, now time.Time) (bool, error)
	ExpiredRunning(ctx context.Context, now time.Time, limit int) ([]ir.Task, error)
	Reset(ctx context.Context, id string, priority bool, now time.Time) (bool, error)
}

var _ Store = (*store.Store)(nil)

// Scheduler defaults.
const (
	DefaultMaxTrials   = 3
	DefaultBackoffBase = 30 * time.Second
	DefaultTimeout     = 10 * time.Minute
	DefaultLeaseGrace  = 30 * time.Second
	DefaultQueueLease  = time.Minute
)

// Scheduler drives task state transitions against the store.
// All methods are safe for concurrent use by many workers; coordination
// happens entirely through store compare-and-swap operations.
type Scheduler struct {
	store    Store
	registry *Registry
	clock    Clock
	logger   *slog.Logger
	wake     *notifier

	maxTrials   int
	backoffBase time.Duration
	timeout     time.Duration
	leaseGrace  time.Duration
	queueLease  time.Duration
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock sets the time source. Default: SystemClock.
func WithClock(c Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithMaxTrials sets the trial budget for registrations that declare none.
func WithMaxTrials(n int) SchedulerOption {
	return func(s *Scheduler) { s.maxTrials = n }
}

// WithBackoffBase sets the retry delay unit: after the k-th failure a task
// is not eligible for k times this duration.
func WithBackoffBase(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.backoffBase = d }
}

// WithTimeout sets the per-trial timeout for registrations that declare none.
func WithTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.timeout = d }
}

// WithLeaseGrace sets how long past its timeout a RUNNING lease survives.
func WithLeaseGrace(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.leaseGrace = d }
}

// WithQueueLease sets how long a QUEUED mark is reserved for its owner.
func WithQueueLease(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.queueLease = d }
}

// NewScheduler creates a scheduler over st using registry for gating.
func NewScheduler(st Store, registry *Registry, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:       st,
		registry:    registry,
		clock:       SystemClock{},
		logger:      slog.Default(),
		wake:        newNotifier(),
		maxTrials:   DefaultMaxTrials,
		backoffBase: DefaultBackoffBase,
		timeout:     DefaultTimeout,
		leaseGrace:  DefaultLeaseGrace,
		queueLease:  DefaultQueueLease,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Registry returns the registry used for gating.
func (s *Scheduler) Registry() *Registry {
	return s.registry
}

// Wake returns a channel closed the next time a task completes or is
// released. Workers select on it alongside their poll timer.
func (s *Scheduler) Wake() <-chan struct{} {
	return s.wake.Wait()
}

// Plan creates a task for every registration whose policy filter accepts
// the compound. Declared dependencies become sibling task keys on the same
// entity and compound. Existing tasks are left untouched; the returned
// slice holds only tasks created by this call.
func (s *Scheduler) Plan(ctx context.Context, c ir.Compound) ([]ir.Task, error) {
	now := s.clock.Now()
	var created []ir.Task

	for _, reg := range s.registry.Registrations() {
		if !reg.Accepts(c.Policy) {
			continue
		}

		task := ir.Task{
			Key: ir.TaskKey{
				EntityID:   c.EntityID,
				Unit:       reg.Unit,
				CompoundID: c.ID,
				ConfigID:   reg.ConfigID,
			},
			State:     ir.Initial(reg.Priority),
			Priority:  reg.Priority,
			MaxTrials: s.trialBudget(reg),
			CreatedAt: now,
			UpdatedAt: now,
		}
		for _, depID := range reg.DependsOn {
			dep, ok := s.registry.Config(depID)
			if !ok {
				return created, fmt.Errorf("plan %s: dependency %q: %w", reg.ConfigID, depID, ErrUnknownConfig)
			}
			task.Dependencies = append(task.Dependencies, ir.TaskKey{
				EntityID:   c.EntityID,
				Unit:       dep.Unit,
				CompoundID: c.ID,
				ConfigID:   dep.ConfigID,
			})
		}

		inserted, err := s.store.EnsureTask(ctx, task)
		if err != nil {
			return created, fmt.Errorf("plan %s: %w", reg.ConfigID, err)
		}
		if inserted {
			s.logger.Debug("task planned",
				"task", task.ID(), "unit", reg.Unit, "config", reg.ConfigID, "entity", c.EntityID)
			created = append(created, task)
		}
	}
	return created, nil
}

// Sweep returns recovered failures and expired queue marks to their
// runnable states. Select calls it before choosing work.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.clock.Now()
	recovered, err := s.store.RecoverFailed(ctx, now)
	if err != nil {
		return err
	}
	requeued, err := s.store.RequeueExpired(ctx, now)
	if err != nil {
		return err
	}
	if recovered > 0 || requeued > 0 {
		s.logger.Debug("sweep", "recovered", recovered, "requeued", requeued)
	}
	return nil
}

// Select marks up to n runnable tasks QUEUED for owner and returns them.
// Candidates are gated first: a task whose config does not resolve is parked
// UNKNOWN_CONFIG, one whose compound is absent UNKNOWN_LINK, and one with an
// incomplete prerequisite MISSING_DEPENDENCY. A task is never returned
// before its next-eligible time.
func (s *Scheduler) Select(ctx context.Context, owner string, n int) ([]ir.Task, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := s.Sweep(ctx); err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}

	var queued []ir.Task
	for len(queued) < n {
		now := s.clock.Now()
		candidates, err := s.store.Runnable(ctx, now, n-len(queued))
		if err != nil {
			return queued, fmt.Errorf("select: %w", err)
		}
		if len(candidates) == 0 {
			break
		}

		for _, task := range candidates {
			ok, err := s.gate(ctx, task, now)
			if err != nil {
				return queued, fmt.Errorf("select: %w", err)
			}
			if !ok {
				continue
			}

			lease := now.Add(s.queueLease)
			marked, err := s.store.MarkQueued(ctx, task.ID(), task.State, owner, lease, now)
			if err != nil {
				return queued, fmt.Errorf("select: %w", err)
			}
			if !marked {
				continue
			}
			task.State = ir.StateQueued
			task.Owner = owner
			task.LeaseExpires = lease
			queued = append(queued, task)
		}
	}
	return queued, nil
}

// gate parks a candidate that cannot run yet. It reports whether the task
// may be queued.
func (s *Scheduler) gate(ctx context.Context, task ir.Task, now time.Time) (bool, error) {
	if _, _, err := s.registry.Resolve(task.Key.Unit, task.Key.ConfigID); err != nil {
		return false, s.park(ctx, task, ir.StateUnknownConfig, err.Error(), now)
	}

	if _, err := s.store.ReadCompound(ctx, task.Key.CompoundID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		return false, s.park(ctx, task, ir.StateUnknownLink, "compound "+task.Key.CompoundID+" not found", now)
	}

	if len(task.Dependencies) == 0 {
		return true, nil
	}
	parked, err := s.store.ParkMissing(ctx, task.ID(), task.State, now)
	if err != nil {
		return false, err
	}
	if parked {
		s.logger.Debug("task waiting on dependency", "task", task.ID(), "unit", task.Key.Unit)
		return false, nil
	}
	return true, nil
}

func (s *Scheduler) park(ctx context.Context, task ir.Task, to ir.TaskState, msg string, now time.Time) error {
	why := &ir.Failure{Kind: ir.FailureIntegrity, Message: msg}
	ok, err := s.store.Park(ctx, task.ID(), task.State, to, why, now)
	if err != nil {
		return err
	}
	if ok {
		s.logger.Warn("task parked",
			"task", task.ID(), "unit", task.Key.Unit, "entity", task.Key.EntityID,
			"state", to, "reason", msg)
	}
	return nil
}

// Claim moves a task queued for owner to RUNNING. The lease lasts the
// registration's timeout plus the lease grace. It reports false if another
// worker won the task or a prerequisite is no longer COMPLETED; in the
// latter case the task is parked MISSING_DEPENDENCY.
func (s *Scheduler) Claim(ctx context.Context, owner string, task ir.Task) (ir.Task, bool, error) {
	timeout := s.timeout
	if _, reg, err := s.registry.Resolve(task.Key.Unit, task.Key.ConfigID); err == nil && reg.Timeout > 0 {
		timeout = reg.Timeout
	}

	now := s.clock.Now()
	lease := now.Add(timeout + s.leaseGrace)
	ok, err := s.store.Claim(ctx, task.ID(), owner, lease, now)
	if err != nil {
		return task, false, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		parked, err := s.store.ParkMissing(ctx, task.ID(), ir.StateQueued, now)
		if err != nil {
			return task, false, fmt.Errorf("claim: %w", err)
		}
		if parked {
			s.logger.Debug("task waiting on dependency", "task", task.ID(), "unit", task.Key.Unit)
		}
		return task, false, nil
	}
	task.State = ir.StateRunning
	task.Owner = owner
	task.LeaseExpires = lease
	task.UpdatedAt = now
	return task, true, nil
}

// Suspend parks a task claimed by owner as MISSING_DEPENDENCY without
// counting a trial. It returns ErrLeaseLost if owner no longer holds the
// task or every prerequisite has since completed.
func (s *Scheduler) Suspend(ctx context.Context, owner string, task ir.Task) error {
	ok, err := s.store.ParkClaimed(ctx, task.ID(), owner, task.TrialCount, s.clock.Now())
	if err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	if !ok {
		return fmt.Errorf("suspend %s: %w", task.ID(), ErrLeaseLost)
	}
	s.logger.Debug("task waiting on dependency", "task", task.ID(), "unit", task.Key.Unit)
	return nil
}

// Unqueue returns a task queued by owner without running it.
func (s *Scheduler) Unqueue(ctx context.Context, owner string, task ir.Task) error {
	_, err := s.store.Unqueue(ctx, task.ID(), owner, s.clock.Now())
	return err
}

// Complete records a successful trial and releases dependents.
// The trial count is unchanged. Returns ErrLeaseLost if owner no longer
// holds the task.
func (s *Scheduler) Complete(ctx context.Context, owner string, task ir.Task, result ir.Object) error {
	if result == nil {
		result = ir.Object{}
	}
	now := s.clock.Now()
	ok, err := s.store.WriteOutcome(ctx, task.ID(), owner, task.TrialCount, store.Outcome{
		State:      ir.StateCompleted,
		TrialCount: task.TrialCount,
		Result:     result,
	}, now)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if !ok {
		return fmt.Errorf("complete %s: %w", task.ID(), ErrLeaseLost)
	}
	s.logger.Info("task completed", "task", task.ID(), "unit", task.Key.Unit, "entity", task.Key.EntityID)

	released, err := s.store.ReleaseDependents(ctx, task.ID(), now)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if len(released) > 0 {
		s.logger.Debug("dependents released", "task", task.ID(), "count", len(released))
	}
	s.wake.Notify()
	return nil
}

// Fail records a failed trial. The trial count increases by one; the task
// becomes ERROR or EXCEPTION with next-eligible now + backoff × trials, or
// TOO_MANY_TRIALS once the budget is spent. Returns ErrLeaseLost if owner
// no longer holds the task.
func (s *Scheduler) Fail(ctx context.Context, owner string, task ir.Task, failure ir.Failure) (ir.TaskState, error) {
	now := s.clock.Now()
	trials := task.TrialCount + 1

	state := ir.StateError
	if failure.Kind == ir.FailureException {
		state = ir.StateException
	}
	maxTrials := task.MaxTrials
	if maxTrials <= 0 {
		maxTrials = s.maxTrials
	}
	if trials >= maxTrials {
		state = ir.StateTooManyTrials
	}

	outcome := store.Outcome{
		State:        state,
		TrialCount:   trials,
		Failure:      &failure,
		NextEligible: now.Add(s.backoffBase * time.Duration(trials)),
	}
	ok, err := s.store.WriteOutcome(ctx, task.ID(), owner, task.TrialCount, outcome, now)
	if err != nil {
		return "", fmt.Errorf("fail: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("fail %s: %w", task.ID(), ErrLeaseLost)
	}

	s.logger.Warn("task failed",
		"task", task.ID(), "unit", task.Key.Unit, "entity", task.Key.EntityID,
		"state", state, "trial", trials, "timeout", failure.Timeout, "error", failure.Message)
	return state, nil
}

// Reap converts RUNNING tasks whose lease has expired into timeout
// failures, so a crashed worker never pins a task. Returns the number of
// tasks reaped.
func (s *Scheduler) Reap(ctx context.Context) (int, error) {
	expired, err := s.store.ExpiredRunning(ctx, s.clock.Now(), 0)
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}

	reaped := 0
	for _, task := range expired {
		_, err := s.Fail(ctx, task.Owner, task, ir.Failure{
			Kind:    ir.FailureError,
			Message: "lease expired while running (owner " + task.Owner + ")",
			Timeout: true,
		})
		if errors.Is(err, ErrLeaseLost) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// Reset is the operator action that returns a task to TO_RUN (or
// TO_RUN_PRIORITY) with a fresh trial budget. Tasks in flight, and
// prerequisites of a RUNNING task, are refused with ErrInFlight.
func (s *Scheduler) Reset(ctx context.Context, key ir.TaskKey, priority bool) error {
	if _, err := s.store.ReadTask(ctx, key); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	ok, err := s.store.Reset(ctx, key.ID(), priority, s.clock.Now())
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if !ok {
		return fmt.Errorf("reset %s: %w", key.ID(), ErrInFlight)
	}
	s.logger.Info("task reset", "task", key.ID(), "unit", key.Unit, "priority", priority)
	s.wake.Notify()
	return nil
}

// Idle reports whether no task can make progress without new work:
// nothing is runnable, queued, running or waiting out a retry backoff.
func (s *Scheduler) Idle(ctx context.Context) (bool, error) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return false, err
	}
	for _, st := range []ir.TaskState{
		ir.StateToRun, ir.StateToRunPriority, ir.StateQueued, ir.StateRunning,
		ir.StateError, ir.StateException,
	} {
		if counts[st] > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (s *Scheduler) trialBudget(reg Registration) int {
	if reg.MaxTrials > 0 {
		return reg.MaxTrials
	}
	return s.maxTrials
}
