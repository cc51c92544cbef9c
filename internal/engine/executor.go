package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/assay/internal/ir"
	"github.com/roach88/assay/internal/store"
)

// Pool defaults.
const (
	DefaultWorkers      = 4
	DefaultPollInterval = time.Second
)

// Pool runs tasks with a fixed number of independent workers. Workers share
// nothing but the store: any number of pools, in any number of processes,
// may run against the same database.
type Pool struct {
	sched   *Scheduler
	store   Store
	ids     IDGenerator
	logger  *slog.Logger
	workers int
	poll    time.Duration
	runID   string
	drain   bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the number of workers. Default: DefaultWorkers.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) { p.workers = n }
}

// WithPollInterval sets how long an idle worker waits before looking for
// work again when no completion wakes it.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.poll = d }
}

// WithIDGenerator sets the source of worker owner ids and the run id.
func WithIDGenerator(g IDGenerator) PoolOption {
	return func(p *Pool) { p.ids = g }
}

// WithPoolLogger sets the logger. Default: the scheduler's logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// WithRunID fixes the run id stamped on journal entries written by units.
func WithRunID(id string) PoolOption {
	return func(p *Pool) { p.runID = id }
}

// WithDrain makes Run return once the scheduler reports idle instead of
// waiting for cancellation.
func WithDrain() PoolOption {
	return func(p *Pool) { p.drain = true }
}

// NewPool creates a pool over a scheduler.
func NewPool(sched *Scheduler, opts ...PoolOption) *Pool {
	p := &Pool{
		sched:   sched,
		store:   sched.store,
		ids:     UUIDv7Generator{},
		logger:  sched.logger,
		workers: DefaultWorkers,
		poll:    DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers <= 0 {
		p.workers = 1
	}
	if p.runID == "" {
		p.runID = p.ids.Generate()
	}
	return p
}

// RunID returns the id stamped on journal entries written during Run.
func (p *Pool) RunID() string {
	return p.runID
}

// Run starts the workers and blocks until ctx is cancelled, a worker hits a
// store error, or, with WithDrain, no work remains. Cancellation is not an
// error. Resources created by units live until Run returns.
func (p *Pool) Run(ctx context.Context) error {
	res := NewResources()
	defer func() {
		if err := res.Close(); err != nil {
			p.logger.Warn("closing run resources", "run", p.runID, "error", err)
		}
	}()

	p.logger.Info("pool starting", "run", p.runID, "workers", p.workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		owner := p.ids.Generate()
		g.Go(func() error {
			return p.work(gctx, owner, res)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}

	p.logger.Info("pool stopped", "run", p.runID)
	return err
}

// work is one worker loop: reap, select, claim, execute.
func (p *Pool) work(ctx context.Context, owner string, res *Resources) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Take the wake channel before looking for work so a completion
		// between the search and the wait is not missed.
		wake := p.sched.Wake()

		if _, err := p.sched.Reap(ctx); err != nil {
			return err
		}
		ran, err := p.runOne(ctx, owner, res)
		if err != nil {
			return err
		}
		if ran {
			continue
		}

		if p.drain {
			idle, err := p.sched.Idle(ctx)
			if err != nil {
				return err
			}
			if idle {
				return nil
			}
		}

		timer := time.NewTimer(p.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// runOne selects, claims and executes at most one task. It reports whether
// a task ran.
func (p *Pool) runOne(ctx context.Context, owner string, res *Resources) (bool, error) {
	selected, err := p.sched.Select(ctx, owner, 1)
	if err != nil {
		return false, err
	}
	if len(selected) == 0 {
		return false, nil
	}

	task, ok, err := p.sched.Claim(ctx, owner, selected[0])
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := p.execute(ctx, owner, task, res); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			p.logger.Warn("outcome discarded", "task", task.ID(), "owner", owner, "error", err)
			return true, nil
		}
		return true, err
	}
	return true, nil
}

// Execute runs one task already claimed by owner and records its outcome.
// Resources created during the call are discarded when it returns.
func (p *Pool) Execute(ctx context.Context, owner string, task ir.Task) error {
	res := NewResources()
	defer res.Close()
	return p.execute(ctx, owner, task, res)
}

func (p *Pool) execute(ctx context.Context, owner string, task ir.Task, res *Resources) error {
	unit, reg, err := p.sched.registry.Resolve(task.Key.Unit, task.Key.ConfigID)
	if err != nil {
		return p.fail(ctx, owner, task, ir.Failure{Kind: ir.FailureException, Message: err.Error()})
	}

	in, err := p.input(ctx, task, reg, res)
	if errors.Is(err, ErrDependencyIncomplete) {
		return p.sched.Suspend(ctx, owner, task)
	}
	if err != nil {
		return p.fail(ctx, owner, task, ir.Failure{Kind: ir.FailureException, Message: err.Error()})
	}

	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = p.sched.timeout
	}

	p.logger.Debug("task running",
		"task", task.ID(), "unit", task.Key.Unit, "entity", task.Key.EntityID,
		"owner", owner, "trial", task.TrialCount+1)

	result, failure := p.invoke(ctx, unit, in, timeout)

	// A finished trial is recorded even if shutdown began meanwhile.
	wctx := context.WithoutCancel(ctx)
	if failure == nil {
		return p.sched.Complete(wctx, owner, task, result)
	}
	if ctx.Err() != nil {
		// Interrupted by shutdown: the lease expires and the reaper
		// records the trial.
		return ctx.Err()
	}
	return p.fail(wctx, owner, task, *failure)
}

func (p *Pool) fail(ctx context.Context, owner string, task ir.Task, failure ir.Failure) error {
	_, err := p.sched.Fail(ctx, owner, task, failure)
	return err
}

// input loads the compound, its records and prerequisite results.
func (p *Pool) input(ctx context.Context, task ir.Task, reg Registration, res *Resources) (Input, error) {
	c, err := p.store.ReadCompound(ctx, task.Key.CompoundID)
	if err != nil {
		return Input{}, fmt.Errorf("load compound: %w", err)
	}
	records, err := p.store.ReadRecordsByID(ctx, c.MemberIDs)
	if err != nil {
		return Input{}, fmt.Errorf("load records: %w", err)
	}

	deps := make(map[string]ir.Object, len(task.Dependencies))
	for _, key := range task.Dependencies {
		dep, err := p.store.ReadTask(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return Input{}, fmt.Errorf("dependency %s: %w", key.ConfigID, ErrDependencyIncomplete)
		}
		if err != nil {
			return Input{}, fmt.Errorf("load dependency %s: %w", key.ConfigID, err)
		}
		if dep.State != ir.StateCompleted {
			return Input{}, fmt.Errorf("dependency %s is %s: %w", key.ConfigID, dep.State, ErrDependencyIncomplete)
		}
		deps[key.ConfigID] = dep.Result
	}

	entity := task.Key.EntityID
	return Input{
		Task:         task,
		Compound:     c,
		Records:      records,
		Params:       reg.Params.Clone(),
		Dependencies: deps,
		Resources:    res,
		note: func(ctx context.Context, tag string, payload ir.Object) error {
			_, err := p.store.AppendJournal(ctx, ir.JournalEntry{
				RunID:     p.runID,
				Scope:     ir.ScopeEntity,
				EntityID:  entity,
				Tag:       tag,
				Payload:   payload,
				CreatedAt: p.sched.clock.Now(),
			})
			return err
		},
	}, nil
}

type unitReturn struct {
	result ir.Object
	err    error
	panic  any
	stack  []byte
}

// invoke runs the unit under a timeout and classifies the outcome. The unit
// runs on its own goroutine so a unit that ignores ctx cannot hold the
// worker past its deadline.
func (p *Pool) invoke(ctx context.Context, unit Unit, in Input, timeout time.Duration) (ir.Object, *ir.Failure) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan unitReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- unitReturn{panic: r, stack: debug.Stack()}
			}
		}()
		result, err := unit.Run(runCtx, in)
		done <- unitReturn{result: result, err: err}
	}()

	var ret unitReturn
	select {
	case ret = <-done:
	case <-runCtx.Done():
		// Prefer a result that raced the deadline.
		select {
		case ret = <-done:
		default:
			return nil, timeoutFailure(timeout)
		}
	}

	switch {
	case ret.panic != nil:
		return nil, &ir.Failure{
			Kind:    ir.FailureException,
			Message: fmt.Sprintf("panic: %v", ret.panic),
			Trace:   string(ret.stack),
		}
	case ret.err == nil:
		if ret.result == nil {
			ret.result = ir.Object{}
		}
		return ret.result, nil
	case errors.Is(ret.err, context.DeadlineExceeded) && runCtx.Err() != nil && ctx.Err() == nil:
		return nil, timeoutFailure(timeout)
	}

	var ue *UnitError
	if errors.As(ret.err, &ue) {
		return nil, &ir.Failure{
			Kind:       ir.FailureError,
			Message:    ret.err.Error(),
			Diagnostic: ue.Diagnostic,
		}
	}
	return nil, &ir.Failure{
		Kind:    ir.FailureException,
		Message: ret.err.Error(),
		Trace:   fmt.Sprintf("%+v", ret.err),
	}
}

func timeoutFailure(timeout time.Duration) *ir.Failure {
	return &ir.Failure{
		Kind:    ir.FailureError,
		Message: fmt.Sprintf("timed out after %s", timeout),
		Timeout: true,
	}
}
