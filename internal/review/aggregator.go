package review

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/assay/internal/engine"
	"github.com/roach88/assay/internal/ir"
	"github.com/roach88/assay/internal/store"
)

// Store is the subset of *store.Store a review run needs.
type Store interface {
	ListEntities(ctx context.Context) ([]string, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]ir.Task, error)
	ReadCompound(ctx context.Context, id string) (ir.Compound, error)
	AppendJournal(ctx context.Context, entries ...ir.JournalEntry) ([]ir.JournalEntry, error)
}

var _ Store = (*store.Store)(nil)

// Tweak is an annotation returned by a reviewer.
type Tweak struct {
	Tag     string
	Payload ir.Object
}

// Reviewer examines the items of a run.
//
// Review is called once per item; a non-nil Tweak becomes a journal entry
// scoped to the item's entity. Conclude is called once after the last item;
// a non-nil Tweak becomes the run's single run-scoped entry.
type Reviewer interface {
	Review(ctx context.Context, run *Run, item Item) (*Tweak, error)
	Conclude(ctx context.Context, run *Run) (*Tweak, error)
}

// Run is the state of one review run, visible to its reviewer.
type Run struct {
	ID        string
	Selection Selection

	// Resources lives for the duration of the run.
	Resources *engine.Resources

	// Items counts the items reviewed so far.
	Items int

	entities []string
}

// Entities returns the distinct entities that contributed items so far, in
// stream order.
func (r *Run) Entities() []string {
	return slices.Clone(r.entities)
}

// Report summarizes a finished run.
type Report struct {
	RunID         string `json:"run_id"`
	Items         int    `json:"items"`
	EntityEntries int    `json:"entity_entries"`
	RunEntries    int    `json:"run_entries"`
}

// Aggregator runs reviewers over task outcomes.
type Aggregator struct {
	store  Store
	clock  engine.Clock
	ids    engine.IDGenerator
	logger *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the time source for journal timestamps.
func WithClock(c engine.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithIDGenerator sets the source of run ids.
func WithIDGenerator(g engine.IDGenerator) Option {
	return func(a *Aggregator) { a.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// NewAggregator creates an aggregator over st.
func NewAggregator(st Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  st,
		clock:  engine.SystemClock{},
		ids:    engine.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open returns a stream over the selection.
func (a *Aggregator) Open(ctx context.Context, sel Selection) (*Stream, error) {
	entities := slices.Clone(sel.EntityIDs)
	if len(entities) == 0 {
		var err error
		if entities, err = a.store.ListEntities(ctx); err != nil {
			return nil, fmt.Errorf("open stream: %w", err)
		}
	} else {
		slices.Sort(entities)
		entities = slices.Compact(entities)
	}
	return newStream(a.store, sel, entities), nil
}

// Run drives reviewer over the selection and journals its tweaks. Entries
// already written stay in the journal if the run fails part way.
func (a *Aggregator) Run(ctx context.Context, sel Selection, reviewer Reviewer) (Report, error) {
	stream, err := a.Open(ctx, sel)
	if err != nil {
		return Report{}, err
	}
	defer stream.Close()

	run := &Run{
		ID:        a.ids.Generate(),
		Selection: sel,
		Resources: engine.NewResources(),
	}
	defer func() {
		if err := run.Resources.Close(); err != nil {
			a.logger.Warn("closing review resources", "run", run.ID, "error", err)
		}
	}()

	report := Report{RunID: run.ID}
	a.logger.Info("review starting", "run", run.ID, "entities", len(stream.entities))

	for {
		item, ok, err := stream.Next(ctx)
		if err != nil {
			return report, err
		}
		if !ok {
			break
		}

		run.Items++
		report.Items++
		entity := item.Task.Key.EntityID
		if n := len(run.entities); n == 0 || run.entities[n-1] != entity {
			run.entities = append(run.entities, entity)
		}

		tweak, err := reviewer.Review(ctx, run, item)
		if err != nil {
			return report, fmt.Errorf("review %s: %w", item.Task.ID(), err)
		}
		if tweak == nil {
			continue
		}
		if err := a.append(ctx, run.ID, ir.ScopeEntity, entity, tweak); err != nil {
			return report, err
		}
		report.EntityEntries++
	}

	tweak, err := reviewer.Conclude(ctx, run)
	if err != nil {
		return report, fmt.Errorf("conclude: %w", err)
	}
	if tweak != nil {
		if err := a.append(ctx, run.ID, ir.ScopeRun, "", tweak); err != nil {
			return report, err
		}
		report.RunEntries++
	}

	a.logger.Info("review finished",
		"run", run.ID, "items", report.Items,
		"entity_entries", report.EntityEntries, "run_entries", report.RunEntries)
	return report, nil
}

func (a *Aggregator) append(ctx context.Context, runID string, scope ir.Scope, entity string, t *Tweak) error {
	if t.Tag == "" {
		return fmt.Errorf("journal: tweak has no tag")
	}
	payload := t.Payload
	if payload == nil {
		payload = ir.Object{}
	}
	_, err := a.store.AppendJournal(ctx, ir.JournalEntry{
		RunID:     runID,
		Scope:     scope,
		EntityID:  entity,
		Tag:       t.Tag,
		Payload:   payload,
		CreatedAt: a.now(),
	})
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

func (a *Aggregator) now() time.Time {
	return a.clock.Now()
}
