package review

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/assay/internal/ir"
	"github.com/roach88/assay/internal/store"
)

// Selection chooses the tasks a review run sees.
type Selection struct {
	// EntityIDs limits the run to these entities. Empty means every entity
	// with records.
	EntityIDs []string

	// Unit and ConfigID narrow the tasks; empty matches any.
	Unit     string
	ConfigID string

	// States defaults to COMPLETED.
	States []ir.TaskState
}

func (s Selection) states() []ir.TaskState {
	if len(s.States) == 0 {
		return []ir.TaskState{ir.StateCompleted}
	}
	return s.States
}

// Item is one task presented to a reviewer with its compound.
type Item struct {
	Task     ir.Task
	Compound ir.Compound
}

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// Stream yields the tasks of a selection one entity at a time. Tasks of an
// entity are read only when the stream reaches it. A Stream is finite and
// cannot be restarted; it is not safe for concurrent use.
type Stream struct {
	store    Store
	sel      Selection
	entities []string
	next     int
	buf      []ir.Task
	closed   bool
}

func newStream(st Store, sel Selection, entities []string) *Stream {
	return &Stream{store: st, sel: sel, entities: entities}
}

// Next returns the next item. ok is false once the stream is exhausted.
func (s *Stream) Next(ctx context.Context) (item Item, ok bool, err error) {
	if s.closed {
		return Item{}, false, ErrStreamClosed
	}
	for len(s.buf) == 0 {
		if s.next >= len(s.entities) {
			return Item{}, false, nil
		}
		entity := s.entities[s.next]
		s.next++

		tasks, err := s.store.ListTasks(ctx, store.TaskFilter{
			EntityIDs: []string{entity},
			Unit:      s.sel.Unit,
			ConfigID:  s.sel.ConfigID,
			States:    s.sel.states(),
		})
		if err != nil {
			return Item{}, false, fmt.Errorf("stream %s: %w", entity, err)
		}
		s.buf = tasks
	}

	task := s.buf[0]
	s.buf = s.buf[1:]

	c, err := s.store.ReadCompound(ctx, task.Key.CompoundID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Item{}, false, fmt.Errorf("stream: %w", err)
	}
	return Item{Task: task, Compound: c}, true, nil
}

// Close releases the stream. Further calls to Next fail.
func (s *Stream) Close() {
	s.closed = true
	s.buf = nil
}

// Entities returns the entities the stream covers, in order.
func (s *Stream) Entities() []string {
	return slices.Clone(s.entities)
}
