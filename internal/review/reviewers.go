package review

import (
	"context"
	"fmt"

	"github.com/roach88/assay/internal/ir"
)

// SummaryReviewer journals a digest of each completed result and, at the
// end, counts of items and entities.
type SummaryReviewer struct{}

// Review returns a "result" tweak carrying the item's result digest.
func (SummaryReviewer) Review(ctx context.Context, run *Run, item Item) (*Tweak, error) {
	digest, err := ir.ResultDigest(item.Task.Result)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	return &Tweak{
		Tag: "result",
		Payload: ir.Object{
			"unit":        ir.String(item.Task.Key.Unit),
			"config_id":   ir.String(item.Task.Key.ConfigID),
			"compound_id": ir.String(item.Task.Key.CompoundID),
			"members":     ir.Int(len(item.Compound.MemberIDs)),
			"digest":      ir.String(digest),
		},
	}, nil
}

// Conclude returns a "summary" tweak.
func (SummaryReviewer) Conclude(ctx context.Context, run *Run) (*Tweak, error) {
	return &Tweak{
		Tag: "summary",
		Payload: ir.Object{
			"items":    ir.Int(run.Items),
			"entities": ir.Int(len(run.entities)),
		},
	}, nil
}

// IntegrityStates are the states that need operator attention.
var IntegrityStates = []ir.TaskState{
	ir.StateUnknownConfig,
	ir.StateUnknownLink,
	ir.StateTooManyTrials,
}

// IntegrityReviewer journals each task stuck in an integrity or exhaustion
// state and concludes with per-state counts. Pair it with a Selection whose
// States is IntegrityStates.
type IntegrityReviewer struct {
	counts map[ir.TaskState]int
}

// Review returns an "attention" tweak describing the task.
func (r *IntegrityReviewer) Review(ctx context.Context, run *Run, item Item) (*Tweak, error) {
	if r.counts == nil {
		r.counts = make(map[ir.TaskState]int)
	}
	r.counts[item.Task.State]++

	payload := ir.Object{
		"state":       ir.String(item.Task.State),
		"unit":        ir.String(item.Task.Key.Unit),
		"config_id":   ir.String(item.Task.Key.ConfigID),
		"compound_id": ir.String(item.Task.Key.CompoundID),
		"trials":      ir.Int(item.Task.TrialCount),
	}
	if f := item.Task.LastError; f != nil {
		payload["kind"] = ir.String(f.Kind)
		payload["message"] = ir.String(f.Message)
		if f.Timeout {
			payload["timeout"] = ir.Bool(true)
		}
	}
	return &Tweak{Tag: "attention", Payload: payload}, nil
}

// Conclude returns an "integrity" tweak with counts per state, or nil when
// nothing needed attention.
func (r *IntegrityReviewer) Conclude(ctx context.Context, run *Run) (*Tweak, error) {
	if run.Items == 0 {
		return nil, nil
	}
	counts := ir.Object{}
	for st, n := range r.counts {
		counts[string(st)] = ir.Int(n)
	}
	r.counts = nil
	return &Tweak{Tag: "integrity", Payload: ir.Object{"counts": counts}}, nil
}

// ReviewerFunc builds a Reviewer from two functions. Either may be nil.
type ReviewerFunc struct {
	OnItem func(ctx context.Context, run *Run, item Item) (*Tweak, error)
	OnEnd  func(ctx context.Context, run *Run) (*Tweak, error)
}

// Review calls OnItem.
func (f ReviewerFunc) Review(ctx context.Context, run *Run, item Item) (*Tweak, error) {
	if f.OnItem == nil {
		return nil, nil
	}
	return f.OnItem(ctx, run, item)
}

// Conclude calls OnEnd.
func (f ReviewerFunc) Conclude(ctx context.Context, run *Run) (*Tweak, error) {
	if f.OnEnd == nil {
		return nil, nil
	}
	return f.OnEnd(ctx, run)
}
