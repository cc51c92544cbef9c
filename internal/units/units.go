// Package units provides the built-in units every assay process registers.
//
//	count    number of member records, optionally only those carrying params.field
//	sum      sum, min and max of the integer payload field params.field
//	span     first and last member timestamps
//	digest   digest of the dependency results, for cross-run comparison
//	summary  merged results of the prerequisite configs
package units

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/assay/internal/engine"
	"github.com/roach88/assay/internal/ir"
)

// All returns every built-in unit, ordered by name.
func All() []engine.Unit {
	return []engine.Unit{
		engine.UnitFunc{UnitName: "count", Fn: Count},
		engine.UnitFunc{UnitName: "digest", Fn: Digest},
		engine.UnitFunc{UnitName: "span", Fn: Span},
		engine.UnitFunc{UnitName: "sum", Fn: Sum},
		engine.UnitFunc{UnitName: "summary", Fn: Summary},
	}
}

// Register adds every built-in unit to reg.
func Register(reg *engine.Registry) error {
	for _, u := range All() {
		if err := reg.RegisterUnit(u); err != nil {
			return err
		}
	}
	return nil
}

// Count counts member records. With params.field set, only records whose
// payload has that key are counted.
func Count(ctx context.Context, in engine.Input) (ir.Object, error) {
	field, _, err := stringParam(in.Params, "field", false)
	if err != nil {
		return nil, err
	}
	n := 0
	for _, r := range in.Records {
		if field == "" {
			n++
			continue
		}
		if _, ok := r.Payload[field]; ok {
			n++
		}
	}
	return ir.Object{"count": ir.Int(n)}, nil
}

// Sum totals the integer payload field named by params.field. Records
// without the field are skipped; a non-integer value is a unit error.
func Sum(ctx context.Context, in engine.Input) (ir.Object, error) {
	field, _, err := stringParam(in.Params, "field", true)
	if err != nil {
		return nil, err
	}

	var (
		total, lo, hi int64
		n             int
	)
	for _, r := range in.Records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, ok := r.Payload[field]
		if !ok {
			continue
		}
		x, ok := v.(ir.Int)
		if !ok {
			return nil, engine.NewUnitError("record %s: field %q is not an integer", r.ID, field).
				WithDiagnostic(ir.Object{"record": ir.String(r.ID), "field": ir.String(field)})
		}
		if n == 0 || int64(x) < lo {
			lo = int64(x)
		}
		if n == 0 || int64(x) > hi {
			hi = int64(x)
		}
		total += int64(x)
		n++
	}

	out := ir.Object{"field": ir.String(field), "n": ir.Int(n), "sum": ir.Int(total)}
	if n > 0 {
		out["min"] = ir.Int(lo)
		out["max"] = ir.Int(hi)
	}
	return out, nil
}

// Span reports the first and last member timestamps in RFC 3339 and the
// distance between them in seconds.
func Span(ctx context.Context, in engine.Input) (ir.Object, error) {
	if len(in.Records) == 0 {
		return nil, engine.NewUnitError("compound %s has no records", in.Compound.ID)
	}
	first, last := in.Records[0].Timestamp, in.Records[0].Timestamp
	for _, r := range in.Records[1:] {
		if r.Timestamp.Before(first) {
			first = r.Timestamp
		}
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}
	return ir.Object{
		"first":   ir.String(first.UTC().Format(time.RFC3339Nano)),
		"last":    ir.String(last.UTC().Format(time.RFC3339Nano)),
		"seconds": ir.Int(int64(last.Sub(first).Seconds())),
	}, nil
}

// Summary merges prerequisite results under their config ids. It fails
// when a declared prerequisite result is absent.
func Summary(ctx context.Context, in engine.Input) (ir.Object, error) {
	if len(in.Dependencies) == 0 {
		return nil, engine.NewUnitError("summary needs at least one prerequisite")
	}
	merged := ir.Object{}
	for _, dep := range in.Task.Dependencies {
		result, ok := in.Dependencies[dep.ConfigID]
		if !ok {
			return nil, engine.NewUnitError("prerequisite %s has no result", dep.ConfigID)
		}
		merged[dep.ConfigID] = result
	}
	return ir.Object{"members": ir.Int(len(in.Compound.MemberIDs)), "results": merged}, nil
}

// Digest hashes each prerequisite result. The digests are also noted in the
// entity journal under the tag "digest".
func Digest(ctx context.Context, in engine.Input) (ir.Object, error) {
	ids := make([]string, 0, len(in.Dependencies))
	for id := range in.Dependencies {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	digests := ir.Object{}
	for _, id := range ids {
		d, err := ir.ResultDigest(in.Dependencies[id])
		if err != nil {
			return nil, fmt.Errorf("digest %s: %w", id, err)
		}
		digests[id] = ir.String(d)
	}
	if err := in.Note(ctx, "digest", ir.Object{"compound": ir.String(in.Compound.ID), "digests": digests}); err != nil {
		return nil, err
	}
	return ir.Object{"digests": digests}, nil
}

func stringParam(params ir.Object, name string, required bool) (string, bool, error) {
	v, ok := params[name]
	if !ok {
		if required {
			return "", false, engine.NewUnitError("param %q is required", name)
		}
		return "", false, nil
	}
	s, ok := v.(ir.String)
	if !ok {
		return "", false, engine.NewUnitError("param %q must be a string", name)
	}
	return string(s), true, nil
}
