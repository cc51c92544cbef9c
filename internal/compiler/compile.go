// Package compiler loads policies and unit configs declared in CUE.
//
// A declaration directory holds CUE files of the form:
//
//	policy: nightly: params: {window: 86400}
//
//	config: "count-v1": {
//		unit:       "count"
//		params:     {field: "flux"}
//		policies:   ["nightly"]
//		depends_on: []
//		priority:   false
//		max_trials: 3
//		timeout:    "30s"
//	}
package compiler

import (
	"fmt"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/assay/internal/engine"
	"github.com/roach88/assay/internal/ir"
)

// ConfigSpec is a compiled unit config.
type ConfigSpec struct {
	ID        string        `json:"id"`
	Unit      string        `json:"unit"`
	Params    ir.Object     `json:"params"`
	Policies  []string      `json:"policies,omitempty"`
	DependsOn []string      `json:"depends_on,omitempty"`
	Priority  bool          `json:"priority,omitempty"`
	MaxTrials int           `json:"max_trials,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`

	Pos token.Pos `json:"-"`
}

// Registration converts the config into an engine registration.
func (c ConfigSpec) Registration() engine.Registration {
	return engine.Registration{
		ConfigID:  c.ID,
		Unit:      c.Unit,
		Params:    c.Params,
		Policies:  slices.Clone(c.Policies),
		DependsOn: slices.Clone(c.DependsOn),
		Priority:  c.Priority,
		MaxTrials: c.MaxTrials,
		Timeout:   c.Timeout,
	}
}

// CompilePolicy parses a policy struct. The policy name is the struct label.
func CompilePolicy(v cue.Value) (ir.Policy, error) {
	if err := v.Err(); err != nil {
		return ir.Policy{}, formatCUEError(err)
	}

	p := ir.Policy{Name: lastLabel(v), Params: ir.Object{}}
	if p.Name == "" {
		return ir.Policy{}, &CompileError{Field: "policy", Message: "policy name is required", Pos: v.Pos()}
	}

	paramsVal := v.LookupPath(cue.ParsePath("params"))
	if paramsVal.Exists() {
		params, err := compileObject(paramsVal, "params")
		if err != nil {
			return ir.Policy{}, err
		}
		p.Params = params
	}
	return p, nil
}

// CompileConfig parses a config struct. The config id is the struct label.
func CompileConfig(v cue.Value) (ConfigSpec, error) {
	if err := v.Err(); err != nil {
		return ConfigSpec{}, formatCUEError(err)
	}

	cs := ConfigSpec{ID: lastLabel(v), Params: ir.Object{}, Pos: v.Pos()}

	unitVal := v.LookupPath(cue.ParsePath("unit"))
	if !unitVal.Exists() {
		return ConfigSpec{}, &CompileError{Field: "unit", Message: "unit is required", Pos: v.Pos()}
	}
	unit, err := unitVal.String()
	if err != nil {
		return ConfigSpec{}, formatCUEError(err)
	}
	cs.Unit = unit

	if paramsVal := v.LookupPath(cue.ParsePath("params")); paramsVal.Exists() {
		if cs.Params, err = compileObject(paramsVal, "params"); err != nil {
			return ConfigSpec{}, err
		}
	}
	if cs.Policies, err = stringList(v, "policies"); err != nil {
		return ConfigSpec{}, err
	}
	if cs.DependsOn, err = stringList(v, "depends_on"); err != nil {
		return ConfigSpec{}, err
	}

	if priorityVal := v.LookupPath(cue.ParsePath("priority")); priorityVal.Exists() {
		if cs.Priority, err = priorityVal.Bool(); err != nil {
			return ConfigSpec{}, formatCUEError(err)
		}
	}

	if trialsVal := v.LookupPath(cue.ParsePath("max_trials")); trialsVal.Exists() {
		n, err := trialsVal.Int64()
		if err != nil {
			return ConfigSpec{}, formatCUEError(err)
		}
		cs.MaxTrials = int(n)
	}

	if timeoutVal := v.LookupPath(cue.ParsePath("timeout")); timeoutVal.Exists() {
		s, err := timeoutVal.String()
		if err != nil {
			return ConfigSpec{}, formatCUEError(err)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return ConfigSpec{}, &CompileError{Field: "timeout", Message: err.Error(), Pos: timeoutVal.Pos()}
		}
		cs.Timeout = d
	}

	return cs, nil
}

func lastLabel(v cue.Value) string {
	sels := v.Path().Selectors()
	if len(sels) == 0 {
		return ""
	}
	return sels[len(sels)-1].Unquoted()
}

func stringList(v cue.Value, field string) ([]string, error) {
	listVal := v.LookupPath(cue.ParsePath(field))
	if !listVal.Exists() {
		return nil, nil
	}
	iter, err := listVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func compileObject(v cue.Value, field string) (ir.Object, error) {
	val, err := compileValue(v, field)
	if err != nil {
		return nil, err
	}
	obj, ok := val.(ir.Object)
	if !ok {
		return nil, &CompileError{Field: field, Message: "must be a struct", Pos: v.Pos()}
	}
	return obj, nil
}

// compileValue converts a concrete CUE value into an ir.Value.
// Floats are forbidden.
func compileValue(v cue.Value, field string) (ir.Value, error) {
	switch v.IncompleteKind() {
	case cue.NullKind:
		return ir.Null{}, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.String(s), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Int(n), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Bool(b), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.Array{}
		for i := 0; iter.Next(); i++ {
			elem, err := compileValue(iter.Value(), fmt.Sprintf("%s[%d]", field, i))
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.Object{}
		for iter.Next() {
			name := iter.Selector().Unquoted()
			elem, err := compileValue(iter.Value(), field+"."+name)
			if err != nil {
				return nil, err
			}
			obj[name] = elem
		}
		return obj, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{
			Field:   field,
			Message: "float values are forbidden, use int instead",
			Pos:     v.Pos(),
		}
	default:
		return nil, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("unsupported value kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
