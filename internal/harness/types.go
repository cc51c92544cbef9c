package harness

import (
	"regexp"

	"github.com/roach88/assay/internal/ir"
)

// TaskSnapshot is a task as it appears in a trace: identified by entity,
// policy, member count and config rather than by hashes.
type TaskSnapshot struct {
	Entity  string
	Unit    string
	Config  string
	Policy  string
	Members int
	State   ir.TaskState
	Trials  int

	// Failure is the last failure kind, with "/timeout" appended for
	// timeouts; empty when the task never failed.
	Failure string
}

func (t TaskSnapshot) object() ir.Object {
	o := ir.Object{
		"entity":  ir.String(t.Entity),
		"unit":    ir.String(t.Unit),
		"config":  ir.String(t.Config),
		"policy":  ir.String(t.Policy),
		"members": ir.Int(t.Members),
		"state":   ir.String(t.State),
		"trials":  ir.Int(t.Trials),
	}
	if t.Failure != "" {
		o["failure"] = ir.String(t.Failure)
	}
	return o
}

// JournalSnapshot is a journal entry without run id, sequence or time.
type JournalSnapshot struct {
	Scope   ir.Scope
	Entity  string
	Tag     string
	Payload ir.Object
}

func (j JournalSnapshot) object() ir.Object {
	o := ir.Object{
		"scope":   ir.String(j.Scope),
		"tag":     ir.String(j.Tag),
		"payload": j.Payload,
	}
	if j.Entity != "" {
		o["entity"] = ir.String(j.Entity)
	}
	return o
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool

	// Trace has one event per step.
	Trace []ir.Object

	// Tasks and Journal capture the final state.
	Tasks   []TaskSnapshot
	Journal []JournalSnapshot

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []ir.Object{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// redact replaces every SHA-256 hex string with "<hash>".
func redact(v ir.Value) ir.Value {
	switch val := v.(type) {
	case ir.String:
		if hashPattern.MatchString(string(val)) {
			return ir.String("<hash>")
		}
		return val
	case ir.Array:
		out := make(ir.Array, len(val))
		for i, elem := range val {
			out[i] = redact(elem)
		}
		return out
	case ir.Object:
		out := make(ir.Object, len(val))
		for k, elem := range val {
			out[k] = redact(elem)
		}
		return out
	default:
		return v
	}
}

func canonicalString(o ir.Object) string {
	b, err := ir.Canonical(o)
	if err != nil {
		return ""
	}
	return string(b)
}
