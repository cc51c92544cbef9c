package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/assay/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s failed\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// assertTaskState checks every task matching entity, config and (when set)
// policy.
func assertTaskState(tasks []TaskSnapshot, a Assertion) error {
	want, err := ir.ParseTaskState(a.State)
	if err != nil {
		return err
	}

	var matched []TaskSnapshot
	for _, t := range tasks {
		if t.Entity == a.Entity && t.Config == a.Config && (a.Policy == "" || t.Policy == a.Policy) {
			matched = append(matched, t)
		}
	}

	subject := fmt.Sprintf("%s/%s", a.Entity, a.Config)
	if a.Policy != "" {
		subject += " under " + a.Policy
	}
	if len(matched) == 0 {
		return &AssertionError{Type: AssertTaskState, Expected: fmt.Sprintf("task %s in %s", subject, want), Actual: "no such task"}
	}
	if a.Count > 0 && len(matched) != a.Count {
		return &AssertionError{
			Type:     AssertTaskState,
			Expected: fmt.Sprintf("%d tasks for %s", a.Count, subject),
			Actual:   fmt.Sprintf("%d tasks", len(matched)),
		}
	}
	for _, t := range matched {
		if t.State != want {
			return &AssertionError{
				Type:     AssertTaskState,
				Expected: fmt.Sprintf("%s in %s", subject, want),
				Actual:   describeTask(t),
			}
		}
		if a.Trials != nil && t.Trials != *a.Trials {
			return &AssertionError{
				Type:     AssertTaskState,
				Expected: fmt.Sprintf("%s after %d trials", subject, *a.Trials),
				Actual:   describeTask(t),
			}
		}
	}
	return nil
}

func describeTask(t TaskSnapshot) string {
	s := fmt.Sprintf("%s after %d trials", t.State, t.Trials)
	if t.Failure != "" {
		s += " (" + t.Failure + ")"
	}
	return s
}

func assertCompoundCount(compounds []ir.Compound, a Assertion) error {
	n := 0
	for _, c := range compounds {
		if a.Policy == "" || c.Policy == a.Policy {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertCompoundCount,
			Expected: fmt.Sprintf("%d compounds for %s", a.Count, a.Entity),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

// assertCompoundMembers passes when some compound of the entity under the
// policy has exactly the expected members in order.
func assertCompoundMembers(compounds []ir.Compound, a Assertion) error {
	var seen []string
	for _, c := range compounds {
		if c.Policy != a.Policy {
			continue
		}
		if slices.Equal(c.MemberIDs, a.Members) {
			return nil
		}
		seen = append(seen, "["+strings.Join(c.MemberIDs, ", ")+"]")
	}
	actual := "no compounds"
	if len(seen) > 0 {
		actual = strings.Join(seen, " ")
	}
	return &AssertionError{
		Type:     AssertCompoundMembers,
		Expected: fmt.Sprintf("%s/%s with members [%s]", a.Entity, a.Policy, strings.Join(a.Members, ", ")),
		Actual:   actual,
	}
}

func assertJournalCount(journal []JournalSnapshot, a Assertion) error {
	n := 0
	for _, j := range journal {
		if j.Tag != a.Tag {
			continue
		}
		if a.Scope != "" && string(j.Scope) != a.Scope {
			continue
		}
		if a.Entity != "" && j.Entity != a.Entity {
			continue
		}
		n++
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertJournalCount,
			Expected: fmt.Sprintf("%d entries tagged %q", a.Count, a.Tag),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}
