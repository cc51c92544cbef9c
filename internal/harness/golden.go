package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/assay/internal/ir"
)

// Snapshot renders a result as canonical JSON lines: a header naming the
// scenario, one line per step, then the final tasks and journal entries.
func Snapshot(name string, result *Result) ([]byte, error) {
	var buf bytes.Buffer
	write := func(o ir.Object) error {
		b, err := ir.Canonical(o)
		if err != nil {
			return err
		}
		buf.Write(b)
		buf.WriteByte('\n')
		return nil
	}

	if err := write(ir.Object{"scenario": ir.String(name)}); err != nil {
		return nil, err
	}
	for _, event := range result.Trace {
		if err := write(ir.Object{"step": event}); err != nil {
			return nil, err
		}
	}
	for _, t := range result.Tasks {
		if err := write(ir.Object{"task": t.object()}); err != nil {
			return nil, err
		}
	}
	for _, j := range result.Journal {
		if err := write(ir.Object{"journal": j.object()}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := RunContext(t.Context(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	snapshot, err := Snapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, snapshot)
	return nil
}
