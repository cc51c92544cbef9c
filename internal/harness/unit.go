package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/assay/internal/engine"
	"github.com/roach88/assay/internal/ir"
)

// newScriptedUnit builds a unit that fails its first FailTrials trials.
func newScriptedUnit(name string, script ScriptedUnit) (engine.Unit, error) {
	result, err := ir.ObjectFromMap(script.Result)
	if err != nil {
		return nil, fmt.Errorf("units.%s.result: %w", name, err)
	}

	return engine.UnitFunc{
		UnitName: name,
		Fn: func(ctx context.Context, in engine.Input) (ir.Object, error) {
			if in.Task.TrialCount >= script.FailTrials {
				return result.Clone(), nil
			}
			trial := in.Task.TrialCount + 1
			switch script.Outcome {
			case OutcomeError:
				return nil, engine.NewUnitError("scripted error on trial %d", trial)
			case OutcomeException:
				return nil, errors.New("scripted exception")
			case OutcomePanic:
				panic(fmt.Sprintf("scripted panic on trial %d", trial))
			case OutcomeTimeout:
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("unknown outcome %q", script.Outcome)
		},
	}, nil
}
