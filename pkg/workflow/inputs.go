package workflow

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/loomworks/loom/pkg/errors"
)

// InputEnv is the expression environment a step's input mappings evaluate
// against: the run's trigger payload plus the outputs of completed steps,
// keyed by step id.
type InputEnv struct {
	Trigger map[string]any
	Outputs map[string]any
}

func (e InputEnv) toMap() map[string]any {
	trigger := e.Trigger
	if trigger == nil {
		trigger = map[string]any{}
	}
	outputs := e.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	return map[string]any{
		"trigger": trigger,
		"steps":   outputs,
	}
}

// ResolveInputs computes a step's resolved input object by evaluating each
// input mapping expression against env. A step with no mappings receives the
// trigger payload unchanged.
//
// All steps dispatched in one orchestration batch evaluate against an
// identical snapshot of env; the caller must not mutate env concurrently.
func ResolveInputs(step *StepSpec, env InputEnv) (map[string]any, error) {
	if len(step.Inputs) == 0 {
		if env.Trigger == nil {
			return map[string]any{}, nil
		}
		return env.Trigger, nil
	}

	exprEnv := env.toMap()
	resolved := make(map[string]any, len(step.Inputs))
	for field, code := range step.Inputs {
		value, err := expr.Eval(code, exprEnv)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   fmt.Sprintf("steps.%s.inputs.%s", step.ID, field),
				Message: fmt.Sprintf("input expression failed: %v", err),
			}
		}
		resolved[field] = value
	}
	return resolved, nil
}

// ProvisionalInputs computes a best-effort resolved input before the step's
// dependencies have completed. Mappings that cannot be evaluated yet resolve
// to nil instead of failing; the hash of this value is provisional and is
// replaced by the actual hash at execution time.
func ProvisionalInputs(step *StepSpec, env InputEnv) map[string]any {
	if len(step.Inputs) == 0 {
		if env.Trigger == nil {
			return map[string]any{}
		}
		return env.Trigger
	}

	exprEnv := env.toMap()
	resolved := make(map[string]any, len(step.Inputs))
	for field, code := range step.Inputs {
		value, err := expr.Eval(code, exprEnv)
		if err != nil {
			resolved[field] = nil
			continue
		}
		resolved[field] = value
	}
	return resolved
}
