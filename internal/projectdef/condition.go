package projectdef

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
)

// ConditionEvaluator compiles and caches Trigger.Condition expressions,
// mirroring the teacher's pkg/workflow/expression.Evaluator: a small
// mutex-guarded program cache so a trigger fired repeatedly (git_poller,
// webhook retries) doesn't recompile its condition every time.
type ConditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewConditionEvaluator returns a ready evaluator.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate reports whether trigger's runs should be materialized. An
// empty condition always evaluates true.
func (e *ConditionEvaluator) Evaluate(condition string, params map[string]string) (bool, error) {
	if condition == "" {
		return true, nil
	}

	program, err := e.compile(condition)
	if err != nil {
		return false, &jobservErrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("failed to compile trigger condition: %v", err),
		}
	}

	env := map[string]interface{}{"params": stringMapToAny(params)}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, &jobservErrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("failed to evaluate trigger condition: %v", err),
		}
	}
	truthy, ok := out.(bool)
	if !ok {
		return false, &jobservErrors.ValidationError{
			Field:   "condition",
			Message: "trigger condition must evaluate to a boolean",
		}
	}
	return truthy, nil
}

func (e *ConditionEvaluator) compile(condition string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[condition]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(condition, expr.Env(map[string]interface{}{"params": map[string]interface{}{}}), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[condition] = program
	e.mu.Unlock()
	return program, nil
}

func stringMapToAny(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
