package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides whether an edge's condition accepts a reported
// execution result. Metadata is the owning instance's metadata blob,
// available to evaluators that look beyond the result string.
type Evaluator interface {
	Evaluate(condition, result string, metadata map[string]interface{}) (bool, error)
}

// OutcomeEvaluator matches a condition against the execution result by
// exact, case-sensitive string comparison. This is the default: "approved"
// only follows an edge whose condition is exactly "approved".
type OutcomeEvaluator struct{}

// NewOutcomeEvaluator creates the default exact-match evaluator.
func NewOutcomeEvaluator() *OutcomeEvaluator {
	return &OutcomeEvaluator{}
}

// Evaluate reports whether condition equals result exactly.
func (e *OutcomeEvaluator) Evaluate(condition, result string, _ map[string]interface{}) (bool, error) {
	return condition == result, nil
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr, for
// deployments whose edges carry expressions instead of literal
// outcomes. The result string is bound as "result" and the instance
// metadata keys are bound directly into the environment.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate compiles (with caching) and runs the condition expression.
// The expression must evaluate to a boolean; otherwise an error is
// returned.
func (e *ExprEvaluator) Evaluate(condition, result string, metadata map[string]interface{}) (bool, error) {
	env := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		env[k] = v
	}
	env["result"] = result

	// Check cache with read lock
	e.mu.RLock()
	program, ok := e.cache[condition]
	e.mu.RUnlock()

	if !ok {
		// Compile with write lock
		e.mu.Lock()
		if program, ok = e.cache[condition]; !ok {
			var err error
			program, err = expr.Compile(condition, expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[condition] = program
		}
		e.mu.Unlock()
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := out.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("condition '%s' did not evaluate to a boolean, got %T", condition, out)
}
