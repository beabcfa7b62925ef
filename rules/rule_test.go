package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutcomeEvaluator(t *testing.T) {
	e := NewOutcomeEvaluator()

	ok, err := e.Evaluate("approved", "approved", nil)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate("approved", "rejected", nil)
	assert.NoError(t, err)
	assert.False(t, ok)

	// exact match is case-sensitive
	ok, err = e.Evaluate("approved", "Approved", nil)
	assert.NoError(t, err)
	assert.False(t, ok)

	// no trimming either
	ok, err = e.Evaluate("approved", "approved ", nil)
	assert.NoError(t, err)
	assert.False(t, ok)

	// metadata plays no part in the default evaluator
	ok, err = e.Evaluate("approved", "approved", map[string]interface{}{"amount": 9000})
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestExprEvaluator(t *testing.T) {
	e := NewExprEvaluator()

	ok, err := e.Evaluate(`result == "approved"`, "approved", nil)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(`result == "approved"`, "rejected", nil)
	assert.NoError(t, err)
	assert.False(t, ok)

	// metadata keys are bound into the environment
	ok, err = e.Evaluate(`result == "approved" && amount > 1000`, "approved",
		map[string]interface{}{"amount": 5000})
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(`result == "approved" && amount > 1000`, "approved",
		map[string]interface{}{"amount": 200})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestExprEvaluatorErrors(t *testing.T) {
	e := NewExprEvaluator()

	_, err := e.Evaluate(`result ==`, "approved", nil)
	assert.Error(t, err, "broken expression must fail compilation")

	_, err = e.Evaluate(`result`, "approved", nil)
	assert.Error(t, err, "non-boolean result must be rejected")
	assert.Contains(t, err.Error(), "did not evaluate to a boolean")
}

func TestExprEvaluatorCache(t *testing.T) {
	e := NewExprEvaluator()

	ok, err := e.Evaluate(`result == "approved"`, "approved", nil)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, e.cache, 1)

	// second run hits the cached program
	ok, err = e.Evaluate(`result == "approved"`, "rejected", nil)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, e.cache, 1)
}

func TestExprEvaluatorConcurrent(t *testing.T) {
	e := NewExprEvaluator()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.Evaluate(`result == "approved"`, "approved", nil)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}
