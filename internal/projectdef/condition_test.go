package projectdef

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConditionEvaluatorEmptyConditionIsTrue(t *testing.T) {
	e := NewConditionEvaluator()
	ok, err := e.Evaluate("", nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConditionEvaluatorEvaluatesAgainstParams(t *testing.T) {
	e := NewConditionEvaluator()
	ok, err := e.Evaluate("params.branch == 'main'", map[string]string{"branch": "main"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.Evaluate("params.branch == 'main'", map[string]string{"branch": "dev"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConditionEvaluatorCachesCompiledProgram(t *testing.T) {
	e := NewConditionEvaluator()
	const cond = "params.branch == 'main'"
	_, err := e.Evaluate(cond, map[string]string{"branch": "main"})
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache[cond]
	e.mu.RUnlock()
	require.True(t, cached)
}

func TestConditionEvaluatorRejectsNonBooleanResult(t *testing.T) {
	e := NewConditionEvaluator()
	_, err := e.Evaluate("params.branch", map[string]string{"branch": "main"})
	require.Error(t, err)
}

func TestConditionEvaluatorRejectsMalformedExpression(t *testing.T) {
	e := NewConditionEvaluator()
	_, err := e.Evaluate("params. ===", map[string]string{})
	require.Error(t, err)
}
