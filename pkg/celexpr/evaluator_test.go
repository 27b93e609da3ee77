package celexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEval(t *testing.T) {
	e, err := New("signal")
	require.NoError(t, err)

	in := map[string]any{"signal": map[string]any{"impact": "high", "relevance": 0.8}}

	ok, err := e.Eval(`signal.impact == "high" && signal.relevance > 0.5`, in)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Eval(`signal.impact == "low"`, in)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEval_Errors(t *testing.T) {
	e, err := New("signal")
	require.NoError(t, err)

	assert.Error(t, e.Compile(`signal.impact ==`))
	assert.Error(t, e.Compile(`unknown_var == 1`))

	_, err = e.Eval(`signal.impact`, map[string]any{"signal": map[string]any{"impact": "high"}})
	assert.ErrorContains(t, err, "result not bool")

	_, err = e.Eval(`signal.missing == "x"`, map[string]any{"signal": map[string]any{}})
	assert.Error(t, err)
}
