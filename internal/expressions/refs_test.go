package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractRefsPathsAndText(t *testing.T) {
	refs, err := ExtractRefs("Expense of {{trigger.amount}} scored {{steps.score.value}}")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, Ref{Namespace: "trigger", Path: "amount"}, refs[0])
	assert.Equal(t, Ref{Namespace: "steps", Path: "score.value"}, refs[1])
	assert.Equal(t, "score", refs[1].Key())
}

func TestExtractRefsDescendsIntoFunctionArgs(t *testing.T) {
	refs, err := ExtractRefs("{{round(sum(steps.totals.values, trigger.base), 2)}}")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "steps", refs[0].Namespace)
	assert.Equal(t, "trigger", refs[1].Namespace)
}

func TestExtractRefsSkipsLiteralArgs(t *testing.T) {
	refs, err := ExtractRefs("{{concat('fixed', \"text\", 42, true)}}")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestExtractRefsPlainTextHasNoRefs(t *testing.T) {
	refs, err := ExtractRefs("no templates here")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestExtractRefsRejectsWhatResolveRejects(t *testing.T) {
	_, err := ExtractRefs("hello {{trigger.amount")
	assert.Error(t, err)

	_, err = ExtractRefs("{{ }}")
	assert.Error(t, err)

	_, err = ExtractRefs("{{secrets.key}}")
	assert.Error(t, err)

	_, err = ExtractRefs("{{teleport(trigger.amount)}}")
	assert.Error(t, err)
}
