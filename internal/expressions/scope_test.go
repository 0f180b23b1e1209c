package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeBuilderOutputsImmutable(t *testing.T) {
	sb := NewScopeBuilder(map[string]any{"amount": 10.0}, nil)

	require.NoError(t, sb.SetOutput("lookup", map[string]any{"rate": 0.2}))
	err := sb.SetOutput("lookup", map[string]any{"rate": 0.5})
	require.Error(t, err)

	scope := sb.Build()
	assert.Equal(t, 0.2, scope.Steps["lookup"].(map[string]any)["rate"])
}

func TestScopeBuilderFreezesValues(t *testing.T) {
	payload := map[string]any{"total": 100.0}
	sb := NewScopeBuilder(nil, nil)
	require.NoError(t, sb.SetOutput("calc", payload))

	// Caller mutation after insert must not leak into the scope.
	payload["total"] = 999.0

	scope := sb.Build()
	assert.Equal(t, 100.0, scope.Steps["calc"].(map[string]any)["total"])
}

func TestScopeBuilderBuildIsolation(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	require.NoError(t, sb.SetOutput("a", []any{1.0, 2.0}))

	scope := sb.Build()
	scope.Steps["a"].([]any)[0] = 99.0

	fresh := sb.Build()
	assert.Equal(t, 1.0, fresh.Steps["a"].([]any)[0])
}

func TestScopeBuilderLoopVars(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	child := sb.WithLoopVars("receipt", map[string]any{"id": "r1"}, 3)

	scope := child.Build()
	require.NotNil(t, scope.Loop)
	assert.Equal(t, 3, scope.Loop.Index)
	assert.Equal(t, "receipt", scope.Loop.Var)

	// Parent stays loop-free.
	assert.Nil(t, sb.Build().Loop)

	// Body writes land in the shared step map.
	child.SetLoopOutput("body_out", "v1")
	assert.Equal(t, "v1", sb.Build().Steps["body_out"])
}

func TestScopeBuilderBranchIsolationAndMerge(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	require.NoError(t, sb.SetOutput("before", "x"))

	b1 := sb.ForBranch()
	b2 := sb.ForBranch()

	require.NoError(t, b1.SetOutput("branch1_out", 1.0))
	require.NoError(t, b2.SetOutput("branch2_out", 2.0))

	// Sibling writes are invisible to each other before the join.
	assert.NotContains(t, b2.Build().Steps, "branch1_out")
	assert.NotContains(t, b1.Build().Steps, "branch2_out")

	sb.MergeBranch(b1)
	sb.MergeBranch(b2)

	merged := sb.Build()
	assert.Equal(t, 1.0, merged.Steps["branch1_out"])
	assert.Equal(t, 2.0, merged.Steps["branch2_out"])
	assert.Equal(t, "x", merged.Steps["before"])
}

func TestScopeBuilderCheckpointRoundTrip(t *testing.T) {
	sb := NewScopeBuilder(map[string]any{"in": 1.0}, nil)
	require.NoError(t, sb.SetOutput("n1", map[string]any{"v": true}))

	saved := sb.Outputs()

	restored := NewScopeBuilder(map[string]any{"in": 1.0}, nil)
	restored.RestoreOutputs(saved)

	assert.Equal(t, sb.Build().Steps, restored.Build().Steps)
}
