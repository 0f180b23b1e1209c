package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessErrorFormat(t *testing.T) {
	err := NewError(CategoryData, ErrCodeTypeMismatch, "amount is not a number")
	assert.Equal(t, "[data/TYPE_MISMATCH] amount is not a number", err.Error())

	err = err.WithNode("calc_total")
	assert.Equal(t, "[data/TYPE_MISMATCH] node calc_total: amount is not a number", err.Error())
}

func TestProcessErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewError(CategoryInfrastructure, ErrCodeStore, "store unavailable").WithCause(cause)

	assert.True(t, errors.Is(err, cause))

	var pe *ProcessError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrCodeStore, pe.Code)
}

func TestProcessErrorRetryability(t *testing.T) {
	cases := []struct {
		category  ErrorCategory
		retryable bool
	}{
		{CategoryValidation, false},
		{CategoryData, false},
		{CategoryAuthorization, false},
		{CategoryInfrastructure, true},
		{CategoryTimeout, true},
		{CategoryBusiness, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.category), func(t *testing.T) {
			err := NewError(tc.category, ErrCodeExecution, "x")
			assert.Equal(t, tc.retryable, err.IsRetryable())
		})
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	terminal := []ExecutionStatus{
		ExecutionCompleted, ExecutionRejected, ExecutionFailed,
		ExecutionCancelled, ExecutionTimedOut,
	}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
	}

	live := []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionSuspended}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestDecodeNodeConfigCondition(t *testing.T) {
	node := &ProcessNode{
		ID:   "check_amount",
		Type: NodeCondition,
		Config: json.RawMessage(
			`{"left": "{{trigger.amount}}", "operator": "greater_than", "right": "1000"}`),
	}

	cfg, err := DecodeNodeConfig(node)
	require.NoError(t, err)

	cond, ok := cfg.(*ConditionConfig)
	require.True(t, ok)
	assert.Equal(t, OpGreaterThan, cond.Operator)
	assert.Equal(t, "{{trigger.amount}}", cond.Left)
}

func TestDecodeNodeConfigRejectsUnknownFields(t *testing.T) {
	node := &ProcessNode{
		ID:     "check",
		Type:   NodeCondition,
		Config: json.RawMessage(`{"left": "a", "operator": "equals", "rigth": "b"}`),
	}

	_, err := DecodeNodeConfig(node)
	require.Error(t, err)

	var pe *ProcessError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, CategoryValidation, pe.Category)
	assert.Equal(t, ErrCodeInvalidConfig, pe.Code)
	assert.Equal(t, "check", pe.NodeID)
}

func TestDecodeNodeConfigUnknownType(t *testing.T) {
	node := &ProcessNode{ID: "n1", Type: NodeType("teleport")}

	_, err := DecodeNodeConfig(node)
	require.Error(t, err)

	var pe *ProcessError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrCodeUnknownNodeType, pe.Code)
}

func TestDecodeNodeConfigStartHasNone(t *testing.T) {
	cfg, err := DecodeNodeConfig(&ProcessNode{ID: "start", Type: NodeStart})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestDecodeNodeConfigEndDefaultsEmpty(t *testing.T) {
	cfg, err := DecodeNodeConfig(&ProcessNode{ID: "end", Type: NodeEnd})
	require.NoError(t, err)

	end, ok := cfg.(*EndConfig)
	require.True(t, ok)
	assert.Empty(t, end.Outputs)
}

func TestDecodeNodeConfigMissingConfig(t *testing.T) {
	_, err := DecodeNodeConfig(&ProcessNode{ID: "a1", Type: NodeApproval})
	require.Error(t, err)
}

func TestValidationResultAggregation(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())

	r.AddWarning("nodes[2]", "UNUSED_OUTPUT", "output_var is never referenced")
	assert.True(t, r.Valid())

	r.AddError("edges[0]", "UNKNOWN_NODE", "edge references unknown node x")
	assert.False(t, r.Valid())

	err := r.ToError()
	require.Error(t, err)

	var pe *ProcessError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrCodeInvalidDefinition, pe.Code)
	assert.Equal(t, 1, pe.Details["error_count"])
}

func TestValidationResultMerge(t *testing.T) {
	a := &ValidationResult{}
	a.AddError("p1", "C1", "first")

	b := &ValidationResult{}
	b.AddError("p2", "C2", "second")
	b.AddWarning("p3", "C3", "third")

	a.Merge(b)
	a.Merge(nil)

	assert.Len(t, a.Errors, 2)
	assert.Len(t, a.Warnings, 1)
}

func TestDefinitionRoundTrip(t *testing.T) {
	def := ProcessDefinition{
		ID:      "expense-approval",
		Version: 3,
		Name:    "Expense approval",
		Trigger: ProcessTrigger{
			Mode: TriggerManual,
			Fields: []TriggerField{
				{Name: "amount", Type: "number", Required: true},
				{Name: "category", Type: "select", Options: []string{"travel", "equipment"}},
			},
		},
		Nodes: []ProcessNode{
			{ID: "start", Type: NodeStart},
			{ID: "approve", Type: NodeApproval, Config: json.RawMessage(`{"assignee":{"kind":"manager"}}`)},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []ProcessEdge{
			{From: "start", To: "approve"},
			{From: "approve", To: "end"},
		},
	}

	raw, err := json.Marshal(def)
	require.NoError(t, err)

	var back ProcessDefinition
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, def.ID, back.ID)
	assert.Len(t, back.Nodes, 3)
	assert.Equal(t, NodeApproval, back.Nodes[1].Type)
}
