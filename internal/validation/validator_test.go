package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/schema"
)

func newValidator(t *testing.T) *ProcessValidator {
	t.Helper()
	v, err := NewProcessValidator()
	require.NoError(t, err)
	return v
}

func vnode(id string, typ schema.NodeType, cfg string) schema.ProcessNode {
	n := schema.ProcessNode{ID: id, Type: typ}
	if cfg != "" {
		n.Config = json.RawMessage(cfg)
	}
	return n
}

func vedge(from, to string) schema.ProcessEdge {
	return schema.ProcessEdge{From: from, To: to}
}

// minimalDef is start -> notify -> end, valid under every stage.
func minimalDef() *schema.ProcessDefinition {
	return &schema.ProcessDefinition{
		ID:      "proc-minimal",
		Version: 1,
		Nodes: []schema.ProcessNode{
			vnode("start", schema.NodeStart, ""),
			vnode("notify", schema.NodeNotification,
				`{"recipient":{"kind":"static","users":["ops"]},"body":"done"}`),
			vnode("end", schema.NodeEnd, `{"outputs":{}}`),
		},
		Edges: []schema.ProcessEdge{
			vedge("start", "notify"),
			vedge("notify", "end"),
		},
	}
}

func errorCodes(r *schema.ValidationResult) []string {
	codes := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		codes = append(codes, e.Code)
	}
	return codes
}

func TestValidateAcceptsMinimalProcess(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(minimalDef())
	assert.True(t, result.Valid(), "unexpected errors: %v", result.Errors)
	assert.NoError(t, v.ValidateDefinition(minimalDef()))
}

func TestStructuralRejectsEmptyID(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.ID = ""

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, errorCodes(result), schema.ErrCodeInvalidDefinition)
}

func TestStructuralRejectsUnknownNodeType(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.Nodes = append(def.Nodes, vnode("weird", "teleport", `{}`))

	result := v.Validate(def)
	require.False(t, result.Valid())
}

func TestStructuralRejectsBadDurationFormat(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.Settings.MaxDuration = "5 parsecs"

	result := v.Validate(def)
	require.False(t, result.Valid())
}

func TestStructuralShortCircuitsSemanticStage(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.ID = ""
	// Also break a semantic rule; only the structural error should surface.
	def.Edges = def.Edges[:1]

	result := v.Validate(def)
	require.False(t, result.Valid())
	for _, issue := range result.Errors {
		assert.NotContains(t, issue.Message, "end node")
	}
}

func TestSemanticConditionNeedsBothBranches(t *testing.T) {
	v := newValidator(t)
	def := &schema.ProcessDefinition{
		ID: "proc-cond",
		Nodes: []schema.ProcessNode{
			vnode("start", schema.NodeStart, ""),
			vnode("check", schema.NodeCondition, `{"left":"{{trigger.x}}","operator":"equals","right":"1"}`),
			vnode("end", schema.NodeEnd, ""),
		},
		Edges: []schema.ProcessEdge{
			vedge("start", "check"),
			{From: "check", To: "end", Tag: "yes"},
		},
	}

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "yes and one no")
}

func TestSemanticConditionRequiresRightOperand(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.Nodes[1] = vnode("notify", schema.NodeCondition, `{"left":"{{trigger.x}}","operator":"greater_than"}`)
	def.Edges = []schema.ProcessEdge{
		vedge("start", "notify"),
		{From: "notify", To: "end", Tag: "yes"},
		{From: "notify", To: "end", Tag: "no"},
	}

	result := v.Validate(def)
	require.False(t, result.Valid())
	found := false
	for _, e := range result.Errors {
		if e.Code == schema.ErrCodeInvalidConfig {
			found = true
			assert.Contains(t, e.Message, "right operand")
		}
	}
	assert.True(t, found)
}

func TestSemanticConfigTagsEnforced(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	// calculate with no inputs violates the min=1 tag
	def.Nodes[1] = vnode("notify", schema.NodeCalculate, `{"operation":"sum","inputs":[]}`)

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, errorCodes(result), schema.ErrCodeInvalidConfig)
}

func TestSemanticRejectsUnknownConfigField(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.Nodes[1] = vnode("notify", schema.NodeDelay, `{"duration":"1h","snooze":true}`)

	result := v.Validate(def)
	require.False(t, result.Valid())
}

func TestSemanticRejectsBadJQQuery(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.Nodes[1] = vnode("notify", schema.NodeDocExtract, `{"source":"{{trigger.doc}}","query":".[ broken"}`)

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "jq")
}

func TestSemanticLoopNeedsBackEdge(t *testing.T) {
	v := newValidator(t)
	def := &schema.ProcessDefinition{
		ID: "proc-loop",
		Nodes: []schema.ProcessNode{
			vnode("start", schema.NodeStart, ""),
			vnode("each", schema.NodeLoop, `{"collection":"{{trigger.items}}"}`),
			vnode("step", schema.NodeCalculate, `{"operation":"length","inputs":["{{loop.item}}"]}`),
			vnode("end", schema.NodeEnd, ""),
		},
		Edges: []schema.ProcessEdge{
			vedge("start", "each"),
			{From: "each", To: "step", Tag: "body"},
			vedge("each", "end"),
			// missing: step -> each back-edge
		},
	}

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "back-edge")
}

func TestSemanticLoopValidWiringPasses(t *testing.T) {
	v := newValidator(t)
	def := &schema.ProcessDefinition{
		ID: "proc-loop",
		Nodes: []schema.ProcessNode{
			vnode("start", schema.NodeStart, ""),
			vnode("each", schema.NodeLoop, `{"collection":"{{trigger.items}}","max_iterations":10}`),
			vnode("step", schema.NodeCalculate, `{"operation":"length","inputs":["{{loop.item}}"]}`),
			vnode("end", schema.NodeEnd, ""),
		},
		Edges: []schema.ProcessEdge{
			vedge("start", "each"),
			{From: "each", To: "step", Tag: "body"},
			{From: "step", To: "each", Loop: true},
			vedge("each", "end"),
		},
	}

	result := v.Validate(def)
	assert.True(t, result.Valid(), "unexpected errors: %v", result.Errors)
}

func TestSemanticParallelUnknownJoinNode(t *testing.T) {
	v := newValidator(t)
	def := &schema.ProcessDefinition{
		ID: "proc-par",
		Nodes: []schema.ProcessNode{
			vnode("start", schema.NodeStart, ""),
			vnode("fan", schema.NodeParallel, `{"join":"wait_all","join_node":"missing"}`),
			vnode("a", schema.NodeCalculate, `{"operation":"length","inputs":["x"]}`),
			vnode("b", schema.NodeCalculate, `{"operation":"length","inputs":["y"]}`),
			vnode("end", schema.NodeEnd, ""),
		},
		Edges: []schema.ProcessEdge{
			vedge("start", "fan"),
			vedge("fan", "a"),
			vedge("fan", "b"),
			vedge("a", "end"),
			vedge("b", "end"),
		},
	}

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "unknown node")
}

func TestSemanticRejectsApprovalInsideParallel(t *testing.T) {
	v := newValidator(t)
	def := &schema.ProcessDefinition{
		ID: "proc-par",
		Nodes: []schema.ProcessNode{
			vnode("start", schema.NodeStart, ""),
			vnode("fan", schema.NodeParallel, `{"join":"wait_all","join_node":"join"}`),
			vnode("ask", schema.NodeApproval, `{"assignee":{"kind":"static","users":["mgr"]}}`),
			vnode("calc", schema.NodeCalculate, `{"operation":"length","inputs":["x"]}`),
			vnode("join", schema.NodeCalculate, `{"operation":"concat","inputs":["a","b"]}`),
			vnode("end", schema.NodeEnd, ""),
		},
		Edges: []schema.ProcessEdge{
			vedge("start", "fan"),
			vedge("fan", "ask"),
			vedge("fan", "calc"),
			vedge("ask", "join"),
			vedge("calc", "join"),
			vedge("join", "end"),
		},
	}

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "top-level flow")
}

func TestSemanticRejectsNestedRegions(t *testing.T) {
	v := newValidator(t)
	def := &schema.ProcessDefinition{
		ID: "proc-nest",
		Nodes: []schema.ProcessNode{
			vnode("start", schema.NodeStart, ""),
			vnode("each", schema.NodeLoop, `{"collection":"{{trigger.items}}"}`),
			vnode("fan", schema.NodeParallel, `{"join":"wait_all","join_node":"closer"}`),
			vnode("a", schema.NodeCalculate, `{"operation":"length","inputs":["x"]}`),
			vnode("b", schema.NodeCalculate, `{"operation":"length","inputs":["y"]}`),
			vnode("closer", schema.NodeCalculate, `{"operation":"concat","inputs":["a","b"]}`),
			vnode("end", schema.NodeEnd, ""),
		},
		Edges: []schema.ProcessEdge{
			vedge("start", "each"),
			{From: "each", To: "fan", Tag: "body"},
			vedge("fan", "a"),
			vedge("fan", "b"),
			vedge("a", "closer"),
			vedge("b", "closer"),
			{From: "closer", To: "each", Loop: true},
			vedge("each", "end"),
		},
	}

	result := v.Validate(def)
	require.False(t, result.Valid())
	found := false
	for _, e := range result.Errors {
		if strings.Contains(e.Message, "regions do not nest") {
			found = true
		}
	}
	assert.True(t, found, "expected a nesting error, got: %v", result.Errors)
}

func TestSemanticScheduledTriggerRequiresCron(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.Trigger = schema.ProcessTrigger{Mode: schema.TriggerScheduled}

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "cron")
}

func TestSemanticScheduledTriggerRejectsBadCron(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.Trigger = schema.ProcessTrigger{Mode: schema.TriggerScheduled, Cron: "every other tuesday"}

	result := v.Validate(def)
	require.False(t, result.Valid())
}

func TestSemanticScheduledTriggerRejectsFields(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.Trigger = schema.ProcessTrigger{
		Mode: schema.TriggerScheduled,
		Cron: "0 9 * * 1",
		Fields: []schema.TriggerField{
			{Name: "amount", Type: "number"},
		},
	}

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "input fields")
}

func TestSemanticHighRetryCountWarns(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.Nodes[1].Retry = &schema.RetryPolicy{Max: 10, Backoff: "exponential", Delay: "1s"}

	result := v.Validate(def)
	assert.True(t, result.Valid())
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0].Message, "retries 10 times")
}

func TestDAGCycleDetected(t *testing.T) {
	v := newValidator(t)
	def := &schema.ProcessDefinition{
		ID: "proc-cycle",
		Nodes: []schema.ProcessNode{
			vnode("start", schema.NodeStart, ""),
			vnode("a", schema.NodeCalculate, `{"operation":"length","inputs":["x"]}`),
			vnode("b", schema.NodeCalculate, `{"operation":"length","inputs":["y"]}`),
			vnode("end", schema.NodeEnd, ""),
		},
		Edges: []schema.ProcessEdge{
			vedge("start", "a"),
			vedge("a", "b"),
			vedge("b", "a"),
		},
	}

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, errorCodes(result), schema.ErrCodeCycleDetected)
}

func TestDAGUnreachableNodeWarns(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.Nodes = append(def.Nodes,
		vnode("orphan", schema.NodeCalculate, `{"operation":"length","inputs":["x"]}`))

	result := v.Validate(def)
	assert.True(t, result.Valid())
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0].Message, "unreachable")
}

// --- template references ---

// chainDef is start -> score -> check -> (yes|no ends); the condition
// reads the calculate node's output.
func chainDef(left string) *schema.ProcessDefinition {
	return &schema.ProcessDefinition{
		ID: "proc-refs",
		Trigger: schema.ProcessTrigger{
			Mode: schema.TriggerManual,
			Fields: []schema.TriggerField{
				{Name: "amount", Type: "number", Required: true},
			},
		},
		Nodes: []schema.ProcessNode{
			vnode("start", schema.NodeStart, ""),
			{ID: "score", Type: schema.NodeCalculate, OutputVar: "score",
				Config: json.RawMessage(`{"operation":"sum","inputs":["{{trigger.amount}}"]}`)},
			vnode("check", schema.NodeCondition,
				`{"left":"`+left+`","operator":"greater_than","right":"100"}`),
			vnode("end_hi", schema.NodeEnd, ""),
			vnode("end_lo", schema.NodeEnd, ""),
		},
		Edges: []schema.ProcessEdge{
			vedge("start", "score"),
			vedge("score", "check"),
			{From: "check", To: "end_hi", Tag: "yes"},
			{From: "check", To: "end_lo", Tag: "no"},
		},
	}
}

func TestTemplateRefToUpstreamOutputPasses(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(chainDef("{{steps.score}}"))
	assert.True(t, result.Valid(), "unexpected errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestTemplateRefToUndeclaredOutputErrors(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(chainDef("{{steps.nonexistent}}"))
	require.False(t, result.Valid())
	assert.Contains(t, errorCodes(result), schema.ErrCodeUnresolvedRef)
	assert.Contains(t, result.Errors[0].Message, `no node produces output "nonexistent"`)
}

func TestTemplateRefToDownstreamOutputWarns(t *testing.T) {
	v := newValidator(t)
	def := chainDef("{{steps.score}}")
	// Move the producer behind the condition: the key exists but can
	// never be written before check reads it.
	def.Edges = []schema.ProcessEdge{
		vedge("start", "check"),
		{From: "check", To: "score", Tag: "yes"},
		{From: "check", To: "end_lo", Tag: "no"},
		vedge("score", "end_hi"),
	}

	result := v.Validate(def)
	assert.True(t, result.Valid(), "unexpected errors: %v", result.Errors)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0].Message, "not upstream")
}

func TestTemplateRefUnknownTriggerFieldWarns(t *testing.T) {
	v := newValidator(t)
	def := chainDef("{{trigger.total}}")

	result := v.Validate(def)
	assert.True(t, result.Valid(), "unexpected errors: %v", result.Errors)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0].Message, `no field or variable "total"`)
}

func TestTemplateRefDeclaredVariablePasses(t *testing.T) {
	v := newValidator(t)
	def := chainDef("{{trigger.total}}")
	def.Variables = []schema.ProcessVariable{{Name: "total", Type: "number", Default: 0.0}}

	result := v.Validate(def)
	assert.True(t, result.Valid(), "unexpected errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestTemplateRefUnknownNamespaceErrors(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(chainDef("{{payload.amount}}"))
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "unknown namespace")
}

func TestTemplateRefUnknownFunctionErrors(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(chainDef("{{teleport(1)}}"))
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "unknown function")
}

func TestTemplateRefInFunctionArgsChecked(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(chainDef("{{sum(steps.missing, 10)}}"))
	require.False(t, result.Valid())
	assert.Contains(t, errorCodes(result), schema.ErrCodeUnresolvedRef)
}

func TestTemplateRefLoopVarOutsideBodyWarns(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.Nodes[1] = vnode("notify", schema.NodeNotification,
		`{"recipient":{"kind":"static","users":["ops"]},"body":"item {{loop.item}}"}`)

	result := v.Validate(def)
	assert.True(t, result.Valid(), "unexpected errors: %v", result.Errors)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0].Message, "outside a loop body")
}

func TestTemplateRefInsideLoopBodyPasses(t *testing.T) {
	v := newValidator(t)
	def := &schema.ProcessDefinition{
		ID: "proc-loop-refs",
		Nodes: []schema.ProcessNode{
			vnode("start", schema.NodeStart, ""),
			vnode("each", schema.NodeLoop, `{"collection":"{{trigger.items}}"}`),
			vnode("step", schema.NodeCalculate, `{"operation":"length","inputs":["{{loop.item}}"]}`),
			vnode("end", schema.NodeEnd, ""),
		},
		Edges: []schema.ProcessEdge{
			vedge("start", "each"),
			{From: "each", To: "step", Tag: "body"},
			{From: "step", To: "each", Loop: true},
			vedge("each", "end"),
		},
	}

	result := v.Validate(def)
	assert.True(t, result.Valid(), "unexpected errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestTemplateRefUnclosedTokenErrors(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.Nodes[1] = vnode("notify", schema.NodeNotification,
		`{"recipient":{"kind":"static","users":["ops"]},"body":"hello {{trigger.name"}`)

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "unclosed")
}

func TestValidateInputAgainstSchema(t *testing.T) {
	v := newValidator(t)
	inputSchema := []byte(`{
		"type": "object",
		"required": ["amount"],
		"properties": { "amount": { "type": "number", "minimum": 0 } }
	}`)

	assert.NoError(t, v.ValidateInput(map[string]any{"amount": 42.5}, inputSchema))

	err := v.ValidateInput(map[string]any{}, inputSchema)
	var pe *schema.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.CategoryValidation, pe.Category)
	assert.Equal(t, schema.ErrCodeInvalidConfig, pe.Code)
}

func TestValidateInputNilSchemaIsNoop(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateInput(map[string]any{"anything": true}, nil))
}

func TestValidateInputCachesCompiledSchemas(t *testing.T) {
	v := newValidator(t)
	inputSchema := []byte(`{"type": "object"}`)

	require.NoError(t, v.ValidateInput(map[string]any{}, inputSchema))
	require.NoError(t, v.ValidateInput(map[string]any{}, inputSchema))
	assert.Len(t, v.structural.cache, 1)
}

func TestValidationResultToErrorAggregates(t *testing.T) {
	v := newValidator(t)
	def := minimalDef()
	def.Nodes[1] = vnode("notify", schema.NodeNotification, `{"recipient":{"kind":"static","users":["ops"]}}`)
	def.Nodes[1].Timeout = "soon"

	err := v.ValidateDefinition(def)
	var pe *schema.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.CategoryValidation, pe.Category)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, pe.Code)
}
