package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/schema"
)

func node(id string, t schema.NodeType, cfg string) schema.ProcessNode {
	n := schema.ProcessNode{ID: id, Type: t}
	if cfg != "" {
		n.Config = json.RawMessage(cfg)
	}
	return n
}

func edge(from, to string) schema.ProcessEdge {
	return schema.ProcessEdge{From: from, To: to}
}

func linearDef() *schema.ProcessDefinition {
	return &schema.ProcessDefinition{
		ID: "linear",
		Nodes: []schema.ProcessNode{
			node("start", schema.NodeStart, ""),
			node("calc", schema.NodeCalculate, `{"operation":"sum","inputs":["1","2"]}`),
			node("end", schema.NodeEnd, ""),
		},
		Edges: []schema.ProcessEdge{
			edge("start", "calc"),
			edge("calc", "end"),
		},
	}
}

func TestBuildGraphLinear(t *testing.T) {
	g, err := BuildGraph(linearDef())
	require.NoError(t, err)

	assert.Equal(t, "start", g.StartID)
	assert.Equal(t, []string{"start", "calc", "end"}, g.Sorted)

	next, ok := g.Next("start", "")
	require.True(t, ok)
	assert.Equal(t, "calc", next)

	_, ok = g.Next("end", "")
	assert.False(t, ok)
}

func TestBuildGraphDecodesConfigs(t *testing.T) {
	g, err := BuildGraph(linearDef())
	require.NoError(t, err)

	cfg, ok := g.Configs["calc"].(*schema.CalculateConfig)
	require.True(t, ok)
	assert.Equal(t, schema.CalcSum, cfg.Operation)
}

func TestBuildGraphRejectsMissingStart(t *testing.T) {
	def := linearDef()
	def.Nodes = def.Nodes[1:]
	def.Edges = def.Edges[1:]

	_, err := BuildGraph(def)
	var pe *schema.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, pe.Code)
}

func TestBuildGraphRejectsMissingEnd(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID:    "no-end",
		Nodes: []schema.ProcessNode{node("start", schema.NodeStart, "")},
	}
	_, err := BuildGraph(def)
	var pe *schema.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, pe.Code)
}

func TestBuildGraphRejectsDuplicateIDs(t *testing.T) {
	def := linearDef()
	def.Nodes = append(def.Nodes, node("calc", schema.NodeCalculate, `{"operation":"sum","inputs":["1"]}`))

	_, err := BuildGraph(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node ID")
}

func TestBuildGraphRejectsUnknownEdgeEndpoint(t *testing.T) {
	def := linearDef()
	def.Edges = append(def.Edges, edge("calc", "ghost"))

	_, err := BuildGraph(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node")
}

func TestBuildGraphRejectsUnmarkedCycle(t *testing.T) {
	def := linearDef()
	def.Edges = append(def.Edges, edge("calc", "calc"))

	_, err := BuildGraph(def)
	var pe *schema.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeCycleDetected, pe.Code)
}

func TestBuildGraphAllowsLoopBackEdge(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "looped",
		Nodes: []schema.ProcessNode{
			node("start", schema.NodeStart, ""),
			node("each", schema.NodeLoop, `{"collection":"{{trigger.items}}"}`),
			node("work", schema.NodeCalculate, `{"operation":"length","inputs":["{{loop.item}}"]}`),
			node("end", schema.NodeEnd, ""),
		},
		Edges: []schema.ProcessEdge{
			edge("start", "each"),
			{From: "each", To: "work", Tag: schema.EdgeTagBody},
			{From: "work", To: "each", Loop: true},
			edge("each", "end"),
		},
	}

	g, err := BuildGraph(def)
	require.NoError(t, err)

	body, ok := g.BodyEntry("each")
	require.True(t, ok)
	assert.Equal(t, "work", body)

	closers := g.LoopClosers("each")
	assert.True(t, closers["work"])

	// The untagged edge is the exit; Next never follows the back-edge.
	next, ok := g.Next("each", "")
	require.True(t, ok)
	assert.Equal(t, "end", next)
	next, ok = g.Next("work", "")
	assert.False(t, ok)
	assert.Empty(t, next)
}

func TestBranchHeadsInDefinitionOrder(t *testing.T) {
	def := &schema.ProcessDefinition{
		ID: "fanout",
		Nodes: []schema.ProcessNode{
			node("start", schema.NodeStart, ""),
			node("fan", schema.NodeParallel, `{"join_node":"end"}`),
			node("b1", schema.NodeCalculate, `{"operation":"sum","inputs":["1"]}`),
			node("b2", schema.NodeCalculate, `{"operation":"sum","inputs":["2"]}`),
			node("end", schema.NodeEnd, ""),
		},
		Edges: []schema.ProcessEdge{
			edge("start", "fan"),
			edge("fan", "b1"),
			edge("fan", "b2"),
			edge("b1", "end"),
			edge("b2", "end"),
		},
	}

	g, err := BuildGraph(def)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, g.BranchHeads("fan"))
}

func TestBuildGraphRejectsUnknownType(t *testing.T) {
	def := linearDef()
	def.Nodes[1].Type = "teleport"

	_, err := BuildGraph(def)
	var pe *schema.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeUnknownNodeType, pe.Code)
}
