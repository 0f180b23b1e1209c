package engine

import (
	"sort"

	"github.com/procflow/procflow/pkg/schema"
)

// Graph is the in-memory executable form of a process definition. Edges are
// indexed by source node; the edge set minus Loop back-edges must form a DAG
// rooted at the single start node.
type Graph struct {
	Nodes    map[string]*schema.ProcessNode
	Configs  map[string]any // node ID -> decoded config
	Outgoing map[string][]schema.ProcessEdge
	Incoming map[string][]schema.ProcessEdge
	StartID  string
	Sorted   []string // topological order over non-loop edges
}

// BuildGraph parses a definition into an executable graph. It checks the
// structural invariants the walker relies on: known node types, decodable
// configs, exactly one start, at least one end, edge endpoints that exist,
// and acyclicity once loop back-edges are removed.
func BuildGraph(def *schema.ProcessDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
			"process definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
			"process has no nodes")
	}

	g := &Graph{
		Nodes:    make(map[string]*schema.ProcessNode, len(def.Nodes)),
		Configs:  make(map[string]any, len(def.Nodes)),
		Outgoing: make(map[string][]schema.ProcessEdge, len(def.Nodes)),
		Incoming: make(map[string][]schema.ProcessEdge, len(def.Nodes)),
	}

	endCount := 0
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
				"node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
				"duplicate node ID: %s", node.ID)
		}
		if !schema.KnownNodeTypes[node.Type] {
			return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeUnknownNodeType,
				"node %s has unknown type %q", node.ID, node.Type).WithNode(node.ID)
		}

		cfg, err := schema.DecodeNodeConfig(node)
		if err != nil {
			return nil, err
		}
		g.Nodes[node.ID] = node
		g.Configs[node.ID] = cfg

		switch node.Type {
		case schema.NodeStart:
			if g.StartID != "" {
				return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
					"multiple start nodes: %s and %s", g.StartID, node.ID)
			}
			g.StartID = node.ID
		case schema.NodeEnd:
			endCount++
		}
	}

	if g.StartID == "" {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
			"process has no start node")
	}
	if endCount == 0 {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
			"process has no end node")
	}

	for _, edge := range def.Edges {
		if _, ok := g.Nodes[edge.From]; !ok {
			return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
				"edge references unknown node: %s", edge.From)
		}
		if _, ok := g.Nodes[edge.To]; !ok {
			return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
				"edge references unknown node: %s", edge.To)
		}
		g.Outgoing[edge.From] = append(g.Outgoing[edge.From], edge)
		g.Incoming[edge.To] = append(g.Incoming[edge.To], edge)
	}

	sorted, err := topoSort(g)
	if err != nil {
		return nil, err
	}
	g.Sorted = sorted

	return g, nil
}

// topoSort runs Kahn's algorithm over the edge set minus loop back-edges.
// A leftover node means a cycle that is not an explicit loop region.
func topoSort(g *Graph) ([]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = 0
	}
	for _, edges := range g.Outgoing {
		for _, e := range edges {
			if e.Loop {
				continue
			}
			inDegree[e.To]++
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		next := make([]string, 0)
		for _, e := range g.Outgoing[id] {
			if e.Loop {
				continue
			}
			inDegree[e.To]--
			if inDegree[e.To] == 0 {
				next = append(next, e.To)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(sorted) != len(g.Nodes) {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeCycleDetected,
			"process contains a cycle outside an explicit loop region")
	}
	return sorted, nil
}

// Node returns the node by ID, or nil.
func (g *Graph) Node(id string) *schema.ProcessNode { return g.Nodes[id] }

// Next returns the target of the single outgoing edge carrying the given tag.
// Loop back-edges are never followed by Next.
func (g *Graph) Next(from, tag string) (string, bool) {
	for _, e := range g.Outgoing[from] {
		if e.Loop {
			continue
		}
		if e.Tag == tag {
			return e.To, true
		}
	}
	return "", false
}

// BranchHeads returns the first node of every parallel branch, one per
// outgoing edge, in definition order.
func (g *Graph) BranchHeads(parallelID string) []string {
	heads := make([]string, 0, len(g.Outgoing[parallelID]))
	for _, e := range g.Outgoing[parallelID] {
		if e.Loop {
			continue
		}
		heads = append(heads, e.To)
	}
	return heads
}

// BodyEntry returns the first node of a loop body, reached through the
// "body"-tagged edge.
func (g *Graph) BodyEntry(loopID string) (string, bool) {
	return g.Next(loopID, schema.EdgeTagBody)
}

// LoopClosers returns the node IDs whose loop back-edge returns to the given
// loop node. The walker treats reaching one of these as end-of-iteration.
func (g *Graph) LoopClosers(loopID string) map[string]bool {
	closers := make(map[string]bool)
	for from, edges := range g.Outgoing {
		for _, e := range edges {
			if e.Loop && e.To == loopID {
				closers[from] = true
			}
		}
	}
	return closers
}
