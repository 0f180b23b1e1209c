package validation

import (
	"fmt"
	"sort"

	"github.com/procflow/procflow/pkg/schema"
)

// validateDAG performs graph analysis over the edge set minus loop back-edges:
// cycle detection (Kahn's algorithm) and dead-node reachability (BFS from the
// start node). Unreachable nodes are a warning; the walker can never visit
// them, so they are dead weight rather than a hazard.
func validateDAG(def *schema.ProcessDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	var startID string
	for _, n := range def.Nodes {
		nodeIDs[n.ID] = true
		if n.Type == schema.NodeStart {
			startID = n.ID
		}
	}

	forward := make(map[string][]string, len(def.Nodes))
	inDegree := make(map[string]int, len(def.Nodes))
	for id := range nodeIDs {
		inDegree[id] = 0
	}
	for _, e := range def.Edges {
		if e.Loop || !nodeIDs[e.From] || !nodeIDs[e.To] {
			continue // loop back-edges are exempt, bad refs already caught by semantic
		}
		forward[e.From] = append(forward[e.From], e.To)
		inDegree[e.To]++
	}

	// Kahn's algorithm for cycle detection.
	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		next := make([]string, 0)
		for _, to := range forward[id] {
			inDegree[to]--
			if inDegree[to] == 0 {
				next = append(next, to)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if processed != len(nodeIDs) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		result.AddError("edges", schema.ErrCodeCycleDetected,
			fmt.Sprintf("cycle detected outside an explicit loop region, involving: %v", stuck))
		return result
	}

	// Reachability from the start node. Loop back-edges do not extend reach;
	// a loop body is reachable through its body edge.
	if startID == "" {
		return result // no start node, reported by the semantic stage
	}
	reachable := map[string]bool{startID: true}
	bfs := []string{startID}
	for len(bfs) > 0 {
		id := bfs[0]
		bfs = bfs[1:]
		for _, to := range forward[id] {
			if !reachable[to] {
				reachable[to] = true
				bfs = append(bfs, to)
			}
		}
	}

	var dead []string
	for id := range nodeIDs {
		if !reachable[id] {
			dead = append(dead, id)
		}
	}
	sort.Strings(dead)
	for _, id := range dead {
		result.AddWarning("nodes", schema.ErrCodeInvalidDefinition,
			fmt.Sprintf("node %s is unreachable from the start node", id))
	}

	return result
}
