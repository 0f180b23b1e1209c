package validation

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/procflow/procflow/internal/executors"
	"github.com/procflow/procflow/pkg/schema"
)

// highRetryThreshold triggers a warning; retries this aggressive usually mean
// the failure mode belongs in the process design, not the retry policy.
const highRetryThreshold = 5

// SemanticValidator checks rules that JSON Schema cannot express: graph
// shape, edge tagging, region nesting, config field cross-dependencies,
// and compile-time checks on embedded programs (jq queries, cron specs).
type SemanticValidator struct {
	validate *validator.Validate
	cronSpec cron.Parser
}

// NewSemanticValidator builds a validator with the catalog struct tags.
func NewSemanticValidator() *SemanticValidator {
	return &SemanticValidator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cronSpec: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// ValidateSemantics assumes the definition already passed structural
// validation; it tolerates but does not re-report envelope problems.
func (v *SemanticValidator) ValidateSemantics(def *schema.ProcessDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("", schema.ErrCodeInvalidDefinition, "process definition is nil")
		return result
	}

	nodes := make(map[string]*schema.ProcessNode, len(def.Nodes))
	configs := make(map[string]any, len(def.Nodes))
	outgoing := make(map[string][]schema.ProcessEdge)
	incoming := make(map[string][]schema.ProcessEdge)

	v.checkNodes(def, nodes, configs, result)
	v.checkEdges(def, nodes, outgoing, incoming, result)
	if !result.Valid() {
		// Edge wiring checks below assume resolvable endpoints.
		return result
	}

	v.checkStartAndEnd(def, nodes, incoming, outgoing, result)
	v.checkBranching(nodes, configs, outgoing, result)
	v.checkRegions(def, nodes, configs, outgoing, result)
	v.checkTrigger(def, result)
	v.checkTemplates(def, configs, outgoing, result)

	return result
}

func (v *SemanticValidator) checkNodes(def *schema.ProcessDefinition, nodes map[string]*schema.ProcessNode, configs map[string]any, result *schema.ValidationResult) {
	for i := range def.Nodes {
		node := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		if _, dup := nodes[node.ID]; dup {
			result.AddError(path, schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("duplicate node ID %q", node.ID))
			continue
		}
		nodes[node.ID] = node

		if !schema.KnownNodeTypes[node.Type] {
			result.AddError(path, schema.ErrCodeUnknownNodeType,
				fmt.Sprintf("node %s has unknown type %q", node.ID, node.Type))
			continue
		}

		cfg, err := schema.DecodeNodeConfig(node)
		if err != nil {
			result.AddError(path+".config", schema.ErrCodeInvalidConfig, err.Error())
			continue
		}
		configs[node.ID] = cfg

		if cfg != nil {
			if err := v.validate.Struct(cfg); err != nil {
				for _, fe := range flattenFieldErrors(err) {
					result.AddError(path+".config", schema.ErrCodeInvalidConfig,
						fmt.Sprintf("node %s: %s", node.ID, fe))
				}
			}
		}

		v.checkNodeExtras(node, cfg, path, result)

		if node.Retry != nil && node.Retry.Max > highRetryThreshold {
			result.AddWarning(path+".retry", schema.ErrCodeInvalidConfig,
				fmt.Sprintf("node %s retries %d times; consider an explicit failure path", node.ID, node.Retry.Max))
		}
		if node.Retry != nil && node.Retry.Delay != "" {
			if _, err := executors.ParseDuration(node.Retry.Delay); err != nil {
				result.AddError(path+".retry.delay", schema.ErrCodeInvalidConfig,
					fmt.Sprintf("node %s: invalid retry delay %q", node.ID, node.Retry.Delay))
			}
		}
		if node.Timeout != "" {
			if _, err := executors.ParseDuration(node.Timeout); err != nil {
				result.AddError(path+".timeout", schema.ErrCodeInvalidConfig,
					fmt.Sprintf("node %s: invalid timeout %q", node.ID, node.Timeout))
			}
		}
	}
}

// checkNodeExtras covers per-type constraints the struct tags cannot carry.
func (v *SemanticValidator) checkNodeExtras(node *schema.ProcessNode, cfg any, path string, result *schema.ValidationResult) {
	switch c := cfg.(type) {
	case *schema.ConditionConfig:
		if c.Operator != schema.OpIsEmpty && c.Right == "" {
			result.AddError(path+".config.right", schema.ErrCodeInvalidConfig,
				fmt.Sprintf("node %s: operator %q requires a right operand", node.ID, c.Operator))
		}
	case *schema.DocExtractConfig:
		if c.Query != "" {
			if err := executors.CompileQuery(c.Query); err != nil {
				result.AddError(path+".config.query", schema.ErrCodeInvalidConfig,
					fmt.Sprintf("node %s: invalid jq query: %s", node.ID, err.Error()))
			}
		}
	case *schema.ApprovalConfig:
		if c.Deadline != "" {
			if _, err := executors.ParseDuration(c.Deadline); err != nil {
				result.AddError(path+".config.deadline", schema.ErrCodeInvalidConfig,
					fmt.Sprintf("node %s: invalid deadline %q", node.ID, c.Deadline))
			}
		}
		if c.TimeoutFallback != "" && c.Deadline == "" {
			result.AddWarning(path+".config.timeout_fallback", schema.ErrCodeInvalidConfig,
				fmt.Sprintf("node %s: timeout_fallback has no effect without a deadline", node.ID))
		}
	case *schema.FormConfig:
		if c.Deadline != "" {
			if _, err := executors.ParseDuration(c.Deadline); err != nil {
				result.AddError(path+".config.deadline", schema.ErrCodeInvalidConfig,
					fmt.Sprintf("node %s: invalid deadline %q", node.ID, c.Deadline))
			}
		}
	case *schema.DelayConfig:
		if c.Duration != "" {
			if _, err := executors.ParseDuration(c.Duration); err != nil {
				result.AddError(path+".config.duration", schema.ErrCodeInvalidConfig,
					fmt.Sprintf("node %s: invalid duration %q", node.ID, c.Duration))
			}
		}
	}
}

func (v *SemanticValidator) checkEdges(def *schema.ProcessDefinition, nodes map[string]*schema.ProcessNode, outgoing, incoming map[string][]schema.ProcessEdge, result *schema.ValidationResult) {
	for i, edge := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if _, ok := nodes[edge.From]; !ok {
			result.AddError(path+".from", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("edge references unknown node %q", edge.From))
			continue
		}
		if _, ok := nodes[edge.To]; !ok {
			result.AddError(path+".to", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("edge references unknown node %q", edge.To))
			continue
		}
		if edge.Loop {
			if to := nodes[edge.To]; to.Type != schema.NodeLoop {
				result.AddError(path, schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("loop back-edge must target a loop node, %q is %s", edge.To, to.Type))
			}
		}
		outgoing[edge.From] = append(outgoing[edge.From], edge)
		incoming[edge.To] = append(incoming[edge.To], edge)
	}
}

func (v *SemanticValidator) checkStartAndEnd(def *schema.ProcessDefinition, nodes map[string]*schema.ProcessNode, incoming, outgoing map[string][]schema.ProcessEdge, result *schema.ValidationResult) {
	var starts, ends []string
	for _, node := range def.Nodes {
		switch node.Type {
		case schema.NodeStart:
			starts = append(starts, node.ID)
		case schema.NodeEnd:
			ends = append(ends, node.ID)
		}
	}

	switch len(starts) {
	case 0:
		result.AddError("nodes", schema.ErrCodeInvalidDefinition, "process has no start node")
	case 1:
		if len(incoming[starts[0]]) > 0 {
			result.AddError("edges", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("start node %s must have no incoming edges", starts[0]))
		}
		if len(outgoing[starts[0]]) == 0 {
			result.AddError("edges", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("start node %s has no outgoing edge", starts[0]))
		}
	default:
		result.AddError("nodes", schema.ErrCodeInvalidDefinition,
			fmt.Sprintf("process has %d start nodes, expected exactly one", len(starts)))
	}

	if len(ends) == 0 {
		result.AddError("nodes", schema.ErrCodeInvalidDefinition, "process has no end node")
	}
	for _, id := range ends {
		for _, e := range outgoing[id] {
			if !e.Loop {
				result.AddError("edges", schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("end node %s must have no outgoing edges", id))
				break
			}
		}
	}
}

// checkBranching validates edge tags against node types: condition nodes need
// exactly a yes and a no edge, loop nodes need a body edge, a closing
// back-edge, and an untagged exit, other nodes must not carry branch tags.
func (v *SemanticValidator) checkBranching(nodes map[string]*schema.ProcessNode, configs map[string]any, outgoing map[string][]schema.ProcessEdge, result *schema.ValidationResult) {
	backEdges := make(map[string]int) // loop node ID -> closing edges
	for _, edges := range outgoing {
		for _, e := range edges {
			if e.Loop {
				backEdges[e.To]++
			}
		}
	}

	for _, node := range nodes {
		tags := make(map[string]int)
		untagged := 0
		for _, e := range outgoing[node.ID] {
			if e.Loop {
				continue
			}
			if e.Tag == "" {
				untagged++
			} else {
				tags[e.Tag]++
			}
		}

		switch node.Type {
		case schema.NodeCondition:
			if tags[schema.EdgeTagYes] != 1 || tags[schema.EdgeTagNo] != 1 {
				result.AddError("edges", schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("condition node %s needs exactly one yes and one no edge", node.ID))
			}
		case schema.NodeLoop:
			if tags[schema.EdgeTagBody] != 1 {
				result.AddError("edges", schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("loop node %s needs exactly one body edge", node.ID))
			}
			if untagged != 1 {
				result.AddError("edges", schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("loop node %s needs exactly one untagged exit edge", node.ID))
			}
			if backEdges[node.ID] == 0 {
				result.AddError("edges", schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("loop node %s has no closing back-edge", node.ID))
			}
		case schema.NodeParallel:
			if len(outgoing[node.ID]) < 2 {
				result.AddError("edges", schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("parallel node %s needs at least two branches", node.ID))
			}
			if cfg, ok := configs[node.ID].(*schema.ParallelConfig); ok && cfg.JoinNode != "" {
				if _, exists := nodes[cfg.JoinNode]; !exists {
					result.AddError("nodes", schema.ErrCodeInvalidDefinition,
						fmt.Sprintf("parallel node %s joins at unknown node %q", node.ID, cfg.JoinNode))
				}
			}
		case schema.NodeEnd:
			// outgoing edges checked in checkStartAndEnd
		default:
			if len(tags) > 0 {
				result.AddError("edges", schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("%s node %s must not have tagged edges", node.Type, node.ID))
			}
			if untagged > 1 {
				result.AddError("edges", schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("node %s has %d untagged outgoing edges, expected at most one", node.ID, untagged))
			}
		}
	}
}

// checkRegions computes parallel-branch and loop-body membership and enforces
// the placement rules: suspending nodes only in the top-level flow, no region
// inside another region.
func (v *SemanticValidator) checkRegions(def *schema.ProcessDefinition, nodes map[string]*schema.ProcessNode, configs map[string]any, outgoing map[string][]schema.ProcessEdge, result *schema.ValidationResult) {
	for _, node := range def.Nodes {
		switch node.Type {
		case schema.NodeParallel:
			cfg, ok := configs[node.ID].(*schema.ParallelConfig)
			if !ok || cfg.JoinNode == "" {
				continue
			}
			members := collectRegion(outgoing, branchHeads(outgoing[node.ID]), func(id string) bool {
				return id == cfg.JoinNode
			})
			v.checkRegionMembers(node.ID, "parallel branches", members, nodes, result)
		case schema.NodeLoop:
			var entry string
			for _, e := range outgoing[node.ID] {
				if !e.Loop && e.Tag == schema.EdgeTagBody {
					entry = e.To
				}
			}
			if entry == "" {
				continue
			}
			closers := make(map[string]bool)
			for from, edges := range outgoing {
				for _, e := range edges {
					if e.Loop && e.To == node.ID {
						closers[from] = true
					}
				}
			}
			members := collectRegionThrough(outgoing, []string{entry}, closers)
			v.checkRegionMembers(node.ID, "loop body", members, nodes, result)
		}
	}
}

func (v *SemanticValidator) checkRegionMembers(regionID, kind string, members []string, nodes map[string]*schema.ProcessNode, result *schema.ValidationResult) {
	for _, id := range members {
		member, ok := nodes[id]
		if !ok {
			continue
		}
		switch member.Type {
		case schema.NodeApproval, schema.NodeForm, schema.NodeDelay:
			result.AddError("nodes", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("%s node %s cannot appear in the %s of %s; waits are only allowed in the top-level flow",
					member.Type, id, kind, regionID))
		case schema.NodeParallel, schema.NodeLoop:
			result.AddError("nodes", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("%s node %s cannot appear in the %s of %s; regions do not nest",
					member.Type, id, kind, regionID))
		case schema.NodeStart, schema.NodeEnd:
			result.AddError("nodes", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("%s node %s cannot appear in the %s of %s",
					member.Type, id, kind, regionID))
		}
	}
}

func (v *SemanticValidator) checkTrigger(def *schema.ProcessDefinition, result *schema.ValidationResult) {
	switch def.Trigger.Mode {
	case schema.TriggerScheduled:
		if def.Trigger.Cron == "" {
			result.AddError("trigger.cron", schema.ErrCodeInvalidDefinition,
				"scheduled trigger requires a cron expression")
		} else if _, err := v.cronSpec.Parse(def.Trigger.Cron); err != nil {
			result.AddError("trigger.cron", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("invalid cron expression %q: %s", def.Trigger.Cron, err.Error()))
		}
		if len(def.Trigger.Fields) > 0 {
			result.AddError("trigger.fields", schema.ErrCodeInvalidDefinition,
				"scheduled triggers cannot declare input fields")
		}
	case schema.TriggerManual, schema.TriggerEvent, "":
		if def.Trigger.Cron != "" {
			result.AddWarning("trigger.cron", schema.ErrCodeInvalidDefinition,
				"cron expression is ignored outside scheduled mode")
		}
		for i, field := range def.Trigger.Fields {
			if err := v.validate.Struct(field); err != nil {
				for _, fe := range flattenFieldErrors(err) {
					result.AddError(fmt.Sprintf("trigger.fields[%d]", i), schema.ErrCodeInvalidConfig, fe)
				}
			}
		}
	default:
		result.AddError("trigger.mode", schema.ErrCodeInvalidDefinition,
			fmt.Sprintf("unknown trigger mode %q", def.Trigger.Mode))
	}
}

// branchHeads returns the targets of the non-loop outgoing edges.
func branchHeads(edges []schema.ProcessEdge) []string {
	heads := make([]string, 0, len(edges))
	for _, e := range edges {
		if !e.Loop {
			heads = append(heads, e.To)
		}
	}
	return heads
}

// collectRegion walks forward from the seed nodes over non-loop edges and
// returns every node reached before the stop predicate fires. Stop nodes
// themselves are excluded.
func collectRegion(outgoing map[string][]schema.ProcessEdge, seeds []string, stop func(string) bool) []string {
	seen := make(map[string]bool)
	var members []string
	queue := append([]string(nil), seeds...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] || stop(id) {
			continue
		}
		seen[id] = true
		members = append(members, id)
		for _, e := range outgoing[id] {
			if !e.Loop {
				queue = append(queue, e.To)
			}
		}
	}
	return members
}

// collectRegionThrough is collectRegion for loop bodies: closer nodes belong
// to the region but their successors are not followed.
func collectRegionThrough(outgoing map[string][]schema.ProcessEdge, seeds []string, closers map[string]bool) []string {
	seen := make(map[string]bool)
	var members []string
	queue := append([]string(nil), seeds...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
		if closers[id] {
			continue
		}
		for _, e := range outgoing[id] {
			if !e.Loop {
				queue = append(queue, e.To)
			}
		}
	}
	return members
}

// flattenFieldErrors turns validator.ValidationErrors into readable strings.
func flattenFieldErrors(err error) []string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			out = append(out, fmt.Sprintf("field %s fails %q constraint (param %s)", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			out = append(out, fmt.Sprintf("field %s fails %q constraint", fe.Namespace(), fe.Tag()))
		}
	}
	return out
}
