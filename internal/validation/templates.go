package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/pkg/schema"
)

// templateField is one config string that may carry {{...}} references,
// labelled with its config path for reporting.
type templateField struct {
	label string
	value string
}

// checkTemplates statically resolves every template reference in node
// configs. A steps reference must name an output some node produces, and
// produces upstream of the referencing node to be more than runtime Null;
// a trigger reference must name a declared field or variable; loop
// references are only meaningful inside a loop body. The user namespace is
// the ambient identity context and cannot be checked statically.
func (v *SemanticValidator) checkTemplates(def *schema.ProcessDefinition, configs map[string]any, outgoing map[string][]schema.ProcessEdge, result *schema.ValidationResult) {
	producers := outputProducers(def)
	triggerKeys := triggerInputKeys(def)
	loopMembers := loopBodyMembers(def, outgoing)
	ancestors := ancestorSets(def, outgoing)

	for i := range def.Nodes {
		node := &def.Nodes[i]
		cfg := configs[node.ID]
		if cfg == nil {
			continue
		}
		path := fmt.Sprintf("nodes[%d].config", i)

		for _, field := range templateFields(cfg) {
			if !expressions.HasTemplate(field.value) {
				continue
			}
			refs, err := expressions.ExtractRefs(field.value)
			if err != nil {
				result.AddError(path+"."+field.label, schema.ErrCodeUnresolvedRef,
					fmt.Sprintf("node %s: %s", node.ID, err.Error()))
				continue
			}
			for _, ref := range refs {
				v.checkRef(node, ref, path+"."+field.label, producers, triggerKeys, loopMembers, ancestors[node.ID], result)
			}
		}
	}
}

func (v *SemanticValidator) checkRef(node *schema.ProcessNode, ref expressions.Ref, path string, producers map[string][]string, triggerKeys map[string]bool, loopMembers map[string]bool, upstream map[string]bool, result *schema.ValidationResult) {
	key := ref.Key()

	switch ref.Namespace {
	case "steps":
		if key == "" {
			result.AddWarning(path, schema.ErrCodeUnresolvedRef,
				fmt.Sprintf("node %s: bare {{steps}} reference resolves to null", node.ID))
			return
		}
		owners := producers[key]
		if len(owners) == 0 {
			result.AddError(path, schema.ErrCodeUnresolvedRef,
				fmt.Sprintf("node %s references {{steps.%s}} but no node produces output %q", node.ID, ref.Path, key))
			return
		}
		for _, owner := range owners {
			if upstream[owner] {
				return
			}
		}
		result.AddWarning(path, schema.ErrCodeUnresolvedRef,
			fmt.Sprintf("node %s references {{steps.%s}} but %s is not upstream; the reference resolves to null at runtime",
				node.ID, ref.Path, quoteList(owners)))

	case "trigger":
		if len(triggerKeys) == 0 {
			// Event and scheduled triggers carry an open payload.
			return
		}
		if key == "" || !triggerKeys[key] {
			result.AddWarning(path, schema.ErrCodeUnresolvedRef,
				fmt.Sprintf("node %s references {{trigger.%s}} but the trigger declares no field or variable %q",
					node.ID, ref.Path, key))
		}

	case "loop":
		if !loopMembers[node.ID] {
			result.AddWarning(path, schema.ErrCodeUnresolvedRef,
				fmt.Sprintf("node %s references {{loop.%s}} outside a loop body; it resolves to null", node.ID, ref.Path))
		}

	case "user":
		// Identity context is supplied per execution; nothing to check.
	}
}

// outputProducers maps each steps key to the nodes writing it. Start and
// end nodes never contribute step outputs.
func outputProducers(def *schema.ProcessDefinition) map[string][]string {
	producers := make(map[string][]string)
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.Type == schema.NodeStart || node.Type == schema.NodeEnd {
			continue
		}
		key := node.OutputVar
		if key == "" {
			key = node.ID
		}
		producers[key] = append(producers[key], node.ID)
	}
	return producers
}

// triggerInputKeys collects the declared trigger field and variable names.
func triggerInputKeys(def *schema.ProcessDefinition) map[string]bool {
	keys := make(map[string]bool, len(def.Trigger.Fields)+len(def.Variables))
	for _, f := range def.Trigger.Fields {
		keys[f.Name] = true
	}
	for _, v := range def.Variables {
		keys[v.Name] = true
	}
	return keys
}

// loopBodyMembers returns every node inside some loop body. The loop node
// itself is not a member: its collection template runs before any
// iteration exists.
func loopBodyMembers(def *schema.ProcessDefinition, outgoing map[string][]schema.ProcessEdge) map[string]bool {
	members := make(map[string]bool)
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.Type != schema.NodeLoop {
			continue
		}
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
		for _, id := range collectRegionThrough(outgoing, []string{entry}, closers) {
			members[id] = true
		}
	}
	return members
}

// ancestorSets computes, per node, the set of nodes on some path before it.
// Loop back-edges are excluded, matching the walk order the DAG stage
// verifies.
func ancestorSets(def *schema.ProcessDefinition, outgoing map[string][]schema.ProcessEdge) map[string]map[string]bool {
	incoming := make(map[string][]string)
	for from, edges := range outgoing {
		for _, e := range edges {
			if e.Loop {
				continue
			}
			incoming[e.To] = append(incoming[e.To], from)
		}
	}

	ancestors := make(map[string]map[string]bool, len(def.Nodes))
	for i := range def.Nodes {
		id := def.Nodes[i].ID
		seen := make(map[string]bool)
		queue := append([]string(nil), incoming[id]...)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if seen[cur] {
				continue
			}
			seen[cur] = true
			queue = append(queue, incoming[cur]...)
		}
		ancestors[id] = seen
	}
	return ancestors
}

// templateFields lists the config strings of a node that are documented as
// templates. Literal strings pass through ExtractRefs untouched, so
// over-collection is harmless.
func templateFields(cfg any) []templateField {
	var fields []templateField
	add := func(label, value string) {
		if value != "" {
			fields = append(fields, templateField{label: label, value: value})
		}
	}

	switch c := cfg.(type) {
	case *schema.ConditionConfig:
		add("left", c.Left)
		add("right", c.Right)
	case *schema.LoopConfig:
		add("collection", c.Collection)
	case *schema.AIStepConfig:
		add("prompt", c.Prompt)
	case *schema.ToolConfig:
		collectParamTemplates("params", c.Params, &fields)
	case *schema.DocExtractConfig:
		add("source", c.Source)
	case *schema.DocGenerateConfig:
		for _, k := range sortedKeys(c.Data) {
			add("data."+k, c.Data[k])
		}
	case *schema.ApprovalConfig:
		add("title", c.Title)
		add("message", c.Message)
		add("assignee.expression", c.Assignee.Expression)
	case *schema.FormConfig:
		add("title", c.Title)
		add("assignee.expression", c.Assignee.Expression)
	case *schema.NotificationConfig:
		add("subject", c.Subject)
		add("body", c.Body)
		add("recipient.expression", c.Recipient.Expression)
	case *schema.CalculateConfig:
		for i, in := range c.Inputs {
			add(fmt.Sprintf("inputs[%d]", i), in)
		}
	case *schema.SubprocessConfig:
		for _, k := range sortedKeys(c.Inputs) {
			add("inputs."+k, c.Inputs[k])
		}
	case *schema.EndConfig:
		for _, k := range sortedKeys(c.Outputs) {
			add("outputs."+k, c.Outputs[k])
		}
	}
	return fields
}

// collectParamTemplates walks tool params for template strings at any depth.
func collectParamTemplates(prefix string, params map[string]any, fields *[]templateField) {
	for _, k := range sortedKeys(params) {
		label := prefix + "." + k
		switch v := params[k].(type) {
		case string:
			*fields = append(*fields, templateField{label: label, value: v})
		case map[string]any:
			collectParamTemplates(label, v, fields)
		case []any:
			for i, item := range v {
				if s, ok := item.(string); ok {
					*fields = append(*fields, templateField{label: fmt.Sprintf("%s[%d]", label, i), value: s})
				}
			}
		}
	}
}

// quoteList renders producing node IDs for warning messages.
func quoteList(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	if len(quoted) == 1 {
		return "node " + quoted[0]
	}
	return "nodes " + strings.Join(quoted, ", ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
