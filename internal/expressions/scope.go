package expressions

import (
	"encoding/json"
	"sync"

	"github.com/procflow/procflow/pkg/schema"
)

// Scope holds all data visible to template resolution for one execution.
type Scope struct {
	Trigger map[string]any // validated trigger input
	Steps   map[string]any // output_var -> completed node output
	User    map[string]any // identity context of the initiator
	Loop    *LoopScope     // loop iteration variables (nil outside a loop)
}

// LoopScope holds the variables of a single loop iteration.
type LoopScope struct {
	Item  any    // current item value
	Index int    // current iteration index (0-based)
	Var   string // declared item_var name ("item" by default)
}

// ScopeBuilder constructs Scopes with variable isolation rules:
//   - Node outputs are frozen on insert and immutable afterwards.
//   - Loop variables are scoped per iteration.
//   - Parallel branch writes are isolated until merged at the join.
type ScopeBuilder struct {
	mu      sync.RWMutex
	steps   map[string]any
	trigger map[string]any // immutable after init
	user    map[string]any // immutable after init

	loop *LoopScope
}

// NewScopeBuilder creates a ScopeBuilder initialized with the trigger input
// and identity context. Both are deep-copied to prevent external mutation.
func NewScopeBuilder(trigger, user map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		steps:   make(map[string]any),
		trigger: deepCopyMap(trigger),
		user:    deepCopyMap(user),
	}
}

// SetOutput registers a completed node's output under its output_var.
// The value is frozen at insertion time. Re-registering an existing key is
// rejected: outputs are immutable once written. Loop iterations overwrite
// through SetLoopOutput instead.
func (sb *ScopeBuilder) SetOutput(key string, value any) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[key]; exists {
		return schema.NewErrorf(schema.CategoryData, schema.ErrCodeConflict,
			"output %q already registered; node outputs are immutable", key)
	}

	sb.steps[key] = deepCopyAny(value)
	return nil
}

// SetLoopOutput registers or replaces an output written from inside a loop
// body. Each iteration overwrites the previous one; the final iteration's
// value is what the rest of the process sees.
func (sb *ScopeBuilder) SetLoopOutput(key string, value any) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.steps[key] = deepCopyAny(value)
}

// Build creates a Scope snapshot safe for concurrent use.
func (sb *ScopeBuilder) Build() *Scope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	scope := &Scope{
		Steps:   deepCopyMap(sb.steps),
		Trigger: sb.trigger,
		User:    sb.user,
	}

	if sb.loop != nil {
		scope.Loop = &LoopScope{
			Item:  deepCopyAny(sb.loop.Item),
			Index: sb.loop.Index,
			Var:   sb.loop.Var,
		}
	}

	return scope
}

// WithLoopVars returns a child builder carrying iteration-scoped variables.
// The child shares the parent's step map so body writes are visible after
// the loop exits.
func (sb *ScopeBuilder) WithLoopVars(itemVar string, item any, index int) *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	if itemVar == "" {
		itemVar = "item"
	}
	return &ScopeBuilder{
		steps:   sb.steps,
		trigger: sb.trigger,
		user:    sb.user,
		loop: &LoopScope{
			Item:  deepCopyAny(item),
			Index: index,
			Var:   itemVar,
		},
	}
}

// ForBranch returns a child builder for one parallel branch. The child gets
// an isolated snapshot of the step map; branch-local writes do not leak to
// siblings until MergeBranch runs at the join.
func (sb *ScopeBuilder) ForBranch() *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &ScopeBuilder{
		steps:   deepCopyMap(sb.steps),
		trigger: sb.trigger,
		user:    sb.user,
		loop:    sb.loop,
	}
}

// MergeBranch folds a completed branch's outputs back into the parent.
// Only keys absent from the parent are added; existing keys win.
func (sb *ScopeBuilder) MergeBranch(branch *ScopeBuilder) {
	branch.mu.RLock()
	branchSteps := branch.steps
	branch.mu.RUnlock()

	sb.mu.Lock()
	defer sb.mu.Unlock()

	for key, value := range branchSteps {
		if _, exists := sb.steps[key]; !exists {
			sb.steps[key] = deepCopyAny(value)
		}
	}
}

// Outputs returns a read-only copy of the current step outputs, used for
// checkpointing the execution context.
func (sb *ScopeBuilder) Outputs() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return deepCopyMap(sb.steps)
}

// RestoreOutputs loads previously checkpointed outputs into the builder,
// used when resuming a suspended execution.
func (sb *ScopeBuilder) RestoreOutputs(outputs map[string]any) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for key, value := range outputs {
		sb.steps[key] = deepCopyAny(value)
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
