package executors

import (
	"sync"

	"github.com/procflow/procflow/pkg/schema"
)

// Registry maps node types to executors. All registration happens at
// construction time; the engine resolves executors through Get and never
// switches on type names itself.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.NodeType]NodeExecutor
}

func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[schema.NodeType]NodeExecutor),
	}
}

// Register adds an executor. Duplicate types and types outside the catalog
// are rejected.
func (r *Registry) Register(exec NodeExecutor) error {
	if exec == nil {
		return schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"executor is nil")
	}
	t := exec.Type()
	if !schema.KnownNodeTypes[t] {
		return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeUnknownNodeType,
			"executor type %q is not in the node catalog", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[t]; exists {
		return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeConflict,
			"executor for type %q already registered", t)
	}

	r.executors[t] = exec
	return nil
}

// Get retrieves the executor for a node type.
func (r *Registry) Get(t schema.NodeType) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeUnknownNodeType,
			"no executor registered for node type %q", t)
	}
	return exec, nil
}

// Has checks whether a type has a registered executor.
func (r *Registry) Has(t schema.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[t]
	return ok
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}
