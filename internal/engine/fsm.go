package engine

import (
	"context"
	"sync"

	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; FSMs use it to emit
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Execution FSM ---

type execHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution lifecycle transitions and emits the
// corresponding log events. The caller persists the new state.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[execHookKey][]TransitionHook
	after    map[execHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM emitting events via the appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[execHookKey][]TransitionHook),
		after:    make(map[execHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an execution transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := execHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := execHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an execution state transition, emitting
// the corresponding event.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := execHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := executionEventType(to); eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
				"emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionRejected:
		return schema.EventExecutionRejected
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	case schema.ExecutionSuspended:
		return schema.EventExecutionSuspended
	case schema.ExecutionTimedOut:
		return schema.EventExecutionTimedOut
	default:
		return ""
	}
}

// --- Node FSM ---

type nodeHookKey struct {
	from, to schema.NodeStatus
}

// NodeFSM validates node lifecycle transitions and emits node events.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[nodeHookKey][]TransitionHook
	after    map[nodeHookKey][]TransitionHook
}

// NewNodeFSM creates a NodeFSM emitting events via the appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{
		appender: appender,
		before:   make(map[nodeHookKey][]TransitionHook),
		after:    make(map[nodeHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a node transition.
func (f *NodeFSM) OnBefore(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a node transition.
func (f *NodeFSM) OnAfter(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a node state transition, emitting the
// corresponding event.
func (f *NodeFSM) Transition(ctx context.Context, executionID, nodeID string, from, to schema.NodeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := nodeHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := nodeEventType(to); eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			NodeID:      nodeID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
				"emit node event: %s", err.Error()).WithNode(nodeID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	allowed, ok := ValidNodeTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeRunning:
		return schema.EventNodeStarted
	case schema.NodeSucceeded:
		return schema.EventNodeSucceeded
	case schema.NodeFailed:
		return schema.EventNodeFailed
	case schema.NodeSkipped:
		return schema.EventNodeSkipped
	case schema.NodeRetrying:
		return schema.EventNodeRetrying
	case schema.NodeSuspendedWait:
		return schema.EventNodeSuspended
	default:
		return ""
	}
}

// --- Cancel cascade ---

// CancelExecution transitions an execution to cancelled and skips all
// non-terminal nodes. nodeStates maps node ID to current status.
func CancelExecution(ctx context.Context, execFSM *ExecutionFSM, nodeFSM *NodeFSM, executionID string, currentStatus schema.ExecutionStatus, nodeStates map[string]schema.NodeStatus) error {
	if err := execFSM.Transition(ctx, executionID, currentStatus, schema.ExecutionCancelled); err != nil {
		return err
	}

	for nodeID, status := range nodeStates {
		if isTerminalNode(status) {
			continue
		}
		if canSkip(status) {
			if err := nodeFSM.Transition(ctx, executionID, nodeID, status, schema.NodeSkipped); err != nil {
				return err
			}
		}
	}
	return nil
}

func isTerminalNode(s schema.NodeStatus) bool {
	return s == schema.NodeSucceeded || s == schema.NodeFailed || s == schema.NodeSkipped
}

func canSkip(s schema.NodeStatus) bool {
	return isValidNodeTransition(s, schema.NodeSkipped)
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed execution state transitions.
// Rejected is a normal completion reached from running or suspended.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionSuspended, schema.ExecutionCompleted, schema.ExecutionRejected, schema.ExecutionFailed, schema.ExecutionCancelled, schema.ExecutionTimedOut},
	schema.ExecutionSuspended: {schema.ExecutionRunning, schema.ExecutionRejected, schema.ExecutionFailed, schema.ExecutionCancelled, schema.ExecutionTimedOut},
	schema.ExecutionCompleted: {},
	schema.ExecutionRejected:  {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
	schema.ExecutionTimedOut:  {},
}

// ValidNodeTransitions defines the allowed node state transitions.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodePending:       {schema.NodeRunning, schema.NodeSkipped},
	schema.NodeRunning:       {schema.NodeSucceeded, schema.NodeFailed, schema.NodeSuspendedWait, schema.NodeRetrying, schema.NodeSkipped},
	schema.NodeRetrying:      {schema.NodeRunning, schema.NodeFailed, schema.NodeSkipped},
	schema.NodeSuspendedWait: {schema.NodeRunning, schema.NodeFailed, schema.NodeSkipped},
	schema.NodeSucceeded:     {},
	schema.NodeFailed:        {},
	schema.NodeSkipped:       {},
}
