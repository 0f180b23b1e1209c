package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow/internal/executors"
	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/internal/logging"
	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/schema"
)

// Engine drives process executions: it starts them, resumes suspended ones,
// cancels them, and answers status queries.
type Engine interface {
	// Start launches a new execution of a registered definition.
	Start(ctx context.Context, definitionID string, version int, opts StartOptions) (*ProcessResult, error)

	// Resume applies a decision to a suspended execution and continues it.
	// Idempotent per (execution, node): replaying a decision that was already
	// applied returns the stored outcome without re-applying effects.
	Resume(ctx context.Context, executionID, nodeID string, decision map[string]any) (*ProcessResult, error)

	// Cancel terminates an execution cooperatively. Pending approval requests
	// are marked cancelled so late decisions are rejected as stale.
	Cancel(ctx context.Context, executionID, reason string) error

	// ExpireRequest applies the deadline fallback of a pending wait. The
	// deadline sweeper calls this for every overdue request.
	ExpireRequest(ctx context.Context, requestID string) (*ProcessResult, error)

	// Status returns a read-only snapshot of an execution with its node
	// history, pending requests, and event log.
	Status(ctx context.Context, executionID string) (*ExecutionSnapshot, error)
}

// StartOptions carries the per-execution inputs of Start.
type StartOptions struct {
	TriggerInput    map[string]any
	IdentityContext map[string]any
	InitiatorID     string
	ParentID        string
}

// ProcessResult is the outcome of Start or Resume.
type ProcessResult struct {
	ExecutionID   string                 `json:"execution_id"`
	Status        schema.ExecutionStatus `json:"status"`
	Output        map[string]any         `json:"output,omitempty"`
	Error         *schema.ProcessError   `json:"error,omitempty"`
	SuspendedNode string                 `json:"suspended_node,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// ExecutionSnapshot is the Status query result.
type ExecutionSnapshot struct {
	Execution       *store.Execution         `json:"execution"`
	Nodes           []*store.NodeResult      `json:"nodes,omitempty"`
	PendingRequests []*store.ApprovalRequest `json:"pending_requests,omitempty"`
	Events          []*store.Event           `json:"events,omitempty"`
}

// DefaultPoolSize is the default branch pool concurrency.
const DefaultPoolSize = 10

// Config holds engine tuning knobs.
type Config struct {
	PoolSize int            // max concurrent branch goroutines
	Breaker  *BreakerConfig // per-tool breaker config (nil = defaults)
}

type engineImpl struct {
	store    store.Store
	registry *executors.Registry
	ports    executors.Ports
	execFSM  *ExecutionFSM
	nodeFSM  *NodeFSM
	pool     *branchPool
	breakers *toolBreakers
	resolver *expressions.Resolver
	logger   *slog.Logger
	config   Config

	// mu guards running.
	mu      sync.Mutex
	running map[string]*processRun
}

// New creates an Engine. The built-in executors are registered against the
// given ports; when ports.Subprocess is nil the engine wires itself in as
// the subprocess runner.
func New(s store.Store, ports executors.Ports, cfg Config, logger *slog.Logger) (Engine, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	breakerCfg := DefaultBreakerConfig()
	if cfg.Breaker != nil {
		breakerCfg = *cfg.Breaker
	}

	e := &engineImpl{
		store:    s,
		execFSM:  NewExecutionFSM(s),
		nodeFSM:  NewNodeFSM(s),
		pool:     newBranchPool(cfg.PoolSize),
		breakers: newToolBreakers(breakerCfg),
		resolver: expressions.NewResolver(),
		logger:   logger,
		config:   cfg,
		running:  make(map[string]*processRun),
	}

	if ports.Subprocess == nil {
		ports.Subprocess = &subprocessRunner{engine: e}
	}
	e.ports = ports

	registry := executors.NewRegistry()
	if err := executors.RegisterBuiltins(registry, &ports, logger); err != nil {
		return nil, err
	}
	e.registry = registry

	return e, nil
}

// processRun tracks one in-flight walk.
type processRun struct {
	exec  *store.Execution
	def   *schema.ProcessDefinition
	graph *Graph
	scope *expressions.ScopeBuilder

	mu        sync.Mutex // guards stepCount
	stepCount int

	deadline *time.Time // wall-clock budget
	cancel   context.CancelFunc
}

func (r *processRun) takeStep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepCount++
	return r.stepCount
}

func (r *processRun) steps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stepCount
}

// Start launches a new execution.
func (e *engineImpl) Start(ctx context.Context, definitionID string, version int, opts StartOptions) (*ProcessResult, error) {
	rec, err := e.store.GetDefinition(ctx, definitionID, version)
	if err != nil {
		return nil, err
	}

	graph, err := BuildGraph(&rec.Definition)
	if err != nil {
		return nil, err
	}

	trigger, err := applyTrigger(&rec.Definition, opts.TriggerInput)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec := &store.Execution{
		ID:                uuid.New().String(),
		DefinitionID:      rec.ID,
		DefinitionVersion: rec.Version,
		Status:            schema.ExecutionPending,
		InitiatorID:       opts.InitiatorID,
		ParentID:          opts.ParentID,
		TriggerInput:      trigger,
		IdentityContext:   opts.IdentityContext,
		CreatedAt:         now,
	}

	if rec.Definition.Settings.MaxDuration != "" {
		dur, parseErr := executors.ParseDuration(rec.Definition.Settings.MaxDuration)
		if parseErr != nil {
			return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
				"invalid max_duration %q: %s", rec.Definition.Settings.MaxDuration, parseErr.Error())
		}
		deadline := now.Add(dur)
		exec.DeadlineAt = &deadline
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"create execution: %s", err.Error()).WithCause(err)
	}

	ctx = logging.WithIDs(ctx, exec.ID, "", exec.DefinitionID)
	e.logger.InfoContext(ctx, "execution starting",
		"definition_id", rec.ID, "version", rec.Version, "initiator", opts.InitiatorID)

	if err := e.execFSM.Transition(ctx, exec.ID, schema.ExecutionPending, schema.ExecutionRunning); err != nil {
		return nil, err
	}
	running := schema.ExecutionRunning
	startedAt := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &startedAt,
	}); err != nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"update execution: %s", err.Error()).WithCause(err)
	}
	exec.Status = schema.ExecutionRunning
	exec.StartedAt = &startedAt

	run := &processRun{
		exec:     exec,
		def:      &rec.Definition,
		graph:    graph,
		scope:    expressions.NewScopeBuilder(trigger, opts.IdentityContext),
		deadline: exec.DeadlineAt,
	}

	return e.execute(ctx, run, graph.StartID), nil
}

// Resume applies a decision to a suspended execution.
func (e *engineImpl) Resume(ctx context.Context, executionID, nodeID string, decision map[string]any) (*ProcessResult, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, executionID, nodeID, exec.DefinitionID)

	// Replaying a decision that already completed the execution returns the
	// stored outcome without re-applying anything.
	if exec.Status.IsTerminal() {
		if req, reqErr := e.decidedRequest(ctx, executionID, nodeID); reqErr == nil && req != nil {
			return resultFromExecution(exec), nil
		}
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeStaleDecision,
			"execution %s already %s", executionID, exec.Status).WithNode(nodeID)
	}

	if exec.Status != schema.ExecutionSuspended {
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeConflict,
			"cannot resume execution in status %s", exec.Status).WithNode(nodeID)
	}

	req, err := e.store.GetPendingRequest(ctx, executionID, nodeID)
	if err != nil {
		// No pending request: either the node was never suspended, or the
		// decision raced with another and lost.
		if prior, priorErr := e.decidedRequest(ctx, executionID, nodeID); priorErr == nil && prior != nil {
			return resultFromExecution(exec), nil
		}
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeStaleDecision,
			"no pending request on node %s", nodeID).WithNode(nodeID).WithCause(err)
	}

	reqStatus, eventType, verr := classifyDecision(req.Kind, decision)
	if verr != nil {
		return nil, verr
	}

	decidedBy, _ := decision[executors.DecisionDecidedBy].(string)
	decisionJSON, _ := json.Marshal(decision)
	if err := e.store.DecideRequest(ctx, req.ID, reqStatus, decidedBy, decisionJSON); err != nil {
		// First-writer-wins: a concurrent decision beat this one.
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeStaleDecision,
			"request %s already decided", req.ID).WithNode(nodeID).WithCause(err)
	}

	_ = e.store.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     decisionJSON,
		Actor:       decidedBy,
	})

	e.logger.InfoContext(ctx, "execution resuming", "kind", req.Kind, "decided_by", decidedBy)

	run, err := e.rebuildRun(ctx, exec)
	if err != nil {
		return nil, err
	}

	if err := e.execFSM.Transition(ctx, executionID, schema.ExecutionSuspended, schema.ExecutionRunning); err != nil {
		return nil, err
	}
	_ = e.store.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		Type:        schema.EventExecutionResumed,
		Actor:       decidedBy,
	})
	running := schema.ExecutionRunning
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Status: &running}); err != nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"update execution: %s", err.Error()).WithCause(err)
	}
	run.exec.Status = schema.ExecutionRunning

	return e.resumeAt(ctx, run, nodeID, decision), nil
}

// Cancel terminates an execution.
func (e *engineImpl) Cancel(ctx context.Context, executionID, reason string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeConflict,
			"execution %s already %s", executionID, exec.Status)
	}

	ctx = logging.WithIDs(ctx, executionID, "", exec.DefinitionID)

	nodeResults, err := e.store.ListNodeResults(ctx, executionID)
	if err != nil {
		return schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"list node results: %s", err.Error()).WithCause(err)
	}
	nodeStates := make(map[string]schema.NodeStatus, len(nodeResults))
	for _, nr := range nodeResults {
		nodeStates[nr.NodeID] = nr.Status
	}

	if err := CancelExecution(ctx, e.execFSM, e.nodeFSM, executionID, exec.Status, nodeStates); err != nil {
		return err
	}

	cancelled := schema.ExecutionCancelled
	now := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:       &cancelled,
		CancelReason: reason,
		CompletedAt:  &now,
	}); err != nil {
		return schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"update execution: %s", err.Error()).WithCause(err)
	}

	for _, nr := range nodeResults {
		if canSkip(nr.Status) {
			nr.Status = schema.NodeSkipped
			_ = e.store.UpsertNodeResult(ctx, nr)
		}
	}

	// Late decisions on these requests will be rejected as stale.
	if err := e.store.CancelRequestsForExecution(ctx, executionID); err != nil {
		return schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"cancel requests: %s", err.Error()).WithCause(err)
	}

	e.mu.Lock()
	if run, ok := e.running[executionID]; ok && run.cancel != nil {
		run.cancel()
	}
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "execution cancelled", "reason", reason)
	return nil
}

// Status returns a read-only execution snapshot.
func (e *engineImpl) Status(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	nodes, err := e.store.ListNodeResults(ctx, executionID)
	if err != nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"list node results: %s", err.Error()).WithCause(err)
	}

	pending, err := e.store.ListRequests(ctx, store.RequestFilter{
		ExecutionID: executionID,
		Status:      store.RequestPending,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"list requests: %s", err.Error()).WithCause(err)
	}

	events, err := e.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"get events: %s", err.Error()).WithCause(err)
	}

	return &ExecutionSnapshot{
		Execution:       exec,
		Nodes:           nodes,
		PendingRequests: pending,
		Events:          events,
	}, nil
}

// --- Helpers ---

// applyTrigger validates the trigger input against the definition and merges
// variable defaults. Manual triggers require their declared required fields.
func applyTrigger(def *schema.ProcessDefinition, input map[string]any) (map[string]any, error) {
	trigger := make(map[string]any, len(input))
	for k, v := range input {
		trigger[k] = v
	}

	if def.Trigger.Mode == schema.TriggerManual {
		for _, f := range def.Trigger.Fields {
			if !f.Required {
				continue
			}
			if _, ok := trigger[f.Name]; !ok {
				return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
					"trigger field %q is required", f.Name).
					WithUserMessage("Required field missing: " + fieldLabel(f))
			}
		}
	}

	for _, v := range def.Variables {
		if _, ok := trigger[v.Name]; ok {
			continue
		}
		if v.Default != nil {
			trigger[v.Name] = v.Default
			continue
		}
		if v.Required {
			return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
				"variable %q is required and has no default", v.Name)
		}
	}

	return trigger, nil
}

func fieldLabel(f schema.TriggerField) string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

// classifyDecision maps a resume decision to the request status it settles
// and the event it emits.
func classifyDecision(kind string, decision map[string]any) (string, string, error) {
	switch kind {
	case string(executors.SuspendApproval):
		outcome, _ := decision[executors.DecisionOutcome].(string)
		switch outcome {
		case executors.OutcomeApproved:
			return store.RequestApproved, schema.EventApprovalDecided, nil
		case executors.OutcomeRejected:
			return store.RequestRejected, schema.EventApprovalDecided, nil
		default:
			return "", "", schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
				"approval decision outcome must be %q or %q, got %q",
				executors.OutcomeApproved, executors.OutcomeRejected, outcome)
		}
	case string(executors.SuspendForm):
		return store.RequestSubmitted, schema.EventApprovalDecided, nil
	case string(executors.SuspendDelay):
		return store.RequestElapsed, schema.EventDelayElapsed, nil
	default:
		return "", "", schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"unknown request kind %q", kind)
	}
}

// decidedRequest returns the most recent genuinely decided request for the
// node. Cancelled and expired requests do not count: replaying against them
// must surface a stale-decision error, not a stored outcome.
func (e *engineImpl) decidedRequest(ctx context.Context, executionID, nodeID string) (*store.ApprovalRequest, error) {
	reqs, err := e.store.ListRequests(ctx, store.RequestFilter{
		ExecutionID: executionID,
		NodeID:      nodeID,
	})
	if err != nil {
		return nil, err
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		switch reqs[i].Status {
		case store.RequestApproved, store.RequestRejected, store.RequestSubmitted, store.RequestElapsed:
			return reqs[i], nil
		}
	}
	return nil, nil
}

// rebuildRun reconstructs the in-memory walk state from a persisted snapshot.
func (e *engineImpl) rebuildRun(ctx context.Context, exec *store.Execution) (*processRun, error) {
	rec, err := e.store.GetDefinition(ctx, exec.DefinitionID, exec.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	graph, err := BuildGraph(&rec.Definition)
	if err != nil {
		return nil, err
	}

	scope := expressions.NewScopeBuilder(exec.TriggerInput, exec.IdentityContext)
	if len(exec.Context) > 0 {
		var outputs map[string]any
		if err := json.Unmarshal(exec.Context, &outputs); err != nil {
			return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
				"corrupt execution context: %s", err.Error()).WithCause(err)
		}
		scope.RestoreOutputs(outputs)
	}

	return &processRun{
		exec:      exec,
		def:       &rec.Definition,
		graph:     graph,
		scope:     scope,
		stepCount: exec.StepCount,
		deadline:  exec.DeadlineAt,
	}, nil
}

func resultFromExecution(exec *store.Execution) *ProcessResult {
	res := &ProcessResult{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		CompletedAt: exec.CompletedAt,
	}
	if exec.StartedAt != nil {
		res.StartedAt = *exec.StartedAt
	}
	if len(exec.Output) > 0 {
		_ = json.Unmarshal(exec.Output, &res.Output)
	}
	if len(exec.Error) > 0 {
		var pe schema.ProcessError
		if err := json.Unmarshal(exec.Error, &pe); err == nil {
			res.Error = &pe
		}
	}
	return res
}

// subprocessRunner lets the subprocess executor start child executions
// through the engine without a package cycle.
type subprocessRunner struct {
	engine *engineImpl
}

func (r *subprocessRunner) Run(ctx context.Context, definitionID string, version int, inputs map[string]any, initiatorID string) (map[string]any, error) {
	parentID := logging.ExecutionID(ctx)
	result, err := r.engine.Start(ctx, definitionID, version, StartOptions{
		TriggerInput: inputs,
		InitiatorID:  initiatorID,
		ParentID:     parentID,
	})
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case schema.ExecutionCompleted:
		return result.Output, nil
	case schema.ExecutionRejected:
		return nil, schema.NewErrorf(schema.CategoryBusiness, schema.ErrCodeRejected,
			"subprocess %s was rejected", definitionID)
	case schema.ExecutionSuspended:
		return nil, schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
			"subprocess %s suspended; suspending nodes are not supported inside subprocesses", definitionID)
	default:
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeExecution,
			"subprocess %s ended with status %s", definitionID, result.Status)
	}
}
