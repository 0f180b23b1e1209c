package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/procflow/procflow/internal/executors"
	"github.com/procflow/procflow/internal/identity"
	"github.com/procflow/procflow/internal/logging"
	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/schema"
)

// systemActor marks decisions made by the engine itself (deadline sweeps).
const systemActor = "system"

// ExpireRequest applies the deadline fallback of a pending wait whose
// deadline has passed. Delay waits simply elapse. Approval and form waits
// follow their configured fallback: escalate re-assigns one management level
// up and re-arms the deadline once; fail times the execution out; reject
// (the default) settles the wait as expired and resumes with a system
// rejection. Returns nil without error when there is nothing left to do.
func (e *engineImpl) ExpireRequest(ctx context.Context, requestID string) (*ProcessResult, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != store.RequestPending {
		return nil, nil
	}

	exec, err := e.store.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, exec.ID, req.NodeID, exec.DefinitionID)

	if exec.Status.IsTerminal() {
		// Leftover wait on a finished execution; sweep it.
		_ = e.store.CancelRequestsForExecution(ctx, exec.ID)
		return nil, nil
	}

	if req.Kind == string(executors.SuspendDelay) {
		return e.Resume(ctx, exec.ID, req.NodeID, map[string]any{
			"elapsed":                    true,
			executors.DecisionDecidedBy: systemActor,
		})
	}

	fallback := schema.TimeoutFallback(req.Fallback)
	if fallback == schema.FallbackEscalate && !req.Escalated {
		res, escErr := e.escalateRequest(ctx, req)
		if escErr == nil {
			return res, nil
		}
		e.logger.WarnContext(ctx, "escalation failed, falling back to reject",
			"request_id", req.ID, "error", escErr.Error())
		fallback = schema.FallbackReject
	}

	if err := e.store.DecideRequest(ctx, req.ID, store.RequestExpired, systemActor, nil); err != nil {
		// A real decision won the race; nothing to expire.
		return nil, nil
	}
	payload, _ := json.Marshal(map[string]any{
		"request_id": req.ID,
		"fallback":   string(fallback),
	})
	_ = e.store.AppendEvent(ctx, &store.Event{
		ExecutionID: exec.ID,
		NodeID:      req.NodeID,
		Type:        schema.EventApprovalExpired,
		Payload:     payload,
		Actor:       systemActor,
	})

	e.logger.InfoContext(ctx, "request expired",
		"request_id", req.ID, "kind", req.Kind, "fallback", string(fallback))

	if fallback == schema.FallbackFail {
		return e.expireAsTimeout(ctx, exec, req)
	}
	if req.Kind == string(executors.SuspendForm) {
		// Forms have no reject path through their executor; an expired form
		// settles the execution as rejected directly.
		return e.expireAsRejected(ctx, exec, req)
	}

	return e.resumeExpired(ctx, exec, req)
}

// escalateRequest re-assigns a wait to the next management level and re-arms
// the deadline with the original window.
func (e *engineImpl) escalateRequest(ctx context.Context, req *store.ApprovalRequest) (*ProcessResult, error) {
	if e.ports.Identities == nil {
		return nil, schema.NewError(schema.CategoryAuthorization, schema.ErrCodeAssigneeEmpty,
			"no identity resolver configured for escalation")
	}

	var current []identity.Principal
	if len(req.Assignees) > 0 {
		if err := json.Unmarshal(req.Assignees, &current); err != nil {
			return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
				"corrupt assignees on request %s: %s", req.ID, err.Error()).WithCause(err)
		}
	}

	next, err := e.ports.Identities.Escalate(ctx, current)
	if err != nil {
		return nil, err
	}
	if len(next) == 0 {
		return nil, schema.NewError(schema.CategoryAuthorization, schema.ErrCodeAssigneeEmpty,
			"escalation produced no assignees")
	}

	var deadline *time.Time
	if req.DeadlineAt != nil {
		d := time.Now().UTC().Add(req.DeadlineAt.Sub(req.CreatedAt))
		deadline = &d
	}

	assignees, _ := json.Marshal(next)
	if err := e.store.EscalateRequest(ctx, req.ID, assignees, deadline); err != nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"escalate request %s: %s", req.ID, err.Error()).WithCause(err)
	}

	ids := make([]string, 0, len(next))
	for _, p := range next {
		ids = append(ids, p.ID)
	}
	payload, _ := json.Marshal(map[string]any{"request_id": req.ID, "assignees": ids})
	_ = e.store.AppendEvent(ctx, &store.Event{
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		Type:        schema.EventApprovalEscalated,
		Payload:     payload,
		Actor:       systemActor,
	})

	e.logger.InfoContext(ctx, "request escalated", "request_id", req.ID, "assignees", ids)

	return &ProcessResult{
		ExecutionID:   req.ExecutionID,
		Status:        schema.ExecutionSuspended,
		SuspendedNode: req.NodeID,
	}, nil
}

// resumeExpired continues the walk with a system rejection so the approval
// executor applies its configured on_reject behavior.
func (e *engineImpl) resumeExpired(ctx context.Context, exec *store.Execution, req *store.ApprovalRequest) (*ProcessResult, error) {
	run, err := e.rebuildRun(ctx, exec)
	if err != nil {
		return nil, err
	}

	if err := e.execFSM.Transition(ctx, exec.ID, schema.ExecutionSuspended, schema.ExecutionRunning); err != nil {
		return nil, err
	}
	_ = e.store.AppendEvent(ctx, &store.Event{
		ExecutionID: exec.ID,
		Type:        schema.EventExecutionResumed,
		Actor:       systemActor,
	})
	running := schema.ExecutionRunning
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{Status: &running}); err != nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"update execution: %s", err.Error()).WithCause(err)
	}
	run.exec.Status = schema.ExecutionRunning

	decision := map[string]any{
		executors.DecisionOutcome:   executors.OutcomeRejected,
		executors.DecisionComment:   "deadline elapsed without a decision",
		executors.DecisionDecidedBy: systemActor,
	}
	return e.resumeAt(ctx, run, req.NodeID, decision), nil
}

// expireAsTimeout fails the execution with a timeout error.
func (e *engineImpl) expireAsTimeout(ctx context.Context, exec *store.Execution, req *store.ApprovalRequest) (*ProcessResult, error) {
	perr := schema.NewErrorf(schema.CategoryTimeout, schema.ErrCodeDeadlineExpired,
		"%s deadline expired on node %s", req.Kind, req.NodeID).WithNode(req.NodeID)
	return e.settleExpired(ctx, exec, req, schema.ExecutionTimedOut, perr)
}

// expireAsRejected settles the execution as a business rejection.
func (e *engineImpl) expireAsRejected(ctx context.Context, exec *store.Execution, req *store.ApprovalRequest) (*ProcessResult, error) {
	return e.settleExpired(ctx, exec, req, schema.ExecutionRejected, nil)
}

func (e *engineImpl) settleExpired(ctx context.Context, exec *store.Execution, req *store.ApprovalRequest, status schema.ExecutionStatus, perr *schema.ProcessError) (*ProcessResult, error) {
	if err := e.nodeFSM.Transition(ctx, exec.ID, req.NodeID, schema.NodeSuspendedWait, schema.NodeSkipped); err != nil {
		return nil, err
	}
	if nr, nrErr := e.store.GetNodeResult(ctx, exec.ID, req.NodeID); nrErr == nil && nr != nil {
		nr.Status = schema.NodeSkipped
		_ = e.store.UpsertNodeResult(ctx, nr)
	}

	if err := e.execFSM.Transition(ctx, exec.ID, schema.ExecutionSuspended, status); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	update := store.ExecutionUpdate{Status: &status, CompletedAt: &now}
	if perr != nil {
		errJSON, _ := json.Marshal(perr)
		update.Error = errJSON
	}
	if err := e.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"update execution: %s", err.Error()).WithCause(err)
	}
	_ = e.store.CancelRequestsForExecution(ctx, exec.ID)

	res := &ProcessResult{
		ExecutionID: exec.ID,
		Status:      status,
		Error:       perr,
		CompletedAt: &now,
	}
	if exec.StartedAt != nil {
		res.StartedAt = *exec.StartedAt
	}
	return res, nil
}
