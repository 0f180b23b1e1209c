package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow/internal/executors"
	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/internal/logging"
	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/schema"
)

// execute registers the run for cooperative cancellation and walks the graph
// from the given node until a terminal status or a suspension.
func (e *engineImpl) execute(ctx context.Context, run *processRun, from string) *ProcessResult {
	walkCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel

	e.mu.Lock()
	e.running[run.exec.ID] = run
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, run.exec.ID)
		e.mu.Unlock()
	}()

	return e.walk(walkCtx, run, from)
}

// resumeAt re-executes a previously suspended node with the decision payload,
// then walks on from its outgoing edge.
func (e *engineImpl) resumeAt(ctx context.Context, run *processRun, nodeID string, decision map[string]any) *ProcessResult {
	walkCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel

	e.mu.Lock()
	e.running[run.exec.ID] = run
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, run.exec.ID)
		e.mu.Unlock()
	}()

	out := e.step(walkCtx, run, nodeID, decision)
	if out.result != nil {
		return out.result
	}
	return e.walk(walkCtx, run, out.next)
}

func (e *engineImpl) walk(ctx context.Context, run *processRun, current string) *ProcessResult {
	for {
		out := e.step(ctx, run, current, nil)
		if out.result != nil {
			return out.result
		}
		current = out.next
	}
}

// stepOutcome is either the next node to visit or the final result.
type stepOutcome struct {
	next   string
	result *ProcessResult
}

// step executes one node and decides where the walk goes next. The
// checkpoint is persisted before the node runs, so a crash mid-node resumes
// at the same node rather than losing or duplicating progress.
func (e *engineImpl) step(ctx context.Context, run *processRun, nodeID string, decision map[string]any) stepOutcome {
	if err := ctx.Err(); err != nil {
		return e.interrupted(ctx, run, err)
	}
	if run.deadline != nil && time.Now().After(*run.deadline) {
		return stepOutcome{result: e.finishTimeout(ctx, run)}
	}
	if steps := run.takeStep(); steps > maxSteps(run.def) {
		return stepOutcome{result: e.finishFailure(ctx, run,
			schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeStepBudget,
				"step budget of %d exceeded", maxSteps(run.def)).WithNode(nodeID))}
	}

	node := run.graph.Node(nodeID)
	if node == nil {
		return stepOutcome{result: e.finishFailure(ctx, run,
			schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
				"walk reached unknown node %q", nodeID).WithNode(nodeID))}
	}

	e.checkpoint(ctx, run, nodeID)

	stepCtx := logging.WithIDs(ctx, run.exec.ID, nodeID, run.exec.DefinitionID)

	res, err := e.executeNode(stepCtx, run, run.scope, node, decision)
	if err != nil {
		return e.handleNodeFailure(stepCtx, run, node, err)
	}

	switch {
	case res.Status == schema.NodeSuspendedWait:
		return stepOutcome{result: e.suspend(stepCtx, run, node, res.Suspension)}

	case res.Terminal != "":
		return stepOutcome{result: e.finishTerminal(stepCtx, run, res.Terminal, res.Output)}

	case node.Type == schema.NodeEnd:
		output, _ := res.Output.(map[string]any)
		return stepOutcome{result: e.finishCompleted(stepCtx, run, output)}

	case node.Type == schema.NodeParallel:
		cfg := run.graph.Configs[nodeID].(*schema.ParallelConfig)
		if err := e.runParallelRegion(stepCtx, run, node, cfg); err != nil {
			return e.handleNodeFailure(stepCtx, run, node, err)
		}
		return stepOutcome{next: cfg.JoinNode}

	case node.Type == schema.NodeLoop:
		loopOut, _ := res.Output.(map[string]any)
		cfg := run.graph.Configs[nodeID].(*schema.LoopConfig)
		if err := e.runLoopRegion(stepCtx, run, node, cfg, loopOut); err != nil {
			return e.handleNodeFailure(stepCtx, run, node, err)
		}
	}

	if res.Output != nil {
		if err := run.scope.SetOutput(outputKey(node), res.Output); err != nil {
			return stepOutcome{result: e.finishFailure(stepCtx, run, asProcessError(err, node.ID))}
		}
	}

	next, ok := run.graph.Next(nodeID, res.Branch)
	if !ok {
		return stepOutcome{result: e.finishFailure(stepCtx, run,
			schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
				"node %s has no outgoing edge with tag %q", nodeID, res.Branch).WithNode(nodeID))}
	}
	return stepOutcome{next: next}
}

// executeNode runs one node through its executor with per-node timeout and
// retry policy. Tool calls additionally pass through the per-tool circuit
// breaker. The node's state transitions and materialized result rows are
// recorded here; scope merging stays with the caller because branch and loop
// scopes differ.
func (e *engineImpl) executeNode(ctx context.Context, run *processRun, sb *expressions.ScopeBuilder, node *schema.ProcessNode, decision map[string]any) (*executors.ExecResult, error) {
	executor, err := e.registry.Get(node.Type)
	if err != nil {
		return nil, asProcessError(err, node.ID)
	}

	from := schema.NodePending
	if decision != nil {
		from = schema.NodeSuspendedWait
	}
	if err := e.nodeFSM.Transition(ctx, run.exec.ID, node.ID, from, schema.NodeRunning); err != nil {
		return nil, err
	}

	startedAt := time.Now().UTC()
	result := &store.NodeResult{
		ExecutionID: run.exec.ID,
		NodeID:      node.ID,
		Status:      schema.NodeRunning,
		StartedAt:   &startedAt,
	}
	if err := e.store.UpsertNodeResult(ctx, result); err != nil {
		e.logger.WarnContext(ctx, "persist node state failed", "error", err)
	}

	input := &executors.ExecInput{
		Node:        node,
		Config:      run.graph.Configs[node.ID],
		ExecutionID: run.exec.ID,
		InitiatorID: run.exec.InitiatorID,
		Resolver:    e.resolver,
		Decision:    decision,
	}

	toolName := ""
	if node.Type == schema.NodeTool {
		if cfg, ok := input.Config.(*schema.ToolConfig); ok {
			toolName = cfg.Tool
		}
	}

	timeout := nodeTimeout(run.def, node)
	maxAttempts := 1
	if node.Retry != nil && node.Retry.Max > 0 {
		maxAttempts = node.Retry.Max + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := e.nodeFSM.Transition(ctx, run.exec.ID, node.ID, schema.NodeRunning, schema.NodeRetrying); err != nil {
				break
			}
			result.Status = schema.NodeRetrying
			result.RetryCount = attempt
			_ = e.store.UpsertNodeResult(ctx, result)

			delay := ComputeBackoff(node.Retry, attempt-1)
			e.logger.InfoContext(ctx, "retrying node",
				"attempt", attempt, "max", maxAttempts-1, "backoff", delay.String())
			if err := WaitForBackoff(ctx, delay); err != nil {
				lastErr = err
				break
			}
			if err := e.nodeFSM.Transition(ctx, run.exec.ID, node.ID, schema.NodeRetrying, schema.NodeRunning); err != nil {
				break
			}
			result.Status = schema.NodeRunning
		}

		if toolName != "" {
			if cbErr := e.breakers.Allow(toolName); cbErr != nil {
				lastErr = cbErr
				if attempt < maxAttempts-1 {
					continue
				}
				break
			}
		}

		input.Scope = sb.Build()

		attemptCtx := ctx
		var cancelAttempt context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(ctx, timeout)
		}
		res, execErr := executor.Execute(attemptCtx, input)
		if cancelAttempt != nil {
			if execErr == nil && attemptCtx.Err() == context.DeadlineExceeded {
				execErr = attemptCtx.Err()
			}
			cancelAttempt()
		}

		if execErr == nil {
			if toolName != "" {
				e.breakers.Observe(toolName, nil)
			}
			return res, e.recordNodeSuccess(ctx, run, node, result, res, startedAt, attempt)
		}

		// A timed-out attempt surfaces as the timeout category while the
		// execution-level context stays intact.
		if errors.Is(execErr, context.DeadlineExceeded) && ctx.Err() == nil {
			execErr = schema.NewErrorf(schema.CategoryTimeout, schema.ErrCodeTimeout,
				"node timed out after %s", timeout).WithNode(node.ID).WithCause(execErr)
		}
		if toolName != "" {
			e.breakers.Observe(toolName, execErr)
		}

		lastErr = execErr
		if errors.Is(execErr, context.Canceled) || !IsRetryableError(execErr) {
			break
		}
	}

	return nil, e.recordNodeFailure(ctx, run, node, result, lastErr, startedAt, maxAttempts)
}

func (e *engineImpl) recordNodeSuccess(ctx context.Context, run *processRun, node *schema.ProcessNode, result *store.NodeResult, res *executors.ExecResult, startedAt time.Time, attempt int) error {
	to := schema.NodeSucceeded
	if res.Status == schema.NodeSuspendedWait {
		to = schema.NodeSuspendedWait
	}
	if err := e.nodeFSM.Transition(ctx, run.exec.ID, node.ID, schema.NodeRunning, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	result.Status = to
	result.RetryCount = attempt
	if to == schema.NodeSucceeded {
		result.CompletedAt = &now
		result.DurationMs = now.Sub(startedAt).Milliseconds()
		if res.Output != nil {
			if raw, err := json.Marshal(res.Output); err == nil {
				result.Output = raw
			}
		}
	}
	if err := e.store.UpsertNodeResult(ctx, result); err != nil {
		e.logger.WarnContext(ctx, "persist node state failed", "error", err)
	}
	return nil
}

// recordNodeFailure finalizes the node as failed, or skipped when the walk
// was cancelled underneath it. The original cause is preserved through the
// retry wrapper so the surfaced error names the real failure.
func (e *engineImpl) recordNodeFailure(ctx context.Context, run *processRun, node *schema.ProcessNode, result *store.NodeResult, cause error, startedAt time.Time, maxAttempts int) error {
	persistCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()

	if errors.Is(cause, context.Canceled) {
		fromStatus := result.Status
		if fromStatus == schema.NodeRunning || fromStatus == schema.NodeRetrying {
			_ = e.nodeFSM.Transition(persistCtx, run.exec.ID, node.ID, fromStatus, schema.NodeSkipped)
		}
		result.Status = schema.NodeSkipped
		result.CompletedAt = &now
		_ = e.store.UpsertNodeResult(persistCtx, result)
		return context.Canceled
	}

	pe := asProcessError(cause, node.ID)
	if maxAttempts > 1 {
		pe = schema.NewErrorf(pe.Category, schema.ErrCodeRetryExhausted,
			"node failed after %d attempts: %s", maxAttempts, pe.Message).
			WithNode(node.ID).WithCause(cause).WithUserMessage(pe.UserMessage)
	}

	fromStatus := result.Status
	if fromStatus != schema.NodeRunning && fromStatus != schema.NodeRetrying {
		fromStatus = schema.NodeRunning
	}
	if err := e.nodeFSM.Transition(persistCtx, run.exec.ID, node.ID, fromStatus, schema.NodeFailed); err != nil {
		e.logger.WarnContext(ctx, "node transition failed", "error", err)
	}

	result.Status = schema.NodeFailed
	result.CompletedAt = &now
	result.DurationMs = now.Sub(startedAt).Milliseconds()
	result.Category = string(pe.Category)
	if raw, err := json.Marshal(pe); err == nil {
		result.Error = raw
	}
	if err := e.store.UpsertNodeResult(persistCtx, result); err != nil {
		e.logger.WarnContext(ctx, "persist node state failed", "error", err)
	}

	return pe
}

// handleNodeFailure either continues past an optional node or ends the
// execution with the node's error.
func (e *engineImpl) handleNodeFailure(ctx context.Context, run *processRun, node *schema.ProcessNode, err error) stepOutcome {
	if errors.Is(err, context.Canceled) {
		return e.interrupted(ctx, run, err)
	}

	if node.Optional {
		if next, ok := run.graph.Next(node.ID, ""); ok {
			e.logger.WarnContext(ctx, "optional node failed, continuing",
				"node_id", node.ID, "error", err)
			return stepOutcome{next: next}
		}
	}

	return stepOutcome{result: e.finishFailure(ctx, run, asProcessError(err, node.ID))}
}

// interrupted maps a context error to the execution outcome. Cancellation
// was already persisted by Cancel; a deadline means the wall-clock budget.
func (e *engineImpl) interrupted(ctx context.Context, run *processRun, err error) stepOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return stepOutcome{result: e.finishTimeout(ctx, run)}
	}
	now := time.Now().UTC()
	return stepOutcome{result: &ProcessResult{
		ExecutionID: run.exec.ID,
		Status:      schema.ExecutionCancelled,
		StartedAt:   startedAtOf(run),
		CompletedAt: &now,
	}}
}

// --- Parallel region ---

type branchResult struct {
	idx   int
	head  string
	scope *expressions.ScopeBuilder
	err   error
}

// runParallelRegion fans the branch heads out through the branch pool, each
// on an isolated scope copy, and joins them per the configured policy.
// wait_all fails fast and cancels siblings on the first branch error;
// wait_any takes the first successful branch and cancels the stragglers,
// whose in-flight nodes are recorded as skipped.
func (e *engineImpl) runParallelRegion(ctx context.Context, run *processRun, node *schema.ProcessNode, cfg *schema.ParallelConfig) error {
	heads := run.graph.BranchHeads(node.ID)
	if len(heads) == 0 {
		return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
			"parallel node %s has no branches", node.ID).WithNode(node.ID)
	}

	join := cfg.Join
	if join == "" {
		join = schema.JoinWaitAll
	}

	e.appendEvent(ctx, run.exec.ID, node.ID, schema.EventParallelStarted, map[string]any{
		"branches": heads,
		"join":     string(join),
	})

	branchCtx, cancelBranches := context.WithCancel(ctx)
	defer cancelBranches()

	results := make(chan branchResult, len(heads))
	for i, head := range heads {
		idx, entry := i, head
		bsb := run.scope.ForBranch()
		submitErr := e.pool.Go(branchCtx, func(workCtx context.Context) error {
			return e.walkSegment(workCtx, run, bsb, entry, cfg.JoinNode, nil)
		}, func(err error) {
			results <- branchResult{idx: idx, head: entry, scope: bsb, err: err}
		})
		if submitErr != nil {
			results <- branchResult{idx: idx, head: entry, scope: bsb, err: submitErr}
		}
	}

	completed := make([]branchResult, 0, len(heads))
	var winner *branchResult
	var firstErr error

	for range heads {
		br := <-results
		switch join {
		case schema.JoinWaitAny:
			if br.err == nil && winner == nil {
				b := br
				winner = &b
				cancelBranches()
			}
		default: // wait_all
			if br.err != nil && firstErr == nil && !errors.Is(br.err, context.Canceled) {
				firstErr = br.err
				cancelBranches()
			}
		}
		if br.err != nil && !errors.Is(br.err, context.Canceled) && firstErr == nil {
			firstErr = br.err
		}
		completed = append(completed, br)
	}

	if join == schema.JoinWaitAny {
		if winner == nil {
			if firstErr == nil {
				firstErr = schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeNodeFailed,
					"all parallel branches failed").WithNode(node.ID)
			}
			return firstErr
		}
		run.scope.MergeBranch(winner.scope)
		// Persist the merged outputs at the join so a crash after the region
		// resumes past it instead of re-firing branch side effects.
		e.checkpoint(ctx, run, cfg.JoinNode)
		e.appendEvent(ctx, run.exec.ID, node.ID, schema.EventParallelJoined, map[string]any{
			"join":   string(join),
			"winner": winner.head,
		})
		return nil
	}

	if firstErr != nil {
		return firstErr
	}

	// Merge in definition order so overlapping keys resolve deterministically.
	sort.Slice(completed, func(i, j int) bool { return completed[i].idx < completed[j].idx })
	for _, br := range completed {
		run.scope.MergeBranch(br.scope)
	}
	e.checkpoint(ctx, run, cfg.JoinNode)

	e.appendEvent(ctx, run.exec.ID, node.ID, schema.EventParallelJoined, map[string]any{
		"join":     string(join),
		"branches": len(completed),
	})
	return nil
}

// --- Loop region ---

// runLoopRegion walks the loop body once per collection item, bounded by
// max_iterations. Each iteration sees the item and index under the
// configured variable names; body writes overwrite across iterations.
func (e *engineImpl) runLoopRegion(ctx context.Context, run *processRun, node *schema.ProcessNode, cfg *schema.LoopConfig, loopOut map[string]any) error {
	bodyEntry, ok := run.graph.BodyEntry(node.ID)
	if !ok {
		return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
			"loop node %s has no body edge", node.ID).WithNode(node.ID)
	}
	closers := run.graph.LoopClosers(node.ID)
	if len(closers) == 0 {
		return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
			"loop node %s has no back-edge", node.ID).WithNode(node.ID)
	}

	items, _ := loopOut["items"].([]any)
	limit := len(items)
	if cfg.MaxIterations > 0 && cfg.MaxIterations < limit {
		limit = cfg.MaxIterations
	}

	for i := 0; i < limit; i++ {
		e.appendEvent(ctx, run.exec.ID, node.ID, schema.EventLoopIteration, map[string]any{
			"iteration": i,
			"of":        limit,
		})
		iterScope := run.scope.WithLoopVars(cfg.ItemVar, items[i], i)
		if err := e.walkSegment(ctx, run, iterScope, bodyEntry, "", closers); err != nil {
			return err
		}
		// Body writes land in the shared steps map, so each completed
		// iteration is durable before the next one starts.
		e.checkpoint(ctx, run, node.ID)
	}

	e.appendEvent(ctx, run.exec.ID, node.ID, schema.EventLoopCompleted, map[string]any{
		"iterations": limit,
		"collection": len(items),
	})
	return nil
}

// walkSegment walks a linear stretch of the graph inside a region: a
// parallel branch up to (not including) the join node, or one loop body
// iteration through its closing node. Regions do not nest and cannot
// suspend; admission validation enforces both, this guards against drift.
func (e *engineImpl) walkSegment(ctx context.Context, run *processRun, sb *expressions.ScopeBuilder, from, stopAt string, closers map[string]bool) error {
	current := from
	for {
		if stopAt != "" && current == stopAt {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if run.deadline != nil && time.Now().After(*run.deadline) {
			return schema.NewErrorf(schema.CategoryTimeout, schema.ErrCodeDeadlineExpired,
				"execution exceeded its wall-clock budget").WithNode(current)
		}
		if steps := run.takeStep(); steps > maxSteps(run.def) {
			return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeStepBudget,
				"step budget of %d exceeded", maxSteps(run.def)).WithNode(current)
		}

		node := run.graph.Node(current)
		if node == nil {
			return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
				"walk reached unknown node %q", current).WithNode(current)
		}
		if node.Type == schema.NodeParallel || node.Type == schema.NodeLoop {
			return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
				"node %s: %s regions do not nest", current, node.Type).WithNode(current)
		}

		res, err := e.executeNode(ctx, run, sb, node, nil)
		if err != nil {
			if node.Optional && !errors.Is(err, context.Canceled) {
				if next, ok := run.graph.Next(current, ""); ok {
					e.logger.WarnContext(ctx, "optional node failed, continuing",
						"node_id", current, "error", err)
					current = next
					continue
				}
			}
			return err
		}

		if res.Status == schema.NodeSuspendedWait {
			return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
				"node %s: waits are only allowed in the top-level flow", current).WithNode(current)
		}
		if res.Terminal != "" {
			return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
				"node %s: terminal outcomes are only allowed in the top-level flow", current).WithNode(current)
		}

		if res.Output != nil {
			if closers != nil {
				sb.SetLoopOutput(outputKey(node), res.Output)
			} else if err := sb.SetOutput(outputKey(node), res.Output); err != nil {
				return asProcessError(err, current)
			}
		}

		if closers[current] {
			return nil
		}

		next, ok := run.graph.Next(current, res.Branch)
		if !ok {
			return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidDefinition,
				"node %s has no outgoing edge with tag %q", current, res.Branch).WithNode(current)
		}
		current = next
	}
}

// --- Suspension ---

// suspend persists the durable wait and parks the execution. The request
// row carries resolved principals and an absolute deadline so a restart or
// the deadline sweeper can act on it without re-resolving anything.
func (e *engineImpl) suspend(ctx context.Context, run *processRun, node *schema.ProcessNode, susp *executors.Suspension) *ProcessResult {
	req := &store.ApprovalRequest{
		ID:          uuid.New().String(),
		ExecutionID: run.exec.ID,
		NodeID:      node.ID,
		Kind:        string(susp.Kind),
		Title:       susp.Title,
		Message:     susp.Message,
		DeadlineAt:  susp.Deadline,
		Fallback:    string(susp.Fallback),
		Status:      store.RequestPending,
	}
	if len(susp.Assignees) > 0 {
		if raw, err := json.Marshal(susp.Assignees); err == nil {
			req.Assignees = raw
		}
	}
	if len(susp.Fields) > 0 {
		if raw, err := json.Marshal(susp.Fields); err == nil {
			req.Fields = raw
		}
	}

	if err := e.store.CreateRequest(ctx, req); err != nil {
		return e.finishFailure(ctx, run, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"persist wait request: %s", err.Error()).WithNode(node.ID).WithCause(err))
	}

	eventType := schema.EventApprovalRequested
	if susp.Kind == executors.SuspendDelay {
		eventType = schema.EventDelayArmed
	}
	payload := map[string]any{"request_id": req.ID, "kind": string(susp.Kind)}
	if susp.Deadline != nil {
		payload["deadline_at"] = susp.Deadline.Format(time.RFC3339)
	}
	e.appendEvent(ctx, run.exec.ID, node.ID, eventType, payload)

	if err := e.execFSM.Transition(ctx, run.exec.ID, schema.ExecutionRunning, schema.ExecutionSuspended); err != nil {
		return e.finishFailure(ctx, run, asProcessError(err, node.ID))
	}

	suspended := schema.ExecutionSuspended
	ctxJSON, _ := json.Marshal(run.scope.Outputs())
	frontierJSON, _ := json.Marshal([]string{node.ID})
	steps := run.steps()
	if err := e.store.UpdateExecution(ctx, run.exec.ID, store.ExecutionUpdate{
		Status:    &suspended,
		Context:   ctxJSON,
		Frontier:  frontierJSON,
		StepCount: &steps,
	}); err != nil {
		return e.finishFailure(ctx, run, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
			"persist suspension: %s", err.Error()).WithNode(node.ID).WithCause(err))
	}

	e.logger.InfoContext(ctx, "execution suspended",
		"kind", string(susp.Kind), "request_id", req.ID)

	return &ProcessResult{
		ExecutionID:   run.exec.ID,
		Status:        schema.ExecutionSuspended,
		SuspendedNode: node.ID,
		StartedAt:     startedAtOf(run),
	}
}

// --- Terminal outcomes ---

func (e *engineImpl) finishCompleted(ctx context.Context, run *processRun, output map[string]any) *ProcessResult {
	return e.finish(ctx, run, schema.ExecutionCompleted, output, nil)
}

// finishTerminal ends the execution with an executor-chosen terminal status,
// approval rejection with on_reject=stop being the one in the catalog.
func (e *engineImpl) finishTerminal(ctx context.Context, run *processRun, status schema.ExecutionStatus, output any) *ProcessResult {
	out, _ := output.(map[string]any)
	return e.finish(ctx, run, status, out, nil)
}

func (e *engineImpl) finishFailure(ctx context.Context, run *processRun, pe *schema.ProcessError) *ProcessResult {
	return e.finish(ctx, run, schema.ExecutionFailed, nil, pe)
}

func (e *engineImpl) finishTimeout(ctx context.Context, run *processRun) *ProcessResult {
	pe := schema.NewError(schema.CategoryTimeout, schema.ErrCodeDeadlineExpired,
		"execution exceeded its wall-clock budget")
	return e.finish(ctx, run, schema.ExecutionTimedOut, nil, pe)
}

// finish persists the terminal state. It writes through a detached context
// so a cancelled or expired walk context cannot block the final record.
func (e *engineImpl) finish(ctx context.Context, run *processRun, status schema.ExecutionStatus, output map[string]any, pe *schema.ProcessError) *ProcessResult {
	persistCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()

	if err := e.execFSM.Transition(persistCtx, run.exec.ID, schema.ExecutionRunning, status); err != nil {
		e.logger.WarnContext(ctx, "execution transition failed", "to", string(status), "error", err)
	}

	update := store.ExecutionUpdate{
		Status:      &status,
		CompletedAt: &now,
	}
	ctxJSON, _ := json.Marshal(run.scope.Outputs())
	update.Context = ctxJSON
	steps := run.steps()
	update.StepCount = &steps
	if output != nil {
		if raw, err := json.Marshal(output); err == nil {
			update.Output = raw
		}
	}
	if pe != nil {
		if raw, err := json.Marshal(pe); err == nil {
			update.Error = raw
		}
	}
	if err := e.store.UpdateExecution(persistCtx, run.exec.ID, update); err != nil {
		e.logger.ErrorContext(ctx, "persist terminal state failed", "error", err)
	}

	// Pending waits cannot outlive the execution.
	if err := e.store.CancelRequestsForExecution(persistCtx, run.exec.ID); err != nil {
		e.logger.WarnContext(ctx, "cancel pending requests failed", "error", err)
	}

	if pe != nil {
		e.logger.ErrorContext(ctx, "execution ended",
			"status", string(status), "error", pe.Error())
	} else {
		e.logger.InfoContext(ctx, "execution ended", "status", string(status))
	}

	return &ProcessResult{
		ExecutionID: run.exec.ID,
		Status:      status,
		Output:      output,
		Error:       pe,
		StartedAt:   startedAtOf(run),
		CompletedAt: &now,
	}
}

// --- Small helpers ---

// checkpoint persists the scope and frontier before a node runs. Best
// effort: a failed checkpoint is logged, not fatal, since the next one
// supersedes it.
func (e *engineImpl) checkpoint(ctx context.Context, run *processRun, nodeID string) {
	ctxJSON, err := json.Marshal(run.scope.Outputs())
	if err != nil {
		e.logger.WarnContext(ctx, "checkpoint marshal failed", "error", err)
		return
	}
	frontierJSON, _ := json.Marshal([]string{nodeID})
	steps := run.steps()
	if err := e.store.UpdateExecution(ctx, run.exec.ID, store.ExecutionUpdate{
		Context:   ctxJSON,
		Frontier:  frontierJSON,
		StepCount: &steps,
	}); err != nil {
		e.logger.WarnContext(ctx, "checkpoint persist failed", "error", err)
	}
}

func (e *engineImpl) appendEvent(ctx context.Context, executionID, nodeID, eventType string, payload map[string]any) {
	event := &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			event.Payload = raw
		}
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "append event failed", "event_type", eventType, "error", err)
	}
}

func outputKey(node *schema.ProcessNode) string {
	if node.OutputVar != "" {
		return node.OutputVar
	}
	return node.ID
}

func maxSteps(def *schema.ProcessDefinition) int {
	if def.Settings.MaxSteps > 0 {
		return def.Settings.MaxSteps
	}
	return schema.DefaultMaxSteps
}

func nodeTimeout(def *schema.ProcessDefinition, node *schema.ProcessNode) time.Duration {
	raw := node.Timeout
	if raw == "" {
		raw = def.Settings.DefaultNodeTimeout
	}
	if raw == "" {
		return 0
	}
	d, err := executors.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

func startedAtOf(run *processRun) time.Time {
	if run.exec.StartedAt != nil {
		return *run.exec.StartedAt
	}
	return run.exec.CreatedAt
}

// asProcessError normalizes any error into a ProcessError tagged with the
// node it came from.
func asProcessError(err error, nodeID string) *schema.ProcessError {
	var pe *schema.ProcessError
	if errors.As(err, &pe) {
		if pe.NodeID == "" {
			pe.NodeID = nodeID
		}
		return pe
	}
	return schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeExecution,
		"%s", err.Error()).WithNode(nodeID).WithCause(err)
}
