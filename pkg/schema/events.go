package schema

// Event type constants for the append-only execution log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionRejected  = "execution_rejected"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionSuspended = "execution_suspended"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionTimedOut  = "execution_timed_out"

	EventNodeStarted   = "node_started"
	EventNodeSucceeded = "node_succeeded"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetrying  = "node_retrying"
	EventNodeSuspended = "node_suspended"

	EventApprovalRequested = "approval_requested"
	EventApprovalDecided   = "approval_decided"
	EventApprovalExpired   = "approval_expired"
	EventApprovalEscalated = "approval_escalated"

	EventNotificationSent   = "notification_sent"
	EventNotificationFailed = "notification_failed"

	EventConditionEvaluated = "condition_evaluated"
	EventParallelStarted    = "parallel_started"
	EventParallelJoined     = "parallel_joined"
	EventLoopIteration      = "loop_iteration"
	EventLoopCompleted      = "loop_completed"
	EventSubprocessStarted  = "subprocess_started"
	EventSubprocessFinished = "subprocess_finished"
	EventDelayArmed         = "delay_armed"
	EventDelayElapsed       = "delay_elapsed"
)

// ExecutionStatus represents the lifecycle state of an execution.
// Rejected is a normal completion carrying a business rejection, not a failure.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuspended ExecutionStatus = "suspended"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionRejected  ExecutionStatus = "rejected"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimedOut  ExecutionStatus = "timed_out"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionRejected, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	}
	return false
}

// NodeStatus represents the lifecycle state of one node result.
type NodeStatus string

const (
	NodePending       NodeStatus = "pending"
	NodeRunning       NodeStatus = "running"
	NodeSucceeded     NodeStatus = "succeeded"
	NodeFailed        NodeStatus = "failed"
	NodeSuspendedWait NodeStatus = "suspended"
	NodeSkipped       NodeStatus = "skipped"
	NodeRetrying      NodeStatus = "retrying"
)
