package store

import (
	"encoding/json"
	"time"

	"github.com/procflow/procflow/pkg/schema"
)

// DefinitionRecord is a registered, validated process definition. Records
// are immutable; edits register a new version.
type DefinitionRecord struct {
	ID         string                   `json:"id"`
	Version    int                      `json:"version"`
	Name       string                   `json:"name,omitempty"`
	Definition schema.ProcessDefinition `json:"definition"`
	CreatedAt  time.Time                `json:"created_at"`
}

// Execution is the persisted representation of one process run. Context and
// Frontier together form the resumable checkpoint: Context holds the
// accumulated variable scope, Frontier the set of node pointers the walker
// will pick up next.
type Execution struct {
	ID                string                 `json:"id"`
	DefinitionID      string                 `json:"definition_id"`
	DefinitionVersion int                    `json:"definition_version"`
	Status            schema.ExecutionStatus `json:"status"`
	InitiatorID       string                 `json:"initiator_id,omitempty"`
	ParentID          string                 `json:"parent_execution_id,omitempty"`
	TriggerInput      map[string]any         `json:"trigger_input,omitempty"`
	IdentityContext   map[string]any         `json:"identity_context,omitempty"`
	Context           json.RawMessage        `json:"context,omitempty"`
	Frontier          json.RawMessage        `json:"frontier,omitempty"`
	StepCount         int                    `json:"step_count"`
	Output            json.RawMessage        `json:"output,omitempty"`
	Error             json.RawMessage        `json:"error,omitempty"`
	CancelReason      string                 `json:"cancel_reason,omitempty"`
	DeadlineAt        *time.Time             `json:"deadline_at,omitempty"` // wall-clock budget
	CreatedAt         time.Time              `json:"created_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// NodeResult is the materialized view of one node's latest run within an
// execution.
type NodeResult struct {
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Category    string            `json:"category,omitempty"` // error category on failure
	RetryCount  int               `json:"retry_count"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Request statuses for approval/form/delay waits.
const (
	RequestPending   = "pending"
	RequestApproved  = "approved"
	RequestRejected  = "rejected"
	RequestSubmitted = "submitted" // form completion
	RequestElapsed   = "elapsed"   // delay completion
	RequestExpired   = "expired"
	RequestCancelled = "cancelled"
)

// ApprovalRequest is a persisted durable wait: an approval, a form, or a
// delay. Assignees always hold the concrete resolved principals; deadlines
// are absolute so the sweeper can act after a restart.
type ApprovalRequest struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	Kind        string          `json:"kind"` // approval | form | delay
	Assignees   json.RawMessage `json:"assignees,omitempty"`
	Title       string          `json:"title,omitempty"`
	Message     string          `json:"message,omitempty"`
	Fields      json.RawMessage `json:"fields,omitempty"` // form field schema
	DeadlineAt  *time.Time      `json:"deadline_at,omitempty"`
	Fallback    string          `json:"fallback,omitempty"`
	Escalated   bool            `json:"escalated"`
	Status      string          `json:"status"`
	Decision    json.RawMessage `json:"decision,omitempty"`
	DecidedBy   string          `json:"decided_by,omitempty"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Event is one immutable entry in the append-only execution log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Schedule is a cron-fired trigger for a definition.
type Schedule struct {
	ID            string          `json:"id"`
	DefinitionID  string          `json:"definition_id"`
	Version       int             `json:"definition_version,omitempty"`
	Cron          string          `json:"cron"`
	Input         json.RawMessage `json:"input,omitempty"`
	Enabled       bool            `json:"enabled"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus string          `json:"last_run_status,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status       *schema.ExecutionStatus `json:"status,omitempty"`
	DefinitionID string                  `json:"definition_id,omitempty"`
	InitiatorID  string                  `json:"initiator_id,omitempty"`
	Since        *time.Time              `json:"since,omitempty"`
	Limit        int                     `json:"limit,omitempty"`
	Offset       int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution. Nil fields are
// left untouched.
type ExecutionUpdate struct {
	Status       *schema.ExecutionStatus `json:"status,omitempty"`
	Context      json.RawMessage         `json:"context,omitempty"`
	Frontier     json.RawMessage         `json:"frontier,omitempty"`
	StepCount    *int                    `json:"step_count,omitempty"`
	Output       json.RawMessage         `json:"output,omitempty"`
	Error        json.RawMessage         `json:"error,omitempty"`
	CancelReason string                  `json:"cancel_reason,omitempty"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
}

// RequestFilter specifies criteria for listing approval requests.
type RequestFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	NodeID      string     `json:"node_id,omitempty"`
	Status      string     `json:"status,omitempty"`
	Kind        string     `json:"kind,omitempty"`
	DueBefore   *time.Time `json:"due_before,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	NodeID      string     `json:"node_id,omitempty"`
	EventType   string     `json:"event_type,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}
