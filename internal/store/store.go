package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (immutable, versioned)
	SaveDefinition(ctx context.Context, rec *DefinitionRecord) error
	GetDefinition(ctx context.Context, id string, version int) (*DefinitionRecord, error)
	ListDefinitions(ctx context.Context, limit int) ([]*DefinitionRecord, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Node results (materialized view)
	UpsertNodeResult(ctx context.Context, result *NodeResult) error
	GetNodeResult(ctx context.Context, executionID, nodeID string) (*NodeResult, error)
	ListNodeResults(ctx context.Context, executionID string) ([]*NodeResult, error)

	// Approval / form / delay requests
	CreateRequest(ctx context.Context, req *ApprovalRequest) error
	GetRequest(ctx context.Context, id string) (*ApprovalRequest, error)
	GetPendingRequest(ctx context.Context, executionID, nodeID string) (*ApprovalRequest, error)
	DecideRequest(ctx context.Context, id, status, decidedBy string, decision []byte) error
	EscalateRequest(ctx context.Context, id string, assignees []byte, deadline *time.Time) error
	CancelRequestsForExecution(ctx context.Context, executionID string) error
	ListRequests(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, error)

	// Event sourcing (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
