package store

import (
	"context"
	"fmt"

	"github.com/procflow/procflow/pkg/schema"
)

// EventLog provides replay and query operations over the append-only
// execution event log.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append appends an event to the execution's log.
func (el *EventLog) Append(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// Events returns events for an execution with sequence > since, ordered by
// sequence ASC.
func (el *EventLog) Events(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// Replay reconstructs per-node states from the execution's event log.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, executionID string) (map[string]*NodeResult, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	return ReplayEvents(executionID, events)
}

// ReplayEvents folds an ordered event slice into per-node states. Sequences
// must be contiguous starting at 1; a gap means the log is corrupt and the
// execution cannot be trusted for resume.
func ReplayEvents(executionID string, events []*Event) (map[string]*NodeResult, error) {
	results := make(map[string]*NodeResult)
	if len(events) == 0 {
		return results, nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		nr, ok := results[e.NodeID]
		if !ok {
			nr = &NodeResult{
				ExecutionID: executionID,
				NodeID:      e.NodeID,
				Status:      schema.NodePending,
			}
			results[e.NodeID] = nr
		}

		switch e.Type {
		case schema.EventNodeStarted:
			nr.Status = schema.NodeRunning
			ts := e.Timestamp
			nr.StartedAt = &ts

		case schema.EventNodeSucceeded:
			nr.Status = schema.NodeSucceeded
			ts := e.Timestamp
			nr.CompletedAt = &ts
			nr.Output = e.Payload
			if nr.StartedAt != nil {
				nr.DurationMs = ts.Sub(*nr.StartedAt).Milliseconds()
			}

		case schema.EventNodeFailed:
			nr.Status = schema.NodeFailed
			ts := e.Timestamp
			nr.CompletedAt = &ts
			nr.Error = e.Payload

		case schema.EventNodeSkipped:
			nr.Status = schema.NodeSkipped

		case schema.EventNodeRetrying:
			nr.Status = schema.NodeRetrying
			nr.RetryCount++

		case schema.EventNodeSuspended:
			nr.Status = schema.NodeSuspendedWait

		case schema.EventExecutionResumed:
			// The node leaves the suspended state when its decision is
			// applied, which emits its own node event. Nothing to fold here.
		}
	}

	return results, nil
}
