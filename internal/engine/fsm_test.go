package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/schema"
)

// recordingAppender captures emitted events in order.
type recordingAppender struct {
	events []*store.Event
	err    error
}

func (r *recordingAppender) AppendEvent(_ context.Context, e *store.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func TestExecutionFSMValidTransitions(t *testing.T) {
	app := &recordingAppender{}
	fsm := NewExecutionFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "x1", schema.ExecutionPending, schema.ExecutionRunning))
	require.NoError(t, fsm.Transition(ctx, "x1", schema.ExecutionRunning, schema.ExecutionSuspended))
	require.NoError(t, fsm.Transition(ctx, "x1", schema.ExecutionSuspended, schema.ExecutionRunning))
	require.NoError(t, fsm.Transition(ctx, "x1", schema.ExecutionRunning, schema.ExecutionCompleted))

	types := make([]string, 0, len(app.events))
	for _, e := range app.events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventExecutionSuspended,
		schema.EventExecutionStarted, // resume re-enters running
		schema.EventExecutionCompleted,
	}, types)
}

func TestExecutionFSMRejectsInvalidTransition(t *testing.T) {
	fsm := NewExecutionFSM(&recordingAppender{})

	err := fsm.Transition(context.Background(), "x1", schema.ExecutionCompleted, schema.ExecutionRunning)
	var pe *schema.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeInvalidTransition, pe.Code)
	assert.Equal(t, schema.CategoryValidation, pe.Category)
}

func TestExecutionFSMTerminalStatesAreFinal(t *testing.T) {
	fsm := NewExecutionFSM(&recordingAppender{})
	ctx := context.Background()

	terminals := []schema.ExecutionStatus{
		schema.ExecutionCompleted, schema.ExecutionRejected, schema.ExecutionFailed,
		schema.ExecutionCancelled, schema.ExecutionTimedOut,
	}
	targets := []schema.ExecutionStatus{
		schema.ExecutionRunning, schema.ExecutionSuspended, schema.ExecutionCancelled,
	}
	for _, from := range terminals {
		for _, to := range targets {
			assert.Error(t, fsm.Transition(ctx, "x1", from, to), "%s -> %s", from, to)
		}
	}
}

func TestExecutionFSMSuspendedCanTimeOut(t *testing.T) {
	fsm := NewExecutionFSM(&recordingAppender{})
	require.NoError(t, fsm.Transition(context.Background(), "x1",
		schema.ExecutionSuspended, schema.ExecutionTimedOut))
}

func TestExecutionFSMHooks(t *testing.T) {
	fsm := NewExecutionFSM(&recordingAppender{})

	var order []string
	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, func(from, to string) error {
		order = append(order, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.ExecutionPending, schema.ExecutionRunning, func(from, to string) error {
		order = append(order, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "x1",
		schema.ExecutionPending, schema.ExecutionRunning))
	assert.Equal(t, []string{"before:pending->running", "after:pending->running"}, order)
}

func TestNodeFSMLifecycle(t *testing.T) {
	app := &recordingAppender{}
	fsm := NewNodeFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "x1", "n1", schema.NodePending, schema.NodeRunning))
	require.NoError(t, fsm.Transition(ctx, "x1", "n1", schema.NodeRunning, schema.NodeRetrying))
	require.NoError(t, fsm.Transition(ctx, "x1", "n1", schema.NodeRetrying, schema.NodeRunning))
	require.NoError(t, fsm.Transition(ctx, "x1", "n1", schema.NodeRunning, schema.NodeSucceeded))

	require.Len(t, app.events, 4)
	assert.Equal(t, schema.EventNodeRetrying, app.events[1].Type)
	assert.Equal(t, "n1", app.events[1].NodeID)
}

func TestNodeFSMSuspendAndResume(t *testing.T) {
	fsm := NewNodeFSM(&recordingAppender{})
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "x1", "appr", schema.NodePending, schema.NodeRunning))
	require.NoError(t, fsm.Transition(ctx, "x1", "appr", schema.NodeRunning, schema.NodeSuspendedWait))
	require.NoError(t, fsm.Transition(ctx, "x1", "appr", schema.NodeSuspendedWait, schema.NodeRunning))
	require.NoError(t, fsm.Transition(ctx, "x1", "appr", schema.NodeRunning, schema.NodeSucceeded))

	// Succeeded is final.
	assert.Error(t, fsm.Transition(ctx, "x1", "appr", schema.NodeSucceeded, schema.NodeRunning))
}

func TestCancelExecutionCascade(t *testing.T) {
	app := &recordingAppender{}
	execFSM := NewExecutionFSM(app)
	nodeFSM := NewNodeFSM(app)

	nodeStates := map[string]schema.NodeStatus{
		"done":    schema.NodeSucceeded,
		"running": schema.NodeRunning,
		"waiting": schema.NodeSuspendedWait,
		"queued":  schema.NodePending,
	}

	err := CancelExecution(context.Background(), execFSM, nodeFSM, "x1",
		schema.ExecutionSuspended, nodeStates)
	require.NoError(t, err)

	skipped := 0
	for _, e := range app.events {
		if e.Type == schema.EventNodeSkipped {
			skipped++
			assert.NotEqual(t, "done", e.NodeID)
		}
	}
	assert.Equal(t, 3, skipped)
}
