package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/schema"
)

func appendNodeEvent(t *testing.T, el *EventLog, execID, nodeID, eventType string, payload map[string]any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	require.NoError(t, el.Append(context.Background(), &Event{
		ExecutionID: execID,
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     raw,
	}))
}

func TestEventLog_AppendAssignsSequence(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	exec := seedExecution(t, s)

	for i := 0; i < 5; i++ {
		e := &Event{ExecutionID: exec.ID, NodeID: "calc", Type: schema.EventNodeStarted}
		require.NoError(t, el.Append(context.Background(), e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_EventsSince(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	exec := seedExecution(t, s)

	appendNodeEvent(t, el, exec.ID, "", schema.EventExecutionStarted, nil)
	appendNodeEvent(t, el, exec.ID, "calc", schema.EventNodeStarted, nil)
	appendNodeEvent(t, el, exec.ID, "calc", schema.EventNodeSucceeded, map[string]any{"result": 42.0})

	all, err := el.Events(context.Background(), exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	tail, err := el.Events(context.Background(), exec.ID, 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(2), tail[0].Sequence)
	assert.Equal(t, int64(3), tail[1].Sequence)
}

func TestEventLog_ReplayNodeLifecycle(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	exec := seedExecution(t, s)
	ctx := context.Background()

	appendNodeEvent(t, el, exec.ID, "", schema.EventExecutionStarted, nil)
	appendNodeEvent(t, el, exec.ID, "calc", schema.EventNodeStarted, nil)
	appendNodeEvent(t, el, exec.ID, "calc", schema.EventNodeSucceeded, map[string]any{"total": 1500.0})
	appendNodeEvent(t, el, exec.ID, "notify", schema.EventNodeStarted, nil)
	appendNodeEvent(t, el, exec.ID, "notify", schema.EventNodeRetrying, nil)
	appendNodeEvent(t, el, exec.ID, "notify", schema.EventNodeFailed, map[string]any{"message": "smtp down"})
	appendNodeEvent(t, el, exec.ID, "audit", schema.EventNodeSkipped, nil)

	results, err := el.Replay(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)

	calc := results["calc"]
	require.NotNil(t, calc)
	assert.Equal(t, schema.NodeSucceeded, calc.Status)
	require.NotNil(t, calc.StartedAt)
	require.NotNil(t, calc.CompletedAt)
	assert.JSONEq(t, `{"total":1500}`, string(calc.Output))

	notify := results["notify"]
	require.NotNil(t, notify)
	assert.Equal(t, schema.NodeFailed, notify.Status)
	assert.Equal(t, 1, notify.RetryCount)
	assert.JSONEq(t, `{"message":"smtp down"}`, string(notify.Error))

	assert.Equal(t, schema.NodeSkipped, results["audit"].Status)
}

func TestEventLog_ReplaySuspendedNode(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	exec := seedExecution(t, s)

	appendNodeEvent(t, el, exec.ID, "approve", schema.EventNodeStarted, nil)
	appendNodeEvent(t, el, exec.ID, "approve", schema.EventNodeSuspended, nil)

	results, err := el.Replay(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeSuspendedWait, results["approve"].Status)
}

func TestEventLog_ReplayEmptyLog(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	exec := seedExecution(t, s)

	results, err := el.Replay(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestReplayEvents_SequenceGap(t *testing.T) {
	now := time.Now().UTC()
	events := []*Event{
		{ExecutionID: "exec-1", NodeID: "a", Type: schema.EventNodeStarted, Sequence: 1, Timestamp: now},
		{ExecutionID: "exec-1", NodeID: "a", Type: schema.EventNodeSucceeded, Sequence: 3, Timestamp: now},
	}

	_, err := ReplayEvents("exec-1", events)
	require.Error(t, err)

	var perr *schema.ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.CategoryInfrastructure, perr.Category)
	assert.Equal(t, schema.ErrCodeStore, perr.Code)
}

func TestEventLog_ConcurrentAppendsStayContiguous(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	exec := seedExecution(t, s)
	ctx := context.Background()

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = el.Append(ctx, &Event{ExecutionID: exec.ID, NodeID: "n", Type: schema.EventNodeStarted})
			}
		}()
	}
	wg.Wait()

	events, err := el.Events(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	// A contiguous log replays cleanly.
	_, err = el.Replay(ctx, exec.ID)
	assert.NoError(t, err)
}

func BenchmarkReplayEvents(b *testing.B) {
	now := time.Now().UTC()
	events := make([]*Event, 0, 2000)
	for i := 0; i < 1000; i++ {
		nodeID := "node-" + string(rune('a'+i%26))
		events = append(events,
			&Event{ExecutionID: "exec-1", NodeID: nodeID, Type: schema.EventNodeStarted, Sequence: int64(len(events) + 1), Timestamp: now},
			&Event{ExecutionID: "exec-1", NodeID: nodeID, Type: schema.EventNodeSucceeded, Sequence: int64(len(events) + 2), Timestamp: now},
		)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ReplayEvents("exec-1", events); err != nil {
			b.Fatal(err)
		}
	}
}
