package statestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/groblegark/oddjobs/internal/wal"
)

func TestReplayProducesSameStateAsLiveApply(t *testing.T) {
	records := []wal.Record{
		{Seq: 1, Kind: wal.JobCreated, Fields: map[string]any{"id": "job-1", "job_name": "deploy"}},
		{Seq: 2, Kind: wal.StepEntered, Fields: map[string]any{"job_id": "job-1", "step_name": "build"}},
		{Seq: 3, Kind: wal.StepAttemptStarted, Fields: map[string]any{"id": "step-1", "job_id": "job-1", "step_name": "build", "attempt": 1}},
		{Seq: 4, Kind: wal.StepStatusChanged, Fields: map[string]any{"id": "step-1", "status": "completed", "exit_code": 0}},
		{Seq: 5, Kind: wal.JobStatusChanged, Fields: map[string]any{"id": "job-1", "status": "completed"}},
	}

	live := New()
	for _, r := range records {
		require.NoError(t, live.Apply(r))
	}

	replayed := New()
	for _, r := range records {
		require.NoError(t, replayed.Apply(r))
	}

	require.Equal(t, live.Snapshot(), replayed.Snapshot())

	job := live.Jobs["job-1"]
	require.NotNil(t, job)
	require.Equal(t, StatusCompleted, job.Status)
	require.False(t, job.EndedAt.IsZero())

	step := live.Steps["step-1"]
	require.NotNil(t, step)
	require.Equal(t, StatusCompleted, step.Status)
	require.NotNil(t, step.ExitCode)
	require.Equal(t, 0, *step.ExitCode)
}

func TestQueuePushTakeAckIdempotence(t *testing.T) {
	s := New()
	require.NoError(t, s.Apply(wal.Record{Kind: wal.QueuePushed, Fields: map[string]any{
		"queue": "work", "item_id": 1, "source": "persisted", "vars": map[string]any{"path": "a.txt"},
	}}))
	require.Len(t, s.Queue["work"], 1)

	require.NoError(t, s.Apply(wal.Record{Kind: wal.QueueTaken, Fields: map[string]any{"queue": "work", "item_id": 1}}))
	item := s.Queue["work"][1]
	require.True(t, item.InFlight)
	require.Equal(t, 1, item.AttemptNum)

	require.NoError(t, s.Apply(wal.Record{Kind: wal.QueueAcked, Fields: map[string]any{"queue": "work", "item_id": 1}}))
	require.NotContains(t, s.Queue["work"], uint64(1))

	// Acking the same item again is a no-op, not an error: a second ack
	// must never surface to the caller as a failure.
	require.NoError(t, s.Apply(wal.Record{Kind: wal.QueueAcked, Fields: map[string]any{"queue": "work", "item_id": 1}}))
	require.Empty(t, s.Queue["work"])
}

func TestQueueNackClearsInFlightWithoutDroppingItem(t *testing.T) {
	s := New()
	require.NoError(t, s.Apply(wal.Record{Kind: wal.QueuePushed, Fields: map[string]any{"queue": "work", "item_id": 1, "source": "persisted"}}))
	require.NoError(t, s.Apply(wal.Record{Kind: wal.QueueTaken, Fields: map[string]any{"queue": "work", "item_id": 1}}))
	require.True(t, s.Queue["work"][1].InFlight)

	require.NoError(t, s.Apply(wal.Record{Kind: wal.QueueNacked, Fields: map[string]any{"queue": "work", "item_id": 1}}))
	require.False(t, s.Queue["work"][1].InFlight)
	require.Equal(t, 1, s.Queue["work"][1].AttemptNum)
}

func TestAgentLifecycleRecords(t *testing.T) {
	s := New()
	require.NoError(t, s.Apply(wal.Record{Kind: wal.JobCreated, Fields: map[string]any{"id": "job-1", "job_name": "deploy"}}))
	require.NoError(t, s.Apply(wal.Record{Kind: wal.StepAttemptStarted, Fields: map[string]any{"id": "step-1", "job_id": "job-1", "step_name": "code", "attempt": 1}}))
	require.NoError(t, s.Apply(wal.Record{Kind: wal.AgentCreated, Fields: map[string]any{
		"id": "agent-1", "step_id": "step-1", "session_name": "sess", "log_path": "/tmp/a.log",
	}}))

	require.Equal(t, "agent-1", s.Steps["step-1"].AgentID)
	require.Equal(t, AgentWorking, s.Agents["agent-1"].State)

	require.NoError(t, s.Apply(wal.Record{Kind: wal.AgentStateChanged, Fields: map[string]any{
		"id": "agent-1", "state": "WaitingForInput",
	}}))
	require.Equal(t, AgentWaitingForInput, s.Agents["agent-1"].State)

	require.NoError(t, s.Apply(wal.Record{Kind: wal.AgentReconnected, Fields: map[string]any{
		"id": "agent-1", "adapter_session_id": "sdk-session-42",
	}}))
	require.Equal(t, AgentWorking, s.Agents["agent-1"].State)
	require.Equal(t, "sdk-session-42", s.Agents["agent-1"].AdapterSessionID)
}

func TestApplyUnknownReferenceReturnsError(t *testing.T) {
	s := New()
	err := s.Apply(wal.Record{Kind: wal.StepStatusChanged, Fields: map[string]any{"id": "missing", "status": "failed"}})
	require.Error(t, err)
}

func TestSnapshotLoadImageRoundTrip(t *testing.T) {
	s := New()
	require.NoError(t, s.Apply(wal.Record{Kind: wal.JobCreated, Fields: map[string]any{"id": "job-1", "job_name": "deploy"}}))
	require.NoError(t, s.Apply(wal.Record{Kind: wal.QueuePushed, Fields: map[string]any{"queue": "work", "item_id": 1, "source": "persisted"}}))

	img := s.Snapshot()

	restored := New()
	restored.LoadImage(img)
	require.Equal(t, s.Snapshot(), restored.Snapshot())
}
