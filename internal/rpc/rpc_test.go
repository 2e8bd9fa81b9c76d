package rpc

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/groblegark/oddjobs/internal/statestore"
)

type fakeBackend struct {
	jobID       string
	itemID      uint64
	statusJobs  []JobSnapshot
	failMethod  string
}

func (f *fakeBackend) RunJob(ctx context.Context, command string, args map[string]any) (string, error) {
	if f.failMethod == "run" {
		return "", fmt.Errorf("boom")
	}
	return f.jobID, nil
}

func (f *fakeBackend) QueuePush(ctx context.Context, queue string, vars map[string]any) (uint64, error) {
	return f.itemID, nil
}

func (f *fakeBackend) WorkerStart(ctx context.Context, name string) error { return nil }
func (f *fakeBackend) WorkerStop(ctx context.Context, name string) error { return nil }
func (f *fakeBackend) AgentSend(ctx context.Context, agentID, text string) error { return nil }
func (f *fakeBackend) JobCancel(ctx context.Context, jobID string) error { return nil }

func (f *fakeBackend) Status(ctx context.Context, jobID string) (StatusResult, error) {
	return StatusResult{Jobs: f.statusJobs}, nil
}

func TestDispatchRun(t *testing.T) {
	b := &fakeBackend{jobID: "job-123"}
	req, err := NewRequest("run", RunParams{Command: "deploy", Args: map[string]any{"env": "prod"}})
	require.NoError(t, err)

	resp := Dispatch(context.Background(), b, req)
	require.Equal(t, MessageTypeResponse, resp.Type)

	var result RunResult
	require.NoError(t, resp.UnmarshalResultInto(&result))
	require.Equal(t, "job-123", result.JobID)
}

func TestDispatchUnknownMethod(t *testing.T) {
	req, err := NewRequest("nonexistent", nil)
	require.NoError(t, err)

	resp := Dispatch(context.Background(), &fakeBackend{}, req)
	require.Equal(t, MessageTypeError, resp.Type)
	require.Equal(t, "method_not_found", resp.Error.Code)
}

func TestDispatchBackendError(t *testing.T) {
	b := &fakeBackend{failMethod: "run"}
	req, err := NewRequest("run", RunParams{Command: "deploy"})
	require.NoError(t, err)

	resp := Dispatch(context.Background(), b, req)
	require.Equal(t, MessageTypeError, resp.Type)
	require.Equal(t, "backend_error", resp.Error.Code)
}

func TestDispatchStatus(t *testing.T) {
	b := &fakeBackend{statusJobs: []JobSnapshot{
		{JobRun: &statestore.JobRun{ID: "job-1", Status: statestore.StatusCompleted}},
	}}
	req, err := NewRequest("status", StatusParams{JobID: "job-1"})
	require.NoError(t, err)

	resp := Dispatch(context.Background(), b, req)
	require.Equal(t, MessageTypeResponse, resp.Type)

	var result StatusResult
	require.NoError(t, resp.UnmarshalResultInto(&result))
	require.Len(t, result.Jobs, 1)
	require.Equal(t, "job-1", result.Jobs[0].ID)
}

func TestServerEndToEndOverWebsocket(t *testing.T) {
	b := &fakeBackend{jobID: "job-end-to-end"}
	s := NewServer(b, &ServerConfig{PortRange: [2]int{19876, 19899}, ShutdownTimeout: time.Second})

	port, err := s.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", port), nil)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewRequest("run", RunParams{Command: "deploy"})
	require.NoError(t, err)
	data, err := req.Marshal()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	resp, err := ParseMessage(raw)
	require.NoError(t, err)
	require.Equal(t, MessageTypeResponse, resp.Type)

	var result RunResult
	require.NoError(t, resp.UnmarshalResultInto(&result))
	require.Equal(t, "job-end-to-end", result.JobID)
}
