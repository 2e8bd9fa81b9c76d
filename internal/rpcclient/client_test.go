package rpcclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/groblegark/oddjobs/internal/rpc"
)

type stubBackend struct{}

func (stubBackend) RunJob(ctx context.Context, command string, args map[string]any) (string, error) {
	if command == "boom" {
		return "", fmt.Errorf("exploded")
	}
	return "job-xyz", nil
}
func (stubBackend) QueuePush(ctx context.Context, queue string, vars map[string]any) (uint64, error) {
	return 7, nil
}
func (stubBackend) WorkerStart(ctx context.Context, name string) error        { return nil }
func (stubBackend) WorkerStop(ctx context.Context, name string) error         { return nil }
func (stubBackend) AgentSend(ctx context.Context, agentID, text string) error { return nil }
func (stubBackend) JobCancel(ctx context.Context, jobID string) error         { return nil }
func (stubBackend) Status(ctx context.Context, jobID string) (rpc.StatusResult, error) {
	return rpc.StatusResult{}, nil
}

func startTestServer(t *testing.T, authToken string) (addr string, shutdown func()) {
	t.Helper()
	s := rpc.NewServer(stubBackend{}, &rpc.ServerConfig{
		PortRange: [2]int{28876, 28899}, AuthToken: authToken,
	})
	port, err := s.Start(context.Background())
	require.NoError(t, err)
	return fmt.Sprintf("127.0.0.1:%d", port), func() { s.Shutdown(context.Background()) }
}

func TestDoRoundTripsRunResult(t *testing.T) {
	addr, shutdown := startTestServer(t, "")
	defer shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close()

	var result rpc.RunResult
	require.NoError(t, c.Do(ctx, "run", rpc.RunParams{Command: "deploy"}, &result))
	require.Equal(t, "job-xyz", result.JobID)
}

func TestDoSurfacesBackendError(t *testing.T) {
	addr, shutdown := startTestServer(t, "")
	defer shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close()

	err = c.Do(ctx, "run", rpc.RunParams{Command: "boom"}, nil)
	require.Error(t, err)
}

func TestDialWithoutTokenFailsWhenServerRequiresAuth(t *testing.T) {
	addr, shutdown := startTestServer(t, "super-secret")
	defer shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, addr)
	require.Error(t, err)
}

func TestDialWithValidTokenSucceeds(t *testing.T) {
	addr, shutdown := startTestServer(t, "super-secret")
	defer shutdown()

	validator := rpc.NewTokenValidator("super-secret")
	token, err := validator.IssueToken("test", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, WithBearerToken(token))
	require.NoError(t, err)
	defer c.Close()

	var result rpc.QueuePushResult
	require.NoError(t, c.Do(ctx, "queue_push", rpc.QueuePushParams{Queue: "incoming"}, &result))
	require.Equal(t, uint64(7), result.ItemID)
}
