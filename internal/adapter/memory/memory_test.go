package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/groblegark/oddjobs/internal/adapter"
)

func TestSpawnSendRecordsMessagesInOrder(t *testing.T) {
	ctx := context.Background()
	f := New()

	sessionID, err := f.Sessions().Open(ctx, "build", "plain")
	require.NoError(t, err)

	h, err := f.Agents().Spawn(ctx, sessionID, nil, nil, "do the thing")
	require.NoError(t, err)
	require.Equal(t, sessionID, h.SessionID)

	require.NoError(t, f.Agents().Send(ctx, h, "ping"))
	require.NoError(t, f.Agents().Send(ctx, h, "ping again"))

	require.Equal(t, []string{"do the thing", "ping", "ping again"}, f.Messages(sessionID))
}

func TestKillMakesLivenessFalse(t *testing.T) {
	ctx := context.Background()
	f := New()
	sessionID, _ := f.Sessions().Open(ctx, "s", "plain")
	h, _ := f.Agents().Spawn(ctx, sessionID, nil, nil, "p")

	require.NoError(t, f.Agents().Kill(ctx, h))

	lv, err := f.Agents().Liveness(ctx, h)
	require.NoError(t, err)
	require.False(t, lv.ProcessAlive)
	require.False(t, lv.SessionAlive)
}

func TestSendErrOverridesBothFacets(t *testing.T) {
	ctx := context.Background()
	f := New()
	f.SendErr = adapterErr{}
	sessionID, _ := f.Sessions().Open(ctx, "s", "plain")
	h, _ := f.Agents().Spawn(ctx, sessionID, nil, nil, "p")

	require.Error(t, f.Sessions().Send(ctx, sessionID, "keys"))
	require.Error(t, f.Agents().Send(ctx, h, "msg"))
}

func TestNotifyIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := New()
	require.NoError(t, f.Notifier().Notify(ctx, "title", "body", "warn"))
	require.Len(t, f.Calls, 1)
	require.Equal(t, "Notify", f.Calls[0].Method)
}

type adapterErr struct{}

func (adapterErr) Error() string { return "send failed" }

var _ adapter.SessionAdapter = sessionView{}
var _ adapter.AgentAdapter = agentView{}
var _ adapter.NotifyAdapter = notifyView{}
