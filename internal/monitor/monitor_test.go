package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/groblegark/oddjobs/internal/adapter"
	"github.com/groblegark/oddjobs/internal/clock"
	"github.com/groblegark/oddjobs/internal/runbook"
)

func TestMonitorEmitsNudgeOnIdleTransition(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	m := New(fake)
	m.IdleWindow = 30 * time.Second
	m.NudgeCooldown = 60 * time.Second

	agentDef := runbook.Agent{
		Reactions: runbook.Reactions{
			OnIdle: &runbook.Reaction{Action: runbook.ActionNudge, Message: "ping", Attempts: 3},
		},
	}
	m.Track("agent-1", agentDef, adapter.Handle{})

	m.HandleEvent(Event{AgentID: "agent-1", Type: EventProgress, At: start})
	select {
	case <-m.Decisions():
		t.Fatal("no decision expected on initial progress (state unchanged from default Working init)")
	default:
	}

	fake.Advance(45 * time.Second)
	m.HandleProbe(Probe{AgentID: "agent-1", At: fake.Now(), SessionAlive: true, ProcessAlive: true})

	select {
	case d := <-m.Decisions():
		require.Equal(t, "agent-1", d.AgentID)
		require.Equal(t, runbook.ActionNudge, d.Action.Kind)
		require.Equal(t, 2, d.Budget.Remaining["on_idle"])
	default:
		t.Fatal("expected a nudge decision once idle window elapses")
	}
}

func TestMonitorRenudgesWhileIdlePersists(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	m := New(fake)
	m.IdleWindow = 5 * time.Second
	m.NudgeCooldown = 5 * time.Second

	agentDef := runbook.Agent{
		Reactions: runbook.Reactions{
			OnIdle: &runbook.Reaction{Action: runbook.ActionNudge, Message: "ping", Forever: true},
		},
	}
	m.Track("agent-1", agentDef, adapter.Handle{})

	fake.Advance(10 * time.Second)
	m.HandleProbe(Probe{AgentID: "agent-1", At: fake.Now(), SessionAlive: true, ProcessAlive: true})
	select {
	case d := <-m.Decisions():
		require.Equal(t, runbook.ActionNudge, d.Action.Kind)
	default:
		t.Fatal("expected a nudge decision at t=10s")
	}

	// Still idle, still WaitingForInput, but within the cooldown window:
	// no second decision yet.
	fake.Advance(2 * time.Second)
	m.HandleProbe(Probe{AgentID: "agent-1", At: fake.Now(), SessionAlive: true, ProcessAlive: true})
	select {
	case <-m.Decisions():
		t.Fatal("no decision expected before the nudge cooldown elapses")
	default:
	}

	// Past the cooldown, state is still unchanged (WaitingForInput), but
	// the nudge must re-fire per §8 scenario 3.
	fake.Advance(5 * time.Second)
	m.HandleProbe(Probe{AgentID: "agent-1", At: fake.Now(), SessionAlive: true, ProcessAlive: true})
	select {
	case d := <-m.Decisions():
		require.Equal(t, runbook.ActionNudge, d.Action.Kind)
	default:
		t.Fatal("expected a second nudge decision once the cooldown elapses, state unchanged")
	}
}

func TestMonitorUntrackStopsFurtherDecisions(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	m := New(fake)
	agentDef := runbook.Agent{Reactions: runbook.Reactions{OnDead: &runbook.Reaction{Action: runbook.ActionFail}}}
	m.Track("agent-1", agentDef, adapter.Handle{})
	m.Untrack("agent-1")

	m.HandleProbe(Probe{AgentID: "agent-1", At: fake.Now(), SessionAlive: false})
	select {
	case <-m.Decisions():
		t.Fatal("untracked agent must not produce decisions")
	default:
	}
}
