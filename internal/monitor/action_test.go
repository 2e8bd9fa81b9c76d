package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/groblegark/oddjobs/internal/runbook"
	"github.com/groblegark/oddjobs/internal/statestore"
)

func TestDecideNudgeDebounced(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reactions := runbook.Reactions{
		OnIdle: &runbook.Reaction{Action: runbook.ActionNudge, Message: "ping", Attempts: 3},
	}

	budget := Budget{Remaining: map[string]int{}, LastNudge: map[string]time.Time{}}
	action, fired := Decide(reactions, TriggerIdle, "on_idle", budget, time.Minute, now)
	require.True(t, fired)
	require.Equal(t, runbook.ActionNudge, action.Kind)

	budget = ApplyBudget(budget, "on_idle", reactions.OnIdle, action, now)
	require.Equal(t, 2, budget.Remaining["on_idle"])

	_, fired = Decide(reactions, TriggerIdle, "on_idle", budget, time.Minute, now.Add(10*time.Second))
	require.False(t, fired, "nudge within cooldown window must be suppressed")

	_, fired = Decide(reactions, TriggerIdle, "on_idle", budget, time.Minute, now.Add(90*time.Second))
	require.True(t, fired, "nudge past cooldown window must fire again")
}

func TestDecideFallsBackOnExhaustedBudget(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reactions := runbook.Reactions{
		OnIdle: &runbook.Reaction{
			Action: runbook.ActionNudge, Message: "ping", Attempts: 1,
			Fallback: &runbook.Reaction{Action: runbook.ActionFail},
		},
	}

	budget := Budget{Remaining: map[string]int{"on_idle": 0}, LastNudge: map[string]time.Time{}}
	action, fired := Decide(reactions, TriggerIdle, "on_idle", budget, time.Minute, now)
	require.True(t, fired)
	require.Equal(t, runbook.ActionFail, action.Kind)
}

func TestDecideForeverNeverExhausts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reactions := runbook.Reactions{
		OnDead: &runbook.Reaction{Action: runbook.ActionResume, Forever: true},
	}
	budget := Budget{Remaining: map[string]int{"on_dead": -1}, LastNudge: map[string]time.Time{}}
	action, fired := Decide(reactions, TriggerDead, "on_dead", budget, time.Minute, now)
	require.True(t, fired)
	require.Equal(t, runbook.ActionResume, action.Kind)

	budget = ApplyBudget(budget, "on_dead", reactions.OnDead, action, now)
	require.Equal(t, -1, budget.Remaining["on_dead"])
}

func TestReactionTriggerMapping(t *testing.T) {
	require.Equal(t, TriggerIdle, ReactionTrigger(statestore.AgentWaitingForInput, false))
	require.Equal(t, TriggerPrompt, ReactionTrigger(statestore.AgentWaitingForInput, true))
	require.Equal(t, TriggerError, ReactionTrigger(statestore.AgentFailed, true))
	require.Equal(t, TriggerDead, ReactionTrigger(statestore.AgentFailed, false))
}
