package monitor

import (
	"time"

	"github.com/groblegark/oddjobs/internal/runbook"
	"github.com/groblegark/oddjobs/internal/statestore"
)

// Action is a decision the engine must act on: send a message, reconnect
// the agent, run a gate command, or feed the engine a synthetic step
// result.
type Action struct {
	Kind    runbook.ActionKind
	Message string
	Run     string
}

// Trigger identifies which reaction hook a state transition maps onto.
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerIdle
	TriggerPrompt
	TriggerDead
	TriggerError
)

// ReactionTrigger picks the reaction hook a (previous, next) state
// transition should consult, per spec.md §4.3: a prompt-driven
// WaitingForInput consults on_prompt, an idle-timeout-driven one
// consults on_idle; a Failed state consults on_error when an error event
// was the cause and on_dead otherwise; Exited always consults on_dead.
func ReactionTrigger(next statestore.AgentState, promptDriven bool) Trigger {
	switch next {
	case statestore.AgentWorking:
		return TriggerNone
	case statestore.AgentWaitingForInput:
		if promptDriven {
			return TriggerPrompt
		}
		return TriggerIdle
	case statestore.AgentFailed:
		if promptDriven {
			return TriggerError
		}
		return TriggerDead
	case statestore.AgentExited:
		return TriggerDead
	case statestore.AgentSessionGone:
		return TriggerDead
	default:
		return TriggerNone
	}
}

func selectReaction(reactions runbook.Reactions, trig Trigger) *runbook.Reaction {
	switch trig {
	case TriggerIdle:
		return reactions.OnIdle
	case TriggerPrompt:
		if reactions.OnPrompt != nil {
			return reactions.OnPrompt
		}
		return reactions.OnIdle
	case TriggerDead:
		return reactions.OnDead
	case TriggerError:
		if reactions.OnError != nil {
			return reactions.OnError
		}
		return reactions.OnDead
	default:
		return nil
	}
}

// Budget tracks a reaction key's remaining attempt budget and its last
// nudge-firing time, mirroring statestore.AgentRun's ReactionBudget and
// LastNudgeAt maps so the engine can persist the updated value via a
// single AgentStateChanged WAL record.
type Budget struct {
	Remaining map[string]int
	LastNudge map[string]time.Time
}

// Decide resolves the Action (if any) for a state transition, applying
// nudge debounce and attempt-budget exhaustion (falling back to the
// reaction's Fallback, typically fail). reactionKey scopes the budget to
// one (agent, hook) pair, e.g. "on_idle".
func Decide(reactions runbook.Reactions, trig Trigger, reactionKey string, budget Budget, nudgeCooldown time.Duration, now time.Time) (action Action, fired bool) {
	r := selectReaction(reactions, trig)
	for r != nil {
		remaining, tracked := budget.Remaining[reactionKey]
		if !tracked {
			remaining = r.EffectiveAttempts()
		}
		if remaining == 0 {
			r = r.Fallback
			reactionKey += ".fallback"
			continue
		}
		if r.Action == runbook.ActionNudge {
			if last, ok := budget.LastNudge[reactionKey]; ok && now.Sub(last) < nudgeCooldown {
				return Action{}, false
			}
		}
		return Action{Kind: r.Action, Message: r.Message, Run: r.Run}, true
	}
	return Action{}, false
}

// ApplyBudget decrements the reaction's remaining attempt budget after a
// firing (unlimited reactions, Remaining == -1, are never decremented)
// and records nudge-firing time when the action was a nudge.
func ApplyBudget(budget Budget, reactionKey string, r *runbook.Reaction, action Action, now time.Time) Budget {
	out := Budget{Remaining: map[string]int{}, LastNudge: map[string]time.Time{}}
	for k, v := range budget.Remaining {
		out.Remaining[k] = v
	}
	for k, v := range budget.LastNudge {
		out.LastNudge[k] = v
	}
	remaining, tracked := out.Remaining[reactionKey]
	if !tracked && r != nil {
		remaining = r.EffectiveAttempts()
	}
	if remaining > 0 {
		remaining--
	}
	out.Remaining[reactionKey] = remaining
	if action.Kind == runbook.ActionNudge {
		out.LastNudge[reactionKey] = now
	}
	return out
}
