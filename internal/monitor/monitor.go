package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/groblegark/oddjobs/internal/adapter"
	"github.com/groblegark/oddjobs/internal/clock"
	"github.com/groblegark/oddjobs/internal/runbook"
	"github.com/groblegark/oddjobs/internal/statestore"
)

// Decision is what Monitor posts to the engine once a transition implies
// an Action: which agent it's for, the Action itself, and the updated
// Budget so the engine can persist it via a single AgentStateChanged WAL
// record.
type Decision struct {
	AgentID     string
	PrevState   statestore.AgentState
	NextState   statestore.AgentState
	Action      Action
	ReactionKey string
	Budget      Budget
}

// trackedAgent is Monitor's per-agent bookkeeping.
type trackedAgent struct {
	agent     runbook.Agent
	handle    adapter.Handle
	signals   Signals
	state     statestore.AgentState
	budget    Budget
	promptSeen bool
}

// Monitor normalizes per-agent signals into states and emits Decisions.
// IdleWindow and LivenessInterval and NudgeCooldown follow spec.md §4.3's
// documented defaults (30s/30s/60s) when zero.
type Monitor struct {
	IdleWindow     time.Duration
	LivenessInterval time.Duration
	NudgeCooldown  time.Duration
	Clock          clock.Clock

	mu     sync.Mutex
	agents map[string]*trackedAgent

	events chan Event
	out    chan Decision
}

// New returns a Monitor with spec.md's documented defaults applied to
// any zero-valued duration field.
func New(clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		IdleWindow:       30 * time.Second,
		LivenessInterval: 30 * time.Second,
		NudgeCooldown:    60 * time.Second,
		Clock:            clk,
		agents:           make(map[string]*trackedAgent),
		events:           make(chan Event, 256),
		out:              make(chan Decision, 256),
	}
}

// Decisions returns the channel the engine should drain for Actions.
func (m *Monitor) Decisions() <-chan Decision { return m.out }

// Track registers a newly-spawned AgentRun for monitoring.
func (m *Monitor) Track(agentID string, agentDef runbook.Agent, handle adapter.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agentID] = &trackedAgent{agent: agentDef, handle: handle, state: statestore.AgentWorking}
}

// Untrack removes bookkeeping once an AgentRun has reached a terminal
// outcome and the engine has consumed the final Decision.
func (m *Monitor) Untrack(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
}

// HandleEvent folds a tailer Event into the named agent's signals and
// re-evaluates its state, posting a Decision to Decisions() if the
// transition implies an Action.
func (m *Monitor) HandleEvent(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ta, ok := m.agents[e.AgentID]
	if !ok {
		return
	}
	ta.signals.Apply(e)
	ta.promptSeen = e.Type == EventPrompt
	m.reevaluate(e.AgentID, ta)
}

// HandleProbe folds a liveness Probe into the named agent's signals and
// re-evaluates its state.
func (m *Monitor) HandleProbe(p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ta, ok := m.agents[p.AgentID]
	if !ok {
		return
	}
	ta.signals.ApplyProbe(p)
	m.reevaluate(p.AgentID, ta)
}

func (m *Monitor) reevaluate(agentID string, ta *trackedAgent) {
	now := m.Clock.Now()
	next := DeriveState(ta.signals, m.IdleWindow, now)
	prev := ta.state
	ta.state = next

	// Every other state only emits a Decision on its initial transition.
	// WaitingForInput re-evaluates on every signal even while it holds
	// (forever-nudge reactions, and the §8 "nudge again a few seconds
	// later" scenario), with only Decide's cooldown/budget suppressing
	// the repeat, not state-equality.
	if next == prev && next != statestore.AgentWaitingForInput {
		return
	}

	driven := ta.promptSeen
	if next == statestore.AgentFailed {
		// DeriveState reports Failed either for a dead process or, with
		// the process not known dead, for a newer error event.
		driven = !(ta.signals.HasProbe && !ta.signals.ProcessAlive)
	}
	trig := ReactionTrigger(next, driven)
	reactionKey := reactionKeyFor(trig)
	action, fired := Decide(ta.agent.Reactions, trig, reactionKey, ta.budget, m.NudgeCooldown, now)
	if !fired {
		return
	}
	ta.budget = ApplyBudget(ta.budget, reactionKey, selectReaction(ta.agent.Reactions, trig), action, now)

	m.out <- Decision{
		AgentID:     agentID,
		PrevState:   prev,
		NextState:   next,
		Action:      action,
		ReactionKey: reactionKey,
		Budget:      ta.budget,
	}
}

func reactionKeyFor(trig Trigger) string {
	switch trig {
	case TriggerIdle:
		return "on_idle"
	case TriggerPrompt:
		return "on_prompt"
	case TriggerDead:
		return "on_dead"
	case TriggerError:
		return "on_error"
	default:
		return "none"
	}
}

// RunLiveness polls prober every LivenessInterval for every tracked
// agent until ctx is cancelled.
func (m *Monitor) RunLiveness(ctx context.Context, prober *LivenessProber) {
	ticker := m.Clock.NewTicker(m.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.pollAll(ctx, prober)
		}
	}
}

func (m *Monitor) pollAll(ctx context.Context, prober *LivenessProber) {
	m.mu.Lock()
	snapshot := make(map[string]adapter.Handle, len(m.agents))
	for id, ta := range m.agents {
		snapshot[id] = ta.handle
	}
	m.mu.Unlock()

	for id, h := range snapshot {
		p, err := prober.Probe(ctx, id, h)
		if err != nil {
			continue
		}
		m.HandleProbe(p)
	}
}
