package monitor

import (
	"time"

	"github.com/groblegark/oddjobs/internal/statestore"
)

// Signals is the accumulated observation state DeriveState needs: the
// most recent event of each relevant kind, and the latest liveness
// probe. Monitor owns one Signals per AgentRun and updates it as events
// and probes arrive.
type Signals struct {
	LastProgressAt time.Time
	LastPromptAt   time.Time
	LastErrorAt    time.Time
	HasProbe       bool
	SessionAlive   bool
	ProcessAlive   bool
	ExitCode       *int
}

// Apply folds one Event into s.
func (s *Signals) Apply(e Event) {
	switch e.Type {
	case EventProgress:
		s.LastProgressAt = e.At
	case EventPrompt:
		s.LastPromptAt = e.At
	case EventError:
		s.LastErrorAt = e.At
	}
}

// ApplyProbe folds one liveness Probe into s.
func (s *Signals) ApplyProbe(p Probe) {
	s.HasProbe = true
	s.SessionAlive = p.SessionAlive
	s.ProcessAlive = p.ProcessAlive
	s.ExitCode = p.ExitCode
}

// DeriveState implements spec.md §4.3's state-derivation table exactly:
// session gone takes priority, then process-dead outcomes, then the
// progress-vs-idle-window comparison.
func DeriveState(s Signals, idleWindow time.Duration, now time.Time) statestore.AgentState {
	if s.HasProbe && !s.SessionAlive {
		return statestore.AgentSessionGone
	}
	if s.HasProbe && !s.ProcessAlive {
		if s.ExitCode != nil && *s.ExitCode == 0 {
			return statestore.AgentExited
		}
		return statestore.AgentFailed
	}
	if !s.LastErrorAt.IsZero() && s.LastErrorAt.After(s.LastProgressAt) {
		return statestore.AgentFailed
	}
	// A prompt newer than the latest progress event means the agent is
	// waiting on input right now, regardless of how recently it last
	// progressed.
	if !s.LastPromptAt.IsZero() && s.LastPromptAt.After(s.LastProgressAt) {
		return statestore.AgentWaitingForInput
	}
	if !s.LastProgressAt.IsZero() && now.Sub(s.LastProgressAt) < idleWindow {
		return statestore.AgentWorking
	}
	// Nothing has progressed for at least idleWindow while the process is
	// still alive.
	return statestore.AgentWaitingForInput
}
