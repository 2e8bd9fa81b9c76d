// Package statestore holds the in-memory authoritative runtime state
// (spec.md §3's "Runtime (dynamic, WAL-backed)" model): JobRun, StepRun,
// AgentRun, and QueueItem. Records are applied through Store.Apply, which
// takes the Store's lock, so it is called from many goroutines: each
// JobRun's engine goroutine and the persisted queues. Reads may happen
// concurrently via Snapshot's copy-on-read view.
package statestore

import "time"

// Status is the shared terminal/non-terminal status enum for JobRun and
// StepRun.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the three terminal statuses.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobRun is a live instance of a runbook Job.
type JobRun struct {
	ID             string
	JobName        string
	Args           map[string]any
	// Item holds the triggering queue item's bindings, if this JobRun
	// was started by a Dispatcher Worker, for ${item.X} resolution.
	Item           map[string]any
	WorkspaceRoot  string
	WorkspaceNonce string
	CurrentStep    string
	// TransitionHistory records each (step, status) the run has passed
	// through, in order, for inspection/debugging.
	TransitionHistory []TransitionEntry
	// RetryCounters maps step name to the number of attempts made so far.
	RetryCounters map[string]int
	// CircuitCount is the total number of step entries this run has made
	// (spec.md §4.2's circuit breaker counter).
	CircuitCount int
	Status        Status
	FailureReason string
	StartedAt     time.Time
	EndedAt       time.Time
}

// TransitionEntry is one recorded (step, status) pair in a JobRun's
// history.
type TransitionEntry struct {
	Step      string
	Status    Status
	Attempt   int
	At        time.Time
}

// StepRun is a live instance of one attempt at a runbook Step.
type StepRun struct {
	ID          string
	JobID       string
	StepName    string
	Attempt     int
	Status      Status
	ExitCode    *int
	AgentID     string
	Timeout     time.Duration
	EffectLog   []EffectRecord
	StartedAt   time.Time
	EndedAt     time.Time
	FailureTag  string
	FailureText string
}

// EffectRecord is one applied Effect, kept for replay/debugging
// (spec.md's expanded StepRun.EffectLog).
type EffectRecord struct {
	Kind   string
	Detail string
	At     time.Time
}

// AgentState is the Monitor's normalized agent state (spec.md §4.3).
type AgentState string

const (
	AgentWorking         AgentState = "Working"
	AgentWaitingForInput AgentState = "WaitingForInput"
	AgentFailed          AgentState = "Failed"
	AgentExited          AgentState = "Exited"
	AgentSessionGone     AgentState = "SessionGone"
)

// AgentRun is a live instance of a spawned interactive agent.
type AgentRun struct {
	ID                string
	StepID            string
	SessionName       string
	AdapterSessionID  string
	LogPath           string
	State             AgentState
	LastProgressAt    time.Time
	ErrorReason       string
	// ReactionBudget maps a reaction key (e.g. "on_idle") to its
	// remaining firing budget; -1 means unlimited ("forever").
	ReactionBudget map[string]int
	// LastNudgeAt debounces repeated nudge sends per reaction key.
	LastNudgeAt map[string]time.Time
}

// QueueItem is a live item in a persisted or external queue.
type QueueItem struct {
	QueueName string
	ItemID    uint64
	Source    string // "persisted" or "external"
	Vars      map[string]any
	// Raw holds the external item's original decoded JSON payload, when
	// Source == "external", so ${item.X} can reach nested fields.
	Raw         any
	EnqueuedAt  time.Time
	InFlight    bool
	AttemptNum  int
}

// WorkerState tracks a Worker's active handler count.
type WorkerState struct {
	Name         string
	ActiveCount  int
	Paused       bool
}
