// Package runbook defines the static, load-once-per-process model that
// the engine interprets: commands, jobs, steps, agents, queues, workers,
// and consts. loader.go's Load parses a YAML runbook file into this model
// and Validate checks its cross-references.
package runbook

import "time"

// Runbook is the fully-resolved, in-memory configuration the Daemon loads
// once at boot and never mutates thereafter.
type Runbook struct {
	Commands map[string]Command `yaml:"commands"`
	Jobs     map[string]Job     `yaml:"jobs"`
	Agents   map[string]Agent   `yaml:"agents"`
	Queues   map[string]Queue   `yaml:"queues"`
	Workers  map[string]Worker  `yaml:"workers"`
	Consts   map[string]any     `yaml:"consts"`
}

// Command maps a CLI/RPC-visible name onto a job or an inline shell body.
type Command struct {
	Name      string         `yaml:"name"`
	ArgSchema map[string]Arg `yaml:"args"`
	Job       string         `yaml:"job,omitempty"`
	Run       string         `yaml:"run,omitempty"`
}

// Arg describes one declared command argument.
type Arg struct {
	Default any  `yaml:"default,omitempty"`
	Require bool `yaml:"required,omitempty"`
}

// WorkspacePolicy controls whether and how a JobRun is given a private
// working directory.
type WorkspacePolicy string

const (
	WorkspaceNone      WorkspacePolicy = "none"
	WorkspaceFolder    WorkspacePolicy = "folder"
	WorkspaceWorktree  WorkspacePolicy = "git-worktree"
)

// Job is the static definition of a runnable unit of work: an ordered set
// of Steps plus job-level transition and policy configuration.
type Job struct {
	Name            string            `yaml:"name"`
	Vars            map[string]any    `yaml:"vars"`
	Workspace       WorkspacePolicy   `yaml:"workspace"`
	BranchTemplate  string            `yaml:"branch_template,omitempty"`
	Locals          map[string]string `yaml:"locals"`
	NotifyHooks     []string          `yaml:"notify,omitempty"`
	Steps           []Step            `yaml:"steps"`
	OnFail          *Transition       `yaml:"on_fail,omitempty"`
	OnCancel        *Transition       `yaml:"on_cancel,omitempty"`
	CircuitLimit    int               `yaml:"circuit_limit,omitempty"`
}

// EffectiveCircuitLimit returns CircuitLimit or the spec's documented
// default of 100 when unset.
func (j Job) EffectiveCircuitLimit() int {
	if j.CircuitLimit > 0 {
		return j.CircuitLimit
	}
	return 100
}

// StepRunTarget discriminates a Step's run target: inline shell or a
// named Agent.
type StepRunTarget struct {
	Shell string `yaml:"shell,omitempty"`
	Agent string `yaml:"agent,omitempty"`
}

// IsAgent reports whether this step spawns an agent rather than a shell.
func (t StepRunTarget) IsAgent() bool { return t.Agent != "" }

// Step is one executable unit within a Job.
type Step struct {
	Name     string         `yaml:"name"`
	Body     StepRunTarget  `yaml:"run"`
	Timeout  time.Duration  `yaml:"timeout,omitempty"`
	OnDone   *Transition    `yaml:"on_done,omitempty"`
	OnFail   *Transition    `yaml:"on_fail,omitempty"`
}

// Transition names the next step to enter (or "" to terminate the job)
// plus the retry budget for self-looping transitions.
//
// Attempts follows the spec's "int|\"forever\"" union: Forever takes
// precedence when set, matching the agent reaction attempt-budget
// encoding so both share one mental model.
type Transition struct {
	Step     string `yaml:"step"`
	Attempts int    `yaml:"attempts,omitempty"`
	Forever  bool   `yaml:"forever,omitempty"`
}

// EffectiveAttempts returns the configured attempt budget, defaulting to
// 1 (no retry) when unset and not Forever.
func (t *Transition) EffectiveAttempts() int {
	if t == nil {
		return 1
	}
	if t.Forever {
		return -1
	}
	if t.Attempts > 0 {
		return t.Attempts
	}
	return 1
}

// Agent is the static definition of a named interactive agent: how to
// spawn it, what environment/prime scripts it gets, and how it reacts to
// monitor-observed state transitions.
type Agent struct {
	Name           string            `yaml:"name"`
	SpawnCommand   string            `yaml:"spawn"`
	SessionTitle   string            `yaml:"title,omitempty"`
	SessionColor   string            `yaml:"color,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	PrimeScripts   []string          `yaml:"prime,omitempty"`
	PromptTemplate string            `yaml:"prompt"`
	Reactions      Reactions         `yaml:"reactions"`
}

// Reactions maps an agent's normalized-state transitions onto the
// Action the Monitor should dispatch.
type Reactions struct {
	OnIdle  *Reaction `yaml:"on_idle,omitempty"`
	OnDead  *Reaction `yaml:"on_dead,omitempty"`
	OnError *Reaction `yaml:"on_error,omitempty"`
	OnPrompt *Reaction `yaml:"on_prompt,omitempty"`
}

// ActionKind enumerates the Monitor's declarative reactions.
type ActionKind string

const (
	ActionNudge    ActionKind = "nudge"
	ActionResume   ActionKind = "resume"
	ActionGate     ActionKind = "gate"
	ActionEscalate ActionKind = "escalate"
	ActionDone     ActionKind = "done"
	ActionFail     ActionKind = "fail"
	ActionCancel   ActionKind = "cancel"
	ActionKill     ActionKind = "kill"
)

// Reaction is one configured (Action, budget, fallback) entry in an
// agent's reaction table.
type Reaction struct {
	Action ActionKind `yaml:"action"`
	// Message is the nudge/resume payload template.
	Message string `yaml:"message,omitempty"`
	// Run is the gate's shell command template.
	Run string `yaml:"run,omitempty"`
	// Attempts is the reaction's own firing budget; Forever overrides it.
	Attempts int  `yaml:"attempts,omitempty"`
	Forever  bool `yaml:"forever,omitempty"`
	// Fallback names another reaction to apply once Attempts is
	// exhausted, typically "fail". A gate command that exits non-zero
	// does not apply it: the agent is left running as it was.
	Fallback *Reaction `yaml:"fallback,omitempty"`
}

// EffectiveAttempts mirrors Transition.EffectiveAttempts for reactions.
func (r *Reaction) EffectiveAttempts() int {
	if r == nil {
		return 1
	}
	if r.Forever {
		return -1
	}
	if r.Attempts > 0 {
		return r.Attempts
	}
	return 1
}

// QueueKind discriminates persisted (daemon-owned, durable) queues from
// external (poller-driven, not durable) ones.
type QueueKind string

const (
	QueuePersisted QueueKind = "persisted"
	QueueExternal  QueueKind = "external"
)

// Queue is the static definition of a named queue.
type Queue struct {
	Name     string            `yaml:"name"`
	Kind     QueueKind         `yaml:"kind"`
	Vars     []string          `yaml:"vars,omitempty"`
	Defaults map[string]any    `yaml:"defaults,omitempty"`
	List     string            `yaml:"list,omitempty"`
	Take     string            `yaml:"take,omitempty"`
	Poll     time.Duration     `yaml:"poll,omitempty"`
}

// Worker is the static pairing of a source queue to a handler job with a
// concurrency limit.
type Worker struct {
	Name        string `yaml:"name"`
	Source      string `yaml:"source"`
	Handler     string `yaml:"handler"`
	Concurrency int    `yaml:"concurrency"`
}

// EffectiveConcurrency defaults an unset/zero concurrency to 1.
func (w Worker) EffectiveConcurrency() int {
	if w.Concurrency > 0 {
		return w.Concurrency
	}
	return 1
}
