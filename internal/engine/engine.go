// Package engine owns the job/step state machine (spec.md §4.2): a
// single-threaded logical driver per JobRun that interprets Runbook
// Job/Step/Agent definitions, commits every transition to the WAL before
// it becomes observable, and consumes the Monitor's Decisions to resolve
// agent-backed steps. Grounded on `pkg/workflow/executor.go`'s step
// lifecycle/status enum (generalized from "execute one workflow's
// steps" to "drive JobRun/StepRun with retries, a circuit breaker, and
// agent suspension") and `internal/daemon/runner/adapter.go`'s
// step-sequencing/result-aggregation pattern.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/groblegark/oddjobs/internal/adapter"
	"github.com/groblegark/oddjobs/internal/clock"
	"github.com/groblegark/oddjobs/internal/monitor"
	"github.com/groblegark/oddjobs/internal/runbook"
	"github.com/groblegark/oddjobs/internal/statestore"
	"github.com/groblegark/oddjobs/internal/wal"
	"github.com/groblegark/oddjobs/internal/workspace"
)

// Engine drives JobRuns to completion. One goroutine runs per live
// JobRun (runJob); cross-JobRun mutation of the shared Store always
// happens through a WAL-append-then-Apply pair, which statestore.Store
// itself protects with a mutex, so concurrent JobRuns never race on
// shared maps even though each JobRun's own step sequencing is strictly
// serial.
type Engine struct {
	Runbook   *runbook.Runbook
	WAL       *wal.WAL
	Store     *statestore.Store
	Sessions  adapter.SessionAdapter
	Agents    adapter.AgentAdapter
	Notify    adapter.NotifyAdapter
	Monitor   *monitor.Monitor
	Workspace *workspace.Manager
	Clock     clock.Clock
	Logger    *slog.Logger

	mu       sync.Mutex
	waiters  map[string]chan statestore.Status // jobID -> fires once, on terminal status
	suspended map[string]chan monitor.Decision // agentID -> fed by the Monitor's Decisions for that AgentRun
	cancels  map[string]context.CancelFunc     // jobID -> cancels that JobRun's runJob context
}

// New returns an Engine ready to Start JobRuns. It registers itself as
// the consumer of mon.Decisions() so agent-backed steps can suspend
// until the Monitor reports a terminal reaction.
func New(rb *runbook.Runbook, w *wal.WAL, store *statestore.Store, sessions adapter.SessionAdapter, agents adapter.AgentAdapter, notify adapter.NotifyAdapter, mon *monitor.Monitor, ws *workspace.Manager, clk clock.Clock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		Runbook: rb, WAL: w, Store: store,
		Sessions: sessions, Agents: agents, Notify: notify,
		Monitor: mon, Workspace: ws, Clock: clk, Logger: logger,
		waiters:   make(map[string]chan statestore.Status),
		suspended: make(map[string]chan monitor.Decision),
		cancels:   make(map[string]context.CancelFunc),
	}
	return e
}

// RunDecisions drains mon.Decisions() until ctx is cancelled, routing
// each Decision to the step it concerns. Call once at daemon boot,
// alongside mon.RunLiveness.
func (e *Engine) RunDecisions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-e.Monitor.Decisions():
			if !ok {
				return
			}
			e.routeDecision(d)
		}
	}
}

func (e *Engine) routeDecision(d monitor.Decision) {
	e.mu.Lock()
	ch, ok := e.suspended[d.AgentID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- d:
	default:
	}
}

// Start implements dispatch.JobStarter: it creates a JobRun for jobName
// and returns immediately, with the actual step sequencing happening on
// its own goroutine. done receives exactly one terminal status. item
// carries the triggering queue item's bindings, if any, so step/agent
// templates can resolve ${item.X} (spec.md §4.4); it is independent of
// vars/args, which only ever resolve as ${args.X}.
func (e *Engine) Start(ctx context.Context, jobName string, vars map[string]any, item map[string]any) (string, <-chan statestore.Status, error) {
	job, ok := e.Runbook.Jobs[jobName]
	if !ok {
		return "", nil, fmt.Errorf("engine: unknown job %q", jobName)
	}

	jobID := uuid.NewString()
	nonce := uuid.NewString()
	args := mergeVars(job.Vars, vars)

	rec, err := e.WAL.Append(wal.JobCreated, map[string]any{
		"id": jobID, "job_name": jobName, "args": args, "workspace_nonce": nonce, "item": item,
	})
	if err != nil {
		return "", nil, err
	}
	if err := e.Store.Apply(rec); err != nil {
		return "", nil, err
	}

	done := make(chan statestore.Status, 1)
	jobCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.waiters[jobID] = done
	e.cancels[jobID] = cancel
	e.mu.Unlock()

	go func() {
		defer cancel()
		e.runJob(jobCtx, jobID, job)
	}()

	return jobID, done, nil
}

// Cancel requests that jobID's JobRun stop at its next cancellation
// point (the running step's ctx.Done(), honored by both runShellStep
// and runAgentStep). Once the JobRun has reached a terminal status and
// its cancel func has been cleaned up, it changes nothing and returns an
// error saying the job is not running.
func (e *Engine) Cancel(jobID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[jobID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: job %q not running", jobID)
	}
	cancel()
	return nil
}

func mergeVars(defaults map[string]any, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// runJob owns one JobRun end to end: workspace allocation, the
// Pending->Running->{Completed,Failed,Cancelled} step loop, and
// finalization. It is the JobRun's single logical driver (spec.md §4.2).
func (e *Engine) runJob(ctx context.Context, jobID string, job runbook.Job) {
	root, err := e.Workspace.Prepare(ctx, jobID, job.Workspace, e.renderBranch(job, jobID))
	if err != nil {
		e.finalizeJob(jobID, job, statestore.StatusFailed, fmt.Sprintf("workspace_failed: %v", err))
		return
	}
	if root != "" {
		e.setWorkspaceRoot(jobID, root)
	}

	if len(job.Steps) == 0 {
		e.finalizeJob(jobID, job, statestore.StatusCompleted, "")
		return
	}

	stepName := job.Steps[0].Name
	for stepName != "" {
		outcome := e.runStep(ctx, jobID, job, stepName)
		switch outcome.result {
		case statestore.StatusCancelled:
			// ctx is already cancelled here; the on_cancel step runs on a
			// context that keeps its values but not its cancellation.
			e.applyJobTransition(context.WithoutCancel(ctx), jobID, job, job.OnCancel, statestore.StatusCancelled, outcome.failureReason)
			return
		case statestore.StatusFailed:
			step := findStep(job, stepName)
			next := e.nextOnFail(job, step, outcome)
			if next == "" {
				e.applyJobTransition(ctx, jobID, job, job.OnFail, statestore.StatusFailed, outcome.failureReason)
				return
			}
			if e.circuitOpen(jobID, job) {
				e.finalizeJob(jobID, job, statestore.StatusFailed, "circuit_open")
				return
			}
			stepName = next
		default: // Completed
			step := findStep(job, stepName)
			stepName = e.nextOnDone(job, step)
			if stepName == "" {
				status := statestore.StatusCompleted
				if !isLastStep(job, step.Name) {
					status = statestore.StatusFailed
				}
				e.finalizeJob(jobID, job, status, "")
				return
			}
			if e.circuitOpen(jobID, job) {
				e.finalizeJob(jobID, job, statestore.StatusFailed, "circuit_open")
				return
			}
		}
	}
}

func (e *Engine) renderBranch(job runbook.Job, jobID string) string {
	if job.BranchTemplate == "" {
		return ""
	}
	out, err := interpBranch(job.BranchTemplate, jobID)
	if err != nil {
		return ""
	}
	return out
}

func findStep(job runbook.Job, name string) runbook.Step {
	for _, s := range job.Steps {
		if s.Name == name {
			return s
		}
	}
	return runbook.Step{}
}

func isLastStep(job runbook.Job, name string) bool {
	return len(job.Steps) > 0 && job.Steps[len(job.Steps)-1].Name == name
}

// nextOnDone resolves a Completed step's on_done transition, per
// spec.md: absent on_done terminates the job (handled by the caller).
func (e *Engine) nextOnDone(job runbook.Job, step runbook.Step) string {
	if step.OnDone == nil {
		return ""
	}
	return step.OnDone.Step
}

// nextOnFail resolves a Failed step's on_fail transition. When the
// transition targets the same step, it is a retry: it fires again while
// the attempt budget allows and propagates to the job level (empty
// string) once exhausted, rather than re-entering the same step with no
// budget left. A transition naming a genuinely different step is always
// taken — it is a recovery path, not a retry, so no budget applies.
func (e *Engine) nextOnFail(job runbook.Job, step runbook.Step, outcome stepOutcome) string {
	if step.OnFail == nil {
		return ""
	}
	if step.OnFail.Step == step.Name {
		budget := step.OnFail.EffectiveAttempts()
		if budget == -1 || outcome.attempt < budget {
			return step.Name
		}
		return ""
	}
	return step.OnFail.Step
}

// circuitOpen reports whether jobID has used up its job's circuit
// breaker limit on total step entries, so that entering one more step
// would exceed it. runJob asks only when another step entry is next.
func (e *Engine) circuitOpen(jobID string, job runbook.Job) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	jr, ok := e.Store.Jobs[jobID]
	if !ok {
		return false
	}
	return jr.CircuitCount >= job.EffectiveCircuitLimit()
}

func (e *Engine) setWorkspaceRoot(jobID, root string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if jr, ok := e.Store.Jobs[jobID]; ok {
		jr.WorkspaceRoot = root
	}
}

// applyJobTransition fires a job-level on_fail/on_cancel transition: if
// the transition names a target step it runs that step and then follows
// each step's on_done, finalizing with fallbackStatus as soon as one of
// them does not complete and with Completed once the chain ends;
// otherwise it finalizes with fallbackStatus immediately. It kills no
// StepRun itself: a JobRun runs one step at a time, and the step that
// failed or was cancelled has already returned.
func (e *Engine) applyJobTransition(ctx context.Context, jobID string, job runbook.Job, t *runbook.Transition, fallbackStatus statestore.Status, reason string) {
	if t != nil && t.Step != "" {
		stepName := t.Step
		for stepName != "" {
			outcome := e.runStep(ctx, jobID, job, stepName)
			if outcome.result != statestore.StatusCompleted {
				e.finalizeJob(jobID, job, fallbackStatus, reason)
				return
			}
			step := findStep(job, stepName)
			stepName = e.nextOnDone(job, step)
		}
		e.finalizeJob(jobID, job, statestore.StatusCompleted, "")
		return
	}
	e.finalizeJob(jobID, job, fallbackStatus, reason)
}

// finalizeJob commits the JobRun's terminal status, finalizes its
// workspace, fires notify hooks, and wakes Start's caller.
func (e *Engine) finalizeJob(jobID string, job runbook.Job, status statestore.Status, reason string) {
	rec, err := e.WAL.Append(wal.JobStatusChanged, map[string]any{"id": jobID, "status": string(status), "reason": reason})
	if err == nil {
		_ = e.Store.Apply(rec)
	}

	if err := e.Workspace.Finalize(context.Background(), jobID, job.Workspace); err != nil {
		e.Logger.Warn("workspace finalize failed", "job_id", jobID, "error", err)
	}

	if e.Notify != nil {
		for _, hook := range job.NotifyHooks {
			level := "info"
			if status == statestore.StatusFailed {
				level = "error"
			}
			_ = e.Notify.Notify(context.Background(), fmt.Sprintf("job %s %s", job.Name, status), reason, level)
			_ = hook // hook naming/routing is a daemon-config concern; every hook gets the same notification
		}
	}

	e.mu.Lock()
	done, ok := e.waiters[jobID]
	delete(e.waiters, jobID)
	delete(e.cancels, jobID)
	e.mu.Unlock()
	if ok {
		done <- status
	}
}
