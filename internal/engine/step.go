package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"
	shellquote "github.com/kballard/go-shellquote"

	"github.com/groblegark/oddjobs/internal/interp"
	"github.com/groblegark/oddjobs/internal/monitor"
	"github.com/groblegark/oddjobs/internal/runbook"
	"github.com/groblegark/oddjobs/internal/statestore"
	"github.com/groblegark/oddjobs/internal/wal"
	"github.com/groblegark/oddjobs/pkg/ojerrors"
)

// stepOutcome is runStep's result: which terminal status this one
// attempt reached, the attempt number it ran as (for on_fail's
// attempts-vs-budget comparison), and a human-readable failure reason.
type stepOutcome struct {
	result        statestore.Status
	attempt       int
	failureReason string
}

// runStep executes exactly one attempt of stepName: it appends
// StepEntered/StepAttemptStarted, dispatches to a shell subprocess or an
// agent spawn depending on the step's run target, and appends
// StepStatusChanged once the attempt reaches a terminal status. Retrying
// the same step (spec.md's "new attempt, if on_fail.attempts > current")
// is the caller's job: it simply calls runStep again with the same name,
// and the attempt number advances because it is read back from the
// JobRun's persisted RetryCounters.
func (e *Engine) runStep(ctx context.Context, jobID string, job runbook.Job, stepName string) stepOutcome {
	step := findStep(job, stepName)

	enterRec, err := e.WAL.Append(wal.StepEntered, map[string]any{"job_id": jobID, "step_name": stepName})
	if err != nil {
		return stepOutcome{result: statestore.StatusFailed, failureReason: err.Error()}
	}
	if err := e.Store.Apply(enterRec); err != nil {
		return stepOutcome{result: statestore.StatusFailed, failureReason: err.Error()}
	}

	attempt := e.nextAttempt(jobID, stepName)
	stepID := uuid.NewString()
	startRec, err := e.WAL.Append(wal.StepAttemptStarted, map[string]any{
		"id": stepID, "job_id": jobID, "step_name": stepName, "attempt": attempt,
	})
	if err != nil {
		return stepOutcome{result: statestore.StatusFailed, attempt: attempt, failureReason: err.Error()}
	}
	if err := e.Store.Apply(startRec); err != nil {
		return stepOutcome{result: statestore.StatusFailed, attempt: attempt, failureReason: err.Error()}
	}

	var result statestore.Status
	var exitCode *int
	var failTag, failText string

	if step.Body.IsAgent() {
		result, exitCode, failTag, failText = e.runAgentStep(ctx, jobID, stepID, step)
	} else {
		result, exitCode, failTag, failText = e.runShellStep(ctx, jobID, step)
	}

	fields := map[string]any{"id": stepID, "status": string(result)}
	if exitCode != nil {
		fields["exit_code"] = *exitCode
	}
	if failTag != "" {
		fields["failure_tag"] = failTag
	}
	if failText != "" {
		fields["failure_text"] = failText
	}
	doneRec, err := e.WAL.Append(wal.StepStatusChanged, fields)
	if err == nil {
		_ = e.Store.Apply(doneRec)
	}

	return stepOutcome{result: result, attempt: attempt, failureReason: failText}
}

func (e *Engine) nextAttempt(jobID, stepName string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if jr, ok := e.Store.Jobs[jobID]; ok {
		return jr.RetryCounters[stepName] + 1
	}
	return 1
}

// buildScope assembles the interp.Scope a step body or agent prompt
// resolves ${...} tokens against, per spec.md §4.2's resolution order.
func (e *Engine) buildScope(jobID string, job runbook.Job) interp.Scope {
	e.mu.Lock()
	jr := e.Store.Jobs[jobID]
	e.mu.Unlock()

	args := make(map[string]any, len(job.Vars))
	for k, v := range job.Vars {
		args[k] = v
	}
	scope := interp.Scope{
		Args:   args,
		Vars:   map[string]any{},
		Locals: map[string]any{},
		Const:  e.Runbook.Consts,
	}
	if jr != nil {
		for k, v := range jr.Args {
			scope.Args[k] = v
		}
		scope.Item = jr.Item
		scope.Workspace = map[string]any{"root": jr.WorkspaceRoot, "nonce": jr.WorkspaceNonce}
		scope.InvokeDir = jr.WorkspaceRoot
	}
	for k, v := range job.Locals {
		scope.Locals[k] = v
	}
	return scope
}

// runShellStep executes step.Body.Shell as an interpolated subprocess,
// run inside the JobRun's workspace root (spec.md's expansion: "run via
// os/exec with kballard/go-shellquote splitting the interpolated command
// line...run inside its job's workspace root").
func (e *Engine) runShellStep(ctx context.Context, jobID string, step runbook.Step) (statestore.Status, *int, string, string) {
	e.mu.Lock()
	job := e.jobDefFor(jobID)
	e.mu.Unlock()

	scope := e.buildScope(jobID, job)
	cmdline, err := interp.Resolve(step.Body.Shell, scope)
	if err != nil {
		return statestore.StatusFailed, nil, string(ojerrors.TagUnresolvedVariable), err.Error()
	}

	args, err := shellquote.Split(cmdline)
	if err != nil || len(args) == 0 {
		return statestore.StatusFailed, nil, string(ojerrors.TagSubprocessNonzero), fmt.Sprintf("engine: invalid shell command: %v", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	e.mu.Lock()
	jr := e.Store.Jobs[jobID]
	e.mu.Unlock()
	if jr != nil && jr.WorkspaceRoot != "" {
		cmd.Dir = jr.WorkspaceRoot
	}
	cmd.Env = os.Environ()

	err = cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return statestore.StatusFailed, nil, string(ojerrors.TagTimeout), "engine: step exceeded its timeout"
	}
	if err == nil {
		code := 0
		return statestore.StatusCompleted, &code, "", ""
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		return statestore.StatusFailed, &code, string(ojerrors.TagSubprocessNonzero), fmt.Sprintf("exit code %d", code)
	}
	return statestore.StatusFailed, nil, string(ojerrors.TagSubprocessNonzero), err.Error()
}

// jobDefFor looks the static Job definition back up by a JobRun's
// JobName, used by code paths that only carry a jobID.
func (e *Engine) jobDefFor(jobID string) runbook.Job {
	jr, ok := e.Store.Jobs[jobID]
	if !ok {
		return runbook.Job{}
	}
	return e.Runbook.Jobs[jr.JobName]
}

// runAgentStep spawns step.Body.Agent and suspends until the Monitor
// delivers a terminal Decision for it (spec.md: "suspends the StepRun
// until the Monitor delivers a terminal Action").
func (e *Engine) runAgentStep(ctx context.Context, jobID, stepID string, step runbook.Step) (statestore.Status, *int, string, string) {
	agentDef, ok := e.Runbook.Agents[step.Body.Agent]
	if !ok {
		return statestore.StatusFailed, nil, string(ojerrors.TagAgentFailed), fmt.Sprintf("engine: unknown agent %q", step.Body.Agent)
	}

	job := e.jobDefFor(jobID)
	scope := e.buildScope(jobID, job)

	prompt, err := interp.Resolve(agentDef.PromptTemplate, scope)
	if err != nil {
		return statestore.StatusFailed, nil, string(ojerrors.TagUnresolvedVariable), err.Error()
	}

	sessionID, err := e.Sessions.Open(ctx, agentDef.SessionTitle, agentDef.SessionColor)
	if err != nil {
		return statestore.StatusFailed, nil, string(ojerrors.TagSessionGone), err.Error()
	}

	handle, err := e.Agents.Spawn(ctx, sessionID, agentDef.Env, agentDef.PrimeScripts, prompt)
	if err != nil {
		return statestore.StatusFailed, nil, string(ojerrors.TagAgentFailed), err.Error()
	}

	agentID := uuid.NewString()
	rec, err := e.WAL.Append(wal.AgentCreated, map[string]any{
		"id": agentID, "step_id": stepID, "session_name": sessionID, "log_path": handle.LogPath,
	})
	if err != nil {
		return statestore.StatusFailed, nil, string(ojerrors.TagAgentFailed), err.Error()
	}
	if err := e.Store.Apply(rec); err != nil {
		return statestore.StatusFailed, nil, string(ojerrors.TagAgentFailed), err.Error()
	}

	wait := make(chan monitor.Decision, 8)
	e.mu.Lock()
	e.suspended[agentID] = wait
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.suspended, agentID)
		e.mu.Unlock()
		e.Monitor.Untrack(agentID)
	}()

	e.Monitor.Track(agentID, agentDef, handle)

	for {
		select {
		case <-ctx.Done():
			_ = e.Agents.Kill(context.Background(), handle)
			return statestore.StatusCancelled, nil, "", "context cancelled"

		case d := <-wait:
			e.persistAgentDecision(agentID, d)
			switch d.Action.Kind {
			case runbook.ActionNudge:
				msg, err := interp.Resolve(d.Action.Message, scope)
				if err == nil {
					_ = e.Agents.Send(ctx, handle, msg)
				}
			case runbook.ActionResume:
				newHandle, err := e.Agents.Reconnect(ctx, sessionID, handle)
				if err == nil {
					handle = newHandle
					if d.Action.Message != "" {
						if msg, err := interp.Resolve(d.Action.Message, scope); err == nil {
							_ = e.Agents.Send(ctx, handle, msg)
						}
					}
				}
			case runbook.ActionGate:
				cmd, err := interp.Resolve(d.Action.Run, scope)
				if err != nil {
					return statestore.StatusFailed, nil, string(ojerrors.TagGateFailed), err.Error()
				}
				if runGateCommand(ctx, cmd) {
					code := 0
					return statestore.StatusCompleted, &code, "", ""
				}
			case runbook.ActionEscalate:
				_ = e.Agents.Send(ctx, handle, d.Action.Message)
			case runbook.ActionDone:
				code := 0
				return statestore.StatusCompleted, &code, "", ""
			case runbook.ActionFail:
				return statestore.StatusFailed, nil, string(ojerrors.TagAgentFailed), d.Action.Message
			case runbook.ActionCancel:
				_ = e.Agents.Kill(ctx, handle)
				return statestore.StatusCancelled, nil, "", d.Action.Message
			case runbook.ActionKill:
				_ = e.Agents.Kill(ctx, handle)
				return statestore.StatusFailed, nil, string(ojerrors.TagAgentFailed), "killed"
			}
		}
	}
}

func (e *Engine) persistAgentDecision(agentID string, d monitor.Decision) {
	rec, err := e.WAL.Append(wal.AgentStateChanged, map[string]any{
		"id": agentID, "state": string(d.NextState),
		"reaction_budget": budgetFields(d.Budget), "nudge_key": nudgeKeyFired(d),
	})
	if err != nil {
		return
	}
	_ = e.Store.Apply(rec)
}

func budgetFields(b monitor.Budget) map[string]any {
	out := make(map[string]any, len(b.Remaining))
	for k, v := range b.Remaining {
		out[k] = v
	}
	return out
}

func nudgeKeyFired(d monitor.Decision) string {
	if d.Action.Kind == runbook.ActionNudge {
		return d.ReactionKey
	}
	return ""
}

func runGateCommand(ctx context.Context, cmdline string) bool {
	args, err := shellquote.Split(cmdline)
	if err != nil || len(args) == 0 {
		return false
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	return cmd.Run() == nil
}
