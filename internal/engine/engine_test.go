package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/groblegark/oddjobs/internal/adapter/memory"
	"github.com/groblegark/oddjobs/internal/clock"
	"github.com/groblegark/oddjobs/internal/monitor"
	"github.com/groblegark/oddjobs/internal/runbook"
	"github.com/groblegark/oddjobs/internal/statestore"
	"github.com/groblegark/oddjobs/internal/wal"
	"github.com/groblegark/oddjobs/internal/workspace"
)

func newTestEngine(t *testing.T, rb *runbook.Runbook) (*Engine, *memory.Fake) {
	t.Helper()
	w, err := wal.Open(wal.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	store := statestore.New()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "workspaces"), "")
	require.NoError(t, err)
	fake := memory.New()
	mon := monitor.New(clock.NewFake(time.Unix(0, 0)))

	e := New(rb, w, store, fake.Sessions(), fake.Agents(), fake.Notifier(), mon, ws, clock.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.RunDecisions(ctx)

	return e, fake
}

func TestRunSingleShellStepCompletesJob(t *testing.T) {
	rb := &runbook.Runbook{
		Jobs: map[string]runbook.Job{
			"noop": {
				Name:      "noop",
				Workspace: runbook.WorkspaceNone,
				Steps: []runbook.Step{
					{Name: "only", Body: runbook.StepRunTarget{Shell: "true"}},
				},
			},
		},
	}
	e, _ := newTestEngine(t, rb)

	_, done, err := e.Start(context.Background(), "noop", nil, nil)
	require.NoError(t, err)

	select {
	case status := <-done:
		require.Equal(t, statestore.StatusCompleted, status)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not complete")
	}
}

func TestStartItemResolvesAsItemNamespace(t *testing.T) {
	rb := &runbook.Runbook{
		Jobs: map[string]runbook.Job{
			"triage": {
				Name:      "triage",
				Workspace: runbook.WorkspaceNone,
				Steps: []runbook.Step{
					{Name: "check-id", Body: runbook.StepRunTarget{Shell: "test ${item.id} = T1"}, OnDone: &runbook.Transition{Step: "check-title"}},
					{Name: "check-title", Body: runbook.StepRunTarget{Shell: "test ${item.title} = x"}},
				},
			},
		},
	}
	e, _ := newTestEngine(t, rb)

	_, done, err := e.Start(context.Background(), "triage", nil, map[string]any{"id": "T1", "title": "x"})
	require.NoError(t, err)

	select {
	case status := <-done:
		require.Equal(t, statestore.StatusCompleted, status, "the step's shell body must see item.id/item.title resolved, not unresolved_variable")
	case <-time.After(2 * time.Second):
		t.Fatal("job did not complete")
	}
}

func TestFailingShellStepFailsJobWithoutOnFail(t *testing.T) {
	rb := &runbook.Runbook{
		Jobs: map[string]runbook.Job{
			"bad": {
				Name:      "bad",
				Workspace: runbook.WorkspaceNone,
				Steps: []runbook.Step{
					{Name: "only", Body: runbook.StepRunTarget{Shell: "false"}},
				},
			},
		},
	}
	e, _ := newTestEngine(t, rb)

	_, done, err := e.Start(context.Background(), "bad", nil, nil)
	require.NoError(t, err)

	select {
	case status := <-done:
		require.Equal(t, statestore.StatusFailed, status)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finalize")
	}
}

func TestOnFailRetriesUpToAttemptsThenPropagates(t *testing.T) {
	rb := &runbook.Runbook{
		Jobs: map[string]runbook.Job{
			"retry": {
				Name:      "retry",
				Workspace: runbook.WorkspaceNone,
				Steps: []runbook.Step{
					{
						Name: "flaky",
						Body: runbook.StepRunTarget{Shell: "false"},
						OnFail: &runbook.Transition{Step: "flaky", Attempts: 3},
					},
				},
			},
		},
	}
	e, _ := newTestEngine(t, rb)

	jobID, done, err := e.Start(context.Background(), "retry", nil, nil)
	require.NoError(t, err)

	select {
	case status := <-done:
		require.Equal(t, statestore.StatusFailed, status)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finalize")
	}

	jr := e.Store.Jobs[jobID]
	require.Equal(t, 3, jr.RetryCounters["flaky"], "must have attempted exactly the configured budget")
}

func TestOnDoneChainsToNextStep(t *testing.T) {
	rb := &runbook.Runbook{
		Jobs: map[string]runbook.Job{
			"chain": {
				Name:      "chain",
				Workspace: runbook.WorkspaceNone,
				Steps: []runbook.Step{
					{Name: "first", Body: runbook.StepRunTarget{Shell: "true"}, OnDone: &runbook.Transition{Step: "second"}},
					{Name: "second", Body: runbook.StepRunTarget{Shell: "true"}},
				},
			},
		},
	}
	e, _ := newTestEngine(t, rb)

	jobID, done, err := e.Start(context.Background(), "chain", nil, nil)
	require.NoError(t, err)

	select {
	case status := <-done:
		require.Equal(t, statestore.StatusCompleted, status)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finalize")
	}

	jr := e.Store.Jobs[jobID]
	require.Equal(t, "second", jr.CurrentStep)
}

func TestCircuitBreakerStopsInfiniteRetryLoop(t *testing.T) {
	rb := &runbook.Runbook{
		Jobs: map[string]runbook.Job{
			"loop": {
				Name:         "loop",
				Workspace:    runbook.WorkspaceNone,
				CircuitLimit: 5,
				Steps: []runbook.Step{
					{
						Name: "spin",
						Body: runbook.StepRunTarget{Shell: "false"},
						OnFail: &runbook.Transition{Step: "spin", Forever: true},
					},
				},
			},
		},
	}
	e, _ := newTestEngine(t, rb)

	jobID, done, err := e.Start(context.Background(), "loop", nil, nil)
	require.NoError(t, err)

	select {
	case status := <-done:
		require.Equal(t, statestore.StatusFailed, status)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finalize")
	}

	jr := e.Store.Jobs[jobID]
	require.Equal(t, "circuit_open", jr.FailureReason)
	require.LessOrEqual(t, jr.CircuitCount, 5)
}

func TestAgentStepCompletesOnDeadAction(t *testing.T) {
	rb := &runbook.Runbook{
		Agents: map[string]runbook.Agent{
			"coder": {
				Name:           "coder",
				PromptTemplate: "do the thing",
				Reactions: runbook.Reactions{
					OnDead: &runbook.Reaction{Action: runbook.ActionDone},
				},
			},
		},
		Jobs: map[string]runbook.Job{
			"agentic": {
				Name:      "agentic",
				Workspace: runbook.WorkspaceNone,
				Steps: []runbook.Step{
					{Name: "work", Body: runbook.StepRunTarget{Agent: "coder"}},
				},
			},
		},
	}
	e, _ := newTestEngine(t, rb)

	_, done, err := e.Start(context.Background(), "agentic", nil, nil)
	require.NoError(t, err)

	var agentID string
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		for id := range e.Store.Agents {
			agentID = id
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "engine must register the spawned AgentRun")

	zero := 0
	e.Monitor.HandleProbe(monitor.Probe{
		AgentID: agentID, At: time.Now(), SessionAlive: true, ProcessAlive: false, ExitCode: &zero,
	})

	select {
	case status := <-done:
		require.Equal(t, statestore.StatusCompleted, status)
	case <-time.After(2 * time.Second):
		t.Fatal("agent job did not finalize")
	}
}
