package daemon

import (
	"context"
	"fmt"

	"github.com/groblegark/oddjobs/internal/adapter"
	"github.com/groblegark/oddjobs/internal/rpc"
	"github.com/groblegark/oddjobs/internal/statestore"
)

// Daemon implements rpc.Backend, serving spec.md §6's six RPC
// operations by delegating straight to the subsystem that owns each
// concern (Engine for run/job_cancel, the named Persisted queue for
// queue_push, the named Worker's goroutine for worker_start/stop, the
// AgentAdapter for agent_send, and the StateStore/archive pair for
// status).

func (d *Daemon) RunJob(ctx context.Context, commandName string, args map[string]any) (string, error) {
	jobName, ok := d.commandJobs[commandName]
	if !ok {
		return "", fmt.Errorf("daemon: unknown command %q", commandName)
	}
	jobID, done, err := d.engine.Start(ctx, jobName, args, nil)
	if err != nil {
		return "", err
	}
	jobsStartedTotal.WithLabelValues(jobName).Inc()
	go func() {
		status := <-done
		jobsCompletedTotal.WithLabelValues(jobName, string(status)).Inc()
	}()
	return jobID, nil
}

func (d *Daemon) QueuePush(ctx context.Context, queueName string, vars map[string]any) (uint64, error) {
	q, ok := d.persistedQueues[queueName]
	if !ok {
		if _, isExternal := d.externalQueues[queueName]; isExternal {
			return 0, fmt.Errorf("daemon: queue %q is external; items are supplied by its list command, not queue_push", queueName)
		}
		return 0, fmt.Errorf("daemon: unknown queue %q", queueName)
	}
	itemID, err := q.Push(vars)
	if err != nil {
		return 0, err
	}
	queueDepth.WithLabelValues(queueName).Set(float64(q.Len()))
	return itemID, nil
}

func (d *Daemon) WorkerStart(ctx context.Context, workerName string) error {
	w, ok := d.workers[workerName]
	if !ok {
		return fmt.Errorf("daemon: unknown worker %q", workerName)
	}
	d.mu.Lock()
	_, running := d.workerCancels[workerName]
	runCtx := d.runCtx
	d.mu.Unlock()
	if running {
		return nil
	}
	if runCtx == nil {
		return fmt.Errorf("daemon: not started")
	}
	d.startWorker(runCtx, workerName, w)
	return nil
}

func (d *Daemon) WorkerStop(ctx context.Context, workerName string) error {
	if _, ok := d.workers[workerName]; !ok {
		return fmt.Errorf("daemon: unknown worker %q", workerName)
	}
	d.mu.Lock()
	cancel, ok := d.workerCancels[workerName]
	delete(d.workerCancels, workerName)
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (d *Daemon) AgentSend(ctx context.Context, agentID, text string) error {
	img := d.store.Snapshot()
	ar, ok := img.Agents[agentID]
	if !ok {
		return fmt.Errorf("daemon: unknown agent %q", agentID)
	}
	handle := adapter.Handle{SessionID: ar.AdapterSessionID, LogPath: ar.LogPath}
	return d.agents.Send(ctx, handle, text)
}

func (d *Daemon) JobCancel(ctx context.Context, jobID string) error {
	return d.engine.Cancel(jobID)
}

func (d *Daemon) Status(ctx context.Context, jobID string) (rpc.StatusResult, error) {
	img := d.store.Snapshot()

	if jobID != "" {
		jr, ok := img.Jobs[jobID]
		if !ok {
			archived, steps, err := d.statusFromArchive(ctx, jobID)
			if err != nil {
				return rpc.StatusResult{}, fmt.Errorf("daemon: job %q not found in memory or archive: %w", jobID, err)
			}
			return rpc.StatusResult{Jobs: []rpc.JobSnapshot{{JobRun: archived, Steps: steps}}}, nil
		}
		return rpc.StatusResult{Jobs: []rpc.JobSnapshot{{JobRun: jr, Steps: stepsForJob(img, jobID)}}}, nil
	}

	jobs := make([]rpc.JobSnapshot, 0, len(img.Jobs))
	for id, jr := range img.Jobs {
		jobs = append(jobs, rpc.JobSnapshot{JobRun: jr, Steps: stepsForJob(img, id)})
	}
	return rpc.StatusResult{Jobs: jobs}, nil
}

func (d *Daemon) statusFromArchive(ctx context.Context, jobID string) (*statestore.JobRun, []*statestore.StepRun, error) {
	jr, err := d.archiveStore.GetJobRun(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := d.archiveStore.ListSteps(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return jr, steps, nil
}

func stepsForJob(img statestore.Image, jobID string) []*statestore.StepRun {
	var out []*statestore.StepRun
	for _, st := range img.Steps {
		if st.JobID == jobID {
			out = append(out, st)
		}
	}
	return out
}
