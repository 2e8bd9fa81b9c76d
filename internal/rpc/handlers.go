package rpc

import (
	"context"

	"github.com/groblegark/oddjobs/internal/statestore"
)

// Backend is everything the RPC surface needs from the daemon to serve
// spec.md §6's six operations. internal/daemon supplies the concrete
// implementation, wiring together Engine, the named Persisted/External
// queues, the Dispatcher's Workers, and the archive; rpc itself never
// imports any of those packages directly, avoiding an import cycle with
// internal/daemon.
type Backend interface {
	RunJob(ctx context.Context, commandName string, args map[string]any) (jobID string, err error)
	QueuePush(ctx context.Context, queueName string, vars map[string]any) (itemID uint64, err error)
	WorkerStart(ctx context.Context, workerName string) error
	WorkerStop(ctx context.Context, workerName string) error
	AgentSend(ctx context.Context, agentID, text string) error
	JobCancel(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (StatusResult, error)
}

// RunParams are run(command_name, args_map)'s parameters.
type RunParams struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// RunResult is run's result.
type RunResult struct {
	JobID string `json:"jobId"`
}

// QueuePushParams are queue_push(queue_name, vars_map)'s parameters.
type QueuePushParams struct {
	Queue string         `json:"queue"`
	Vars  map[string]any `json:"vars,omitempty"`
}

// QueuePushResult is queue_push's result.
type QueuePushResult struct {
	ItemID uint64 `json:"itemId"`
}

// WorkerParams names a worker for worker_start/worker_stop.
type WorkerParams struct {
	Name string `json:"name"`
}

// AgentSendParams are agent_send(agent_id, text)'s parameters.
type AgentSendParams struct {
	AgentID string `json:"agentId"`
	Text    string `json:"text"`
}

// JobCancelParams names the job for job_cancel.
type JobCancelParams struct {
	JobID string `json:"jobId"`
}

// StatusParams selects one job by id, or every job when JobID is empty
// (status(job_id | all)).
type StatusParams struct {
	JobID string `json:"jobId,omitempty"`
}

// StatusResult is status's JobRun + StepRun snapshot result.
type StatusResult struct {
	Jobs []JobSnapshot `json:"jobs"`
}

// JobSnapshot is one JobRun's observable state, with its StepRuns.
type JobSnapshot struct {
	*statestore.JobRun
	Steps []*statestore.StepRun `json:"steps"`
}

// Dispatch routes one parsed request Message to the matching Backend
// method and returns the response/error Message to send back.
func Dispatch(ctx context.Context, b Backend, req *Message) *Message {
	switch req.Method {
	case "run":
		var p RunParams
		if err := req.UnmarshalParams(&p); err != nil {
			return badParams(req, err)
		}
		jobID, err := b.RunJob(ctx, p.Command, p.Args)
		if err != nil {
			return backendError(req, err)
		}
		return mustResponse(req, RunResult{JobID: jobID})

	case "queue_push":
		var p QueuePushParams
		if err := req.UnmarshalParams(&p); err != nil {
			return badParams(req, err)
		}
		itemID, err := b.QueuePush(ctx, p.Queue, p.Vars)
		if err != nil {
			return backendError(req, err)
		}
		return mustResponse(req, QueuePushResult{ItemID: itemID})

	case "worker_start":
		var p WorkerParams
		if err := req.UnmarshalParams(&p); err != nil {
			return badParams(req, err)
		}
		if err := b.WorkerStart(ctx, p.Name); err != nil {
			return backendError(req, err)
		}
		return mustResponse(req, nil)

	case "worker_stop":
		var p WorkerParams
		if err := req.UnmarshalParams(&p); err != nil {
			return badParams(req, err)
		}
		if err := b.WorkerStop(ctx, p.Name); err != nil {
			return backendError(req, err)
		}
		return mustResponse(req, nil)

	case "agent_send":
		var p AgentSendParams
		if err := req.UnmarshalParams(&p); err != nil {
			return badParams(req, err)
		}
		if err := b.AgentSend(ctx, p.AgentID, p.Text); err != nil {
			return backendError(req, err)
		}
		return mustResponse(req, nil)

	case "job_cancel":
		var p JobCancelParams
		if err := req.UnmarshalParams(&p); err != nil {
			return badParams(req, err)
		}
		if err := b.JobCancel(ctx, p.JobID); err != nil {
			return backendError(req, err)
		}
		return mustResponse(req, nil)

	case "status":
		var p StatusParams
		if err := req.UnmarshalParams(&p); err != nil {
			return badParams(req, err)
		}
		result, err := b.Status(ctx, p.JobID)
		if err != nil {
			return backendError(req, err)
		}
		return mustResponse(req, result)

	default:
		return NewErrorResponse(req.CorrelationID, "method_not_found", ErrMethodNotFound.Error(), nil)
	}
}

func badParams(req *Message, err error) *Message {
	return NewErrorResponse(req.CorrelationID, "invalid_params", err.Error(), nil)
}

func backendError(req *Message, err error) *Message {
	return NewErrorResponse(req.CorrelationID, "backend_error", err.Error(), nil)
}

func mustResponse(req *Message, result any) *Message {
	resp, err := NewResponse(req.CorrelationID, result)
	if err != nil {
		return NewErrorResponse(req.CorrelationID, "internal_error", err.Error(), nil)
	}
	return resp
}
