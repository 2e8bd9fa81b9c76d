package engine

import "github.com/groblegark/oddjobs/internal/interp"

// interpBranch expands a job's branch_template against the one variable
// it has available before the JobRun's full scope exists: its own id,
// reachable as ${args.job_id}.
func interpBranch(tmpl, jobID string) (string, error) {
	return interp.Resolve(tmpl, interp.Scope{Args: map[string]any{"job_id": jobID}})
}
