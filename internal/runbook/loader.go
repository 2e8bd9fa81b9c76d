package runbook

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the runbook configuration file at path. It does
// not resolve any ${...} tokens (that's interp's job at step-execution
// time). It runs Validate, so a runbook whose cross-references do not
// resolve is rejected here.
func Load(path string) (*Runbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runbook: read %s: %w", path, err)
	}
	var rb Runbook
	if err := yaml.Unmarshal(data, &rb); err != nil {
		return nil, fmt.Errorf("runbook: parse %s: %w", path, err)
	}
	if err := rb.Validate(); err != nil {
		return nil, fmt.Errorf("runbook: %s: %w", path, err)
	}
	return &rb, nil
}

// Validate checks that every named reference a Command, Worker, or
// Transition makes (job, queue, step, agent) resolves to a definition
// actually present in the Runbook, so a daemon boots with a fully
// cross-referenced configuration or not at all.
func (rb *Runbook) Validate() error {
	for name, cmd := range rb.Commands {
		if cmd.Job != "" {
			if _, ok := rb.Jobs[cmd.Job]; !ok {
				return fmt.Errorf("command %q references unknown job %q", name, cmd.Job)
			}
		} else if cmd.Run == "" {
			return fmt.Errorf("command %q has neither job nor run", name)
		}
	}

	for name, job := range rb.Jobs {
		steps := make(map[string]struct{}, len(job.Steps))
		for _, step := range job.Steps {
			steps[step.Name] = struct{}{}
			if step.Body.Shell == "" && step.Body.Agent == "" {
				return fmt.Errorf("job %q step %q has neither shell nor agent body", name, step.Name)
			}
			if step.Body.IsAgent() {
				if _, ok := rb.Agents[step.Body.Agent]; !ok {
					return fmt.Errorf("job %q step %q references unknown agent %q", name, step.Name, step.Body.Agent)
				}
			}
		}
		if err := checkTransitionTargets(name, job, steps); err != nil {
			return err
		}
	}

	for name, w := range rb.Workers {
		if _, ok := rb.Queues[w.Source]; !ok {
			return fmt.Errorf("worker %q references unknown queue %q", name, w.Source)
		}
		if _, ok := rb.Jobs[w.Handler]; !ok {
			return fmt.Errorf("worker %q references unknown handler job %q", name, w.Handler)
		}
	}

	for name, q := range rb.Queues {
		if q.Kind == QueueExternal && (q.List == "" || q.Take == "") {
			return fmt.Errorf("external queue %q must set both list and take", name)
		}
	}

	return nil
}

func checkTransitionTargets(jobName string, job Job, steps map[string]struct{}) error {
	check := func(t *Transition) error {
		if t == nil || t.Step == "" {
			return nil
		}
		if _, ok := steps[t.Step]; !ok {
			return fmt.Errorf("job %q transition references unknown step %q", jobName, t.Step)
		}
		return nil
	}
	if err := check(job.OnFail); err != nil {
		return err
	}
	if err := check(job.OnCancel); err != nil {
		return err
	}
	for _, step := range job.Steps {
		if err := check(step.OnDone); err != nil {
			return err
		}
		if err := check(step.OnFail); err != nil {
			return err
		}
	}
	return nil
}
