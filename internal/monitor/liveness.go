package monitor

import (
	"context"

	"github.com/prometheus/procfs"

	"github.com/groblegark/oddjobs/internal/adapter"
	"github.com/groblegark/oddjobs/internal/clock"
)

// LivenessProber polls an AgentAdapter's Liveness plus a procfs lookup on
// the agent's OS process, giving the monitor a process-alive signal that
// survives the adapter layer reporting a stale PID (e.g. reused by an
// unrelated process after a crash).
type LivenessProber struct {
	Agents adapter.AgentAdapter
	FS     procfs.FS
	Clock  clock.Clock
}

// NewLivenessProber opens /proc via procfs and wraps agents' Liveness
// calls with a process-table cross-check.
func NewLivenessProber(agents adapter.AgentAdapter, clk clock.Clock) (*LivenessProber, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &LivenessProber{Agents: agents, FS: fs, Clock: clk}, nil
}

// Probe returns the liveness of h, confirming adapter.Liveness.ProcessAlive
// against procfs when the adapter reports a live process.
func (p *LivenessProber) Probe(ctx context.Context, agentID string, h adapter.Handle) (Probe, error) {
	lv, err := p.Agents.Liveness(ctx, h)
	if err != nil {
		return Probe{}, err
	}
	processAlive := lv.ProcessAlive
	if processAlive && h.ProcessID > 0 {
		if _, statErr := p.FS.Proc(h.ProcessID); statErr != nil {
			processAlive = false
		}
	}
	return Probe{
		AgentID:      agentID,
		At:           p.Clock.Now(),
		SessionAlive: lv.SessionAlive,
		ProcessAlive: processAlive,
		ExitCode:     lv.ExitCode,
	}, nil
}
