package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/groblegark/oddjobs/internal/statestore"
)

// Pruner periodically moves terminal JobRuns older than RetainInMemory
// out of the live StateStore and into the archive database (spec.md's
// "Terminal JobRuns...older than retain_in_memory are additionally
// archived into the SQLite long-term store and pruned from the
// in-memory StateStore").
type Pruner struct {
	Store          *Store
	StateStore     *statestore.Store
	RetainInMemory time.Duration
	Interval       time.Duration
	Logger         *slog.Logger

	// OnArchived, if set, is called after each JobRun is successfully
	// archived and evicted — callers hang metrics or other observers off
	// it instead of Pruner needing to know about them.
	OnArchived func(jobID string)
}

// NewPruner returns a Pruner with the given retention window, defaulting
// Interval to one tenth of retain (floored at one minute) if unset.
func NewPruner(archiveStore *Store, state *statestore.Store, retain time.Duration, logger *slog.Logger) *Pruner {
	interval := retain / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{Store: archiveStore, StateStore: state, RetainInMemory: retain, Interval: interval, Logger: logger}
}

// Run ticks at p.Interval until ctx is cancelled, sweeping on every tick.
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep archives and evicts every terminal JobRun whose EndedAt is older
// than RetainInMemory. It is safe to call concurrently with the engine:
// Evict only removes JobRuns already in a terminal status.
func (p *Pruner) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-p.RetainInMemory)
	img := p.StateStore.Snapshot()

	for id, jr := range img.Jobs {
		if !jr.Status.Terminal() || jr.EndedAt.IsZero() || jr.EndedAt.After(cutoff) {
			continue
		}

		var steps []*statestore.StepRun
		for _, st := range img.Steps {
			if st.JobID == id {
				steps = append(steps, st)
			}
		}

		if err := p.Store.ArchiveJobRun(ctx, jr, steps); err != nil {
			p.Logger.Warn("archive job failed, leaving in memory", "job_id", id, "error", err)
			continue
		}
		p.StateStore.Evict(id)
		if p.OnArchived != nil {
			p.OnArchived(id)
		}
	}
}
