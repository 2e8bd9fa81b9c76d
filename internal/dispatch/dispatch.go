// Package dispatch implements spec.md §4.4's Dispatcher: for each Worker
// definition it tracks active JobRuns against the worker's configured
// concurrency and, whenever capacity allows and the source queue has a
// ready item, starts a JobRun via the engine. It is grounded on the
// pack's runner/active-count tracking generalized from "one handler per
// queue" to "N workers, each with its own queue and concurrency limit",
// using golang.org/x/sync/semaphore for the per-worker capacity gate and
// golang.org/x/sync/errgroup to supervise each worker's goroutine.
package dispatch

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/groblegark/oddjobs/internal/statestore"
)

// Item is a source-agnostic queue item: persisted items carry an
// ItemID the source needs back for ack/nack; external items carry only
// their claimed ID and decoded payload. ItemVars is the flattened
// namespace a started JobRun resolves as ${item.X}; it is distinct from
// Vars, which only ever merges into ${args.X}.
type Item struct {
	ItemID   uint64
	ExtID    string
	Vars     map[string]any
	ItemVars map[string]any
	Raw      any
}

// Source abstracts over queue.Persisted and an external-queue claim loop
// so the Dispatcher can drive either uniformly.
type Source interface {
	TakeBlocking(ctx context.Context) (Item, error)
	Ack(item Item) error
	Nack(item Item) error
	Drop(item Item) error
}

// JobStarter is the engine-side collaborator the Dispatcher starts
// JobRuns through. done yields exactly one terminal statestore.Status.
type JobStarter interface {
	Start(ctx context.Context, jobName string, vars map[string]any, item map[string]any) (jobID string, done <-chan statestore.Status, err error)
}

// Worker pairs one Source to one handler job name with a concurrency
// limit, matching the runbook's Worker definition.
type Worker struct {
	Name        string
	Handler     string
	Concurrency int64
	Source      Source
	Starter     JobStarter

	sem *semaphore.Weighted
}

// NewWorker returns a Worker ready to Run.
func NewWorker(name, handler string, concurrency int64, source Source, starter JobStarter) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		Name: name, Handler: handler, Concurrency: concurrency,
		Source: source, Starter: starter,
		sem: semaphore.NewWeighted(concurrency),
	}
}

// Run blocks, pulling items and starting JobRuns, until ctx is
// cancelled. Each started JobRun's completion is awaited on its own
// goroutine so Run can immediately go back to pulling the next item
// once a concurrency slot frees up.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}
		item, err := w.Source.TakeBlocking(ctx)
		if err != nil {
			w.sem.Release(1)
			break
		}
		item := item
		g.Go(func() error {
			defer w.sem.Release(1)
			return w.runOne(ctx, item)
		})
	}
	return g.Wait()
}

func (w *Worker) runOne(ctx context.Context, item Item) error {
	_, done, err := w.Starter.Start(ctx, w.Handler, item.Vars, item.ItemVars)
	if err != nil {
		return w.settle(item, statestore.StatusFailed)
	}
	select {
	case status := <-done:
		return w.settle(item, status)
	case <-ctx.Done():
		return w.Source.Nack(item)
	}
}

// settle implements the default ack/drop policy: ack on Completed,
// drop on Failed/Cancelled to avoid poison-pill retry loops (retry
// belongs inside the job itself via on_fail).
func (w *Worker) settle(item Item, status statestore.Status) error {
	if status == statestore.StatusCompleted {
		return w.Source.Ack(item)
	}
	return w.Source.Drop(item)
}
