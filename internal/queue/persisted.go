// Package queue implements spec.md §4.4's QueueManager: a durable
// WAL-backed persisted queue and a poller-driven, non-durable external
// queue. Both present the same push/take/ack/nack-shaped surface to the
// Dispatcher, grounded on the pack's priority-ordered MemoryQueue
// (signal-channel wakeup on push, blocking take), generalized from an
// in-memory-only queue to one backed by the WAL/StateStore pair so a
// persisted queue survives a daemon restart.
package queue

import (
	"context"

	"github.com/groblegark/oddjobs/internal/statestore"
	"github.com/groblegark/oddjobs/internal/wal"
)

// Persisted is a durable FIFO over one named queue's QueueItems, backed
// by w (for the WAL record trail) and store (for the live in-memory
// view). All mutation goes through the WAL first, matching every other
// engine subsystem's ordering rule; the Record returned by each Append
// is applied to store verbatim so the live path and replay path can
// never disagree.
type Persisted struct {
	name   string
	wal    *wal.WAL
	store  *statestore.Store
	signal chan struct{}
}

// NewPersisted returns a Persisted queue named name.
func NewPersisted(w *wal.WAL, store *statestore.Store, name string) *Persisted {
	return &Persisted{name: name, wal: w, store: store, signal: make(chan struct{}, 1)}
}

// Push appends a QueuePushed record and returns the assigned,
// monotonically increasing item id.
func (p *Persisted) Push(vars map[string]any) (uint64, error) {
	itemID := p.nextID()
	rec, err := p.wal.Append(wal.QueuePushed, map[string]any{
		"queue": p.name, "item_id": itemID, "source": "persisted", "vars": vars,
	})
	if err != nil {
		return 0, err
	}
	if err := p.store.Apply(rec); err != nil {
		return 0, err
	}
	p.wake()
	return itemID, nil
}

func (p *Persisted) nextID() uint64 {
	return p.store.QueueNextID(p.name)
}

func (p *Persisted) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Take returns the oldest non-in-flight item, marking it in-flight, or
// ok=false if the queue currently has nothing ready.
func (p *Persisted) Take() (item *statestore.QueueItem, ok bool, err error) {
	candidate, ok := p.store.QueueTakeCandidate(p.name)
	if !ok {
		return nil, false, nil
	}

	rec, err := p.wal.Append(wal.QueueTaken, map[string]any{"queue": p.name, "item_id": candidate.ItemID})
	if err != nil {
		return nil, false, err
	}
	if err := p.store.Apply(rec); err != nil {
		return nil, false, err
	}
	return candidate, true, nil
}

// TakeBlocking calls Take in a loop, waiting on the push signal (or ctx
// cancellation) whenever the queue is empty.
func (p *Persisted) TakeBlocking(ctx context.Context) (*statestore.QueueItem, error) {
	for {
		item, ok, err := p.Take()
		if err != nil {
			return nil, err
		}
		if ok {
			return item, nil
		}
		select {
		case <-p.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack drops the item permanently (job completed successfully).
func (p *Persisted) Ack(itemID uint64) error {
	rec, err := p.wal.Append(wal.QueueAcked, map[string]any{"queue": p.name, "item_id": itemID})
	if err != nil {
		return err
	}
	return p.store.Apply(rec)
}

// Nack clears in-flight so the item becomes eligible for Take again,
// used when a worker crashes mid-processing and recovery requeues it.
func (p *Persisted) Nack(itemID uint64) error {
	rec, err := p.wal.Append(wal.QueueNacked, map[string]any{"queue": p.name, "item_id": itemID})
	if err != nil {
		return err
	}
	if err := p.store.Apply(rec); err != nil {
		return err
	}
	p.wake()
	return nil
}

// Drop removes the item without acknowledging success, used by the
// dispatcher's default Failed/Cancelled policy to avoid poison-pill
// retry loops (retry logic belongs inside the job itself via on_fail).
func (p *Persisted) Drop(itemID uint64) error {
	rec, err := p.wal.Append(wal.QueueDropped, map[string]any{"queue": p.name, "item_id": itemID})
	if err != nil {
		return err
	}
	return p.store.Apply(rec)
}

// Len reports the number of items currently in the queue (in-flight or
// not), primarily for status reporting.
func (p *Persisted) Len() int {
	return p.store.QueueLen(p.name)
}
