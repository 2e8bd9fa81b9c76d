package dispatch

import (
	"context"

	"github.com/groblegark/oddjobs/internal/queue"
)

// PersistedSource adapts *queue.Persisted to Source.
type PersistedSource struct {
	Queue *queue.Persisted
}

func (s PersistedSource) TakeBlocking(ctx context.Context) (Item, error) {
	qi, err := s.Queue.TakeBlocking(ctx)
	if err != nil {
		return Item{}, err
	}
	return Item{ItemID: qi.ItemID, Vars: qi.Vars, ItemVars: qi.Vars, Raw: qi.Raw}, nil
}

func (s PersistedSource) Ack(item Item) error  { return s.Queue.Ack(item.ItemID) }
func (s PersistedSource) Nack(item Item) error { return s.Queue.Nack(item.ItemID) }
func (s PersistedSource) Drop(item Item) error { return s.Queue.Drop(item.ItemID) }

// ExternalSource adapts *queue.External to Source by polling List and
// attempting Take against each candidate until one is successfully
// claimed. Since external items are not durable, Ack/Nack/Drop are all
// no-ops: the external system of record is the only thing that knows
// whether the item was truly handled, and a crash simply lets the next
// poll's list resurface it (the documented contract).
type ExternalSource struct {
	Queue *queue.External
}

func (s ExternalSource) TakeBlocking(ctx context.Context) (Item, error) {
	for {
		items, err := s.Queue.List(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Item{}, ctxErr
			}
			// A failed list skips this poll; List's rate limiter paces
			// the next attempt to the queue's poll interval.
			continue
		}
		for _, it := range items {
			claimed, err := s.Queue.Take(ctx, it.ID)
			if err != nil {
				return Item{}, err
			}
			if claimed {
				return Item{ExtID: it.ID, Raw: it.Raw, ItemVars: queue.FlattenItem(it.Raw)}, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
	}
}

func (s ExternalSource) Ack(Item) error  { return nil }
func (s ExternalSource) Nack(Item) error { return nil }
func (s ExternalSource) Drop(Item) error { return nil }
