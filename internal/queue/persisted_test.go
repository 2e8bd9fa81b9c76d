package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/groblegark/oddjobs/internal/statestore"
	"github.com/groblegark/oddjobs/internal/wal"
)

func newTestQueue(t *testing.T) (*Persisted, *statestore.Store) {
	t.Helper()
	w, err := wal.Open(wal.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	store := statestore.New()
	return NewPersisted(w, store, "work"), store
}

func TestPushTakeAckFlow(t *testing.T) {
	q, _ := newTestQueue(t)

	id1, err := q.Push(map[string]any{"path": "a.txt"})
	require.NoError(t, err)
	id2, err := q.Push(map[string]any{"path": "b.txt"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), id1)
	require.Equal(t, uint64(2), id2)

	item, ok, err := q.Take()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id1, item.ItemID, "take must return the oldest item first")

	require.NoError(t, q.Ack(item.ItemID))
	require.Equal(t, 1, q.Len())

	item2, ok, err := q.Take()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id2, item2.ItemID)
}

func TestTakeSkipsInFlightItems(t *testing.T) {
	q, _ := newTestQueue(t)
	id, err := q.Push(nil)
	require.NoError(t, err)

	_, ok, err := q.Take()
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q.Take()
	require.NoError(t, err)
	require.False(t, ok, "an in-flight item must not be handed out again")

	require.NoError(t, q.Nack(id))
	item, ok, err := q.Take()
	require.NoError(t, err)
	require.True(t, ok, "nack must make the item eligible again")
	require.Equal(t, id, item.ItemID)
}

func TestTakeBlockingWakesOnPush(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan *statestore.QueueItem, 1)
	go func() {
		item, err := q.TakeBlocking(ctx)
		require.NoError(t, err)
		done <- item
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Push(map[string]any{"x": 1})
	require.NoError(t, err)

	select {
	case item := <-done:
		require.NotNil(t, item)
	case <-time.After(time.Second):
		t.Fatal("TakeBlocking did not wake up after push")
	}
}

func TestDropRemovesItemWithoutAck(t *testing.T) {
	q, _ := newTestQueue(t)
	id, err := q.Push(nil)
	require.NoError(t, err)
	require.NoError(t, q.Drop(id))
	require.Equal(t, 0, q.Len())
}
