package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/groblegark/oddjobs/internal/statestore"
)

// fakeSource hands out a fixed number of items then blocks until ctx is
// cancelled, recording every ack/nack/drop call it receives.
type fakeSource struct {
	mu      sync.Mutex
	pending []Item
	acked   []uint64
	dropped []uint64
	nacked  []uint64
}

func (f *fakeSource) TakeBlocking(ctx context.Context) (Item, error) {
	for {
		f.mu.Lock()
		if len(f.pending) > 0 {
			item := f.pending[0]
			f.pending = f.pending[1:]
			f.mu.Unlock()
			return item, nil
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *fakeSource) Ack(item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, item.ItemID)
	return nil
}

func (f *fakeSource) Nack(item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, item.ItemID)
	return nil
}

func (f *fakeSource) Drop(item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, item.ItemID)
	return nil
}

// fakeStarter resolves every Start immediately with a scripted status,
// and counts how many JobRuns are concurrently in flight so tests can
// assert the concurrency cap is respected.
type fakeStarter struct {
	status       statestore.Status
	active       int32
	maxObserved  int32
	startDelay   time.Duration
	startedCount int32

	mu       sync.Mutex
	lastItem map[string]any
}

func (f *fakeStarter) Start(ctx context.Context, jobName string, vars map[string]any, item map[string]any) (string, <-chan statestore.Status, error) {
	f.mu.Lock()
	f.lastItem = item
	f.mu.Unlock()
	atomic.AddInt32(&f.startedCount, 1)
	cur := atomic.AddInt32(&f.active, 1)
	for {
		max := atomic.LoadInt32(&f.maxObserved)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxObserved, max, cur) {
			break
		}
	}
	done := make(chan statestore.Status, 1)
	go func() {
		if f.startDelay > 0 {
			time.Sleep(f.startDelay)
		}
		atomic.AddInt32(&f.active, -1)
		done <- f.status
	}()
	return "job-1", done, nil
}

func TestWorkerAcksOnCompleted(t *testing.T) {
	src := &fakeSource{pending: []Item{{ItemID: 1}}}
	starter := &fakeStarter{status: statestore.StatusCompleted}
	w := NewWorker("w1", "handle-item", 2, src, starter)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	src.mu.Lock()
	defer src.mu.Unlock()
	require.Equal(t, []uint64{1}, src.acked)
	require.Empty(t, src.dropped)
}

func TestWorkerPassesItemVarsSeparatelyFromVars(t *testing.T) {
	src := &fakeSource{pending: []Item{{
		ItemID:   1,
		Vars:     map[string]any{"queue_hint": "x"},
		ItemVars: map[string]any{"id": "T1", "title": "x"},
	}}}
	starter := &fakeStarter{status: statestore.StatusCompleted}
	w := NewWorker("w1", "handle-item", 1, src, starter)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	starter.mu.Lock()
	defer starter.mu.Unlock()
	require.Equal(t, map[string]any{"id": "T1", "title": "x"}, starter.lastItem)
}

func TestWorkerDropsOnFailed(t *testing.T) {
	src := &fakeSource{pending: []Item{{ItemID: 7}}}
	starter := &fakeStarter{status: statestore.StatusFailed}
	w := NewWorker("w1", "handle-item", 2, src, starter)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	src.mu.Lock()
	defer src.mu.Unlock()
	require.Equal(t, []uint64{7}, src.dropped)
	require.Empty(t, src.acked)
}

func TestWorkerRespectsConcurrencyLimit(t *testing.T) {
	items := make([]Item, 10)
	for i := range items {
		items[i] = Item{ItemID: uint64(i + 1)}
	}
	src := &fakeSource{pending: items}
	starter := &fakeStarter{status: statestore.StatusCompleted, startDelay: 30 * time.Millisecond}
	w := NewWorker("w1", "handle-item", 3, src, starter)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = w.Run(ctx)

	require.LessOrEqual(t, atomic.LoadInt32(&starter.maxObserved), int32(3))
	require.EqualValues(t, 10, atomic.LoadInt32(&starter.startedCount))
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	src := &fakeSource{}
	starter := &fakeStarter{status: statestore.StatusCompleted}
	w := NewWorker("w1", "handle-item", 1, src, starter)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
