package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Options{Dir: dir, BatchSize: 4})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := w.Append(JobCreated, map[string]any{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	recs, truncated, err := ReplayFrom(dir, 0)
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, recs, 10)
	for i, r := range recs {
		require.Equal(t, uint64(i+1), r.Seq)
		require.Equal(t, JobCreated, r.Kind)
	}
}

func TestReplayFromSeqSkipsEarlierRecords(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := w.Append(StepEntered, map[string]any{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	recs, _, err := ReplayFrom(dir, 3)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, uint64(4), recs[0].Seq)
}

func TestCorruptTailIsTruncatedNotFatal(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append(JobStatusChanged, map[string]any{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	segPath := segmentPath(dir, 0)
	f, err := os.OpenFile(segPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00, 0x00, 0x10, 0x00, 0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recs, truncated, err := ReplayFrom(dir, 0)
	require.NoError(t, err)
	require.True(t, truncated)
	require.Len(t, recs, 3)
}

func TestReopenResumesSequenceAfterRestart(t *testing.T) {
	dir := t.TempDir()
	w1, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	rec1, err := w1.Append(JobCreated, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec1.Seq)
	require.NoError(t, w1.Close())

	w2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	rec2, err := w2.Append(JobCreated, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec2.Seq)
	require.NoError(t, w2.Close())
}

func TestRotationCreatesNewSegment(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Options{Dir: dir, RotateBytes: 64})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := w.Append(QueuePushed, map[string]any{"padding": "0123456789"})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var segCount int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".log" {
			segCount++
		}
	}
	require.Greater(t, segCount, 1)

	recs, truncated, err := ReplayFrom(dir, 0)
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, recs, 20)
}

func TestSnapshotWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	snap := NewSnapshotter(dir)

	type image struct {
		Jobs map[string]int
	}
	original := image{Jobs: map[string]int{"a": 1, "b": 2}}

	path, err := snap.Write(42, original)
	require.NoError(t, err)

	latestPath, seq, ok, err := snap.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), seq)
	require.Equal(t, path, latestPath)

	var loaded image
	require.NoError(t, snap.Load(latestPath, &loaded))
	require.Equal(t, original, loaded)
}

func TestSnapshotPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	snap := NewSnapshotter(dir)
	for _, seq := range []uint64{1, 2, 3, 4} {
		_, err := snap.Write(seq, map[string]string{"seq": "x"})
		require.NoError(t, err)
	}
	require.NoError(t, snap.Prune(2))

	_, seq, ok, err := snap.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), seq)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
