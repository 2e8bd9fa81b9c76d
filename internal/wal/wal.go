// Package wal implements the append-only, group-committed write-ahead log
// described in spec.md §4.1: every observable state mutation is framed,
// checksummed, and fsynced in batches before the caller is told it
// committed. A corrupt trailing frame truncates the log at that point
// (spec.md's "Corruption policy") rather than failing the whole file.
//
// The design is grounded on the WAL+snapshot+replay architecture in the
// pack's raft-recovery controller (batched fsync, dedicated writer,
// requeue-in-flight-on-recovery), generalized from a job queue's WAL to
// this engine's JobRun/StepRun/AgentRun/QueueItem record stream.
package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/groblegark/oddjobs/internal/clock"
	"github.com/groblegark/oddjobs/pkg/ojerrors"
)

// Options configures group-commit batching and file rotation.
type Options struct {
	// Dir is the wal/ subdirectory of the daemon's state directory.
	Dir string
	// BatchSize is the max number of pending records per fsync batch.
	BatchSize int
	// BatchInterval is the max time a record waits before its batch is
	// flushed, even if BatchSize hasn't been reached.
	BatchInterval time.Duration
	// RotateBytes rotates to a new segment file once the current one
	// exceeds this size.
	RotateBytes int64
	Clock       clock.Clock
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = 25 * time.Millisecond
	}
	if o.RotateBytes <= 0 {
		o.RotateBytes = 64 << 20
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// WAL is the append-only write-ahead log. Mutating calls enqueue a record
// and block until the committer's batch containing it has been fsynced.
type WAL struct {
	opts Options

	mu      sync.Mutex
	seq     uint64
	segment *os.File
	writer  *bufio.Writer
	written int64
	segIdx  int

	pending chan pendingRecord
	closeCh chan struct{}
	doneCh  chan struct{}
}

type pendingRecord struct {
	rec  Record
	done chan error
}

// Open opens or creates the WAL directory, positions the writer at the
// end of the most recent segment, and starts the group-commit goroutine.
// It does NOT replay history; callers drive recovery via Replay.
func Open(opts Options) (*WAL, error) {
	opts.setDefaults()
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir: %w", err)
	}

	w := &WAL{
		opts:    opts,
		pending: make(chan pendingRecord, 4096),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	idx, lastSeq, err := latestSegment(opts.Dir)
	if err != nil {
		return nil, err
	}
	w.segIdx = idx
	w.seq = lastSeq
	if err := w.openSegment(idx); err != nil {
		return nil, err
	}

	go w.committerLoop()
	return w, nil
}

// Append enqueues a record of the given kind and blocks until it (and
// whatever batch it lands in) has been fsynced. It returns the full
// Record as committed, including its assigned sequence number and
// timestamp, so callers can apply the exact same value to a StateStore
// that replay would later reconstruct (spec.md invariant 4).
func (w *WAL) Append(kind Kind, fields map[string]any) (Record, error) {
	w.mu.Lock()
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	rec := Record{Seq: seq, Kind: kind, Timestamp: w.opts.Clock.Now().UTC(), Fields: fields}
	done := make(chan error, 1)
	select {
	case w.pending <- pendingRecord{rec: rec, done: done}:
	case <-w.closeCh:
		return Record{}, fmt.Errorf("wal: closed")
	}
	err := <-done
	return rec, err
}

// committerLoop is the single goroutine that owns fsync: it batches
// pending records by count or time, whichever comes first, and performs
// exactly one write+fsync per batch before signalling every waiter.
func (w *WAL) committerLoop() {
	defer close(w.doneCh)
	ticker := w.opts.Clock.NewTicker(w.opts.BatchInterval)
	defer ticker.Stop()

	var batch []pendingRecord

	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := w.writeBatch(batch)
		for _, p := range batch {
			p.done <- err
		}
		batch = batch[:0]
	}

	for {
		select {
		case p := <-w.pending:
			batch = append(batch, p)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}
		case <-ticker.C():
			flush()
		case <-w.closeCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case p := <-w.pending:
					batch = append(batch, p)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *WAL) writeBatch(batch []pendingRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range batch {
		frame, err := encodeFrame(p.rec)
		if err != nil {
			return err
		}
		if w.written+int64(len(frame)) > w.opts.RotateBytes {
			if err := w.rotate(); err != nil {
				return err
			}
		}
		n, err := w.writer.Write(frame)
		if err != nil {
			return fmt.Errorf("wal: write: %w", err)
		}
		w.written += int64(n)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := w.segment.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	return nil
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.segment.Sync(); err != nil {
		return err
	}
	if err := w.segment.Close(); err != nil {
		return err
	}
	w.segIdx++
	return w.openSegment(w.segIdx)
}

func (w *WAL) openSegment(idx int) error {
	f, err := os.OpenFile(segmentPath(w.opts.Dir, idx), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.segment = f
	w.writer = bufio.NewWriter(f)
	w.written = info.Size()
	return nil
}

// Close flushes and fsyncs any pending batch, then stops the committer.
func (w *WAL) Close() error {
	close(w.closeCh)
	<-w.doneCh
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.segment != nil {
		return w.segment.Close()
	}
	return nil
}

// LastSeq returns the most recently assigned sequence number, useful for
// SnapshotMarker bookkeeping.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

func segmentPath(dir string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", idx))
}

func latestSegment(dir string) (idx int, lastSeq uint64, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("wal: readdir: %w", err)
	}
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var n int
		if _, scanErr := fmt.Sscanf(e.Name(), "%06d.log", &n); scanErr != nil {
			continue
		}
		if !found || n > idx {
			idx = n
			found = true
		}
	}
	if !found {
		return 0, 0, nil
	}
	// Scan the latest segment to recover the last assigned sequence
	// number; a corrupt tail is truncated exactly as Replay would.
	recs, _, err := readSegment(segmentPath(dir, idx))
	if err != nil {
		return 0, 0, err
	}
	if len(recs) > 0 {
		lastSeq = recs[len(recs)-1].Seq
	}
	return idx, lastSeq, nil
}

// encodeFrame serializes a Record as [4-byte length][4-byte crc32][json].
func encodeFrame(rec Record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("wal: marshal record: %w", err)
	}
	sum := crc32.ChecksumIEEE(body)
	frame := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(frame[4:8], sum)
	copy(frame[8:], body)
	return frame, nil
}

// readSegment reads every well-formed frame from path in order. If a
// frame fails its length/checksum/JSON check, reading stops there (the
// corruption policy: truncate, don't fail the whole file) and ok reports
// whether a truncation occurred.
func readSegment(path string) (recs []Record, truncated bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("wal: open segment: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		header := make([]byte, 8)
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return recs, false, nil
			}
			return recs, true, nil // short header: corrupt tail
		}
		length := binary.BigEndian.Uint32(header[0:4])
		wantSum := binary.BigEndian.Uint32(header[4:8])

		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return recs, true, nil // short body: corrupt tail
		}
		if crc32.ChecksumIEEE(body) != wantSum {
			return recs, true, nil
		}
		var rec Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return recs, true, nil
		}
		recs = append(recs, rec)
	}
}

// ReplayFrom reads every record across all rotated segments with seq >
// afterSeq, in order, stopping at the first corrupt frame encountered
// (spec's truncation policy). The bool return reports whether
// corruption was detected so callers can decide fatal vs best-effort
// handling per spec.md §7 (wal_corruption is only fatal past the
// snapshot base, which the caller — not this function — determines).
func ReplayFrom(dir string, afterSeq uint64) ([]Record, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("wal: readdir: %w", err)
	}

	var segments []int
	for _, e := range entries {
		var n int
		if _, scanErr := fmt.Sscanf(e.Name(), "%06d.log", &n); scanErr == nil {
			segments = append(segments, n)
		}
	}
	sort.Ints(segments)

	var out []Record
	for _, idx := range segments {
		recs, truncated, err := readSegment(segmentPath(dir, idx))
		if err != nil {
			return out, false, err
		}
		for _, r := range recs {
			if r.Seq > afterSeq {
				out = append(out, r)
			}
		}
		if truncated {
			return out, true, nil
		}
	}
	return out, false, nil
}

// CorruptionError wraps ReplayFrom's truncation signal as a tagged,
// daemon-fatal error for callers that choose to treat any truncation as
// wal_corruption.
func CorruptionError(dir string) error {
	return ojerrors.New(ojerrors.TagWALCorruption, fmt.Sprintf("wal: truncated corrupt record in %s", dir))
}
