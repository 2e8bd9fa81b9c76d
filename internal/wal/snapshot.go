package wal

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Snapshotter writes/reads full StateStore images to snapshots/snap-<seq>.bin.
// The image itself is opaque to this package (any gob-encodable value);
// StateStore owns the concrete shape.
type Snapshotter struct {
	Dir string
}

// NewSnapshotter returns a Snapshotter rooted at the given snapshots/ dir.
func NewSnapshotter(dir string) *Snapshotter {
	return &Snapshotter{Dir: dir}
}

// Write gob-encodes image to snapshots/snap-<seq>.bin and returns its path.
func (s *Snapshotter) Write(seq uint64, image any) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("wal: snapshot mkdir: %w", err)
	}
	path := filepath.Join(s.Dir, fmt.Sprintf("snap-%020d.bin", seq))
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("wal: snapshot create: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := gob.NewEncoder(w).Encode(image); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("wal: snapshot encode: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("wal: snapshot rename: %w", err)
	}
	return path, nil
}

// Latest returns the path and sequence number of the most recent
// successfully-written snapshot, or ok=false if none exist.
func (s *Snapshotter) Latest() (path string, seq uint64, ok bool, err error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, false, nil
		}
		return "", 0, false, err
	}
	var best uint64
	var bestPath string
	found := false
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "snap-") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, "snap-"), ".bin")
		n, convErr := strconv.ParseUint(numStr, 10, 64)
		if convErr != nil {
			continue
		}
		if !found || n > best {
			best = n
			bestPath = filepath.Join(s.Dir, name)
			found = true
		}
	}
	return bestPath, best, found, nil
}

// Load gob-decodes the snapshot at path into dest (a pointer).
func (s *Snapshotter) Load(path string, dest any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: snapshot open: %w", err)
	}
	defer f.Close()
	return gob.NewDecoder(bufio.NewReader(f)).Decode(dest)
}

// Prune removes snapshots older than the most recent keep of them,
// called after a new snapshot is durably written.
func (s *Snapshotter) Prune(keep int) error {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	type snap struct {
		seq  uint64
		name string
	}
	var snaps []snap
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "snap-") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, "snap-"), ".bin")
		n, convErr := strconv.ParseUint(numStr, 10, 64)
		if convErr != nil {
			continue
		}
		snaps = append(snaps, snap{seq: n, name: name})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].seq > snaps[j].seq })
	for i := keep; i < len(snaps); i++ {
		if err := os.Remove(filepath.Join(s.Dir, snaps[i].name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
