package monitor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/groblegark/oddjobs/internal/clock"
)

// LogTailer watches one agent's transcript file for appended lines and
// parses each into an Event. Lines are expected to be either a JSON
// object with a "type" field, or a bare `[progress|prompt|error|stop] ...`
// prefix — agent binaries that emit plain text still get classified via
// the prefix fallback.
type LogTailer struct {
	AgentID string
	Path    string
	Clock   clock.Clock

	watcher *fsnotify.Watcher
	file    *os.File
	offset  int64
}

// NewLogTailer opens path (creating it if absent, matching a step whose
// agent hasn't written output yet) and watches it for writes.
func NewLogTailer(agentID, path string, clk clock.Clock) (*LogTailer, error) {
	if clk == nil {
		clk = clock.New()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("monitor: open log: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("monitor: watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		f.Close()
		w.Close()
		return nil, fmt.Errorf("monitor: watch %s: %w", path, err)
	}
	return &LogTailer{AgentID: agentID, Path: path, Clock: clk, watcher: w, file: f}, nil
}

// Close stops watching and releases the underlying file handle.
func (t *LogTailer) Close() error {
	werr := t.watcher.Close()
	ferr := t.file.Close()
	if werr != nil {
		return werr
	}
	return ferr
}

// Run reads newly appended lines whenever fsnotify reports a write, and
// sends one Event per parsed line to out, until stop is closed. It
// returns when stop closes or the watcher's channel closes.
func (t *LogTailer) Run(out chan<- Event, stop <-chan struct{}) {
	t.drainNewLines(out)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				t.drainNewLines(out)
			}
		case _, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (t *LogTailer) drainNewLines(out chan<- Event) {
	if _, err := t.file.Seek(t.offset, 0); err != nil {
		return
	}
	scanner := bufio.NewScanner(t.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var consumed int64
	for scanner.Scan() {
		line := scanner.Text()
		consumed = t.offset + int64(len(line)) + 1
		if ev, ok := parseLine(t.AgentID, line, t.Clock.Now()); ok {
			out <- ev
		}
		t.offset = consumed
	}
}

func parseLine(agentID, line string, now time.Time) (Event, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Event{}, false
	}

	if strings.HasPrefix(trimmed, "{") {
		var payload struct {
			Type string `json:"type"`
			Time string `json:"time"`
		}
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil && payload.Type != "" {
			at := now
			if payload.Time != "" {
				if parsed, err := time.Parse(time.RFC3339, payload.Time); err == nil {
					at = parsed
				}
			}
			return Event{AgentID: agentID, Type: EventType(payload.Type), At: at, Raw: trimmed}, true
		}
	}

	for _, kind := range []EventType{EventProgress, EventPrompt, EventError, EventStop} {
		prefix := "[" + string(kind) + "]"
		if strings.HasPrefix(trimmed, prefix) {
			return Event{AgentID: agentID, Type: kind, At: now, Raw: trimmed}, true
		}
	}
	return Event{}, false
}
