// Package process implements adapter.SessionAdapter, adapter.AgentAdapter
// and adapter.NotifyAdapter against real OS processes. It is grounded on
// the pack's detached-process spawning and graceful-shutdown helpers
// (Setpgid/Setsid spawning, SIGTERM-then-SIGKILL escalation), generalized
// from a daemon-background-mode spawner into a per-agent process
// supervisor. Session multiplexing itself stays deliberately thin: a
// Session is a working directory and environment, not a terminal
// emulator — the agent's own stdin/stdout pipes are the interaction
// surface.
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/groblegark/oddjobs/pkg/ojerrors"
)

// Session tracks one open session's working directory and currently
// attached agent process, if any.
type Session struct {
	ID        string
	Name      string
	Style     string
	Dir       string
	mu        sync.Mutex
	agentProc *agentProcess
}

// SessionAdapter is the real, process-backed adapter.SessionAdapter.
type SessionAdapter struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// BaseDir is the working directory every session opened by this
	// adapter uses as is (the daemon passes its workspaces directory).
	BaseDir string
}

// NewSessionAdapter returns a SessionAdapter rooted at baseDir.
func NewSessionAdapter(baseDir string) *SessionAdapter {
	return &SessionAdapter{sessions: make(map[string]*Session), BaseDir: baseDir}
}

func (a *SessionAdapter) Open(_ context.Context, name, style string) (string, error) {
	id := uuid.NewString()
	dir := a.BaseDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("process: session dir: %w", err)
	}
	a.mu.Lock()
	a.sessions[id] = &Session{ID: id, Name: name, Style: style, Dir: dir}
	a.mu.Unlock()
	return id, nil
}

func (a *SessionAdapter) Close(_ context.Context, sessionID string) error {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.agentProc != nil {
		return killProcessGroup(sess.agentProc.cmd)
	}
	return nil
}

func (a *SessionAdapter) Send(_ context.Context, sessionID string, keys string) error {
	sess, err := a.get(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.agentProc == nil || sess.agentProc.stdin == nil {
		return ojerrors.New(ojerrors.TagSessionGone, "process: no agent attached to session")
	}
	_, werr := sess.agentProc.stdin.Write([]byte(keys))
	return werr
}

func (a *SessionAdapter) Capture(_ context.Context, sessionID string) (string, error) {
	sess, err := a.get(sessionID)
	if err != nil {
		return "", err
	}
	sess.mu.Lock()
	logPath := ""
	if sess.agentProc != nil {
		logPath = sess.agentProc.logPath
	}
	sess.mu.Unlock()
	if logPath == "" {
		return "", nil
	}
	return tailFile(logPath, 8192)
}

func (a *SessionAdapter) Has(_ context.Context, sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sessions[sessionID]
	return ok
}

func (a *SessionAdapter) get(sessionID string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[sessionID]
	if !ok {
		return nil, ojerrors.New(ojerrors.TagSessionGone, "process: unknown session "+sessionID)
	}
	return sess, nil
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return nil
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}

func tailFile(path string, maxBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()
	offset := int64(0)
	if size > maxBytes {
		offset = size - maxBytes
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return "", err
	}
	return string(buf), nil
}
