package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/groblegark/oddjobs/internal/adapter"
	"github.com/groblegark/oddjobs/pkg/ojerrors"
)

type agentProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	logPath string
}

// AgentAdapter is the real, process-backed adapter.AgentAdapter. Command
// is the agent binary to invoke (its own internals are out of scope:
// this adapter only owns spawn/kill/send/liveness around it, in the
// manner of the pack's detached-process spawner generalized to keep
// stdin open for Send and to redirect the agent binary's output into a
// transcript log; prime script output is not logged and only appears in
// the error returned when a prime script fails).
type AgentAdapter struct {
	Command string
	Args    []string
	LogDir  string

	sessions *SessionAdapter

	mu    sync.Mutex
	procs map[string]*agentProcess // handle.SessionID -> process
}

// NewAgentAdapter returns an AgentAdapter that spawns `command args...`
// for each agent and attaches it to sessions tracked by sessions.
func NewAgentAdapter(sessions *SessionAdapter, command string, args []string, logDir string) *AgentAdapter {
	return &AgentAdapter{
		Command:  command,
		Args:     args,
		LogDir:   logDir,
		sessions: sessions,
		procs:    make(map[string]*agentProcess),
	}
}

func (a *AgentAdapter) Spawn(ctx context.Context, sessionID string, env map[string]string, primeScripts []string, prompt string) (adapter.Handle, error) {
	sess, err := a.sessions.get(sessionID)
	if err != nil {
		return adapter.Handle{}, err
	}

	for _, script := range primeScripts {
		primeCmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
		primeCmd.Dir = sess.Dir
		primeCmd.Env = mergedEnv(env)
		if out, runErr := primeCmd.CombinedOutput(); runErr != nil {
			return adapter.Handle{}, ojerrors.New(ojerrors.TagAgentFailed, fmt.Sprintf("prime script failed: %v: %s", runErr, out))
		}
	}

	if err := os.MkdirAll(a.LogDir, 0o755); err != nil {
		return adapter.Handle{}, fmt.Errorf("process: log dir: %w", err)
	}
	logPath := filepath.Join(a.LogDir, sessionID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return adapter.Handle{}, fmt.Errorf("process: open log: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	cmd.Dir = sess.Dir
	cmd.Env = mergedEnv(env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		return adapter.Handle{}, fmt.Errorf("process: stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return adapter.Handle{}, fmt.Errorf("process: start: %w", err)
	}
	go cmd.Wait() // reaps the child; exit status read via Liveness's ProcessState

	if prompt != "" {
		if _, err := io.WriteString(stdin, prompt+"\n"); err != nil {
			return adapter.Handle{}, fmt.Errorf("process: write prompt: %w", err)
		}
	}

	proc := &agentProcess{cmd: cmd, stdin: stdin, logPath: logPath}
	sess.mu.Lock()
	sess.agentProc = proc
	sess.mu.Unlock()

	a.mu.Lock()
	a.procs[sessionID] = proc
	a.mu.Unlock()

	return adapter.Handle{SessionID: sessionID, LogPath: logPath, ProcessID: cmd.Process.Pid}, nil
}

// Reconnect re-attaches to a still-running process for prior's session.
// A process-based agent cannot resume a conversation once its process
// has exited, so a dead process reports session_gone rather than
// spawning a fresh one silently.
func (a *AgentAdapter) Reconnect(_ context.Context, sessionID string, prior adapter.Handle) (adapter.Handle, error) {
	a.mu.Lock()
	proc, ok := a.procs[sessionID]
	a.mu.Unlock()
	if !ok || !processAlive(proc.cmd) {
		return adapter.Handle{}, ojerrors.New(ojerrors.TagSessionGone, "process: agent process no longer running")
	}
	return adapter.Handle{SessionID: sessionID, LogPath: proc.logPath, ProcessID: proc.cmd.Process.Pid}, nil
}

func (a *AgentAdapter) Send(_ context.Context, h adapter.Handle, message string) error {
	a.mu.Lock()
	proc, ok := a.procs[h.SessionID]
	a.mu.Unlock()
	if !ok {
		return ojerrors.New(ojerrors.TagSessionGone, "process: unknown agent handle")
	}
	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	_, err := io.WriteString(proc.stdin, message)
	return err
}

// Kill escalates SIGTERM then SIGKILL to the agent's process group, in
// the manner of the pack's graceful-shutdown helper.
func (a *AgentAdapter) Kill(_ context.Context, h adapter.Handle) error {
	a.mu.Lock()
	proc, ok := a.procs[h.SessionID]
	a.mu.Unlock()
	if !ok || proc.cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(proc.cmd.Process.Pid)
	if err != nil {
		return nil
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(proc.cmd) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}

func (a *AgentAdapter) Liveness(ctx context.Context, h adapter.Handle) (adapter.Liveness, error) {
	a.mu.Lock()
	proc, ok := a.procs[h.SessionID]
	a.mu.Unlock()
	if !ok {
		return adapter.Liveness{}, ojerrors.New(ojerrors.TagSessionGone, "process: unknown agent handle")
	}
	alive := processAlive(proc.cmd)
	lv := adapter.Liveness{SessionAlive: a.sessions.Has(ctx, h.SessionID), ProcessAlive: alive}
	if !alive && proc.cmd.ProcessState != nil {
		code := proc.cmd.ProcessState.ExitCode()
		lv.ExitCode = &code
	}
	return lv, nil
}

func processAlive(cmd *exec.Cmd) bool {
	if cmd.Process == nil {
		return false
	}
	if cmd.ProcessState != nil {
		return false
	}
	return syscall.Kill(cmd.Process.Pid, 0) == nil
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
