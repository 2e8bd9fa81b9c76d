// Package memory provides a scriptable in-memory adapter.SessionAdapter,
// adapter.AgentAdapter and adapter.NotifyAdapter triplet for deterministic
// engine and monitor tests, mirroring the pack's MockExecutionAdapter
// pattern (a test double that records calls and lets the test script
// canned responses instead of spawning real processes).
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/groblegark/oddjobs/internal/adapter"
	"github.com/groblegark/oddjobs/pkg/ojerrors"
)

// Call records one adapter invocation for test assertions.
type Call struct {
	Method string
	Args   []any
}

type agentState struct {
	handle   adapter.Handle
	messages []string
	killed   bool
}

// Fake is the shared backing store behind SessionAdapter, AgentAdapter
// and NotifyAdapter: one Fake, three interface views, so a test can
// assert on one combined Calls log regardless of which facet was
// exercised.
type Fake struct {
	mu sync.Mutex

	Calls []Call

	sessions map[string]bool
	agents   map[string]*agentState

	// SendErr, when non-nil, is returned by every Send call — lets a test
	// simulate a broken pipe without tearing down the fake.
	SendErr error
	// LivenessFunc, when set, overrides the default liveness response.
	LivenessFunc func(h adapter.Handle) (adapter.Liveness, error)
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		sessions: make(map[string]bool),
		agents:   make(map[string]*agentState),
	}
}

func (f *Fake) record(method string, args ...any) {
	f.Calls = append(f.Calls, Call{Method: method, Args: args})
}

// Sessions returns the adapter.SessionAdapter view of f.
func (f *Fake) Sessions() adapter.SessionAdapter { return sessionView{f} }

// Agents returns the adapter.AgentAdapter view of f.
func (f *Fake) Agents() adapter.AgentAdapter { return agentView{f} }

// Notifier returns the adapter.NotifyAdapter view of f.
func (f *Fake) Notifier() adapter.NotifyAdapter { return notifyView{f} }

type sessionView struct{ f *Fake }

func (s sessionView) Open(_ context.Context, name, style string) (string, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("sess-%d", len(f.sessions)+1)
	f.sessions[id] = true
	f.record("Open", name, style)
	return id, nil
}

func (s sessionView) Close(_ context.Context, sessionID string) error {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	f.record("Close", sessionID)
	return nil
}

func (s sessionView) Send(_ context.Context, sessionID string, keys string) error {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SessionSend", sessionID, keys)
	return f.SendErr
}

func (s sessionView) Capture(_ context.Context, sessionID string) (string, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Capture", sessionID)
	return "", nil
}

func (s sessionView) Has(_ context.Context, sessionID string) bool {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[sessionID]
}

type agentView struct{ f *Fake }

func (a agentView) Spawn(_ context.Context, sessionID string, env map[string]string, primeScripts []string, prompt string) (adapter.Handle, error) {
	f := a.f
	f.mu.Lock()
	defer f.mu.Unlock()
	h := adapter.Handle{SessionID: sessionID, LogPath: "/fake/" + sessionID + ".log", ProcessID: len(f.agents) + 1}
	f.agents[sessionID] = &agentState{handle: h, messages: []string{prompt}}
	f.record("Spawn", sessionID, env, primeScripts, prompt)
	return h, nil
}

func (a agentView) Reconnect(_ context.Context, sessionID string, prior adapter.Handle) (adapter.Handle, error) {
	f := a.f
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.agents[sessionID]
	if !ok || st.killed {
		return adapter.Handle{}, ojerrors.New(ojerrors.TagSessionGone, "memory: no agent for session "+sessionID)
	}
	f.record("Reconnect", sessionID, prior)
	return st.handle, nil
}

func (a agentView) Send(_ context.Context, h adapter.Handle, message string) error {
	f := a.f
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AgentSend", h.SessionID, message)
	if f.SendErr != nil {
		return f.SendErr
	}
	st, ok := f.agents[h.SessionID]
	if !ok {
		return ojerrors.New(ojerrors.TagSessionGone, "memory: no agent for session "+h.SessionID)
	}
	st.messages = append(st.messages, message)
	return nil
}

func (a agentView) Kill(_ context.Context, h adapter.Handle) error {
	f := a.f
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Kill", h.SessionID)
	if st, ok := f.agents[h.SessionID]; ok {
		st.killed = true
	}
	return nil
}

func (a agentView) Liveness(_ context.Context, h adapter.Handle) (adapter.Liveness, error) {
	f := a.f
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Liveness", h.SessionID)
	if f.LivenessFunc != nil {
		return f.LivenessFunc(h)
	}
	st, ok := f.agents[h.SessionID]
	if !ok {
		return adapter.Liveness{}, ojerrors.New(ojerrors.TagSessionGone, "memory: no agent for session "+h.SessionID)
	}
	return adapter.Liveness{SessionAlive: !st.killed, ProcessAlive: !st.killed}, nil
}

type notifyView struct{ f *Fake }

func (n notifyView) Notify(_ context.Context, title, body, level string) error {
	f := n.f
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Notify", title, body, level)
	return nil
}

// Messages returns every message sent to the agent attached to
// sessionID, including its initial Spawn prompt, in order.
func (f *Fake) Messages(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.agents[sessionID]; ok {
		out := make([]string, len(st.messages))
		copy(out, st.messages)
		return out
	}
	return nil
}
