// Package workspace manages the per-JobRun working directory spec.md §3
// calls a JobRun's "workspace root": either a plain folder or a git
// worktree checked out onto a templated branch, exclusively owned by one
// JobRun for its lifetime and swept for orphans at boot (spec.md §9,
// "Ownership of workspaces"). Grounded on the detached-process working
// directory conventions in `internal/lifecycle/spawn.go` (cwd ownership,
// cleanup-on-exit), generalized from "the daemon's own process" to "one
// directory per JobRun".
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/groblegark/oddjobs/internal/runbook"
	"github.com/groblegark/oddjobs/internal/statestore"
)

// Manager creates and tears down JobRun workspace roots under Root.
type Manager struct {
	Root    string // base "workspaces/" directory
	RepoDir string // source repo worktrees are created from, for WorkspaceWorktree
}

// New returns a Manager rooted at root, creating it if necessary.
func New(root, repoDir string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root %s: %w", root, err)
	}
	return &Manager{Root: root, RepoDir: repoDir}, nil
}

// Prepare allocates jobID's workspace root according to policy and
// returns its path (empty for WorkspaceNone).
func (m *Manager) Prepare(ctx context.Context, jobID string, policy runbook.WorkspacePolicy, branch string) (string, error) {
	switch policy {
	case runbook.WorkspaceNone, "":
		return "", nil

	case runbook.WorkspaceFolder:
		dir := filepath.Join(m.Root, jobID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("workspace: mkdir %s: %w", dir, err)
		}
		return dir, nil

	case runbook.WorkspaceWorktree:
		dir := filepath.Join(m.Root, jobID)
		if branch == "" {
			branch = "oddjobs/" + jobID
		}
		cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, dir)
		cmd.Dir = m.RepoDir
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("workspace: git worktree add: %w: %s", err, out)
		}
		return dir, nil

	default:
		return "", fmt.Errorf("workspace: unknown policy %q", policy)
	}
}

// Finalize tears jobID's workspace root down once its JobRun reaches a
// terminal status.
func (m *Manager) Finalize(ctx context.Context, jobID string, policy runbook.WorkspacePolicy) error {
	dir := filepath.Join(m.Root, jobID)
	switch policy {
	case runbook.WorkspaceNone, "":
		return nil

	case runbook.WorkspaceFolder:
		return os.RemoveAll(dir)

	case runbook.WorkspaceWorktree:
		cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", dir)
		cmd.Dir = m.RepoDir
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("workspace: git worktree remove: %w: %s", err, out)
		}
		return nil

	default:
		return fmt.Errorf("workspace: unknown policy %q", policy)
	}
}

// Sweep removes any workspaces/<job_id> directory whose job_id is absent
// from store, catching orphans left by a crash that lost its WAL record
// before the workspace directory was created (spec.md §9).
func (m *Manager) Sweep(store *statestore.Store) error {
	matches, err := doublestar.Glob(os.DirFS(m.Root), "*")
	if err != nil {
		return fmt.Errorf("workspace: glob %s: %w", m.Root, err)
	}
	snap := store.Snapshot()
	for _, name := range matches {
		if _, ok := snap.Jobs[name]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.Root, name)); err != nil {
			return fmt.Errorf("workspace: sweep %s: %w", name, err)
		}
	}
	return nil
}
