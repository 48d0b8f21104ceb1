package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// GitStore is the production workspace store. Worktrees are created under
// <repoRoot>/.worktrees/<taskID> on branch task/<taskID>; one JSON metadata
// record per workspace lives under metaDir.
type GitStore struct {
	repoRoot string
	metaDir  string
	git      GitRunner
	nowFunc  func() time.Time

	// mu serializes mutations so concurrent Create calls for the same id
	// resolve as one winner plus ExistsError losers.
	mu sync.Mutex
}

// NewGitStore returns a Store backed by real git commands. metaDir is
// created on first use.
func NewGitStore(repoRoot, metaDir string, git GitRunner) *GitStore {
	return &GitStore{
		repoRoot: repoRoot,
		metaDir:  metaDir,
		git:      git,
		nowFunc:  time.Now,
	}
}

// Create provisions a new workspace for taskID: a worktree snapshotted from
// the current mainline tip. Returns *ExistsError if an active workspace
// already exists for the id — the idempotency guard against double spawns.
func (s *GitStore) Create(ctx context.Context, taskID string) (*Workspace, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return nil, fmt.Errorf("invalid task id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.Get(taskID); err == nil && existing.State == StateActive {
		return nil, &ExistsError{TaskID: taskID, Path: existing.Path}
	}

	base, _, err := s.git.Run(ctx, s.repoRoot, "rev-parse", Mainline)
	if err != nil {
		return nil, fmt.Errorf("rev-parse %s: %w", Mainline, err)
	}

	path := filepath.Join(s.repoRoot, WorktreesDir, taskID)
	branch := BranchPrefix + taskID

	_, stderr, err := s.git.Run(ctx, s.repoRoot,
		"worktree", "add", path, "-b", branch, Mainline)
	if err != nil {
		return nil, fmt.Errorf("worktree add %s: %w: %s", taskID, err, strings.TrimSpace(stderr))
	}

	ws := &Workspace{
		TaskID:       taskID,
		Path:         path,
		Branch:       branch,
		BaseSnapshot: strings.TrimSpace(base),
		CreatedAt:    s.nowFunc(),
		State:        StateActive,
	}
	if err := s.writeMeta(ws); err != nil {
		// Roll back the worktree so a metadata failure doesn't leak state.
		_, _, _ = s.git.Run(ctx, s.repoRoot, "worktree", "remove", path, "--force")
		return nil, err
	}
	return ws, nil
}

// Get returns the metadata record for taskID.
func (s *GitStore) Get(taskID string) (*Workspace, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return nil, fmt.Errorf("invalid task id: %w", err)
	}
	data, err := os.ReadFile(s.metaPath(taskID)) //nolint:gosec // taskID validated above
	if err != nil {
		return nil, fmt.Errorf("read workspace record %s: %w", taskID, err)
	}
	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("parse workspace record %s: %w", taskID, err)
	}
	return &ws, nil
}

// List returns all known workspaces, any state, sorted by task id.
func (s *GitStore) List(ctx context.Context) ([]*Workspace, error) {
	entries, err := os.ReadDir(s.metaDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspace records: %w", err)
	}

	var out []*Workspace
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ws, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // skip unreadable records, they are advisory
		}
		out = append(out, ws)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// Destroy removes the workspace's worktree, branch, and metadata record.
// Idempotent: destroying an absent workspace is a no-op.
func (s *GitStore) Destroy(ctx context.Context, taskID string) error {
	if err := ValidateTaskID(taskID); err != nil {
		return fmt.Errorf("invalid task id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.Get(taskID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	// Worktree and branch removal are best-effort: either may already be
	// gone after a merge or a manual cleanup.
	_, _, _ = s.git.Run(ctx, s.repoRoot, "worktree", "remove", ws.Path, "--force")
	_, _, _ = s.git.Run(ctx, s.repoRoot, "branch", "-D", ws.Branch)

	if err := os.Remove(s.metaPath(taskID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove workspace record %s: %w", taskID, err)
	}
	return nil
}

// IsStale reports whether the workspace's base snapshot no longer matches
// the current mainline tip.
func (s *GitStore) IsStale(ctx context.Context, ws *Workspace) (bool, error) {
	tip, _, err := s.git.Run(ctx, s.repoRoot, "rev-parse", Mainline)
	if err != nil {
		return false, fmt.Errorf("rev-parse %s: %w", Mainline, err)
	}
	return strings.TrimSpace(tip) != ws.BaseSnapshot, nil
}

// SetState transitions the metadata record to a new state.
func (s *GitStore) SetState(taskID string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.Get(taskID)
	if err != nil {
		return err
	}
	ws.State = state
	return s.writeMeta(ws)
}

// Prune cleans up orphaned worktree state left by a previous crash: git's
// internal bookkeeping plus any directories under .worktrees/ that no
// metadata record accounts for. Errors are non-fatal — this always returns nil.
func (s *GitStore) Prune(ctx context.Context) error {
	_, _, _ = s.git.Run(ctx, s.repoRoot, "worktree", "prune")

	known := make(map[string]bool)
	if list, err := s.List(ctx); err == nil {
		for _, ws := range list {
			known[ws.TaskID] = true
		}
	}

	worktreesDir := filepath.Join(s.repoRoot, WorktreesDir)
	entries, err := os.ReadDir(worktreesDir)
	if err != nil {
		return nil //nolint:nilerr // missing dir is expected, not an error
	}
	for _, entry := range entries {
		if !entry.IsDir() || known[entry.Name()] {
			continue
		}
		_ = os.RemoveAll(filepath.Join(worktreesDir, entry.Name()))
	}
	return nil
}

func (s *GitStore) metaPath(taskID string) string {
	return filepath.Join(s.metaDir, taskID+".json")
}

func (s *GitStore) writeMeta(ws *Workspace) error {
	if err := os.MkdirAll(s.metaDir, 0o700); err != nil {
		return fmt.Errorf("create workspace record dir: %w", err)
	}
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal workspace record: %w", err)
	}
	if err := os.WriteFile(s.metaPath(ws.TaskID), data, 0o600); err != nil {
		return fmt.Errorf("write workspace record %s: %w", ws.TaskID, err)
	}
	return nil
}
