// Package reconcile serializes merges of completed workspaces back into the
// mainline. A lock-protected Coordinator squashes one workspace's change-set
// into a single mainline commit at a time, with conflict detection against
// everything that landed after the workspace's base snapshot was taken.
// Conflicts are detected and reported, never resolved — resolution is the
// operator's (or a respawned worker's) job.
package reconcile

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"foundry/pkg/workspace"
)

// Store is the slice of the workspace store the Coordinator needs: marking
// a workspace merged and destroying it after a clean squash.
type Store interface {
	SetState(taskID string, state workspace.State) error
	Destroy(ctx context.Context, taskID string) error
}

// Result holds the outcome of a successful merge.
type Result struct {
	CommitSHA string
}

// ConflictError is returned when a workspace's changes overlap paths touched
// by another merge that landed after the workspace's base snapshot. The
// workspace is left untouched for manual resolution. Non-fatal to other
// workers; the task remains open.
type ConflictError struct {
	TaskID string
	Paths  []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict on task %s: conflicting paths: %s",
		e.TaskID, strings.Join(e.Paths, ", "))
}

// MainlineError indicates a failed atomic VCS operation that may have left
// the mainline wedged. Fatal to the whole supervisor; surfaced to the
// operator rather than recovered.
type MainlineError struct {
	Op  string
	Err error
}

func (e *MainlineError) Error() string {
	return fmt.Sprintf("mainline %s failed: %v", e.Op, e.Err)
}

func (e *MainlineError) Unwrap() error { return e.Err }

// Coordinator serializes merge operations behind a mutex so only one merge
// runs at a time. This is the single-writer discipline for the mainline: no
// two workspaces' changes can interleave.
type Coordinator struct {
	mu       sync.Mutex
	git      workspace.GitRunner
	store    Store
	repoRoot string

	// abortMu protects activeMerge for concurrent access from Abort().
	abortMu     sync.Mutex
	activeMerge bool
}

// NewCoordinator creates a Coordinator operating on the primary repository.
func NewCoordinator(repoRoot string, git workspace.GitRunner, store Store) *Coordinator {
	return &Coordinator{repoRoot: repoRoot, git: git, store: store}
}

// Merge squashes the workspace's changes into one atomic mainline commit:
//
//  1. Already merged (state, or an empty diff against main) → success no-op.
//  2. Conflict pre-check: paths touched by base..branch intersected with
//     paths touched by base..main. Overlap → *ConflictError, workspace
//     untouched.
//  3. git merge --squash <branch> + git commit in the primary repo.
//  4. On success the workspace transitions to merged and is destroyed.
//
// Only one Merge runs at a time (mutex-protected). Concurrent callers queue.
func (c *Coordinator) Merge(ctx context.Context, ws *workspace.Workspace) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Idempotency: re-merging a merged workspace is a no-op success.
	if ws.State == workspace.StateMerged {
		sha, _, err := c.git.Run(ctx, c.repoRoot, "rev-parse", "HEAD")
		if err != nil {
			return nil, fmt.Errorf("rev-parse HEAD: %w", err)
		}
		return &Result{CommitSHA: strings.TrimSpace(sha)}, nil
	}

	conflicts, err := c.precheck(ctx, ws)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, &ConflictError{TaskID: ws.TaskID, Paths: conflicts}
	}

	c.setActive(true)
	defer c.setActive(false)

	return c.squashAndCommit(ctx, ws)
}

// precheck computes the overlap between the workspace's change-set and
// everything that landed on the mainline after the base snapshot was taken.
func (c *Coordinator) precheck(ctx context.Context, ws *workspace.Workspace) ([]string, error) {
	branchOut, _, err := c.git.Run(ctx, c.repoRoot,
		"diff", "--name-only", ws.BaseSnapshot+".."+ws.Branch)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", ws.BaseSnapshot, ws.Branch, err)
	}
	mainOut, _, err := c.git.Run(ctx, c.repoRoot,
		"diff", "--name-only", ws.BaseSnapshot+".."+workspace.Mainline)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", ws.BaseSnapshot, workspace.Mainline, err)
	}

	landed := make(map[string]bool)
	for _, p := range splitLines(mainOut) {
		landed[p] = true
	}

	var conflicts []string
	for _, p := range splitLines(branchOut) {
		if landed[p] {
			conflicts = append(conflicts, p)
		}
	}
	sort.Strings(conflicts)
	return conflicts, nil
}

// squashAndCommit stages the branch's changes as one squash and commits.
// A squash-stage conflict (possible despite the pre-check when content-level
// overlap exists inside an unchanged path set) aborts and reports the parsed
// CONFLICT paths. A commit failure after a clean squash stage is fatal — the
// mainline index may be wedged.
func (c *Coordinator) squashAndCommit(ctx context.Context, ws *workspace.Workspace) (*Result, error) {
	stdout, stderr, err := c.git.Run(ctx, c.repoRoot, "merge", "--squash", ws.Branch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("merge cancelled: %w", ctx.Err())
		}
		// Unstage the partial squash, then report the conflict.
		_, _, _ = c.git.Run(ctx, c.repoRoot, "reset", "--merge")
		paths := parseConflictPaths(stdout + "\n" + stderr)
		return nil, &ConflictError{TaskID: ws.TaskID, Paths: paths}
	}

	// An empty squash (branch had no changes) makes commit fail with
	// "nothing to commit" — treat that as already merged.
	_, commitErr, err := c.git.Run(ctx, c.repoRoot,
		"commit", "-m", fmt.Sprintf("%s: squash merge %s", ws.TaskID, ws.Branch))
	if err != nil && !strings.Contains(commitErr, "nothing to commit") {
		return nil, &MainlineError{Op: "commit", Err: err}
	}

	sha, _, err := c.git.Run(ctx, c.repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return nil, &MainlineError{Op: "rev-parse", Err: err}
	}

	if err := c.store.SetState(ws.TaskID, workspace.StateMerged); err != nil {
		return nil, fmt.Errorf("mark workspace merged: %w", err)
	}
	ws.State = workspace.StateMerged
	if err := c.store.Destroy(ctx, ws.TaskID); err != nil {
		return nil, fmt.Errorf("destroy merged workspace: %w", err)
	}

	return &Result{CommitSHA: strings.TrimSpace(sha)}, nil
}

// Abort runs a best-effort 'git reset --merge' if a squash is in flight.
// Safe to call concurrently with Merge — uses a separate lock and a fresh
// context (the caller's context is typically cancelled at shutdown time).
func (c *Coordinator) Abort() {
	c.abortMu.Lock()
	active := c.activeMerge
	c.abortMu.Unlock()

	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _ = c.git.Run(ctx, c.repoRoot, "reset", "--merge")
}

func (c *Coordinator) setActive(v bool) {
	c.abortMu.Lock()
	c.activeMerge = v
	c.abortMu.Unlock()
}

// conflictPattern matches git's CONFLICT output lines.
// Example: CONFLICT (content): Merge conflict in src/a.rs
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

// parseConflictPaths extracts file paths from git merge output.
func parseConflictPaths(out string) []string {
	matches := conflictPattern.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return nil
	}
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, strings.TrimSpace(m[1]))
	}
	sort.Strings(paths)
	return paths
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
