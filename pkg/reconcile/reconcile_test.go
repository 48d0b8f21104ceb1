//nolint:testpackage // white-box test
package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"foundry/pkg/workspace"
)

// scriptedGit matches each invocation against a handler by its leading
// args and falls through to a default success.
type scriptedGit struct {
	mu       sync.Mutex
	handlers map[string]gitResult
	calls    [][]string
	delay    time.Duration // per-call delay, for serialization tests
}

type gitResult struct {
	stdout string
	stderr string
	err    error
}

func (g *scriptedGit) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	g.calls = append(g.calls, args)
	var res gitResult
	var found bool
	for key, r := range g.handlers {
		if strings.HasPrefix(strings.Join(args, " "), key) {
			res, found = r, true
			break
		}
	}
	g.mu.Unlock()
	if found {
		return res.stdout, res.stderr, res.err
	}
	if len(args) > 0 && args[0] == "rev-parse" {
		return "cccc3333\n", "", nil
	}
	return "", "", nil
}

func (g *scriptedGit) commands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	for i, c := range g.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

// recordingStore tracks state transitions and destroys.
type recordingStore struct {
	mu        sync.Mutex
	states    map[string]workspace.State
	destroyed []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{states: make(map[string]workspace.State)}
}

func (s *recordingStore) SetState(taskID string, state workspace.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[taskID] = state
	return nil
}

func (s *recordingStore) Destroy(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = append(s.destroyed, taskID)
	return nil
}

func testWorkspace(taskID string) *workspace.Workspace {
	return &workspace.Workspace{
		TaskID:       taskID,
		Path:         "/repo/.worktrees/" + taskID,
		Branch:       "task/" + taskID,
		BaseSnapshot: "aaaa1111",
		State:        workspace.StateActive,
	}
}

func TestMergeSuccess(t *testing.T) {
	git := &scriptedGit{}
	store := newRecordingStore()
	coord := NewCoordinator("/repo", git, store)

	res, err := coord.Merge(context.Background(), testWorkspace("task-1"))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if res.CommitSHA != "cccc3333" {
		t.Errorf("CommitSHA = %q", res.CommitSHA)
	}

	cmds := strings.Join(git.commands(), "\n")
	for _, want := range []string{
		"diff --name-only aaaa1111..task/task-1",
		"diff --name-only aaaa1111..main",
		"merge --squash task/task-1",
		"commit -m task-1: squash merge task/task-1",
	} {
		if !strings.Contains(cmds, want) {
			t.Errorf("missing git command %q in:\n%s", want, cmds)
		}
	}

	if store.states["task-1"] != workspace.StateMerged {
		t.Errorf("workspace state = %q, want merged", store.states["task-1"])
	}
	if len(store.destroyed) != 1 || store.destroyed[0] != "task-1" {
		t.Errorf("destroyed = %v, want [task-1]", store.destroyed)
	}
}

func TestMergePrecheckConflict(t *testing.T) {
	git := &scriptedGit{handlers: map[string]gitResult{
		"diff --name-only aaaa1111..task/task-1": {stdout: "src/a.rs\nsrc/b.rs\n"},
		"diff --name-only aaaa1111..main":        {stdout: "src/a.rs\nREADME.md\n"},
	}}
	store := newRecordingStore()
	coord := NewCoordinator("/repo", git, store)

	_, err := coord.Merge(context.Background(), testWorkspace("task-1"))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflict.Paths) != 1 || conflict.Paths[0] != "src/a.rs" {
		t.Errorf("Paths = %v, want [src/a.rs]", conflict.Paths)
	}

	// Workspace untouched, no squash attempted.
	if strings.Contains(strings.Join(git.commands(), "\n"), "merge --squash") {
		t.Error("squash ran despite pre-check conflict")
	}
	if len(store.destroyed) != 0 {
		t.Errorf("workspace destroyed on conflict: %v", store.destroyed)
	}
}

func TestMergeSquashConflict(t *testing.T) {
	git := &scriptedGit{handlers: map[string]gitResult{
		"merge --squash": {
			stdout: "Auto-merging src/a.rs\nCONFLICT (content): Merge conflict in src/a.rs\n",
			err:    errors.New("exit status 1"),
		},
	}}
	store := newRecordingStore()
	coord := NewCoordinator("/repo", git, store)

	_, err := coord.Merge(context.Background(), testWorkspace("task-1"))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflict.Paths) != 1 || conflict.Paths[0] != "src/a.rs" {
		t.Errorf("Paths = %v, want [src/a.rs]", conflict.Paths)
	}

	// The partial squash must be unstaged.
	if !strings.Contains(strings.Join(git.commands(), "\n"), "reset --merge") {
		t.Error("expected reset --merge after squash conflict")
	}
}

func TestMergeIdempotent(t *testing.T) {
	git := &scriptedGit{}
	store := newRecordingStore()
	coord := NewCoordinator("/repo", git, store)

	ws := testWorkspace("task-1")
	if _, err := coord.Merge(context.Background(), ws); err != nil {
		t.Fatalf("first Merge failed: %v", err)
	}

	before := len(git.commands())
	res, err := coord.Merge(context.Background(), ws)
	if err != nil {
		t.Fatalf("second Merge failed: %v", err)
	}
	if res.CommitSHA == "" {
		t.Error("idempotent merge returned empty sha")
	}

	// Only the HEAD lookup runs; no second squash, no double commit.
	extra := git.commands()[before:]
	if len(extra) != 1 || !strings.HasPrefix(extra[0], "rev-parse") {
		t.Errorf("re-merge ran commands %v, want a single rev-parse", extra)
	}
}

func TestMergeEmptySquash(t *testing.T) {
	git := &scriptedGit{handlers: map[string]gitResult{
		"commit -m": {stderr: "nothing to commit, working tree clean", err: errors.New("exit status 1")},
	}}
	store := newRecordingStore()
	coord := NewCoordinator("/repo", git, store)

	if _, err := coord.Merge(context.Background(), testWorkspace("task-1")); err != nil {
		t.Fatalf("empty squash should merge cleanly, got %v", err)
	}
}

func TestMergeCommitFailureIsFatal(t *testing.T) {
	git := &scriptedGit{handlers: map[string]gitResult{
		"commit -m": {stderr: "fatal: index locked", err: errors.New("exit status 128")},
	}}
	store := newRecordingStore()
	coord := NewCoordinator("/repo", git, store)

	_, err := coord.Merge(context.Background(), testWorkspace("task-1"))
	var mainline *MainlineError
	if !errors.As(err, &mainline) {
		t.Fatalf("expected MainlineError, got %v", err)
	}
	if mainline.Op != "commit" {
		t.Errorf("Op = %q, want commit", mainline.Op)
	}
}

func TestMergeSerialized(t *testing.T) {
	git := &scriptedGit{delay: 5 * time.Millisecond}
	store := newRecordingStore()
	coord := NewCoordinator("/repo", git, store)

	var wg sync.WaitGroup
	for _, id := range []string{"task-1", "task-2", "task-3"} {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			if _, err := coord.Merge(context.Background(), testWorkspace(taskID)); err != nil {
				t.Errorf("Merge(%s) failed: %v", taskID, err)
			}
		}(id)
	}
	wg.Wait()

	// All three landed, each with its own squash and commit, and the git
	// command stream never interleaves two squashes without a commit between.
	cmds := git.commands()
	var seq []string
	for _, c := range cmds {
		if strings.HasPrefix(c, "merge --squash") {
			seq = append(seq, "squash")
		}
		if strings.HasPrefix(c, "commit") {
			seq = append(seq, "commit")
		}
	}
	if len(seq) != 6 {
		t.Fatalf("expected 3 squash/commit pairs, got %v", seq)
	}
	for i := 0; i < len(seq); i += 2 {
		if seq[i] != "squash" || seq[i+1] != "commit" {
			t.Fatalf("interleaved merge operations: %v", seq)
		}
	}
}

func TestParseConflictPaths(t *testing.T) {
	out := `Auto-merging src/b.rs
CONFLICT (content): Merge conflict in src/b.rs
Auto-merging src/a.rs
CONFLICT (content): Merge conflict in src/a.rs
Automatic merge failed; fix conflicts and then commit the result.`

	paths := parseConflictPaths(out)
	if len(paths) != 2 || paths[0] != "src/a.rs" || paths[1] != "src/b.rs" {
		t.Errorf("paths = %v, want sorted [src/a.rs src/b.rs]", paths)
	}

	if got := parseConflictPaths("clean output"); got != nil {
		t.Errorf("expected nil for clean output, got %v", got)
	}
}
