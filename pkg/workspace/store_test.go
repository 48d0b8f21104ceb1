//nolint:testpackage // white-box test
package workspace

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// mockGit replays queued results and records every invocation. SHA queries
// return a fixed tip unless a queued result overrides it.
type mockGit struct {
	mu      sync.Mutex
	tip     string
	results []gitResult
	calls   [][]string
}

type gitResult struct {
	stdout string
	stderr string
	err    error
}

func (m *mockGit) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, args)

	if len(m.results) > 0 {
		res := m.results[0]
		m.results = m.results[1:]
		return res.stdout, res.stderr, res.err
	}
	if len(args) > 0 && args[0] == "rev-parse" {
		tip := m.tip
		if tip == "" {
			tip = "aaaa1111"
		}
		return tip + "\n", "", nil
	}
	return "", "", nil
}

func (m *mockGit) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func newTestStore(t *testing.T, git *mockGit) *GitStore {
	t.Helper()
	return NewGitStore("/repo", filepath.Join(t.TempDir(), "workspaces"), git)
}

func TestCreate(t *testing.T) {
	git := &mockGit{tip: "deadbeef"}
	store := newTestStore(t, git)

	ws, err := store.Create(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if ws.Path != filepath.Join("/repo", ".worktrees", "task-1") {
		t.Errorf("Path = %q", ws.Path)
	}
	if ws.Branch != "task/task-1" {
		t.Errorf("Branch = %q", ws.Branch)
	}
	if ws.BaseSnapshot != "deadbeef" {
		t.Errorf("BaseSnapshot = %q, want trimmed sha", ws.BaseSnapshot)
	}
	if ws.State != StateActive {
		t.Errorf("State = %q, want active", ws.State)
	}

	cmds := git.commands()
	if len(cmds) != 2 || cmds[0] != "rev-parse main" ||
		!strings.HasPrefix(cmds[1], "worktree add ") {
		t.Errorf("unexpected git commands: %v", cmds)
	}

	// Record is durable.
	got, err := store.Get("task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.BaseSnapshot != "deadbeef" {
		t.Errorf("persisted BaseSnapshot = %q", got.BaseSnapshot)
	}
}

func TestCreateExisting(t *testing.T) {
	git := &mockGit{}
	store := newTestStore(t, git)
	ctx := context.Background()

	if _, err := store.Create(ctx, "task-1"); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	_, err := store.Create(ctx, "task-1")
	var exists *ExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("expected ExistsError, got %v", err)
	}
	if exists.TaskID != "task-1" || exists.Path == "" {
		t.Errorf("ExistsError = %+v", exists)
	}
}

func TestCreateConcurrent(t *testing.T) {
	git := &mockGit{}
	store := newTestStore(t, git)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = store.Create(ctx, "task-1")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var exists *ExistsError
		if !errors.As(err, &exists) {
			t.Errorf("loser got unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winning create, got %d", winners)
	}
}

func TestCreateInvalidID(t *testing.T) {
	store := newTestStore(t, &mockGit{})
	ctx := context.Background()

	for _, id := range []string{"", "a/b", `a\b`, "..", "x..y", "-flag"} {
		if _, err := store.Create(ctx, id); err == nil {
			t.Errorf("Create(%q) should have failed", id)
		}
	}
}

func TestGetInvalidID(t *testing.T) {
	store := newTestStore(t, &mockGit{})

	// A crafted id must not escape the metadata dir via the record path.
	for _, id := range []string{"", "../escape", "a/b", ".."} {
		if _, err := store.Get(id); err == nil {
			t.Errorf("Get(%q) should have failed", id)
		}
	}
}

func TestCreateWorktreeFailure(t *testing.T) {
	git := &mockGit{results: []gitResult{
		{stdout: "aaaa1111\n"},
		{stderr: "fatal: branch already exists", err: errors.New("exit status 128")},
	}}
	store := newTestStore(t, git)

	_, err := store.Create(context.Background(), "task-1")
	if err == nil || !strings.Contains(err.Error(), "branch already exists") {
		t.Fatalf("expected worktree add failure with stderr, got %v", err)
	}

	// No record must survive a failed create.
	if _, err := store.Get("task-1"); err == nil {
		t.Fatal("record exists after failed create")
	}
}

func TestDestroy(t *testing.T) {
	git := &mockGit{}
	store := newTestStore(t, git)
	ctx := context.Background()

	if _, err := store.Create(ctx, "task-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Destroy(ctx, "task-1"); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	cmds := git.commands()
	joined := strings.Join(cmds, "\n")
	if !strings.Contains(joined, "worktree remove") || !strings.Contains(joined, "branch -D task/task-1") {
		t.Errorf("expected worktree and branch removal, got:\n%s", joined)
	}

	if _, err := store.Get("task-1"); err == nil {
		t.Fatal("record survives Destroy")
	}

	// Idempotent.
	if err := store.Destroy(ctx, "task-1"); err != nil {
		t.Fatalf("second Destroy failed: %v", err)
	}
}

func TestListSorted(t *testing.T) {
	store := newTestStore(t, &mockGit{})
	ctx := context.Background()

	for _, id := range []string{"task-c", "task-a", "task-b"} {
		if _, err := store.Create(ctx, id); err != nil {
			t.Fatalf("Create(%s) failed: %v", id, err)
		}
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 workspaces, got %d", len(list))
	}
	for i, want := range []string{"task-a", "task-b", "task-c"} {
		if list[i].TaskID != want {
			t.Errorf("list[%d] = %s, want %s", i, list[i].TaskID, want)
		}
	}
}

func TestIsStale(t *testing.T) {
	git := &mockGit{tip: "aaaa1111"}
	store := newTestStore(t, git)
	ctx := context.Background()

	ws, err := store.Create(ctx, "task-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stale, err := store.IsStale(ctx, ws)
	if err != nil {
		t.Fatalf("IsStale failed: %v", err)
	}
	if stale {
		t.Error("fresh workspace reported stale")
	}

	// Mainline moves.
	git.mu.Lock()
	git.tip = "bbbb2222"
	git.mu.Unlock()

	stale, err = store.IsStale(ctx, ws)
	if err != nil {
		t.Fatalf("IsStale failed: %v", err)
	}
	if !stale {
		t.Error("workspace behind mainline tip not reported stale")
	}
}

func TestSetState(t *testing.T) {
	store := newTestStore(t, &mockGit{})
	ctx := context.Background()

	if _, err := store.Create(ctx, "task-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.SetState("task-1", StateMerged); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	ws, err := store.Get("task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ws.State != StateMerged {
		t.Errorf("State = %q, want merged", ws.State)
	}

	// A merged record no longer blocks a fresh create.
	if _, err := store.Create(ctx, "task-1"); err != nil {
		t.Fatalf("Create after merge failed: %v", err)
	}
}

func TestValidateTaskID(t *testing.T) {
	if err := ValidateTaskID("task-123"); err != nil {
		t.Errorf("valid id rejected: %v", err)
	}
	for _, id := range []string{"", "a/b", "a\\b", "../etc", "-rf"} {
		if err := ValidateTaskID(id); err == nil {
			t.Errorf("ValidateTaskID(%q) = nil, want error", id)
		}
	}
}
