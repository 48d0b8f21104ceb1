//nolint:testpackage // white-box test
package tasksource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func writeTaskFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write task file: %v", err)
	}
	return path
}

const sampleTasks = `tasks:
  - id: task-1
    title: Fix parser
    status: ready
    priority: 1
  - id: task-2
    title: Add cache
    status: ready
    priority: 5
  - id: task-3
    title: Wire metrics
    status: ready
    deps: [task-1]
  - id: task-4
    title: Done already
    status: done
  - id: task-5
    title: Depends on done
    status: ready
    deps: [task-4]
`

func TestFileSourceReady(t *testing.T) {
	src := NewFileSource(writeTaskFile(t, sampleTasks))

	ready, err := src.Ready(context.Background())
	if err != nil {
		t.Fatalf("Ready failed: %v", err)
	}

	// task-3 is held back by its unfinished dep; task-4 is done;
	// task-5's dep is done so it qualifies. Priority order.
	ids := make([]string, len(ready))
	for i, task := range ready {
		ids[i] = task.ID
	}
	want := "task-2 task-1 task-5"
	if got := strings.Join(ids, " "); got != want {
		t.Errorf("ready order = %q, want %q", got, want)
	}
}

func TestFileSourceClaim(t *testing.T) {
	src := NewFileSource(writeTaskFile(t, sampleTasks))
	ctx := context.Background()

	if err := src.Claim(ctx, "task-1", "worker-a"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Claimed task no longer shows up as ready.
	ready, err := src.Ready(ctx)
	if err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	for _, task := range ready {
		if task.ID == "task-1" {
			t.Fatal("claimed task still listed as ready")
		}
	}

	// Second claimant loses.
	err = src.Claim(ctx, "task-1", "worker-b")
	var claimed *AlreadyClaimedError
	if !errors.As(err, &claimed) {
		t.Fatalf("expected AlreadyClaimedError, got %v", err)
	}
	if claimed.Owner != "worker-a" {
		t.Errorf("Owner = %q, want worker-a", claimed.Owner)
	}
}

func TestFileSourceClaimConcurrent(t *testing.T) {
	src := NewFileSource(writeTaskFile(t, sampleTasks))
	ctx := context.Background()

	const claimants = 8
	var wg sync.WaitGroup
	errs := make([]error, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = src.Claim(ctx, "task-2", "worker-"+string(rune('a'+n)))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var claimed *AlreadyClaimedError
		if !errors.As(err, &claimed) {
			t.Errorf("loser got unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d", winners)
	}
}

func TestFileSourceRelease(t *testing.T) {
	src := NewFileSource(writeTaskFile(t, sampleTasks))
	ctx := context.Background()

	if err := src.Claim(ctx, "task-1", "worker-a"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := src.Release(ctx, "task-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// Released task is claimable again; release is idempotent.
	if err := src.Release(ctx, "task-1"); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if err := src.Claim(ctx, "task-1", "worker-b"); err != nil {
		t.Fatalf("re-Claim failed: %v", err)
	}
}

func TestFileSourceCloseAndBlock(t *testing.T) {
	src := NewFileSource(writeTaskFile(t, sampleTasks))
	ctx := context.Background()

	if err := src.Close(ctx, "task-1", "merged"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := src.Block(ctx, "task-2", "merge conflict: src/a.rs"); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	ready, err := src.Ready(ctx)
	if err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	for _, task := range ready {
		if task.ID == "task-1" || task.ID == "task-2" {
			t.Errorf("task %s should not be ready", task.ID)
		}
	}

	// task-3 becomes ready once its dep task-1 is done.
	found := false
	for _, task := range ready {
		if task.ID == "task-3" {
			found = true
		}
	}
	if !found {
		t.Error("task-3 should be ready after its dependency closed")
	}
}

func TestFileSourceNotFound(t *testing.T) {
	src := NewFileSource(writeTaskFile(t, sampleTasks))

	err := src.Claim(context.Background(), "no-such-task", "worker-a")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := src.Ready(context.Background()); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
