// Package workspace manages isolated per-task git worktrees. Each workspace
// is a snapshot of the mainline tip on its own branch; the store owns the
// filesystem and version-control lifecycle and a small on-disk metadata
// record per workspace. Merging the workspace back is the reconcile
// package's job.
package workspace

import (
	"fmt"
	"strings"
	"time"
)

// Directory and branch layout constants.
const (
	// WorktreesDir is the repository-relative directory where worktrees live.
	WorktreesDir = ".worktrees"

	// BranchPrefix is the git branch prefix for task workspaces.
	BranchPrefix = "task/"

	// Mainline is the branch all workspaces are snapshotted from and merged into.
	Mainline = "main"
)

// State is the lifecycle state of a workspace.
type State string

// Workspace state constants.
const (
	StateActive    State = "active"
	StateStale     State = "stale"
	StateMerged    State = "merged"
	StateAbandoned State = "abandoned"
)

// Workspace is an isolated per-task copy of mainline state.
type Workspace struct {
	TaskID       string    `json:"task_id"`
	Path         string    `json:"path"`
	Branch       string    `json:"branch"`
	BaseSnapshot string    `json:"base_snapshot"` // mainline tip SHA at creation
	CreatedAt    time.Time `json:"created_at"`
	State        State     `json:"state"`
}

// ExistsError is returned when a second workspace is requested for a task
// that already has an active one. Non-fatal: callers treat as already-running.
type ExistsError struct {
	TaskID string
	Path   string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("workspace for task %s already exists at %s", e.TaskID, e.Path)
}

// StaleError is returned when a workspace's base snapshot predates the
// current mainline tip and the operation requires a fresh base.
type StaleError struct {
	TaskID       string
	BaseSnapshot string
	MainlineTip  string
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("workspace for task %s is stale (base %s, mainline tip %s)",
		e.TaskID, short(e.BaseSnapshot), short(e.MainlineTip))
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// ValidateTaskID rejects task ids that are unsafe to embed in filesystem
// paths or branch names: empty, path separators, "..", leading dash.
func ValidateTaskID(taskID string) error {
	switch {
	case taskID == "":
		return fmt.Errorf("task id is empty")
	case strings.ContainsAny(taskID, "/\\"):
		return fmt.Errorf("task id %q contains a path separator", taskID)
	case strings.Contains(taskID, ".."):
		return fmt.Errorf("task id %q contains '..'", taskID)
	case strings.HasPrefix(taskID, "-"):
		return fmt.Errorf("task id %q starts with '-'", taskID)
	}
	return nil
}
