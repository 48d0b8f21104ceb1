// Package tasksource adapts the external dependency-ordered task tracker to
// the supervisor. Two implementations exist: CLISource shells out to a
// tracker CLI, FileSource reads a self-contained YAML task graph. Both
// guarantee the same contract: Ready lists unclaimed tasks whose
// dependencies are all done, and Claim is atomic — exactly one owner wins.
package tasksource

import (
	"context"
	"fmt"
)

// Status is the lifecycle state of a task, owned by the tracker. The
// orchestration core never mutates it directly — only through Source calls.
type Status string

// Task status constants.
const (
	StatusReady      Status = "ready"
	StatusClaimed    Status = "claimed"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
)

// Task represents a work item from the tracker.
type Task struct {
	ID       string   `json:"id" yaml:"id"`
	Title    string   `json:"title" yaml:"title"`
	Deps     []string `json:"deps,omitempty" yaml:"deps,omitempty"`
	Status   Status   `json:"status" yaml:"status"`
	Owner    string   `json:"owner,omitempty" yaml:"owner,omitempty"`
	Priority int      `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Source provides ready tasks and ownership transitions.
type Source interface {
	// Ready returns tasks whose dependencies are all satisfied and which
	// are unclaimed, highest priority first.
	Ready(ctx context.Context) ([]Task, error)

	// Claim atomically marks a task as claimed by owner. Returns
	// *AlreadyClaimedError if another owner won the race.
	Claim(ctx context.Context, taskID, owner string) error

	// Release returns a claimed task to the ready pool, clearing its owner.
	// Used when a worker fails, crashes, or is killed.
	Release(ctx context.Context, taskID string) error

	// Close marks a task done. Only called after a successful merge.
	Close(ctx context.Context, taskID, reason string) error

	// Block marks a task blocked with a human-readable reason.
	Block(ctx context.Context, taskID, reason string) error
}

// AlreadyClaimedError is returned by Claim when another owner holds the task.
// Non-fatal: the caller skips and picks the next ready task.
type AlreadyClaimedError struct {
	TaskID string
	Owner  string // owner that holds the claim, if known
}

func (e *AlreadyClaimedError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("task %s already claimed by %s", e.TaskID, e.Owner)
	}
	return fmt.Sprintf("task %s already claimed", e.TaskID)
}

// NotFoundError is returned when a task id does not exist in the tracker.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}
