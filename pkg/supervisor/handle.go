package supervisor

import (
	"time"

	"foundry/pkg/workspace"
)

// HandleState is the state of a supervised worker process.
type HandleState string

// Worker handle state constants. spawned and running are the only
// non-terminal states; every other state is terminal and re-observing it
// has no further effect.
const (
	StateSpawned       HandleState = "spawned"
	StateRunning       HandleState = "running"
	StateExitedSuccess HandleState = "exited_success"
	StateExitedFailure HandleState = "exited_failure"
	StateKilled        HandleState = "killed"
	StateCrashed       HandleState = "crashed"
)

// Terminal reports whether s is a terminal state.
func (s HandleState) Terminal() bool {
	switch s {
	case StateExitedSuccess, StateExitedFailure, StateKilled, StateCrashed:
		return true
	default:
		return false
	}
}

// WorkerHandle is the in-process record of one worker. It is owned
// exclusively by the Supervisor for its lifetime; the disk-persisted pid
// record is a recovery aid, not a second owner.
type WorkerHandle struct {
	TaskID    string
	WorkerID  string
	PID       int
	Workspace *workspace.Workspace
	LogPath   string
	StartedAt time.Time
	State     HandleState

	// reattached marks handles rebuilt from pid records at startup: the
	// process is not our child, so no exit event will ever arrive and a
	// failed liveness probe is the only terminal signal.
	reattached bool
}
