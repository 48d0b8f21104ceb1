package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"foundry/pkg/tasksource"
	"foundry/pkg/workspace"
)

// ExitEvent reports a worker process reaching its exit, observed by the
// reaper. ExitCode is -1 when the process was terminated by a signal.
type ExitEvent struct {
	TaskID   string
	ExitCode int
}

// ProcessManager spawns and terminates worker processes. The supervisor's
// coordination loop consumes Exits to drive handle state transitions.
type ProcessManager interface {
	// Spawn starts a worker bound to the task and workspace, appending its
	// stdout/stderr to logPath. Returns the pid.
	Spawn(task tasksource.Task, ws *workspace.Workspace, logPath string) (int, error)

	// Kill sends SIGTERM to the worker's process group, waits a bounded
	// grace period, then escalates to SIGKILL.
	Kill(taskID string) error

	// Alive probes whether pid is a running process.
	Alive(pid int) bool

	// Exits delivers one event per spawned process that has exited.
	Exits() <-chan ExitEvent
}

// trackedProc pairs a spawned process with the channel its reaper closes.
type trackedProc struct {
	proc *os.Process
	done chan struct{}
}

// ExecProcessManager implements ProcessManager by spawning worker
// subprocesses confined to their workspace root and tracking them for
// lifecycle management.
//
// Thread-safe: all access to the process map is protected by a mutex.
type ExecProcessManager struct {
	killGrace time.Duration
	mu        sync.Mutex
	procs     map[string]*trackedProc
	exits     chan ExitEvent
	wg        sync.WaitGroup

	// cmdFactory builds the exec.Cmd for a task+workspace. Production use
	// runs the configured worker command; tests inject a dummy like sleep.
	cmdFactory func(task tasksource.Task, ws *workspace.Workspace) *exec.Cmd
}

// NewExecProcessManager creates a process manager that runs workerCmd (argv)
// with the workspace root as working directory. The worker learns its
// binding through environment variables: FOUNDRY_TASK_ID,
// FOUNDRY_WORKSPACE, FOUNDRY_BRANCH, and FOUNDRY_ALLOWED_OPS (comma-joined
// operation allowlist).
func NewExecProcessManager(workerCmd, allowedOps []string, killGrace time.Duration) *ExecProcessManager {
	pm := newProcessManager(killGrace)
	pm.cmdFactory = func(task tasksource.Task, ws *workspace.Workspace) *exec.Cmd {
		name := workerCmd[0]
		//nolint:gosec // intentionally spawning the configured worker subprocess
		cmd := exec.Command(name, workerCmd[1:]...)
		cmd.Dir = ws.Path
		cmd.Env = append(os.Environ(),
			"FOUNDRY_TASK_ID="+task.ID,
			"FOUNDRY_WORKSPACE="+ws.Path,
			"FOUNDRY_BRANCH="+ws.Branch,
			"FOUNDRY_ALLOWED_OPS="+strings.Join(allowedOps, ","),
		)
		return cmd
	}
	return pm
}

// NewExecProcessManagerWithFactory creates an ExecProcessManager with a
// custom command factory. Useful for tests that need to control the
// subprocess.
func NewExecProcessManagerWithFactory(killGrace time.Duration, factory func(task tasksource.Task, ws *workspace.Workspace) *exec.Cmd) *ExecProcessManager {
	pm := newProcessManager(killGrace)
	pm.cmdFactory = factory
	return pm
}

func newProcessManager(killGrace time.Duration) *ExecProcessManager {
	if killGrace == 0 {
		killGrace = 3 * time.Second
	}
	return &ExecProcessManager{
		killGrace: killGrace,
		procs:     make(map[string]*trackedProc),
		exits:     make(chan ExitEvent, 64),
	}
}

// Spawn starts a new worker process for the task and tracks it. Each worker
// gets its own process group (Setpgid) so Kill can terminate the entire
// tree (worker plus any agent descendants).
func (pm *ExecProcessManager) Spawn(task tasksource.Task, ws *workspace.Workspace, logPath string) (int, error) {
	cmd := pm.cmdFactory(task, ws)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is deterministic
	if err != nil {
		return 0, fmt.Errorf("open worker log %s: %w", logPath, err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return 0, fmt.Errorf("start worker for task %s: %w", task.ID, err)
	}
	// The log fd is inherited by the child; the parent can close its copy.
	_ = logFile.Close()

	tp := &trackedProc{proc: cmd.Process, done: make(chan struct{})}

	pm.mu.Lock()
	pm.procs[task.ID] = tp
	pm.mu.Unlock()

	// Reap the child in the background to avoid zombies and deliver the
	// exit event to the coordination loop.
	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		err := cmd.Wait()
		close(tp.done)

		code := 0
		if err != nil {
			code = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
		}

		pm.mu.Lock()
		delete(pm.procs, task.ID)
		pm.mu.Unlock()

		pm.exits <- ExitEvent{TaskID: task.ID, ExitCode: code}
	}()

	return cmd.Process.Pid, nil
}

// Kill sends SIGTERM to the tracked worker's process group, waits up to the
// grace period for it to exit, and then sends SIGKILL if it is still alive.
func (pm *ExecProcessManager) Kill(taskID string) error {
	pm.mu.Lock()
	tp, ok := pm.procs[taskID]
	pm.mu.Unlock()
	if !ok {
		return fmt.Errorf("no tracked worker for task %s", taskID)
	}

	// Signal the entire process group (negative pid) so descendants go too.
	// If SIGTERM fails the process already exited; the reaper handles it.
	pgid := tp.proc.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return nil //nolint:nilerr // already exited; the reaper delivers the event
	}

	select {
	case <-tp.done:
		// Exited within the grace period.
	case <-time.After(pm.killGrace):
		// Grace expired; escalate to SIGKILL on the whole group.
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-tp.done
	}
	return nil
}

// Alive probes process existence with signal 0.
func (pm *ExecProcessManager) Alive(pid int) bool {
	return Alive(pid)
}

// Exits returns the exit event channel.
func (pm *ExecProcessManager) Exits() <-chan ExitEvent {
	return pm.exits
}

// Wait blocks until all reaper goroutines have completed. Used by tests and
// clean shutdown.
func (pm *ExecProcessManager) Wait() {
	pm.wg.Wait()
}

// KillRecorded terminates a worker known only by its pid record — used by
// the CLI when the supervising daemon is a different process. Same
// SIGTERM/grace/SIGKILL escalation, applied to the process group.
func KillRecorded(ctx context.Context, pid int, grace time.Duration) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Fall back to the single process; it may not lead a group.
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return nil //nolint:nilerr // already gone
		}
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			_ = syscall.Kill(pid, syscall.SIGKILL)
			return nil
		case <-ticker.C:
			if !Alive(pid) {
				return nil
			}
		}
	}
}
