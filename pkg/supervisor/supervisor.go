// Package supervisor implements the foundry orchestration core: admission
// control, worker process spawning, liveness monitoring, termination, and
// merge dispatch. All state transitions on tasks, workspaces, worker
// handles, and the concurrency budget happen in one coordination loop;
// actual task execution happens in independent OS-level worker processes
// whose internal behavior is opaque here.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"foundry/pkg/eventlog"
	"foundry/pkg/reconcile"
	"foundry/pkg/tasksource"
	"foundry/pkg/workspace"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// WorkspaceStore is the workspace lifecycle contract the supervisor drives.
// Production implementation is workspace.GitStore.
type WorkspaceStore interface {
	Create(ctx context.Context, taskID string) (*workspace.Workspace, error)
	Get(taskID string) (*workspace.Workspace, error)
	List(ctx context.Context) ([]*workspace.Workspace, error)
	Destroy(ctx context.Context, taskID string) error
	IsStale(ctx context.Context, ws *workspace.Workspace) (bool, error)
	SetState(taskID string, state workspace.State) error
}

// Merger serializes workspace merges into the mainline. Production
// implementation is reconcile.Coordinator.
type Merger interface {
	Merge(ctx context.Context, ws *workspace.Workspace) (*reconcile.Result, error)
	Abort()
}

// ConflictPolicy decides what happens to a task whose merge conflicts.
type ConflictPolicy string

// Conflict policy constants.
const (
	// ConflictManual blocks the task with the conflicting paths; an
	// operator resolves and unblocks. The workspace is preserved.
	ConflictManual ConflictPolicy = "manual"

	// ConflictRespawn destroys the conflicted workspace and releases the
	// task so a fresh workspace is cut from the new mainline tip.
	ConflictRespawn ConflictPolicy = "respawn"
)

// Config holds Supervisor configuration.
type Config struct {
	WorkersDir      string         // pid records and worker logs, one dir per task
	MaxWorkers      int            // concurrency budget (default 4)
	PollInterval    time.Duration  // ready-task poll interval (default 10s)
	MonitorInterval time.Duration  // liveness probe interval (default 2s)
	ShutdownTimeout time.Duration  // drain budget at shutdown (default 10s)
	ConflictPolicy  ConflictPolicy // merge conflict handling (default manual)
	WatchDir        string         // optional dir watched for task changes (fsnotify)
	DetachWorkers   bool           // leave workers running at shutdown; pid records survive
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxWorkers == 0 {
		out.MaxWorkers = 4
	}
	if out.PollInterval == 0 {
		out.PollInterval = 10 * time.Second
	}
	if out.MonitorInterval == 0 {
		out.MonitorInterval = 2 * time.Second
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = 10 * time.Second
	}
	if out.ConflictPolicy == "" {
		out.ConflictPolicy = ConflictManual
	}
	return out
}

// Supervisor is the orchestration core. Create with New, then call Run.
type Supervisor struct {
	cfg     Config
	tasks   tasksource.Source
	store   WorkspaceStore
	merger  Merger
	procs   ProcessManager
	events  *eventlog.Logger
	records *RecordStore

	mu      sync.Mutex
	handles map[string]*WorkerHandle
	budget  ConcurrencyBudget

	// fatal is set when a mainline-corrupting failure is observed; the
	// coordination loop stops and surfaces it to the operator.
	fatal error

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Supervisor. It does NOT start the coordination loop — call Run.
func New(cfg Config, tasks tasksource.Source, store WorkspaceStore, merger Merger, procs ProcessManager, events *eventlog.Logger) *Supervisor {
	resolved := cfg.withDefaults()
	return &Supervisor{
		cfg:     resolved,
		tasks:   tasks,
		store:   store,
		merger:  merger,
		procs:   procs,
		events:  events,
		records: NewRecordStore(resolved.WorkersDir),
		handles: make(map[string]*WorkerHandle),
		budget:  ConcurrencyBudget{Max: resolved.MaxWorkers},
		nowFunc: time.Now,
	}
}

// Records exposes the pid record store for out-of-process CLI commands.
func (s *Supervisor) Records() *RecordStore {
	return s.records
}

// Budget returns a copy of the current concurrency budget.
func (s *Supervisor) Budget() ConcurrencyBudget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget
}

// Workers returns a snapshot of all tracked worker handles.
func (s *Supervisor) Workers() []WorkerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerHandle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, *h)
	}
	return out
}

// Handle returns a copy of the tracked handle for a task, if any.
func (s *Supervisor) Handle(taskID string) (WorkerHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[taskID]
	if !ok {
		return WorkerHandle{}, false
	}
	return *h, true
}

// --- Spawning ---

// Spawn claims the task, provisions a workspace, and starts a worker bound
// to it. Admission control runs first: when the budget is exhausted the
// spawn is rejected with *AdmissionRejectedError and retried on a later
// scheduling pass.
//
// Failure unwinding: a lost claim race surfaces *tasksource.AlreadyClaimedError;
// an existing active workspace surfaces *workspace.ExistsError (claim
// released); a process start failure surfaces *SpawnError (claim released,
// workspace destroyed).
func (s *Supervisor) Spawn(ctx context.Context, task tasksource.Task) (*WorkerHandle, error) {
	// Reserve budget before any side effects so concurrent spawns can never
	// push Live past Max.
	s.mu.Lock()
	if s.budget.Full() {
		live, max := s.budget.Live, s.budget.Max
		s.mu.Unlock()
		return nil, &AdmissionRejectedError{Live: live, Max: max}
	}
	if h, ok := s.handles[task.ID]; ok && !h.State.Terminal() {
		path := ""
		if h.Workspace != nil {
			path = h.Workspace.Path
		}
		s.mu.Unlock()
		return nil, &workspace.ExistsError{TaskID: task.ID, Path: path}
	}
	s.budget.Acquire()
	s.mu.Unlock()

	h, err := s.doSpawn(ctx, task)
	if err != nil {
		s.mu.Lock()
		s.budget.Release()
		s.mu.Unlock()
		return nil, err
	}
	return h, nil
}

// doSpawn performs the claim/provision/start sequence. The budget slot
// is already reserved; the caller releases it on error.
func (s *Supervisor) doSpawn(ctx context.Context, task tasksource.Task) (*WorkerHandle, error) {
	workerID := uuid.New().String()

	if err := s.tasks.Claim(ctx, task.ID, workerID); err != nil {
		return nil, err
	}

	ws, err := s.store.Create(ctx, task.ID)
	if err != nil {
		_ = s.tasks.Release(ctx, task.ID)
		return nil, err
	}

	if err := s.records.PrepareDir(task.ID); err != nil {
		_ = s.tasks.Release(ctx, task.ID)
		_ = s.store.Destroy(ctx, task.ID)
		return nil, &SpawnError{TaskID: task.ID, Err: err}
	}

	logPath := s.records.LogPath(task.ID)
	pid, err := s.procs.Spawn(task, ws, logPath)
	if err != nil {
		_ = s.tasks.Release(ctx, task.ID)
		_ = s.store.Destroy(ctx, task.ID)
		return nil, &SpawnError{TaskID: task.ID, Err: err}
	}

	if err := s.records.Write(task.ID, pid); err != nil {
		// The worker is running; a missing record only weakens restart
		// recovery. Log and continue.
		_ = s.events.Log(ctx, "pid_record_error", "supervisor", task.ID, workerID, err.Error())
	}

	h := &WorkerHandle{
		TaskID:    task.ID,
		WorkerID:  workerID,
		PID:       pid,
		Workspace: ws,
		LogPath:   logPath,
		StartedAt: s.nowFunc(),
		State:     StateSpawned,
	}

	s.mu.Lock()
	s.handles[task.ID] = h
	s.mu.Unlock()

	_ = s.events.CreateAssignment(ctx, task.ID, workerID, ws.Path)
	_ = s.events.Log(ctx, "spawn", "supervisor", task.ID, workerID,
		fmt.Sprintf(`{"pid":%d,"workspace":%q,"base":%q}`, pid, ws.Path, ws.BaseSnapshot))

	return h, nil
}

// --- Coordination loop ---

// Run executes the single coordination loop until ctx is cancelled or a
// mainline-corrupting failure occurs. It performs startup recovery first,
// then interleaves ready-task assignment, exit handling, and liveness
// monitoring — all handle/budget transitions happen here or in the public
// entry points, nowhere else.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()
	monitorTicker := time.NewTicker(s.cfg.MonitorInterval)
	defer monitorTicker.Stop()

	// Optional fsnotify trigger on the task directory; the poll ticker
	// remains as the safety net when watching fails.
	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if s.cfg.WatchDir != "" {
		if watcher, err := fsnotify.NewWatcher(); err == nil {
			if err := watcher.Add(s.cfg.WatchDir); err == nil {
				watchEvents = make(chan fsnotify.Event, 16)
				watchErrors = make(chan error, 1)
				go forwardWatch(ctx, watcher, watchEvents, watchErrors)
			} else {
				_ = watcher.Close()
			}
		}
	}

	s.tryAssign(ctx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.procs.Exits():
			s.onExit(ctx, ev)
		case <-monitorTicker.C:
			s.monitorPass(ctx)
		case <-pollTicker.C:
			s.tryAssign(ctx)
		case <-watchEvents:
			s.tryAssign(ctx)
		case err := <-watchErrors:
			if err != nil {
				_ = s.events.Log(ctx, "watcher_error", "supervisor", "", "", err.Error())
			}
		}

		if s.fatal != nil {
			s.shutdown()
			return s.fatal
		}
	}
}

// forwardWatch pumps fsnotify events into the coordination loop's channels
// and closes the watcher when ctx ends.
func forwardWatch(ctx context.Context, watcher *fsnotify.Watcher, events chan<- fsnotify.Event, errs chan<- error) {
	defer func() { _ = watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			select {
			case events <- ev:
			default: // coalesce bursts; a poll pass will catch up
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			select {
			case errs <- err:
			default:
			}
		}
	}
}

// tryAssign claims ready tasks up to the concurrency budget and spawns a
// worker for each. Per-task failures (claim races, existing workspaces,
// spawn failures) never halt the pass.
func (s *Supervisor) tryAssign(ctx context.Context) {
	ready, err := s.tasks.Ready(ctx)
	if err != nil {
		_ = s.events.Log(ctx, "tasksource_error", "supervisor", "", "", err.Error())
		return
	}

	for _, task := range ready {
		_, err := s.Spawn(ctx, task)
		switch {
		case err == nil:
			continue
		case isAdmissionRejected(err):
			return // budget exhausted; retry next pass
		case isAlreadyClaimed(err), isWorkspaceExists(err):
			continue // somebody else owns it, or it awaits inspection
		default:
			_ = s.events.Log(ctx, "spawn_error", "supervisor", task.ID, "", err.Error())
		}
	}
}

// monitorPass probes every live handle: spawned workers whose process is up
// are promoted to running; a missing process with no observed exit event is
// a crash. Terminal handles are skipped — re-observation has no effect.
func (s *Supervisor) monitorPass(ctx context.Context) {
	s.drainExits(ctx)

	s.mu.Lock()
	type probe struct {
		taskID string
		pid    int
		state  HandleState
	}
	probes := make([]probe, 0, len(s.handles))
	for _, h := range s.handles {
		if h.State.Terminal() {
			continue
		}
		probes = append(probes, probe{taskID: h.TaskID, pid: h.PID, state: h.State})
	}
	s.mu.Unlock()

	for _, p := range probes {
		alive := s.procs.Alive(p.pid)

		if alive && p.state == StateSpawned {
			s.mu.Lock()
			if h, ok := s.handles[p.taskID]; ok && h.State == StateSpawned {
				h.State = StateRunning
				_ = s.events.Log(ctx, "running", "supervisor", p.taskID, h.WorkerID, "")
			}
			s.mu.Unlock()
			continue
		}

		if !alive {
			// Give a queued exit event one more chance before declaring a
			// crash — the reaper may have fired between snapshot and probe.
			s.drainExits(ctx)
			s.markCrashed(ctx, p.taskID)
		}
	}
}

// drainExits consumes any pending exit events without blocking.
func (s *Supervisor) drainExits(ctx context.Context) {
	for {
		select {
		case ev := <-s.procs.Exits():
			s.onExit(ctx, ev)
		default:
			return
		}
	}
}

// onExit applies a reaper-observed exit to the handle state machine. A zero
// exit code dispatches the merge; a nonzero one returns the task to the
// ready pool and preserves the workspace for inspection.
func (s *Supervisor) onExit(ctx context.Context, ev ExitEvent) {
	s.mu.Lock()
	h, ok := s.handles[ev.TaskID]
	if !ok || h.State.Terminal() {
		s.mu.Unlock()
		return // already reconciled (killed, crashed, or duplicate event)
	}
	if ev.ExitCode == 0 {
		h.State = StateExitedSuccess
	} else {
		h.State = StateExitedFailure
	}
	s.budget.Release()
	s.mu.Unlock()

	_ = s.records.Remove(ev.TaskID)

	if ev.ExitCode == 0 {
		_ = s.events.Log(ctx, "exited_success", "supervisor", ev.TaskID, h.WorkerID, "")
		s.mergeAndComplete(ctx, h)
		return
	}

	_ = s.events.Log(ctx, "exited_failure", "supervisor", ev.TaskID, h.WorkerID,
		fmt.Sprintf(`{"exit_code":%d}`, ev.ExitCode))
	_ = s.events.CompleteAssignment(ctx, ev.TaskID, "failed")
	if err := s.tasks.Release(ctx, ev.TaskID); err != nil {
		_ = s.events.Log(ctx, "release_error", "supervisor", ev.TaskID, h.WorkerID, err.Error())
	}
	s.dropHandle(ev.TaskID)
}

// markCrashed reconciles a handle whose process vanished without a
// corresponding exit event: pid record removed, task returned to ready,
// workspace preserved for inspection.
func (s *Supervisor) markCrashed(ctx context.Context, taskID string) {
	s.mu.Lock()
	h, ok := s.handles[taskID]
	if !ok || h.State.Terminal() {
		s.mu.Unlock()
		return
	}
	h.State = StateCrashed
	s.budget.Release()
	s.mu.Unlock()

	_ = s.records.Remove(taskID)
	_ = s.events.Log(ctx, "crashed", "supervisor", taskID, h.WorkerID, "")
	_ = s.events.CompleteAssignment(ctx, taskID, "crashed")
	if err := s.tasks.Release(ctx, taskID); err != nil {
		_ = s.events.Log(ctx, "release_error", "supervisor", taskID, h.WorkerID, err.Error())
	}
	s.dropHandle(taskID)
}

// mergeAndComplete runs the serialized merge and closes the task on success.
// Conflicts follow the configured policy; any failure of the mainline's own
// atomic operations is fatal to the supervisor.
func (s *Supervisor) mergeAndComplete(ctx context.Context, h *WorkerHandle) {
	defer s.dropHandle(h.TaskID)

	result, err := s.merger.Merge(ctx, h.Workspace)
	if err != nil {
		s.handleMergeError(ctx, h, err)
		return
	}

	_ = s.events.Log(ctx, "merged", "supervisor", h.TaskID, h.WorkerID,
		fmt.Sprintf(`{"sha":%q}`, result.CommitSHA))
	_ = s.events.CompleteAssignment(ctx, h.TaskID, "completed")
	if err := s.tasks.Close(ctx, h.TaskID, "merged as "+result.CommitSHA); err != nil {
		_ = s.events.Log(ctx, "close_error", "supervisor", h.TaskID, h.WorkerID, err.Error())
	}
}

func (s *Supervisor) handleMergeError(ctx context.Context, h *WorkerHandle, err error) {
	var conflictErr *reconcile.ConflictError
	if errors.As(err, &conflictErr) {
		_ = s.events.Log(ctx, "merge_conflict", "supervisor", h.TaskID, h.WorkerID,
			fmt.Sprintf(`{"paths":%q,"policy":%q}`, conflictErr.Paths, s.cfg.ConflictPolicy))
		_ = s.events.CompleteAssignment(ctx, h.TaskID, "conflict")

		switch s.cfg.ConflictPolicy {
		case ConflictRespawn:
			// Fresh start against the new mainline tip.
			_ = s.store.Destroy(ctx, h.TaskID)
			_ = s.tasks.Release(ctx, h.TaskID)
		default:
			// Manual: workspace untouched, task blocked until resolved.
			reason := "merge conflict: " + strings.Join(conflictErr.Paths, ", ")
			_ = s.tasks.Block(ctx, h.TaskID, reason)
		}
		return
	}

	var mainlineErr *reconcile.MainlineError
	if errors.As(err, &mainlineErr) {
		_ = s.events.Log(ctx, "mainline_error", "supervisor", h.TaskID, h.WorkerID, err.Error())
		s.mu.Lock()
		s.fatal = mainlineErr
		s.mu.Unlock()
		return
	}

	// Other merge failures are local to this task: return it to the pool
	// and keep the workspace for a retry.
	_ = s.events.Log(ctx, "merge_failed", "supervisor", h.TaskID, h.WorkerID, err.Error())
	_ = s.events.CompleteAssignment(ctx, h.TaskID, "failed")
	_ = s.tasks.Release(ctx, h.TaskID)
}

// --- Termination ---

// Kill terminates the worker for taskID: SIGTERM, bounded grace, SIGKILL.
// The pid record is removed, the handle reaches the killed terminal state,
// and the task returns to the ready pool. The workspace is preserved.
func (s *Supervisor) Kill(ctx context.Context, taskID string) error {
	s.mu.Lock()
	h, ok := s.handles[taskID]
	if !ok || h.State.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("no live worker for task %s", taskID)
	}
	reattached := h.reattached
	pid := h.PID
	h.State = StateKilled
	s.budget.Release()
	s.mu.Unlock()

	var killErr error
	if reattached {
		// Not our child: signal by pid directly.
		killErr = KillRecorded(ctx, pid, 3*time.Second)
	} else {
		killErr = s.procs.Kill(taskID)
	}
	// A signalling failure usually means the worker exited in the race
	// window; the handle is already terminal, so reconcile the record and
	// claim either way. The reaper's straggler exit event is ignored.

	_ = s.records.Remove(taskID)
	_ = s.events.Log(ctx, "killed", "supervisor", taskID, h.WorkerID, "")
	_ = s.events.CompleteAssignment(ctx, taskID, "killed")
	if err := s.tasks.Release(ctx, taskID); err != nil {
		_ = s.events.Log(ctx, "release_error", "supervisor", taskID, h.WorkerID, err.Error())
	}
	s.dropHandle(taskID)
	return killErr
}

// shutdown reconciles all live workers at loop exit. Unless DetachWorkers
// is set, every live worker is killed and its task released; with
// DetachWorkers the processes keep running and their pid records remain for
// the next supervisor's startup recovery.
func (s *Supervisor) shutdown() {
	s.merger.Abort()

	if s.cfg.DetachWorkers {
		return
	}

	s.mu.Lock()
	var live []string
	for id, h := range s.handles {
		if !h.State.Terminal() {
			live = append(live, id)
		}
	}
	s.mu.Unlock()

	// Kill concurrently so draining N stubborn workers costs one grace
	// window, not N, and stays inside ShutdownTimeout.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, id := range live {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			_ = s.Kill(ctx, taskID)
		}(id)
	}
	wg.Wait()
}

// --- Startup recovery ---

// Recover scans persisted pid records: a dead process is reconciled as
// crashed and its task returned to ready; a live one is re-attached as a
// running handle and monitoring resumes.
func (s *Supervisor) Recover(ctx context.Context) error {
	records, err := s.records.Scan()
	if err != nil {
		return err
	}

	for taskID, pid := range records {
		if !s.procs.Alive(pid) {
			_ = s.records.Remove(taskID)
			_ = s.events.Log(ctx, "crashed", "supervisor", taskID, "",
				fmt.Sprintf(`{"recovery":true,"pid":%d}`, pid))
			_ = s.events.CompleteAssignment(ctx, taskID, "crashed")
			if err := s.tasks.Release(ctx, taskID); err != nil {
				_ = s.events.Log(ctx, "release_error", "supervisor", taskID, "", err.Error())
			}
			continue
		}

		ws, err := s.store.Get(taskID)
		if err != nil {
			ws = nil // record without a workspace: still monitor the process
		}

		h := &WorkerHandle{
			TaskID:     taskID,
			PID:        pid,
			Workspace:  ws,
			LogPath:    s.records.LogPath(taskID),
			StartedAt:  s.nowFunc(),
			State:      StateRunning,
			reattached: true,
		}

		s.mu.Lock()
		// Count every re-attached worker. Live may exceed Max when the cap
		// was lowered across the restart; Full then blocks new admissions
		// until enough recovered workers terminate.
		s.budget.AcquireRecovered()
		s.handles[taskID] = h
		s.mu.Unlock()

		_ = s.events.Log(ctx, "recovered", "supervisor", taskID, "",
			fmt.Sprintf(`{"pid":%d}`, pid))
	}
	return nil
}

// --- helpers ---

func (s *Supervisor) dropHandle(taskID string) {
	s.mu.Lock()
	delete(s.handles, taskID)
	s.mu.Unlock()
}

func isAdmissionRejected(err error) bool {
	var e *AdmissionRejectedError
	return errors.As(err, &e)
}

func isAlreadyClaimed(err error) bool {
	var e *tasksource.AlreadyClaimedError
	return errors.As(err, &e)
}

func isWorkspaceExists(err error) bool {
	var e *workspace.ExistsError
	return errors.As(err, &e)
}
