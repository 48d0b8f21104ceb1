package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// RecordStore persists one pid record per active worker, keyed by task id:
// <dir>/<taskID>/worker.pid. Presence plus a liveness probe is the sole
// durable signal of "worker running" across supervisor restarts. The
// in-process WorkerHandle registry is the owner at runtime; records are
// consulted only at startup recovery and by out-of-process CLI commands.
type RecordStore struct {
	dir string
}

// NewRecordStore creates a RecordStore rooted at dir (usually
// $FOUNDRY_HOME/workers).
func NewRecordStore(dir string) *RecordStore {
	return &RecordStore{dir: dir}
}

// PrepareDir creates the per-task worker directory so the log file can be
// opened before the process starts.
func (r *RecordStore) PrepareDir(taskID string) error {
	taskDir := filepath.Join(r.dir, taskID)
	if err := os.MkdirAll(taskDir, 0o700); err != nil {
		return fmt.Errorf("create worker dir %s: %w", taskDir, err)
	}
	return nil
}

// Write persists the pid record for a task, creating directories as needed.
func (r *RecordStore) Write(taskID string, pid int) error {
	taskDir := filepath.Join(r.dir, taskID)
	if err := os.MkdirAll(taskDir, 0o700); err != nil {
		return fmt.Errorf("create worker dir %s: %w", taskDir, err)
	}
	path := filepath.Join(taskDir, "worker.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write pid record %s: %w", path, err)
	}
	return nil
}

// Read returns the recorded pid for a task.
func (r *RecordStore) Read(taskID string) (int, error) {
	path := filepath.Join(r.dir, taskID, "worker.pid")
	data, err := os.ReadFile(path) //nolint:gosec // record path is application-controlled
	if err != nil {
		return 0, fmt.Errorf("read pid record %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid record %s: %w", path, err)
	}
	return pid, nil
}

// Remove deletes the pid record for a task. Idempotent: no error if absent.
func (r *RecordStore) Remove(taskID string) error {
	path := filepath.Join(r.dir, taskID, "worker.pid")
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid record %s: %w", path, err)
	}
	return nil
}

// Scan returns every persisted pid record, keyed by task id. Unparseable
// records are skipped.
func (r *RecordStore) Scan() (map[string]int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan pid records: %w", err)
	}

	out := make(map[string]int)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := r.Read(entry.Name())
		if err != nil {
			continue
		}
		out[entry.Name()] = pid
	}
	return out, nil
}

// LogPath returns the append-only output log path for a task's worker.
func (r *RecordStore) LogPath(taskID string) string {
	return filepath.Join(r.dir, taskID, "output.log")
}

// Alive checks whether a process with the given pid is running.
// On Unix, sending signal 0 checks for existence without actually signaling.
func Alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
