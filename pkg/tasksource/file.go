package tasksource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// taskFile is the on-disk YAML document shape.
type taskFile struct {
	Tasks []Task `yaml:"tasks"`
}

// FileSource implements Source over a YAML task-graph file. Intended for
// self-contained projects that carry their backlog in the repository
// instead of an external tracker.
//
// Atomicity: all mutations load the file, apply the change, and write it
// back via a temp-file rename under a process-local mutex. That makes Claim
// exactly-once for concurrent callers within one supervisor process, which
// is the concurrency model this orchestrator runs under.
type FileSource struct {
	path string
	mu   sync.Mutex
}

// NewFileSource creates a FileSource reading and writing the given YAML file.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Ready returns unclaimed ready tasks whose dependencies are all done,
// highest priority first.
func (s *FileSource) Ready(ctx context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.load()
	if err != nil {
		return nil, err
	}

	done := make(map[string]bool)
	for _, t := range tf.Tasks {
		if t.Status == StatusDone {
			done[t.ID] = true
		}
	}

	var ready []Task
	for _, t := range tf.Tasks {
		if t.Status != StatusReady || t.Owner != "" {
			continue
		}
		if !depsSatisfied(t, done) {
			continue
		}
		ready = append(ready, t)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority > ready[j].Priority
	})
	return ready, nil
}

// Claim marks a ready task as claimed by owner. A task that is not ready or
// already has an owner returns *AlreadyClaimedError.
func (s *FileSource) Claim(ctx context.Context, taskID, owner string) error {
	return s.update(taskID, func(t *Task) error {
		if t.Owner != "" && t.Owner != owner {
			return &AlreadyClaimedError{TaskID: taskID, Owner: t.Owner}
		}
		if t.Status != StatusReady {
			return &AlreadyClaimedError{TaskID: taskID, Owner: t.Owner}
		}
		t.Status = StatusClaimed
		t.Owner = owner
		return nil
	})
}

// Release returns a task to the ready pool, clearing its owner. Idempotent:
// releasing an already-ready task is a no-op. Done tasks are left alone.
func (s *FileSource) Release(ctx context.Context, taskID string) error {
	return s.update(taskID, func(t *Task) error {
		if t.Status == StatusDone {
			return nil
		}
		t.Status = StatusReady
		t.Owner = ""
		return nil
	})
}

// Close marks a task done.
func (s *FileSource) Close(ctx context.Context, taskID, reason string) error {
	return s.update(taskID, func(t *Task) error {
		t.Status = StatusDone
		return nil
	})
}

// Block marks a task blocked. The reason is recorded in the title suffix the
// same way the tracker CLIs render it, keeping the file greppable.
func (s *FileSource) Block(ctx context.Context, taskID, reason string) error {
	return s.update(taskID, func(t *Task) error {
		t.Status = StatusBlocked
		t.Owner = ""
		if reason != "" {
			t.Title = t.Title + " [blocked: " + reason + "]"
		}
		return nil
	})
}

// update applies fn to the named task and persists the file atomically.
func (s *FileSource) update(taskID string, fn func(*Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.load()
	if err != nil {
		return err
	}

	idx := -1
	for i := range tf.Tasks {
		if tf.Tasks[i].ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &NotFoundError{TaskID: taskID}
	}

	if err := fn(&tf.Tasks[idx]); err != nil {
		return err
	}
	return s.store(tf)
}

func (s *FileSource) load() (*taskFile, error) {
	data, err := os.ReadFile(s.path) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("read task file %s: %w", s.path, err)
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", s.path, err)
	}
	return &tf, nil
}

// store writes the file via temp-file + rename so readers never observe a
// partial document.
func (s *FileSource) store(tf *taskFile) error {
	data, err := yaml.Marshal(tf)
	if err != nil {
		return fmt.Errorf("marshal task file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tasks-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp task file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp task file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp task file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename task file: %w", err)
	}
	return nil
}

func depsSatisfied(t Task, done map[string]bool) bool {
	for _, dep := range t.Deps {
		if !done[dep] {
			return false
		}
	}
	return true
}
