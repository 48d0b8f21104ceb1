// Package eventlog persists supervisor and worker lifecycle events to a
// SQLite database and provides query access for the status, logs, and dash
// commands. Every state transition the supervisor performs — spawn, exit,
// crash, kill, merge, conflict, recovery — lands here as one row.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
)

// Logger writes lifecycle events and assignment rows.
type Logger struct {
	db *sql.DB
}

// NewLogger wraps an open database. The caller owns the *sql.DB and is
// responsible for running SchemaDDL before the first write.
func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db}
}

// Init applies the schema. Idempotent.
func (l *Logger) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, SchemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Log records a single lifecycle event.
func (l *Logger) Log(ctx context.Context, evType, source, taskID, workerID, payload string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, taskID, workerID, payload)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// CreateAssignment records a new active worker-to-task assignment.
func (l *Logger) CreateAssignment(ctx context.Context, taskID, workerID, workspace string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO assignments (task_id, worker_id, workspace) VALUES (?, ?, ?)`,
		taskID, workerID, workspace)
	if err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

// CompleteAssignment marks the active assignment for a task with the given
// terminal status (completed, failed, crashed, killed).
func (l *Logger) CompleteAssignment(ctx context.Context, taskID, status string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE assignments SET status=?, completed_at=datetime('now') WHERE task_id=? AND status='active'`,
		status, taskID)
	if err != nil {
		return fmt.Errorf("complete assignment: %w", err)
	}
	return nil
}

// Assignment is a row from the assignments table.
type Assignment struct {
	ID          int64
	TaskID      string
	WorkerID    string
	Workspace   string
	Status      string
	AssignedAt  string
	CompletedAt string
}

// ActiveAssignments returns all assignments still in 'active' status.
func (l *Logger) ActiveAssignments(ctx context.Context) ([]Assignment, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, task_id, worker_id, workspace, status, assigned_at, COALESCE(completed_at, '')
		 FROM assignments WHERE status='active' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ID, &a.TaskID, &a.WorkerID, &a.Workspace, &a.Status, &a.AssignedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}
