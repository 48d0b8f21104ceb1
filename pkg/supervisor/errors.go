package supervisor

import "fmt"

// AdmissionRejectedError is returned by Spawn when the concurrency budget is
// exhausted. Transient: the caller retries on the next scheduling pass.
type AdmissionRejectedError struct {
	Live int
	Max  int
}

func (e *AdmissionRejectedError) Error() string {
	return fmt.Sprintf("admission rejected: %d of %d workers live", e.Live, e.Max)
}

// SpawnError indicates the worker process could not be started. Fatal to
// that spawn attempt only: the task is returned to the ready pool and the
// workspace destroyed.
type SpawnError struct {
	TaskID string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker for task %s: %v", e.TaskID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
