package model

import "time"

// TaskState is the queue-visible lifecycle of one enqueued task.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskSuccess TaskState = "success"
	TaskFailure TaskState = "failure"

	// TaskSkipped records a caller-requested skip of a task that had
	// not started. Running tasks are never interrupted.
	TaskSkipped TaskState = "skipped"
)

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure || s == TaskSkipped
}

// Task is one enqueued unit of work for a (provider, month) key. Tasks
// live in the store so separate worker processes share one queue.
type Task struct {
	ID        string    `json:"id"`
	Key       SyncKey   `json:"key"`
	State     TaskState `json:"state"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
