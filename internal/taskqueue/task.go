package taskqueue

import (
	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a task in this status is finished for good.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is one logical unit of queued work. The queue owns its lifecycle
// exclusively; no other component mutates task state.
type Task struct {
	// ID is unique per submission. Assigned on submit when empty.
	ID string

	// Command is the executable plus argument vector.
	Command []string

	// Dir is the working directory ("" = inherit).
	Dir string

	// Env is merged over the inherited environment.
	Env map[string]string

	// DocumentPath points at the shared pipeline document the worker
	// reads and rewrites. Informational to the queue; passed through in
	// log context.
	DocumentPath string

	// Retries is the retry budget: the task re-enters the queue after a
	// nonzero exit until it has run Retries+1 times.
	Retries int

	// Description is a human-readable label used in log lines.
	Description string

	// Metadata is an opaque bag the orchestrator and UI use to correlate
	// a task back to its originator. Never interpreted by the queue.
	Metadata map[string]any
}

// taskRecord is the queue's private per-task state.
type taskRecord struct {
	task      Task
	status    Status
	attempts  int
	cancelled bool
	exitCode  int
	failure   string
	done      chan struct{}
}

func newRecord(task Task) *taskRecord {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	return &taskRecord{
		task:   task,
		status: StatusQueued,
		done:   make(chan struct{}),
	}
}
