// Package taskqueue admits external-process task requests, bounds how
// many run at once, applies retry policy, and exposes cancellation.
// Consumers observe lifecycle through callback fields, mirroring how
// the rest of siflow wires components together.
package taskqueue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joss/siflow/internal/logging"
	"github.com/joss/siflow/internal/supervisor"
)

// ErrCancelled is the failure detail reported for cancelled tasks.
var ErrCancelled = errors.New("task cancelled")

// ErrUnknownTask is returned by Cancel for an ID the queue never saw.
var ErrUnknownTask = errors.New("unknown task")

// Queue schedules tasks under a concurrency bound, FIFO. At most
// MaxConcurrent tasks have a live process attempt at any moment; excess
// submissions wait in arrival order.
type Queue struct {
	// Lifecycle callbacks. Set before the first Submit; invoked
	// serially so observers see a consistent event order.
	OnStarted  func(taskID string, attempt int, meta map[string]any)
	OnFinished func(taskID string, exitCode int, meta map[string]any)
	OnError    func(taskID string, exitCode int, message string, meta map[string]any)
	OnLog      func(taskID string, level string, line string, meta map[string]any)

	// RetryDelay postpones re-queueing after a failed attempt. Zero
	// means immediate re-queue.
	RetryDelay time.Duration

	maxConcurrent int
	sup           *supervisor.Supervisor
	log           *logging.Logger

	mu      sync.Mutex
	pending []*taskRecord
	active  map[string]*supervisor.Attempt
	tasks   map[string]*taskRecord

	// inFlight counts attempts holding a concurrency slot. A task is
	// counted from the moment it leaves pending, not from the moment
	// its process is registered in active, so concurrent admission
	// loops cannot overshoot the bound during a launch.
	inFlight int

	notifyMu sync.Mutex
}

// New creates a queue. maxConcurrent below 1 is clamped to 1.
func New(maxConcurrent int) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	q := &Queue{
		maxConcurrent: maxConcurrent,
		active:        make(map[string]*supervisor.Attempt),
		tasks:         make(map[string]*taskRecord),
		log:           logging.New("taskqueue"),
	}
	q.sup = supervisor.New(q.forwardLog)
	return q
}

// Submit enqueues a task and returns its ID immediately. The task runs
// as soon as a concurrency slot frees up, in arrival order.
func (q *Queue) Submit(task Task) string {
	rec := newRecord(task)

	q.mu.Lock()
	q.tasks[rec.task.ID] = rec
	q.pending = append(q.pending, rec)
	q.mu.Unlock()

	q.log.WithTask(rec.task.ID).Debug("task_submitted", map[string]interface{}{
		"description": task.Description,
	})

	// Admission runs off the submitter's goroutine so a callback may
	// submit a follow-up task without re-entering the notify lock.
	go q.tryStartNext()
	return rec.task.ID
}

// SubmitWait enqueues a task and blocks the caller until it reaches a
// terminal state, returning the final exit code. Other subscribers are
// notified identically to the asynchronous path, and the concurrency
// bound still applies.
func (q *Queue) SubmitWait(task Task) (int, error) {
	id := q.Submit(task)

	q.mu.Lock()
	rec := q.tasks[id]
	q.mu.Unlock()

	<-rec.done

	q.mu.Lock()
	defer q.mu.Unlock()
	switch rec.status {
	case StatusSucceeded:
		return rec.exitCode, nil
	case StatusCancelled:
		return rec.exitCode, ErrCancelled
	default:
		return rec.exitCode, fmt.Errorf("task %s failed: %s", id, rec.failure)
	}
}

// Cancel stops a task. A queued task is removed without ever starting;
// a running task has its process terminated. Either way the task
// resolves to Cancelled, never Succeeded or Failed.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	rec, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownTask
	}
	if rec.status.Terminal() {
		q.mu.Unlock()
		return nil
	}

	rec.cancelled = true

	// Queued: remove from the pending line and resolve here.
	if rec.status == StatusQueued {
		for i, p := range q.pending {
			if p == rec {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
		rec.status = StatusCancelled
		rec.failure = ErrCancelled.Error()
		close(rec.done)
		q.mu.Unlock()

		q.notifyError(rec, -1, "task cancelled before execution")
		return nil
	}

	// Running: kill the attempt; the watcher resolves the task.
	attempt := q.active[taskID]
	q.mu.Unlock()

	if attempt != nil {
		attempt.Kill()
	}
	return nil
}

// CancelAll cancels every pending and active task.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	var ids []string
	for id, rec := range q.tasks {
		if !rec.status.Terminal() {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.Cancel(id)
	}
}

// Status reports a task's current lifecycle state.
func (q *Queue) Status(taskID string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.tasks[taskID]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// Attempts reports how many times a task has entered Running.
func (q *Queue) Attempts(taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec, ok := q.tasks[taskID]; ok {
		return rec.attempts
	}
	return 0
}

// ActiveCount reports how many tasks currently hold a live attempt.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// tryStartNext fills free concurrency slots from the front of the
// pending line. Called after submits and completions.
func (q *Queue) tryStartNext() {
	for {
		q.mu.Lock()
		if q.inFlight >= q.maxConcurrent || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		rec := q.pending[0]
		q.pending = q.pending[1:]
		rec.status = StatusRunning
		rec.attempts++
		attempt := rec.attempts
		q.inFlight++
		q.mu.Unlock()

		q.startAttempt(rec, attempt)
	}
}

func (q *Queue) startAttempt(rec *taskRecord, attempt int) {
	q.notifyStarted(rec, attempt)
	if rec.task.Description != "" {
		q.notifyLog(rec, "info", fmt.Sprintf("%s (attempt %d)", rec.task.Description, attempt))
	}

	// Cancelled between pop and launch: resolve without ever spawning.
	q.mu.Lock()
	if rec.cancelled {
		rec.status = StatusCancelled
		rec.failure = ErrCancelled.Error()
		close(rec.done)
		q.inFlight--
		q.mu.Unlock()

		q.notifyError(rec, -1, "task cancelled before execution")
		return
	}
	q.mu.Unlock()

	proc, err := q.sup.Launch(supervisor.Spec{
		TaskID:  rec.task.ID,
		Command: rec.task.Command,
		Dir:     rec.task.Dir,
		Env:     rec.task.Env,
	})
	if err != nil {
		// Launch failure: terminal immediately, never retried.
		q.mu.Lock()
		rec.status = StatusFailed
		rec.exitCode = -1
		rec.failure = err.Error()
		close(rec.done)
		q.inFlight--
		q.mu.Unlock()

		q.notifyError(rec, -1, err.Error())
		return
	}

	q.mu.Lock()
	q.active[rec.task.ID] = proc
	cancelled := rec.cancelled
	q.mu.Unlock()

	// Cancelled during the launch itself: Cancel saw no attempt to
	// kill, so kill here. The watcher resolves the task.
	if cancelled {
		proc.Kill()
	}

	go q.watch(rec, proc)
}

// watch resolves one attempt when its process exits.
func (q *Queue) watch(rec *taskRecord, proc *supervisor.Attempt) {
	status := proc.Wait()

	q.mu.Lock()
	delete(q.active, rec.task.ID)
	q.inFlight--
	cancelled := rec.cancelled || status.Killed

	switch {
	case cancelled:
		// Cancellation wins the race, even over a clean exit.
		rec.status = StatusCancelled
		rec.exitCode = status.Code
		rec.failure = ErrCancelled.Error()
		close(rec.done)
		q.mu.Unlock()
		q.notifyError(rec, status.Code, "task cancelled")

	case status.Code == 0:
		rec.status = StatusSucceeded
		rec.exitCode = 0
		close(rec.done)
		q.mu.Unlock()
		q.notifyFinished(rec, 0)

	case rec.attempts <= rec.task.Retries:
		// Budget remains: back to the end of the line.
		rec.status = StatusQueued
		q.mu.Unlock()
		q.notifyLog(rec, "warn", fmt.Sprintf(
			"command exited with code %d, retrying (attempt %d)", status.Code, rec.attempts+1))
		q.requeue(rec)

	default:
		rec.status = StatusFailed
		rec.exitCode = status.Code
		rec.failure = failureDetail(status.Code, proc.StderrTail())
		close(rec.done)
		q.mu.Unlock()
		q.notifyError(rec, status.Code, rec.failure)
	}

	q.tryStartNext()
}

func (q *Queue) requeue(rec *taskRecord) {
	enqueue := func() {
		q.mu.Lock()
		// Cancel resolves a queued record directly, including one
		// waiting out a backoff. If that already happened the record
		// is terminal and must not be touched again.
		if rec.status.Terminal() {
			q.mu.Unlock()
			return
		}
		// Cancelled while waiting out the backoff but not yet resolved.
		if rec.cancelled {
			rec.status = StatusCancelled
			rec.failure = ErrCancelled.Error()
			close(rec.done)
			q.mu.Unlock()
			q.notifyError(rec, -1, "task cancelled before execution")
			return
		}
		q.pending = append(q.pending, rec)
		q.mu.Unlock()
		q.tryStartNext()
	}

	if q.RetryDelay > 0 {
		time.AfterFunc(q.RetryDelay, enqueue)
		return
	}
	enqueue()
}

func failureDetail(exitCode int, stderrTail string) string {
	if stderrTail == "" {
		return fmt.Sprintf("command exited with code %d", exitCode)
	}
	return fmt.Sprintf("command exited with code %d: %s", exitCode, stderrTail)
}

// forwardLog bridges supervisor output lines to OnLog, mapping stderr
// to the error level the way the desktop flow colored its log window.
func (q *Queue) forwardLog(taskID string, stream supervisor.Stream, line string) {
	q.mu.Lock()
	rec, ok := q.tasks[taskID]
	q.mu.Unlock()
	if !ok {
		return
	}

	level := "info"
	if stream == supervisor.StreamStderr {
		level = "error"
	}
	q.notifyLog(rec, level, line)
}

// Notification helpers: serialized so `OnStarted` strictly precedes the
// same task's terminal notification from the observer's point of view.

func (q *Queue) notifyStarted(rec *taskRecord, attempt int) {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()
	if q.OnStarted != nil {
		q.OnStarted(rec.task.ID, attempt, rec.task.Metadata)
	}
}

func (q *Queue) notifyFinished(rec *taskRecord, exitCode int) {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()
	if q.OnFinished != nil {
		q.OnFinished(rec.task.ID, exitCode, rec.task.Metadata)
	}
}

func (q *Queue) notifyError(rec *taskRecord, exitCode int, message string) {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()
	if q.OnError != nil {
		q.OnError(rec.task.ID, exitCode, message, rec.task.Metadata)
	}
}

func (q *Queue) notifyLog(rec *taskRecord, level, line string) {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()
	if q.OnLog != nil {
		q.OnLog(rec.task.ID, level, line, rec.task.Metadata)
	}
}
