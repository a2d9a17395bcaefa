package taskqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// collector records queue notifications for assertions.
type collector struct {
	mu       sync.Mutex
	started  []string // taskID per OnStarted
	finished map[string]int
	errored  map[string]string
	logs     []string
	doneCh   chan string
}

func newCollector() *collector {
	return &collector{
		finished: make(map[string]int),
		errored:  make(map[string]string),
		doneCh:   make(chan string, 64),
	}
}

func (c *collector) wire(q *Queue) {
	q.OnStarted = func(taskID string, attempt int, meta map[string]any) {
		c.mu.Lock()
		c.started = append(c.started, taskID)
		c.mu.Unlock()
	}
	q.OnFinished = func(taskID string, exitCode int, meta map[string]any) {
		c.mu.Lock()
		c.finished[taskID] = exitCode
		c.mu.Unlock()
		c.doneCh <- taskID
	}
	q.OnError = func(taskID string, exitCode int, message string, meta map[string]any) {
		c.mu.Lock()
		c.errored[taskID] = message
		c.mu.Unlock()
		c.doneCh <- taskID
	}
	q.OnLog = func(taskID, level, line string, meta map[string]any) {
		c.mu.Lock()
		c.logs = append(c.logs, level+": "+line)
		c.mu.Unlock()
	}
}

func (c *collector) waitTerminal(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.doneCh:
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for terminal notification %d of %d", i+1, n)
		}
	}
}

func (c *collector) startCount(taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, id := range c.started {
		if id == taskID {
			n++
		}
	}
	return n
}

func shTask(script string) Task {
	return Task{Command: []string{"sh", "-c", script}}
}

func TestSubmitSuccess(t *testing.T) {
	q := New(1)
	c := newCollector()
	c.wire(q)

	id := q.Submit(shTask("exit 0"))
	c.waitTerminal(t, 1)

	status, ok := q.Status(id)
	if !ok || status != StatusSucceeded {
		t.Fatalf("status = %v, ok = %v", status, ok)
	}
	if c.finished[id] != 0 {
		t.Errorf("exit code = %d", c.finished[id])
	}
	if got := c.startCount(id); got != 1 {
		t.Errorf("OnStarted fired %d times", got)
	}
}

func TestSubmitWaitBlocksUntilTerminal(t *testing.T) {
	q := New(1)
	c := newCollector()
	c.wire(q)

	code, err := q.SubmitWait(shTask("exit 0"))
	if err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d", code)
	}
	// Subscribers were notified identically to the async path.
	c.waitTerminal(t, 1)
}

func TestSubmitWaitFailure(t *testing.T) {
	q := New(1)
	newCollector().wire(q)

	code, err := q.SubmitWait(shTask("echo doom >&2; exit 7"))
	if err == nil {
		t.Fatal("expected error")
	}
	if code != 7 {
		t.Errorf("exit code = %d", code)
	}
}

func TestConcurrencyBoundNeverExceeded(t *testing.T) {
	const bound = 2
	q := New(bound)
	c := newCollector()
	c.wire(q)

	var peak int32

	// Sample active count while tasks run.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			n := int32(q.ActiveCount())
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < 6; i++ {
		q.Submit(shTask("sleep 0.1"))
	}
	c.waitTerminal(t, 6)
	close(stop)

	if p := atomic.LoadInt32(&peak); p > bound {
		t.Errorf("observed %d simultaneous attempts, bound %d", p, bound)
	}
}

func TestFIFOStartOrderWithBoundOne(t *testing.T) {
	q := New(1)
	c := newCollector()
	c.wire(q)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, q.Submit(shTask("sleep 0.05")))
	}
	c.waitTerminal(t, 3)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.started) != 3 {
		t.Fatalf("started %d tasks", len(c.started))
	}
	for i, id := range ids {
		if c.started[i] != id {
			t.Errorf("start %d = %s, want %s (submission order)", i, c.started[i], id)
		}
	}
}

func TestRetryThenSucceed(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "attempted")

	q := New(1)
	c := newCollector()
	c.wire(q)

	// Exits 1 on the first attempt, 0 on the second.
	script := fmt.Sprintf("if [ -e %s ]; then exit 0; else touch %s; exit 1; fi", marker, marker)
	id := q.Submit(Task{Command: []string{"sh", "-c", script}, Retries: 1})
	c.waitTerminal(t, 1)

	if got := c.startCount(id); got != 2 {
		t.Errorf("OnStarted fired %d times, want 2", got)
	}
	if code, ok := c.finished[id]; !ok || code != 0 {
		t.Errorf("finished[%s] = %d, ok = %v", id, code, ok)
	}
	if status, _ := q.Status(id); status != StatusSucceeded {
		t.Errorf("status = %v", status)
	}
}

func TestRetryBudgetExhausts(t *testing.T) {
	const budget = 2
	q := New(1)
	c := newCollector()
	c.wire(q)

	id := q.Submit(Task{Command: []string{"sh", "-c", "echo nope >&2; exit 5"}, Retries: budget})
	c.waitTerminal(t, 1)

	// R+1 total attempts, then Failed terminal.
	if got := c.startCount(id); got != budget+1 {
		t.Errorf("attempts = %d, want %d", got, budget+1)
	}
	if status, _ := q.Status(id); status != StatusFailed {
		t.Errorf("status = %v", status)
	}
	msg := c.errored[id]
	if msg == "" {
		t.Fatal("no OnError")
	}
	// Failure detail carries exit code and stderr tail.
	if want := "exited with code 5"; !contains(msg, want) {
		t.Errorf("error %q missing %q", msg, want)
	}
	if !contains(msg, "nope") {
		t.Errorf("error %q missing stderr tail", msg)
	}
}

func TestLaunchFailureIsTerminalWithoutRetry(t *testing.T) {
	q := New(1)
	c := newCollector()
	c.wire(q)

	id := q.Submit(Task{Command: []string{"/no/such/binary"}, Retries: 3})
	c.waitTerminal(t, 1)

	if got := c.startCount(id); got != 1 {
		t.Errorf("OnStarted fired %d times, want 1 (no retry on launch failure)", got)
	}
	if status, _ := q.Status(id); status != StatusFailed {
		t.Errorf("status = %v", status)
	}
}

func TestCancelQueuedTaskNeverStarts(t *testing.T) {
	q := New(1)
	c := newCollector()
	c.wire(q)

	blocker := q.Submit(shTask("sleep 5"))
	waiting := q.Submit(shTask("exit 0"))

	// Let the blocker occupy the slot.
	deadline := time.Now().Add(2 * time.Second)
	for q.ActiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := q.Cancel(waiting); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	c.waitTerminal(t, 1) // the cancellation notification

	if status, _ := q.Status(waiting); status != StatusCancelled {
		t.Errorf("status = %v", status)
	}
	if got := c.startCount(waiting); got != 0 {
		t.Errorf("cancelled queued task started %d times", got)
	}

	q.Cancel(blocker)
	c.waitTerminal(t, 1)
}

func TestCancelRunningTaskResolvesCancelled(t *testing.T) {
	q := New(1)
	c := newCollector()
	c.wire(q)

	id := q.Submit(shTask("sleep 30"))

	deadline := time.Now().Add(2 * time.Second)
	for q.ActiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := q.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	c.waitTerminal(t, 1)

	if status, _ := q.Status(id); status != StatusCancelled {
		t.Errorf("status = %v, want cancelled", status)
	}
	if _, ok := c.finished[id]; ok {
		t.Error("cancelled task reported OnFinished")
	}
}

func TestCancelUnknownTask(t *testing.T) {
	q := New(1)
	if err := q.Cancel("nope"); err != ErrUnknownTask {
		t.Errorf("err = %v", err)
	}
}

func TestCancelAll(t *testing.T) {
	q := New(1)
	c := newCollector()
	c.wire(q)

	q.Submit(shTask("sleep 30"))
	q.Submit(shTask("sleep 30"))
	q.Submit(shTask("sleep 30"))

	deadline := time.Now().Add(2 * time.Second)
	for q.ActiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	q.CancelAll()
	c.waitTerminal(t, 3)

	if n := q.ActiveCount(); n != 0 {
		t.Errorf("%d attempts still active", n)
	}
}

func TestLogLinesTaggedAndOrdered(t *testing.T) {
	q := New(1)

	var mu sync.Mutex
	perTask := make(map[string][]string)
	done := make(chan struct{})

	q.OnLog = func(taskID, level, line string, meta map[string]any) {
		mu.Lock()
		perTask[taskID] = append(perTask[taskID], line)
		mu.Unlock()
	}
	q.OnFinished = func(taskID string, exitCode int, meta map[string]any) { done <- struct{}{} }
	q.OnError = func(taskID string, exitCode int, message string, meta map[string]any) { done <- struct{}{} }

	id := q.Submit(shTask("echo a; echo b; echo c"))
	<-done

	mu.Lock()
	defer mu.Unlock()
	got := perTask[id]
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("lines = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMetadataPassedThroughOpaquely(t *testing.T) {
	q := New(1)
	done := make(chan map[string]any, 1)
	q.OnFinished = func(taskID string, exitCode int, meta map[string]any) { done <- meta }

	q.Submit(Task{
		Command:  []string{"true"},
		Metadata: map[string]any{"type": "solve", "origin": "simulation_tab"},
	})

	meta := <-done
	if meta["type"] != "solve" || meta["origin"] != "simulation_tab" {
		t.Errorf("metadata = %v", meta)
	}
}

func TestRetryScenarioDocumentReflectsSecondAttempt(t *testing.T) {
	// Spec scenario: retry budget 1, first attempt exits 1, second
	// writes the document and exits 0.
	dir := t.TempDir()
	marker := filepath.Join(dir, "attempted")
	doc := filepath.Join(dir, "project.json")

	q := New(1)
	c := newCollector()
	c.wire(q)

	script := fmt.Sprintf(
		`if [ -e %s ]; then echo '{"attempt":"second"}' > %s; exit 0; else echo '{"attempt":"first"}' > %s; touch %s; exit 1; fi`,
		marker, doc, doc, marker)
	id := q.Submit(Task{Command: []string{"sh", "-c", script}, Retries: 1, DocumentPath: doc})
	c.waitTerminal(t, 1)

	if got := c.startCount(id); got != 2 {
		t.Errorf("OnStarted fired %d times", got)
	}
	data, err := os.ReadFile(doc)
	if err != nil {
		t.Fatalf("read doc: %v", err)
	}
	if !contains(string(data), "second") {
		t.Errorf("document = %s, want second attempt's writes", data)
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}

func TestSingleSlotAdmissionNeverOverlaps(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "lock")
	viol := filepath.Join(dir, "violations")

	q := New(1)
	c := newCollector()
	c.wire(q)

	// Each worker takes a directory lock for its lifetime. If two
	// attempts ever run at once, the second records a violation.
	script := fmt.Sprintf(
		`if ! mkdir %q 2>/dev/null; then echo overlap >> %q; exit 1; fi; sleep 0.05; rmdir %q`,
		lock, viol, lock)
	for i := 0; i < 6; i++ {
		q.Submit(shTask(script))
	}
	c.waitTerminal(t, 6)

	if data, err := os.ReadFile(viol); err == nil && len(data) > 0 {
		t.Fatalf("bound 1 violated: %d workers observed another worker holding the lock",
			strings.Count(string(data), "overlap"))
	}
}

func TestCancelDuringRetryBackoff(t *testing.T) {
	q := New(1)
	q.RetryDelay = 300 * time.Millisecond
	c := newCollector()
	c.wire(q)

	id := q.Submit(Task{Command: []string{"sh", "-c", "exit 1"}, Retries: 3})

	// Wait for the first attempt to fail into the backoff window.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if st, _ := q.Status(id); st == StatusQueued && q.Attempts(id) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never entered the retry backoff window")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := q.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	c.waitTerminal(t, 1)

	if st, _ := q.Status(id); st != StatusCancelled {
		t.Fatalf("status = %s, want %s", st, StatusCancelled)
	}

	// Let the delayed re-queue fire; it must neither start another
	// attempt nor resolve the task a second time.
	time.Sleep(400 * time.Millisecond)
	if got := c.startCount(id); got != 1 {
		t.Errorf("attempts started = %d, want 1", got)
	}
	if st, _ := q.Status(id); st != StatusCancelled {
		t.Errorf("status after backoff = %s, want %s", st, StatusCancelled)
	}
}

func TestCancelDuringAdmissionLeavesNoProcess(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")

	q := New(1)
	c := newCollector()
	c.wire(q)

	// Cancel lands somewhere between submission and launch; whichever
	// window it hits, the task resolves Cancelled and the worker never
	// survives to leave its artifact.
	id := q.Submit(shTask(fmt.Sprintf("sleep 0.2 && touch %q", marker)))
	if err := q.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	c.waitTerminal(t, 1)

	if st, _ := q.Status(id); st != StatusCancelled {
		t.Fatalf("status = %s, want %s", st, StatusCancelled)
	}

	time.Sleep(300 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Error("cancelled task's worker kept running and created its artifact")
	}
}
