// Package supervisor spawns and watches one OS process per task attempt.
// It owns the process handle, forwards stdout/stderr line-by-line to a
// log sink, and guarantees the process (and its children where the
// platform supports grouping) dies with the attempt.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/joss/siflow/internal/logging"
)

// Stream identifies which output stream a log line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LogSink receives output lines as the process writes them, tagged with
// the owning task identifier so consumers can demultiplex.
type LogSink func(taskID string, stream Stream, line string)

// Spec describes one process launch.
type Spec struct {
	TaskID  string
	Command []string          // executable + argument vector
	Dir     string            // working directory ("" = inherit)
	Env     map[string]string // merged over the inherited environment
}

// ExitStatus is the terminal report for an attempt.
type ExitStatus struct {
	Code   int
	Killed bool // terminated via Kill, not by its own exit
}

// Supervisor launches process attempts.
type Supervisor struct {
	sink LogSink
	log  *logging.Logger
}

// New creates a supervisor forwarding output lines to sink.
// A nil sink discards output.
func New(sink LogSink) *Supervisor {
	if sink == nil {
		sink = func(string, Stream, string) {}
	}
	return &Supervisor{sink: sink, log: logging.New("supervisor")}
}

// Attempt is one spawned process tied to exactly one task attempt.
type Attempt struct {
	taskID string

	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	killed bool
	status ExitStatus
	tail   *tailBuffer
}

// Launch spawns the process described by spec. The returned Attempt is
// already running; a failure to start (missing executable, permission
// denied) is reported here and is terminal.
func (s *Supervisor) Launch(spec Spec) (*Attempt, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("launch %s: empty command", spec.TaskID)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launch %s: stdout pipe: %w", spec.TaskID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("launch %s: stderr pipe: %w", spec.TaskID, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.TaskID, err)
	}

	a := &Attempt{
		taskID: spec.TaskID,
		cmd:    cmd,
		done:   make(chan struct{}),
		tail:   newTailBuffer(tailMaxLines, tailMaxBytes),
	}

	s.log.WithTask(spec.TaskID).Debug("process_started", map[string]interface{}{
		"pid":     cmd.Process.Pid,
		"command": strings.Join(spec.Command, " "),
	})

	var readers sync.WaitGroup
	readers.Add(2)
	go a.forward(&readers, s.sink, StreamStdout, stdout)
	go a.forward(&readers, s.sink, StreamStderr, stderr)

	go func() {
		readers.Wait()
		err := cmd.Wait()

		a.mu.Lock()
		a.status = ExitStatus{Code: exitCode(err), Killed: a.killed}
		a.mu.Unlock()
		close(a.done)
	}()

	return a, nil
}

// forward streams one pipe to the sink, one line at a time, in write
// order. Stderr lines are also retained in the bounded tail.
func (a *Attempt) forward(wg *sync.WaitGroup, sink LogSink, stream Stream, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if stream == StreamStderr {
			a.tail.add(line)
		}
		sink(a.taskID, stream, line)
	}
}

// Wait blocks until the process exits and returns its terminal status.
func (a *Attempt) Wait() ExitStatus {
	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Done is closed when the process has exited.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Kill terminates the process and, where the platform allows, its
// process group. Once requested, the attempt resolves as Killed even
// if the process was about to exit on its own.
func (a *Attempt) Kill() {
	a.mu.Lock()
	a.killed = true
	a.mu.Unlock()

	killGroup(a.cmd)
}

// StderrTail returns the bounded tail of captured stderr, newest last.
func (a *Attempt) StderrTail() string {
	return a.tail.String()
}

// Pid returns the OS process id of the attempt.
func (a *Attempt) Pid() int {
	return a.cmd.Process.Pid
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func mergedEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return nil // inherit as-is
	}
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
