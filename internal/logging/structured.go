// Package logging provides structured JSON logging for siflow components.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event represents a structured log event
type Event struct {
	Timestamp string                 `json:"ts"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component"`
	Event     string                 `json:"event"`
	Task      string                 `json:"task,omitempty"`
	Stage     string                 `json:"stage,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// Logger provides structured logging
type Logger struct {
	component string
	task      string
	stage     string
	out       io.Writer
}

// New creates a new logger for a component
func New(component string) *Logger {
	return &Logger{component: component, out: os.Stderr}
}

// WithTask sets the task context
func (l *Logger) WithTask(task string) *Logger {
	c := *l
	c.task = task
	return &c
}

// WithStage sets the pipeline stage context
func (l *Logger) WithStage(stage string) *Logger {
	c := *l
	c.stage = stage
	return &c
}

// WithOutput redirects log emission (for testing)
func (l *Logger) WithOutput(w io.Writer) *Logger {
	c := *l
	c.out = w
	return &c
}

func (l *Logger) log(level Level, event string, extra map[string]interface{}, err error) {
	e := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Component: l.component,
		Event:     event,
		Task:      l.task,
		Stage:     l.stage,
		Extra:     extra,
	}

	if err != nil {
		e.Error = err.Error()
	}

	data, _ := json.Marshal(e)
	fmt.Fprintln(l.out, string(data))
}

// Debug logs a debug event
func (l *Logger) Debug(event string, extra map[string]interface{}) {
	l.log(LevelDebug, event, extra, nil)
}

// Info logs an info event
func (l *Logger) Info(event string, extra map[string]interface{}) {
	l.log(LevelInfo, event, extra, nil)
}

// Warn logs a warning event
func (l *Logger) Warn(event string, extra map[string]interface{}) {
	l.log(LevelWarn, event, extra, nil)
}

// Error logs an error event
func (l *Logger) Error(event string, err error, extra map[string]interface{}) {
	l.log(LevelError, event, extra, err)
}
