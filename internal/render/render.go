// Package render provides output formatting for terminal consumption.
package render

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/joss/siflow/internal/runlog"
)

// Renderer handles output formatting.
type Renderer struct {
	pretty bool
	out    io.Writer

	mu sync.Mutex
}

// New creates a new renderer writing to out.
func New(out io.Writer, pretty bool) *Renderer {
	return &Renderer{pretty: pretty, out: out}
}

// StageStarted announces a stage launch.
func (r *Renderer) StageStarted(stage, description string, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	retry := ""
	if attempt > 1 {
		retry = fmt.Sprintf(" (attempt %d)", attempt)
	}
	if r.pretty {
		fmt.Fprintf(r.out, "%s %s%s\n", color.CyanString("▶"), description, retry)
	} else {
		fmt.Fprintf(r.out, "start %s%s\n", stage, retry)
	}
}

// StageFinished announces a successful stage completion.
func (r *Renderer) StageFinished(stage, description string, dur time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pretty {
		fmt.Fprintf(r.out, "%s %s %s\n", color.GreenString("✓"), description, color.HiBlackString("(%.1fs)", dur.Seconds()))
	} else {
		fmt.Fprintf(r.out, "done %s (%.1fs)\n", stage, dur.Seconds())
	}
}

// StageFailed announces a terminal stage failure.
func (r *Renderer) StageFailed(stage, description, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pretty {
		fmt.Fprintf(r.out, "%s %s: %s\n", color.RedString("✗"), description, detail)
	} else {
		fmt.Fprintf(r.out, "failed %s: %s\n", stage, detail)
	}
}

// WorkerLine prints one line of worker output, tagged with its stage.
func (r *Renderer) WorkerLine(stage, level, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tag := fmt.Sprintf("[%s]", stage)
	if r.pretty {
		tag = color.HiBlackString(tag)
		if level == "error" {
			line = color.RedString(line)
		}
	}
	fmt.Fprintf(r.out, "%s %s\n", tag, line)
}

// Info prints an informational line.
func (r *Renderer) Info(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pretty {
		fmt.Fprintln(r.out, color.CyanString(msg))
	} else {
		fmt.Fprintln(r.out, msg)
	}
}

// Runs formats run history, newest first.
func (r *Renderer) Runs(runs []runlog.Run) string {
	if len(runs) == 0 {
		return "No runs recorded"
	}

	var sb strings.Builder

	if r.pretty {
		sb.WriteString(color.CyanString("Recent Runs\n"))
		sb.WriteString(strings.Repeat("─", 60) + "\n")
	}

	for _, run := range runs {
		r.formatRun(&sb, run)
	}
	return sb.String()
}

func (r *Renderer) formatRun(sb *strings.Builder, run runlog.Run) {
	status := run.Status
	if r.pretty {
		switch run.Status {
		case "completed":
			status = color.GreenString("✓")
		case "failed":
			status = color.RedString("✗")
		case "cancelled":
			status = color.YellowString("∅")
		default:
			status = color.HiBlackString("…")
		}
	}

	durStr := ""
	if run.DurationMs > 0 {
		durStr = fmt.Sprintf(" (%.1fs)", float64(run.DurationMs)/1000)
	}

	if r.pretty {
		fmt.Fprintf(sb, "%s %s %s  %d/%d tasks%s\n",
			status, color.HiBlackString(run.CreatedAt), run.Description,
			run.Succeeded, run.TaskCount, durStr)
	} else {
		fmt.Fprintf(sb, "[%s] %s %s %d/%d%s\n",
			run.CreatedAt, status, run.Description, run.Succeeded, run.TaskCount, durStr)
	}
}
