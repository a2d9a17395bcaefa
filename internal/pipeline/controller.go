package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joss/siflow/internal/config"
	"github.com/joss/siflow/internal/document"
	"github.com/joss/siflow/internal/eventbus"
	"github.com/joss/siflow/internal/logging"
	"github.com/joss/siflow/internal/render"
	"github.com/joss/siflow/internal/runlog"
	"github.com/joss/siflow/internal/taskqueue"
)

// reportMarker is printed by the report worker ahead of the generated
// file's path.
const reportMarker = "HTML report generated at: "

// Options configures a Controller.
type Options struct {
	// Concurrency bounds simultaneously running workers. Zero falls
	// back to the environment setting.
	Concurrency int

	// Retries is the per-stage retry budget.
	Retries int

	// Bus receives stage completion, log and failure events. Nil gets
	// a bus with the default authorization table.
	Bus *eventbus.Bus

	// Out renders human-facing progress. Nil gets a plain renderer on
	// stderr.
	Out *render.Renderer

	// Runs records run history. Optional.
	Runs *runlog.Store

	// Actions overrides per-stage worker invocation.
	Actions map[string]ActionSpec

	// Rules replaces the built-in stage table. Nil gets DefaultRules.
	Rules map[string]Rule

	// Cfg is the environment configuration. Nil gets config.Env().
	Cfg *config.SiflowEnv
}

// Controller sequences pipeline stages. It subscribes to the queue's
// lifecycle callbacks and decides, from the stage table and the
// current document, which stage runs next. One Controller drives one
// run.
type Controller struct {
	queue   *taskqueue.Queue
	bus     *eventbus.Bus
	out     *render.Renderer
	log     *logging.Logger
	runs    *runlog.Store
	cfg     *config.SiflowEnv
	rules   map[string]Rule
	actions map[string]ActionSpec
	retries int

	mu         sync.Mutex
	docPath    string
	stopAfter  string
	chainAll   bool
	reportPath string
	runID      string
	starts     map[string]time.Time
	logFile    *os.File

	err      error
	done     chan struct{}
	doneOnce sync.Once
}

// New builds a Controller and wires it to a fresh task queue.
func New(opts Options) *Controller {
	cfg := opts.Cfg
	if cfg == nil {
		cfg = config.Env()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = cfg.MaxConcurrent
	}

	c := &Controller{
		queue:   taskqueue.New(concurrency),
		bus:     opts.Bus,
		out:     opts.Out,
		log:     logging.New("pipeline"),
		runs:    opts.Runs,
		cfg:     cfg,
		rules:   opts.Rules,
		actions: opts.Actions,
		retries: opts.Retries,
		starts:  make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	if c.bus == nil {
		c.bus = eventbus.New(DefaultAuthorization())
	}
	if c.out == nil {
		c.out = render.New(os.Stderr, false)
	}
	if c.rules == nil {
		c.rules = DefaultRules()
	}
	if c.actions == nil {
		c.actions = map[string]ActionSpec{}
	}

	c.queue.OnStarted = c.handleStarted
	c.queue.OnFinished = c.handleFinished
	c.queue.OnError = c.handleError
	c.queue.OnLog = c.handleLog
	return c
}

// Bus returns the event bus the controller publishes on, so callers
// can subscribe to completion events.
func (c *Controller) Bus() *eventbus.Bus { return c.bus }

// ReportPath returns the generated HTML report path, if any.
func (c *Controller) ReportPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reportPath
}

// Run executes the full pipeline for a layout: creates a session,
// materializes the project document and chains every stage through
// stopAfter ("" = the whole flow). Blocks until the run ends or ctx is
// cancelled. Returns the session's document path.
func (c *Controller) Run(ctx context.Context, layoutPath, stopAfter string) (string, error) {
	if stopAfter != "" {
		if _, ok := c.rules[stopAfter]; !ok {
			return "", fmt.Errorf("unknown stage %q", stopAfter)
		}
	}

	workRoot := c.cfg.WorkDir
	if workRoot == "" {
		workRoot = config.GetPaths().Sessions
	}
	session, err := NewSession(workRoot, layoutPath, c.cfg.EdbVersion)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.docPath = session.DocumentPath
	c.stopAfter = stopAfter
	c.chainAll = true
	c.mu.Unlock()
	c.openProjectLog()

	design := session.documentBase()
	c.startRunRecord(ctx, design+" pipeline")
	c.out.Info(fmt.Sprintf("Session: %s", session.Dir))
	c.log.Info("run_started", map[string]interface{}{"session": session.Dir, "layout": layoutPath})

	started := time.Now()
	if err := c.submitStage(StageImport); err != nil {
		c.completeRunRecord(ctx, "failed", time.Since(started))
		c.closeProjectLog()
		return session.DocumentPath, err
	}

	err = c.wait(ctx)
	c.completeRunRecord(ctx, runStatus(err), time.Since(started))
	c.closeProjectLog()
	return session.DocumentPath, err
}

// RunStage executes a single stage against an existing document,
// blocking until it (and any stage it auto-chains into) ends.
func (c *Controller) RunStage(ctx context.Context, stage, docPath string) error {
	if _, ok := c.rules[stage]; !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}

	c.mu.Lock()
	c.docPath = docPath
	c.chainAll = false
	c.mu.Unlock()
	c.openProjectLog()

	c.startRunRecord(ctx, stage+" stage")

	started := time.Now()
	if err := c.submitStage(stage); err != nil {
		c.completeRunRecord(ctx, "failed", time.Since(started))
		c.closeProjectLog()
		return err
	}

	err := c.wait(ctx)
	c.completeRunRecord(ctx, runStatus(err), time.Since(started))
	c.closeProjectLog()
	return err
}

func (c *Controller) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		c.queue.CancelAll()
		c.finish(ctx.Err())
		<-c.done
		return c.err
	}
}

func runStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, context.Canceled) || errors.Is(err, taskqueue.ErrCancelled):
		return "cancelled"
	default:
		return "failed"
	}
}

// submitStage validates the document against the stage's required
// keys, resolves the worker invocation and hands the task to the
// queue.
func (c *Controller) submitStage(stage string) error {
	rule, ok := c.rules[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}

	c.mu.Lock()
	docPath := c.docPath
	c.mu.Unlock()

	doc, err := document.Read(docPath)
	if err != nil {
		return fmt.Errorf("stage %s: %w", stage, err)
	}
	if missing := doc.MissingKeys(rule.RequiredKeys...); len(missing) > 0 {
		return fmt.Errorf("stage %s: document missing required keys: %s",
			stage, strings.Join(missing, ", "))
	}

	spec := c.actions[stage]
	script := spec.Script
	if script == "" {
		script = filepath.Join(c.cfg.ScriptsDir, rule.Script)
	}

	command := []string{c.cfg.Interpreter, script, docPath}
	if rule.ExtraArgs != nil {
		command = append(command, rule.ExtraArgs(doc, c.cfg)...)
	}
	command = append(command, spec.Args...)

	dir := spec.Dir
	if dir == "" {
		dir = filepath.Dir(docPath)
	}

	taskID := c.queue.Submit(taskqueue.Task{
		Command:      command,
		Dir:          dir,
		Env:          spec.Env,
		DocumentPath: docPath,
		Retries:      c.retries,
		Description:  rule.Description,
		Metadata:     map[string]any{"stage": stage},
	})
	c.log.WithStage(stage).WithTask(taskID).Info("stage_submitted", map[string]interface{}{
		"command": strings.Join(command, " "),
	})
	return nil
}

func (c *Controller) handleStarted(taskID string, attempt int, meta map[string]any) {
	stage := metaStage(meta)
	rule := c.rules[stage]

	c.mu.Lock()
	if _, seen := c.starts[taskID]; !seen {
		c.starts[taskID] = time.Now()
	}
	c.mu.Unlock()

	c.out.StageStarted(stage, rule.Description, attempt)
}

func (c *Controller) handleFinished(taskID string, exitCode int, meta map[string]any) {
	stage := metaStage(meta)
	rule := c.rules[stage]
	dur := c.taskDuration(taskID)

	c.recordResult(taskID, stage, true, exitCode, "", dur)
	c.out.StageFinished(stage, rule.Description, dur)

	if err := c.harvestArtifacts(stage); err != nil {
		c.fail(stage, -1, err.Error(), err)
		return
	}

	c.mu.Lock()
	docPath := c.docPath
	stopAfter := c.stopAfter
	chainAll := c.chainAll
	c.mu.Unlock()

	if err := c.bus.Publish(controllerPublisher, rule.Event, map[string]any{
		"stage":    stage,
		"document": docPath,
	}); err != nil {
		c.log.WithStage(stage).Error("publish_failed", err, nil)
	}

	if stage == stopAfter {
		c.finish(nil)
		return
	}

	next := rule.Next
	if next == "" && chainAll {
		next = successor(stage)
	}
	if next == "" {
		c.finish(nil)
		return
	}
	if err := c.submitStage(next); err != nil {
		c.fail(next, -1, err.Error(), err)
	}
}

func (c *Controller) handleError(taskID string, exitCode int, message string, meta map[string]any) {
	stage := metaStage(meta)
	dur := c.taskDuration(taskID)

	c.recordResult(taskID, stage, false, exitCode, message, dur)

	var cause error
	if status, ok := c.queue.Status(taskID); ok && status == taskqueue.StatusCancelled {
		cause = taskqueue.ErrCancelled
	}
	c.fail(stage, exitCode, message, cause)
}

func (c *Controller) handleLog(taskID string, level, line string, meta map[string]any) {
	stage := metaStage(meta)

	c.out.WorkerLine(stage, level, line)
	c.appendProjectLog(fmt.Sprintf("[%s] %s", stage, line))

	if idx := strings.Index(line, reportMarker); idx >= 0 {
		c.mu.Lock()
		c.reportPath = strings.TrimSpace(line[idx+len(reportMarker):])
		c.mu.Unlock()
	}

	if err := c.bus.Publish(controllerPublisher, EventLog, map[string]any{
		"stage": stage,
		"level": level,
		"line":  line,
	}); err != nil {
		c.log.WithStage(stage).Error("publish_failed", err, nil)
	}
}

// fail surfaces a stage failure once and ends the run. Dependent
// stages are never submitted past a failure; the document is left
// as-is for inspection and manual retry. A non-nil cause is wrapped
// into the run error so callers can branch on sentinels.
func (c *Controller) fail(stage string, exitCode int, detail string, cause error) {
	rule := c.rules[stage]
	c.out.StageFailed(stage, rule.Description, detail)
	c.appendProjectLog(fmt.Sprintf("[%s] FAILED: %s", stage, detail))

	if err := c.bus.Publish(controllerPublisher, EventFailed, map[string]any{
		"stage":     stage,
		"exit_code": exitCode,
		"detail":    detail,
	}); err != nil {
		c.log.WithStage(stage).Error("publish_failed", err, nil)
	}

	if cause != nil {
		c.finish(fmt.Errorf("stage %s: %w", stage, cause))
		return
	}
	c.finish(fmt.Errorf("stage %s: %s", stage, detail))
}

func (c *Controller) finish(err error) {
	c.doneOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

// harvestArtifacts runs after a stage's worker has exited, so the
// read-modify-write below never races the worker's own document
// write.
func (c *Controller) harvestArtifacts(stage string) error {
	c.mu.Lock()
	docPath := c.docPath
	reportPath := c.reportPath
	c.mu.Unlock()

	if stage != StageSolve && stage != StageReport {
		return nil
	}

	doc, err := document.Read(docPath)
	if err != nil {
		return err
	}
	sessionDir := filepath.Dir(docPath)
	changed := false

	if stage == StageSolve && doc.GetString("touchstone_path") == "" {
		if found := findArtifact(sessionDir, touchstonePattern); found != "" {
			doc["touchstone_path"] = found
			changed = true
		}
	}
	if stage == StageReport {
		if reportPath == "" {
			reportPath = findArtifact(sessionDir, reportPattern)
			c.mu.Lock()
			c.reportPath = reportPath
			c.mu.Unlock()
		}
		if reportPath != "" && doc.GetString("report_path") != reportPath {
			doc["report_path"] = reportPath
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return document.Write(docPath, doc)
}

func (c *Controller) taskDuration(taskID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	started, ok := c.starts[taskID]
	if !ok {
		return 0
	}
	return time.Since(started)
}

func (c *Controller) startRunRecord(ctx context.Context, description string) {
	if c.runs == nil {
		return
	}
	c.mu.Lock()
	docPath := c.docPath
	c.mu.Unlock()

	runID, err := c.runs.StartRun(ctx, description, docPath)
	if err != nil {
		c.log.Error("runlog_start_failed", err, nil)
		return
	}
	c.mu.Lock()
	c.runID = runID
	c.mu.Unlock()
}

func (c *Controller) recordResult(taskID, stage string, success bool, exitCode int, detail string, dur time.Duration) {
	if c.runs == nil {
		return
	}
	c.mu.Lock()
	runID := c.runID
	c.mu.Unlock()
	if runID == "" {
		return
	}

	err := c.runs.RecordTaskResult(context.Background(), runID, runlog.TaskResult{
		TaskID:     taskID,
		Stage:      stage,
		Attempts:   c.queue.Attempts(taskID),
		Success:    success,
		ExitCode:   exitCode,
		Detail:     detail,
		DurationMs: dur.Milliseconds(),
	})
	if err != nil {
		c.log.WithStage(stage).Error("runlog_record_failed", err, nil)
	}
}

func (c *Controller) completeRunRecord(ctx context.Context, status string, dur time.Duration) {
	if c.runs == nil {
		return
	}
	c.mu.Lock()
	runID := c.runID
	c.mu.Unlock()
	if runID == "" {
		return
	}
	if err := c.runs.CompleteRun(ctx, runID, status, dur); err != nil {
		c.log.Error("runlog_complete_failed", err, nil)
	}
}

// openProjectLog opens <document-basename>.log next to the document
// for appending. Every surfaced worker line lands there.
func (c *Controller) openProjectLog() {
	c.mu.Lock()
	defer c.mu.Unlock()

	base := strings.TrimSuffix(c.docPath, filepath.Ext(c.docPath))
	f, err := os.OpenFile(base+".log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		c.log.Error("project_log_open_failed", err, nil)
		return
	}
	c.logFile = f
}

func (c *Controller) appendProjectLog(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logFile == nil {
		return
	}
	fmt.Fprintf(c.logFile, "%s %s\n", time.Now().Format(time.RFC3339), line)
}

func (c *Controller) closeProjectLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logFile != nil {
		c.logFile.Close()
		c.logFile = nil
	}
}

func metaStage(meta map[string]any) string {
	stage, _ := meta["stage"].(string)
	return stage
}

// successor returns the stage after s in the canonical order, or "".
func successor(s string) string {
	for i, stage := range StageOrder {
		if stage == s && i+1 < len(StageOrder) {
			return StageOrder[i+1]
		}
	}
	return ""
}

// documentBase is the design name the session was created for.
func (s *Session) documentBase() string {
	return strings.TrimSuffix(filepath.Base(s.LayoutPath), filepath.Ext(s.LayoutPath))
}
