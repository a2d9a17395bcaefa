// Package pipeline sequences signal-integrity stages over the task
// queue and event bus. The per-stage knowledge lives in a lookup table;
// the controller itself carries no stage-specific branches.
package pipeline

import (
	"github.com/joss/siflow/internal/config"
	"github.com/joss/siflow/internal/document"
	"github.com/joss/siflow/internal/eventbus"
)

// Stage names, in pipeline order.
const (
	StageImport = "import"
	StagePorts  = "ports"
	StageSetup  = "setup"
	StageSolve  = "solve"
	StageLoss   = "loss"
	StageReport = "report"
)

// StageOrder is the canonical full-pipeline sequence.
var StageOrder = []string{StageImport, StagePorts, StageSetup, StageSolve, StageLoss, StageReport}

// Rule describes one stage: which worker runs it, what the document
// must already contain, and what happens on success. Adding a stage
// means adding a rule, not editing the controller.
type Rule struct {
	// Script is the worker file name resolved under the scripts dir
	// unless an action spec overrides it.
	Script string

	// Description labels the stage in log lines and run history.
	Description string

	// RequiredKeys must be present in the document before the stage is
	// submitted. Missing keys fail the submission immediately.
	RequiredKeys []string

	// Next is auto-submitted when this stage succeeds ("" = none).
	Next string

	// Event is published on the bus when this stage succeeds.
	Event string

	// ExtraArgs builds the stage-specific arguments appended after the
	// document path.
	ExtraArgs func(doc document.Document, cfg *config.SiflowEnv) []string
}

// DefaultRules returns the built-in six-stage signal-integrity flow:
// layout import, port definition, solver setup, solver run, loss
// extraction, HTML report. Setup chains straight into solve and loss
// into report.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		StageImport: {
			Script:      "import.py",
			Description: "Importing layout",
			Event:       "import.completed",
			ExtraArgs: func(doc document.Document, cfg *config.SiflowEnv) []string {
				args := []string{doc.GetString("layout_path"), cfg.EdbVersion}
				if stackup := doc.GetString("stackup_path"); stackup != "" {
					args = append(args, stackup)
				}
				return args
			},
		},
		StagePorts: {
			Script:       "ports.py",
			Description:  "Defining ports",
			RequiredKeys: []string{"aedb_path"},
			Event:        "ports.completed",
			ExtraArgs: func(doc document.Document, cfg *config.SiflowEnv) []string {
				return []string{cfg.EdbVersion}
			},
		},
		StageSetup: {
			Script:       "setup.py",
			Description:  "Applying simulation settings",
			RequiredKeys: []string{"aedb_path", "ports"},
			Next:         StageSolve,
			Event:        "setup.completed",
		},
		StageSolve: {
			Script:       "solve.py",
			Description:  "Running simulation",
			RequiredKeys: []string{"aedb_path"},
			Event:        "solve.completed",
		},
		StageLoss: {
			Script:       "loss.py",
			Description:  "Extracting loss data",
			RequiredKeys: []string{"touchstone_path"},
			Next:         StageReport,
			Event:        "loss.completed",
		},
		StageReport: {
			Script:       "report.py",
			Description:  "Generating HTML report",
			RequiredKeys: []string{"loss"},
			Event:        "report.completed",
		},
	}
}

// controllerPublisher identifies the controller on the event bus.
const controllerPublisher = "controller"

// Bus event names outside the per-stage completion events.
const (
	EventLog    = "pipeline.log"
	EventFailed = "pipeline.failed"
)

// DefaultAuthorization grants the controller its completion, log and
// failure events. Other publishers get nothing until registered.
func DefaultAuthorization() eventbus.AuthorizationTable {
	events := []string{EventLog, EventFailed}
	for _, rule := range DefaultRules() {
		events = append(events, rule.Event)
	}
	return eventbus.AuthorizationTable{controllerPublisher: events}
}
