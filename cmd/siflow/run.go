// Package main pipeline execution commands.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joss/siflow/internal/config"
	"github.com/joss/siflow/internal/pipeline"
)

// pipelineFlags are shared by the run and stage commands.
type pipelineFlags struct {
	concurrency int
	retries     int
	scriptsDir  string
	workDir     string
}

func (f *pipelineFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "Max simultaneous worker processes (0 = environment default)")
	cmd.Flags().IntVar(&f.retries, "retries", 0, "Retry budget per stage")
	cmd.Flags().StringVar(&f.scriptsDir, "scripts", "", "Directory holding stage worker scripts")
	cmd.Flags().StringVar(&f.workDir, "work-dir", "", "Root for session directories")
}

// resolve builds the effective environment and controller for one
// invocation. Flags win over SIFLOW_* variables.
func (f *pipelineFlags) resolve() (*pipeline.Controller, func(), error) {
	cfg := *config.Env()
	if f.scriptsDir != "" {
		cfg.ScriptsDir = f.scriptsDir
	}
	if f.workDir != "" {
		cfg.WorkDir = f.workDir
	}

	actions, err := pipeline.LoadActions(filepath.Join(cfg.ScriptsDir, "actions.json"))
	if err != nil {
		return nil, nil, err
	}

	store := openRunlog()
	cleanup := func() {}
	if store != nil {
		cleanup = func() { store.Close() }
	}

	c := pipeline.New(pipeline.Options{
		Concurrency: f.concurrency,
		Retries:     f.retries,
		Out:         newRenderer(),
		Runs:        store,
		Actions:     actions,
		Cfg:         &cfg,
	})
	return c, cleanup, nil
}

func runCmd() *cobra.Command {
	var flags pipelineFlags
	var stopAfter string

	cmd := &cobra.Command{
		Use:   "run <layout>",
		Short: "Run the full pipeline for a layout",
		Long: `Create a session directory for the layout, materialize the project
document and run every stage in order: import, ports, setup, solve,
loss, report. Interrupting with Ctrl-C cancels queued and running
workers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := flags.resolve()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			docPath, err := c.Run(ctx, args[0], stopAfter)
			if err != nil {
				return err
			}

			out := newRenderer()
			out.Info(fmt.Sprintf("Document: %s", docPath))
			if rp := c.ReportPath(); rp != "" {
				out.Info(fmt.Sprintf("Report:   %s", rp))
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&stopAfter, "stage", "", "Stop after this stage instead of running the whole flow")
	return cmd
}

func stageCmd() *cobra.Command {
	var flags pipelineFlags

	cmd := &cobra.Command{
		Use:   "stage <name> <document>",
		Short: "Run one stage against an existing project document",
		Long: `Submit a single stage for an existing session's document, blocking
until it ends. Stages that chain automatically (setup into solve, loss
into report) still chain.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := flags.resolve()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := c.RunStage(ctx, args[0], args[1]); err != nil {
				return err
			}
			if rp := c.ReportPath(); rp != "" {
				newRenderer().Info(fmt.Sprintf("Report: %s", rp))
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
