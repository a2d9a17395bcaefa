// Package main provides the siflow CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/joss/siflow/internal/config"
	"github.com/joss/siflow/internal/render"
	"github.com/joss/siflow/internal/runlog"
)

var (
	version = "0.1.0"
	pretty  = true
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "siflow",
		Short: "Signal-integrity pipeline automation",
		Long: `siflow drives a PCB signal-integrity flow through external worker
processes: layout import, port definition, solver setup, solver run,
loss extraction and HTML report generation. Stages share a single
project document and run under a bounded process queue.

Use 'siflow run <layout>' for the full flow, 'siflow stage' to rerun
one stage against an existing document.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty",
		term.IsTerminal(int(os.Stdout.Fd())), "Colorized output")

	rootCmd.AddCommand(
		runCmd(),
		stageCmd(),
		runsCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRenderer() *render.Renderer {
	return render.New(os.Stdout, pretty)
}

// openRunlog opens the run history store. History is best-effort: a
// broken database degrades to an unrecorded run, not a failed one.
func openRunlog() *runlog.Store {
	store, err := runlog.Open(config.GetPaths().Data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Warning: run history unavailable:", err)
		return nil
	}
	return store
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("siflow %s\n", version)
		},
	}
}
