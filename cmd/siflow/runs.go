// Package main run history commands.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func runsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := openRunlog()
			if store == nil {
				return fmt.Errorf("run history unavailable")
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Println(newRenderer().Runs(runs))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Max runs to show")
	return cmd
}
