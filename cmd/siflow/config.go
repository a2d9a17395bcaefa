// Package main settings commands backed by the per-user state store.
package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joss/siflow/internal/statestore"
)

// settingsScope is the state store scope holding global CLI settings.
const settingsScope = "global"

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write persistent settings",
	}

	getCmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Show one setting, or all settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := statestore.New()
			if err != nil {
				return err
			}

			settings := store.Load(settingsScope)
			if len(args) == 0 {
				data, err := json.MarshalIndent(settings, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			value, ok := settings[args[0]]
			if !ok {
				return fmt.Errorf("setting %q not found", args[0])
			}
			fmt.Println(value)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := statestore.New()
			if err != nil {
				return err
			}
			return store.Set(settingsScope, args[0], args[1])
		},
	}

	cmd.AddCommand(getCmd, setCmd)
	return cmd
}
