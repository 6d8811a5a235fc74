package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task and everything that depends on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.engine.CancelTask(cmd.Context(), args[0]); err != nil {
			return err
		}
		color.Yellow("Cancelled %s (and its dependents)", args[0])
		return nil
	},
}
