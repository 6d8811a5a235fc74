package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/load28/a-dev/pkg/models"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks <composite-id>",
	Short: "Show the subtasks and batch plan of a composite task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasks,
}

func runTasks(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	c, err := rt.engine.GetCompositeTask(args[0])
	if err != nil {
		return err
	}
	subtasks, err := rt.engine.ListSubtasks(c.ID)
	if err != nil {
		return err
	}
	byID := make(map[string]*models.Task, len(subtasks))
	for i := range subtasks {
		byID[subtasks[i].ID] = &subtasks[i]
	}

	color.New(color.Bold).Printf("%s\n", c.Title)
	fmt.Printf("consolidation branch: %s\n\n", c.ConsolidationBranch())

	for i, batch := range c.Batches {
		fmt.Printf("Batch %d\n", i+1)
		for _, id := range batch {
			t := byID[id]
			if t == nil {
				continue
			}
			fmt.Printf("  %s  %s  %s\n", t.ID[:8], statusLabel(t.Status), t.Title)
			if t.PRURL != "" {
				fmt.Printf("            %s\n", t.PRURL)
			}
			if t.Error != "" {
				fmt.Printf("            %s\n", color.RedString(t.Error))
			}
		}
	}
	return nil
}

func statusLabel(s models.TaskStatus) string {
	switch s {
	case models.StatusCompleted:
		return color.GreenString("%-22s", s)
	case models.StatusInProgress:
		return color.CyanString("%-22s", s)
	case models.StatusFailed:
		return color.RedString("%-22s", s)
	case models.StatusCancelled:
		return color.YellowString("%-22s", s)
	default:
		return fmt.Sprintf("%-22s", s)
	}
}
