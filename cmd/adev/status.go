package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/load28/a-dev/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show composite tasks and overall task counts",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	stats, err := rt.engine.Statistics()
	if err != nil {
		return fmt.Errorf("collect statistics: %w", err)
	}

	if stats.Total == 0 {
		fmt.Println("No tasks. Run 'adev run <request>' to start.")
		return nil
	}

	bold := color.New(color.Bold)
	bold.Println("Tasks")
	for _, status := range []models.TaskStatus{
		models.StatusPending, models.StatusWaitingDependencies, models.StatusReady,
		models.StatusInProgress, models.StatusCompleted, models.StatusFailed,
		models.StatusCancelled,
	} {
		n := stats.ByStatus[status]
		if n == 0 {
			continue
		}
		fmt.Printf("  %-22s %d\n", status, n)
	}
	fmt.Printf("  %-22s %d\n", "total", stats.Total)

	composites, err := rt.db.ListCompositeTasks()
	if err != nil {
		return fmt.Errorf("list composite tasks: %w", err)
	}
	if len(composites) == 0 {
		return nil
	}

	fmt.Println()
	bold.Println("Composite tasks")
	for _, c := range composites {
		state := color.YellowString("running")
		if c.CompletedAt != nil {
			state = color.GreenString("done")
		}
		fmt.Printf("  %s  %s  %s  %s\n",
			c.ID[:8], state, c.CreatedAt.Local().Format(time.DateTime), c.Title)
		if c.PRURL != "" {
			fmt.Printf("            %s\n", c.PRURL)
		}
	}
	return nil
}
