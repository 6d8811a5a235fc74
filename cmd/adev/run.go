package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/load28/a-dev/internal/decompose"
	"github.com/load28/a-dev/internal/engine"
	"github.com/load28/a-dev/internal/graph"
	"github.com/load28/a-dev/internal/llm"
	"github.com/load28/a-dev/internal/plan"
	"github.com/load28/a-dev/internal/worker"
	"github.com/load28/a-dev/pkg/models"
)

var (
	runPlanFile    string
	runRepo        string
	runAutoApprove bool
	runHeadless    bool
)

var runCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Decompose a request and orchestrate its subtasks",
	Long: `Run a development request as a composite task.

The request is decomposed into dependent subtasks (by the model, or
loaded from a plan file with --plan), validated as a dependency graph,
planned into execution batches, and orchestrated: each batch runs
concurrently, the next batch opens when the current one settles.

With --auto-approve, completed subtasks are merged into the
consolidation branch as they finish. When all subtasks settle, a draft
pull request is opened from the consolidation branch.

Examples:
  adev run "Add a settings page with persistence"
  adev run --plan plan.yaml
  adev run --repo myorg/myrepo --auto-approve "Fix the login flow"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "Load subtasks from a YAML plan file instead of decomposing")
	runCmd.Flags().StringVar(&runRepo, "repo", "", "Target repository as owner/name")
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "Merge completed subtasks into the consolidation branch automatically")
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Run without the watch TUI")
}

func runRun(cmd *cobra.Command, args []string) error {
	if runPlanFile == "" && len(args) == 0 {
		return fmt.Errorf("provide a request or --plan")
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	req, err := buildRequest(cmd.Context(), rt, args)
	if err != nil {
		return err
	}

	c, err := rt.engine.CreateCompositeTask(*req)
	if err != nil {
		var gerrs graph.Errors
		if errors.As(err, &gerrs) {
			color.Red("Decomposition graph is invalid:")
			for _, ge := range gerrs {
				fmt.Printf("  - %s\n", ge.Error())
			}
			return fmt.Errorf("invalid subtask graph")
		}
		return err
	}

	color.Green("Created composite task %s", c.ID)
	fmt.Printf("  %d subtasks in %d batches\n", len(c.SubtaskIDs), len(c.Batches))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Callbacks arrive as files dropped by worker processes.
	watcher, err := worker.NewWatcher(rt.cfg.Worker.CallbackDir, func(cb models.ExecutionCallback) {
		if _, err := rt.engine.ReceiveCallback(ctx, cb); err != nil {
			fmt.Fprintf(os.Stderr, "callback for %s: %v\n", cb.TaskID, err)
		}
	}, func(path string, err error) {
		fmt.Fprintf(os.Stderr, "callback file %s: %v\n", path, err)
	})
	if err != nil {
		return fmt.Errorf("watch callbacks: %w", err)
	}
	watcher.Start()
	defer watcher.Stop()

	dispatched, err := rt.engine.Orchestrate(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("orchestrate: %w", err)
	}
	fmt.Printf("  dispatched %d task(s)\n", len(dispatched))

	if runHeadless {
		return waitHeadless(ctx, rt, c.ID)
	}
	return watchComposite(rt, c.ID)
}

// buildRequest produces the composite request from a plan file or by
// model decomposition.
func buildRequest(ctx context.Context, rt *runtime, args []string) (*engine.CompositeRequest, error) {
	var req *engine.CompositeRequest
	if runPlanFile != "" {
		loaded, err := plan.Load(runPlanFile)
		if err != nil {
			return nil, err
		}
		req = loaded
	} else {
		client, err := llm.NewClient(llm.ClientConfig{
			Model:         anthropic.Model(rt.cfg.Anthropic.Model),
			APIKey:        rt.cfg.Anthropic.APIKey,
			UseAWSBedrock: rt.cfg.Anthropic.UseAWSBedrock,
			AWSRegion:     rt.cfg.Anthropic.AWSRegion,
			AWSProfile:    rt.cfg.Anthropic.AWSProfile,
		})
		if err != nil {
			return nil, err
		}

		fmt.Println("Decomposing request...")
		specs, err := decompose.New(client).Decompose(ctx, args[0])
		if err != nil {
			return nil, err
		}
		req = &engine.CompositeRequest{
			Title:    args[0],
			Subtasks: specs,
		}
	}

	if runRepo != "" {
		owner, name, ok := strings.Cut(runRepo, "/")
		if !ok {
			return nil, fmt.Errorf("--repo must be owner/name, got %q", runRepo)
		}
		req.Repo = models.Repository{Owner: owner, Name: name}
	}
	if runAutoApprove {
		req.AutoApprove = true
	}
	return req, nil
}

// waitHeadless blocks until the composite finalizes, printing engine
// events as they arrive. Completion is decided by polling the store;
// the event stream is display only, since events are dropped when the
// channel is full.
func waitHeadless(ctx context.Context, rt *runtime, compositeID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	finished := func() (bool, error) {
		c, err := rt.engine.GetCompositeTask(compositeID)
		if err != nil {
			return false, err
		}
		if c.CompletedAt == nil {
			return false, nil
		}
		if c.PRURL != "" {
			color.Green("Pull request: %s", c.PRURL)
		}
		return true, nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-rt.engine.Events():
			printEvent(ev)
			if ev.Type == engine.EventCompositeFinalized && ev.CompositeID == compositeID {
				done, err := finished()
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		case <-ticker.C:
			done, err := finished()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func printEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventTaskCompleted, engine.EventSubtaskMerged, engine.EventCompositeFinalized:
		color.Green("%s %s %s", ev.Type, ev.TaskID, ev.Message)
	case engine.EventTaskFailed:
		color.Red("%s %s %s", ev.Type, ev.TaskID, ev.Error)
	case engine.EventTaskCancelled:
		color.Yellow("%s %s", ev.Type, ev.TaskID)
	default:
		fmt.Printf("%s %s %s\n", ev.Type, ev.TaskID, ev.Message)
	}
}
