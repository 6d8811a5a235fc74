package main

import (
	"github.com/spf13/cobra"

	"github.com/load28/a-dev/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch <composite-id>",
	Short: "Watch a composite task run in a live view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()
		return watchComposite(rt, args[0])
	},
}

// storeLoader feeds the watch TUI from the task store.
type storeLoader struct {
	rt          *runtime
	compositeID string
}

func (l *storeLoader) Load() (*tui.Snapshot, error) {
	c, err := l.rt.engine.GetCompositeTask(l.compositeID)
	if err != nil {
		return nil, err
	}
	subtasks, err := l.rt.engine.ListSubtasks(l.compositeID)
	if err != nil {
		return nil, err
	}
	return &tui.Snapshot{Composite: c, Subtasks: subtasks}, nil
}

func watchComposite(rt *runtime, compositeID string) error {
	loader := &storeLoader{rt: rt, compositeID: compositeID}
	return tui.Watch(loader, rt.engine.Events(), rt.cfg.TUI.RefreshRate)
}
