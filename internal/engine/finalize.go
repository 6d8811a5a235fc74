package engine

import (
	"fmt"
	"time"

	"github.com/load28/a-dev/pkg/models"
)

// finalize closes out a composite task once every subtask is terminal.
// CompletedAt is set exactly once; a composite that already carries it
// absorbs further finalize attempts without side effects. A pull request
// is opened only when at least one subtask completed; its URL is
// recorded on the composite. Caller must hold the composite lock.
func (e *Engine) finalize(c *models.CompositeTask) error {
	if c.CompletedAt != nil {
		debugLog("[engine] composite %s already finalized", c.ID)
		return nil
	}

	tasks, err := e.store.ListTasksByComposite(c.ID)
	if err != nil {
		return err
	}
	var completed []models.Task
	for _, t := range tasks {
		if t.Status == models.StatusCompleted {
			completed = append(completed, t)
		}
	}

	if len(completed) > 0 && e.consolidator != nil {
		url, err := e.consolidator.OpenPullRequest(c, completed)
		if err != nil {
			// Finalization still proceeds; the terminal state of the
			// composite does not depend on the pull request.
			debugLog("[engine] opening pull request for %s failed: %v", c.ID, err)
		} else {
			c.PRURL = url
		}
	}

	now := time.Now().UTC()
	c.CompletedAt = &now
	if err := e.store.UpdateCompositeTask(c); err != nil {
		return fmt.Errorf("finalize composite %s: %w", c.ID, err)
	}

	msg := fmt.Sprintf("%d/%d subtasks completed", len(completed), len(tasks))
	debugLog("[engine] finalized composite %s: %s", c.ID, msg)
	e.emit(Event{Type: EventCompositeFinalized, CompositeID: c.ID, Message: msg})
	return nil
}
