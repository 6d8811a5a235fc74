package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/load28/a-dev/internal/store"
	"github.com/load28/a-dev/pkg/models"
)

// ReceiveCallback processes the result of a subtask execution. The whole
// reduction runs under the composite's lock, so callbacks for the same
// composite are strictly serialized no matter how they arrive. Duplicate
// and out-of-order callbacks reduce to a no-op: a task already in a
// terminal state absorbs any further callback without side effects.
func (e *Engine) ReceiveCallback(ctx context.Context, cb models.ExecutionCallback) (models.ReducerAction, error) {
	if cb.CompositeTaskID == "" {
		return e.receiveSimpleCallback(ctx, cb)
	}

	mu := e.lockFor(cb.CompositeTaskID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.GetCompositeTask(cb.CompositeTaskID)
	if err != nil {
		return models.ActionNone, err
	}

	settled, err := e.settleTask(c, cb)
	if err != nil {
		return models.ActionNone, err
	}
	if settled == nil {
		// Duplicate or out-of-order delivery.
		e.emit(Event{Type: EventDuplicateCallback, TaskID: cb.TaskID, CompositeID: c.ID})
		return models.ActionNone, nil
	}

	if !cb.Success {
		if err := e.cascadeCancel(c, settled.ID, cb.Error); err != nil {
			return models.ActionNone, err
		}
	}

	action, err := e.nextAction(c)
	if err != nil {
		return models.ActionNone, err
	}

	switch action {
	case models.ActionAdvanceBatch:
		e.emit(Event{Type: EventBatchAdvanced, CompositeID: c.ID})
		if _, err := e.dispatchEligible(ctx, c); err != nil {
			return action, err
		}
	case models.ActionFinalize:
		if err := e.finalize(c); err != nil {
			return action, err
		}
	}
	return action, nil
}

// settleTask applies the callback outcome to the task. It returns the
// updated task, or nil when the callback is a duplicate or arrived for a
// task that was never dispatched.
func (e *Engine) settleTask(c *models.CompositeTask, cb models.ExecutionCallback) (*models.Task, error) {
	target := models.StatusCompleted
	if !cb.Success {
		target = models.StatusFailed
	}

	t, err := e.store.TransitionTask(cb.TaskID, target, func(task *models.Task) {
		now := time.Now().UTC()
		task.CompletedAt = &now
		if cb.Success {
			task.PRURL = cb.PRURL
		} else {
			task.Error = cb.Error
		}
	})
	if err != nil {
		var cerr *store.ConsistencyError
		if errors.As(err, &cerr) {
			debugLog("[engine] ignoring callback for task %s in state %s", cb.TaskID, cerr.From)
			return nil, nil
		}
		return nil, err
	}

	if cb.Success {
		if err := e.store.AppendLog(t.ID, "completed", cb.PRURL); err != nil {
			debugLog("[engine] append log for %s failed: %v", t.ID, err)
		}
		e.emit(Event{Type: EventTaskCompleted, TaskID: t.ID, CompositeID: c.ID, Message: t.Title})
		if c.AutoApprove && e.consolidator != nil {
			if err := e.consolidator.MergeSubtask(c, t); err != nil {
				debugLog("[engine] merging subtask %s failed: %v", t.ID, err)
				e.emit(Event{Type: EventTaskFailed, TaskID: t.ID, CompositeID: c.ID,
					Error: fmt.Sprintf("merge: %v", err)})
			} else {
				e.emit(Event{Type: EventSubtaskMerged, TaskID: t.ID, CompositeID: c.ID})
			}
		}
	} else {
		if err := e.store.AppendLog(t.ID, "failed", cb.Error); err != nil {
			debugLog("[engine] append log for %s failed: %v", t.ID, err)
		}
		e.emit(Event{Type: EventTaskFailed, TaskID: t.ID, CompositeID: c.ID, Error: cb.Error})
	}
	return t, nil
}

// cascadeCancel cancels every transitive dependent of the given task that
// has not yet reached a terminal state. Tasks outside the dependent set,
// including in-progress siblings, are untouched.
func (e *Engine) cascadeCancel(c *models.CompositeTask, rootID, reason string) error {
	tasks, err := e.store.ListTasksByComposite(c.ID)
	if err != nil {
		return err
	}

	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	seen := map[string]bool{rootID: true}
	queue := append([]string(nil), dependents[rootID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, dependents[id]...)

		_, err := e.store.TransitionTask(id, models.StatusCancelled, func(task *models.Task) {
			now := time.Now().UTC()
			task.CompletedAt = &now
			task.Error = fmt.Sprintf("cancelled: dependency %s did not complete", rootID)
		})
		if err != nil {
			var cerr *store.ConsistencyError
			if errors.As(err, &cerr) {
				// Already terminal.
				continue
			}
			return err
		}
		if reason != "" {
			if err := e.store.AppendLog(id, "cancelled", reason); err != nil {
				debugLog("[engine] append log for %s failed: %v", id, err)
			}
		}
		e.emit(Event{Type: EventTaskCancelled, TaskID: id, CompositeID: c.ID})
	}
	return nil
}

// nextAction decides what the processed callback unlocked: finalization
// when every subtask is terminal, a batch advance when the open batch is
// fully settled, otherwise nothing.
func (e *Engine) nextAction(c *models.CompositeTask) (models.ReducerAction, error) {
	tasks, err := e.store.ListTasksByComposite(c.ID)
	if err != nil {
		return models.ActionNone, err
	}
	byID := make(map[string]*models.Task, len(tasks))
	allTerminal := true
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
		if !tasks[i].Status.Terminal() {
			allTerminal = false
		}
	}
	if allTerminal {
		return models.ActionFinalize, nil
	}

	open := openBatch(c, byID)
	if open < 0 {
		return models.ActionNone, nil
	}
	// The open batch advanced if it contains a task whose dependencies
	// are all satisfied but which has not started yet.
	for _, id := range c.Batches[open] {
		t := byID[id]
		if t == nil {
			continue
		}
		if (t.Status == models.StatusWaitingDependencies || t.Status == models.StatusReady) &&
			depsCompleted(t, byID) {
			return models.ActionAdvanceBatch, nil
		}
	}
	return models.ActionNone, nil
}

// CancelTask cancels a task administratively and cascades the
// cancellation to its transitive dependents. Cancelling an already
// terminal task is an error.
func (e *Engine) CancelTask(ctx context.Context, taskID string) error {
	t, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}

	lockID := t.CompositeID
	if lockID == "" {
		lockID = t.ID
	}
	mu := e.lockFor(lockID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := e.store.TransitionTask(taskID, models.StatusCancelled, func(task *models.Task) {
		now := time.Now().UTC()
		task.CompletedAt = &now
	}); err != nil {
		return err
	}
	if err := e.store.AppendLog(taskID, "cancelled", "cancelled by operator"); err != nil {
		debugLog("[engine] append log for %s failed: %v", taskID, err)
	}
	e.emit(Event{Type: EventTaskCancelled, TaskID: taskID, CompositeID: t.CompositeID})

	if t.CompositeID == "" {
		return nil
	}
	c, err := e.store.GetCompositeTask(t.CompositeID)
	if err != nil {
		return err
	}
	if err := e.cascadeCancel(c, taskID, "cancelled by operator"); err != nil {
		return err
	}

	action, err := e.nextAction(c)
	if err != nil {
		return err
	}
	switch action {
	case models.ActionAdvanceBatch:
		e.emit(Event{Type: EventBatchAdvanced, CompositeID: c.ID})
		_, err := e.dispatchEligible(ctx, c)
		return err
	case models.ActionFinalize:
		return e.finalize(c)
	}
	return nil
}

// receiveSimpleCallback settles a standalone task.
func (e *Engine) receiveSimpleCallback(_ context.Context, cb models.ExecutionCallback) (models.ReducerAction, error) {
	mu := e.lockFor(cb.TaskID)
	mu.Lock()
	defer mu.Unlock()

	target := models.StatusCompleted
	if !cb.Success {
		target = models.StatusFailed
	}
	t, err := e.store.TransitionTask(cb.TaskID, target, func(task *models.Task) {
		now := time.Now().UTC()
		task.CompletedAt = &now
		task.PRURL = cb.PRURL
		task.Error = cb.Error
	})
	if err != nil {
		var cerr *store.ConsistencyError
		if errors.As(err, &cerr) {
			e.emit(Event{Type: EventDuplicateCallback, TaskID: cb.TaskID})
			return models.ActionNone, nil
		}
		return models.ActionNone, err
	}
	if cb.Success {
		e.emit(Event{Type: EventTaskCompleted, TaskID: t.ID, Message: t.Title})
	} else {
		e.emit(Event{Type: EventTaskFailed, TaskID: t.ID, Error: cb.Error})
	}
	return models.ActionNone, nil
}
