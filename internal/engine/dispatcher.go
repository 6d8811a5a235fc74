package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/load28/a-dev/internal/worker"
	"github.com/load28/a-dev/pkg/models"
)

// Orchestrate begins execution of a composite task: it ensures the
// consolidation branch exists and dispatches the first batch. Subsequent
// batches are driven by callbacks. It returns the IDs of the tasks that
// were handed to the worker; a non-nil error means at least one eligible
// task could not be dispatched and a later Orchestrate must retry it.
func (e *Engine) Orchestrate(ctx context.Context, compositeID string) ([]string, error) {
	mu := e.lockFor(compositeID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.GetCompositeTask(compositeID)
	if err != nil {
		return nil, err
	}
	if e.consolidator != nil {
		if err := e.consolidator.EnsureConsolidationBranch(c); err != nil {
			return nil, fmt.Errorf("ensure consolidation branch: %w", err)
		}
	}
	return e.dispatchEligible(ctx, c)
}

// dispatchEligible dispatches every eligible task of the open batch and
// returns the dispatched IDs. The open batch is the lowest-indexed batch
// that still contains a non-terminal task; no task of a later batch is
// ever dispatched while it stays open. A task is eligible when it is
// Ready and every dependency is Completed. Dispatch failures do not stop
// the sweep; they are joined and returned so the caller can surface
// them, with the failed tasks reverted to Ready for a retry. Caller must
// hold the composite lock.
func (e *Engine) dispatchEligible(ctx context.Context, c *models.CompositeTask) ([]string, error) {
	tasks, err := e.store.ListTasksByComposite(c.ID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	open := openBatch(c, byID)
	if open < 0 {
		return nil, nil
	}

	var dispatched []string
	var errs []error
	for _, id := range c.Batches[open] {
		t := byID[id]
		if t == nil || !depsCompleted(t, byID) {
			continue
		}
		if t.Status == models.StatusWaitingDependencies {
			promoted, err := e.store.TransitionTask(t.ID, models.StatusReady, nil)
			if err != nil {
				errs = append(errs, fmt.Errorf("promote %s: %w", t.ID, err))
				continue
			}
			*t = *promoted
		}
		if t.Status != models.StatusReady {
			continue
		}
		if err := e.dispatchTask(ctx, c, t); err != nil {
			debugLog("[engine] dispatch of %s failed: %v", t.ID, err)
			errs = append(errs, err)
			continue
		}
		dispatched = append(dispatched, t.ID)
	}
	return dispatched, errors.Join(errs...)
}

// openBatch returns the index of the lowest batch with a non-terminal
// member, or -1 when all batches are settled.
func openBatch(c *models.CompositeTask, byID map[string]*models.Task) int {
	for i, batch := range c.Batches {
		for _, id := range batch {
			t := byID[id]
			if t != nil && !t.Status.Terminal() {
				return i
			}
		}
	}
	return -1
}

// depsCompleted reports whether every dependency of t is Completed.
func depsCompleted(t *models.Task, byID map[string]*models.Task) bool {
	for _, dep := range t.Dependencies {
		d := byID[dep]
		if d == nil || d.Status != models.StatusCompleted {
			return false
		}
	}
	return true
}

// dispatchTask moves a task to InProgress and hands it to the worker.
// The Ready -> InProgress transition is the exactly-once gate: a second
// attempt fails the transition and never reaches the worker. A
// synchronous dispatch failure reverts the task to Ready so it can be
// retried; the failure is not treated as an execution failure.
func (e *Engine) dispatchTask(ctx context.Context, c *models.CompositeTask, t *models.Task) error {
	claimed, err := e.store.TransitionTask(t.ID, models.StatusInProgress, func(task *models.Task) {
		now := time.Now().UTC()
		task.StartedAt = &now
	})
	if err != nil {
		return err
	}

	req := worker.DispatchRequest{
		TaskID:          claimed.ID,
		CompositeTaskID: c.ID,
		Title:           claimed.Title,
		Prompt:          claimed.Prompt,
		RepoOwner:       claimed.Repo.Owner,
		RepoName:        claimed.Repo.Name,
		BaseBranch:      c.ConsolidationBranch(),
		WorkBranch:      c.SubtaskBranch(claimed.ID),
		TargetBranch:    c.ConsolidationBranch(),
	}
	runID, err := e.worker.Dispatch(ctx, req)
	if err != nil {
		// Revert the claim. InProgress -> Ready is outside the normal
		// state machine, so this writes the task back directly instead
		// of going through TransitionTask.
		claimed.Status = models.StatusReady
		claimed.StartedAt = nil
		if uerr := e.store.UpdateTask(claimed); uerr != nil {
			return fmt.Errorf("dispatch failed (%v) and revert failed: %w", err, uerr)
		}
		return fmt.Errorf("dispatch task %s: %w", t.ID, err)
	}

	if runID != "" {
		claimed.WorkflowRunID = runID
		if err := e.store.UpdateTask(claimed); err != nil {
			debugLog("[engine] recording run id for %s failed: %v", claimed.ID, err)
		}
	}
	if err := e.store.AppendLog(claimed.ID, "dispatched", fmt.Sprintf("run %s", runID)); err != nil {
		debugLog("[engine] append log for %s failed: %v", claimed.ID, err)
	}
	e.emit(Event{Type: EventTaskDispatched, TaskID: claimed.ID, CompositeID: c.ID,
		Message: claimed.Title})
	return nil
}

// DispatchSimpleTask runs a standalone task outside any composite. The
// task must exist and be Pending or Ready.
func (e *Engine) DispatchSimpleTask(ctx context.Context, taskID string) error {
	mu := e.lockFor(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if t.Status == models.StatusPending {
		if _, err := e.store.TransitionTask(t.ID, models.StatusReady, nil); err != nil {
			return err
		}
	}
	claimed, err := e.store.TransitionTask(t.ID, models.StatusInProgress, func(task *models.Task) {
		now := time.Now().UTC()
		task.StartedAt = &now
	})
	if err != nil {
		return err
	}
	req := worker.DispatchRequest{
		TaskID:     claimed.ID,
		Title:      claimed.Title,
		Prompt:     claimed.Prompt,
		RepoOwner:  claimed.Repo.Owner,
		RepoName:   claimed.Repo.Name,
		BaseBranch: e.baseBranch,
		WorkBranch: "adev/task/" + claimed.ID,
	}
	runID, err := e.worker.Dispatch(ctx, req)
	if err != nil {
		claimed.Status = models.StatusReady
		claimed.StartedAt = nil
		if uerr := e.store.UpdateTask(claimed); uerr != nil {
			return fmt.Errorf("dispatch failed (%v) and revert failed: %w", err, uerr)
		}
		return fmt.Errorf("dispatch task %s: %w", taskID, err)
	}
	if runID != "" {
		claimed.WorkflowRunID = runID
		if err := e.store.UpdateTask(claimed); err != nil {
			debugLog("[engine] recording run id for %s failed: %v", claimed.ID, err)
		}
	}
	e.emit(Event{Type: EventTaskDispatched, TaskID: claimed.ID, Message: claimed.Title})
	return nil
}

// CreateSimpleTask persists a standalone task in Pending.
func (e *Engine) CreateSimpleTask(title, description, prompt string, repo models.Repository) (*models.Task, error) {
	t := models.NewTask(title, description, prompt)
	t.Repo = repo
	if err := e.store.CreateTask(t); err != nil {
		return nil, err
	}
	return t, nil
}
