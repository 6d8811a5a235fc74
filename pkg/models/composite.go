package models

import (
	"time"

	"github.com/google/uuid"
)

// CompositeTask is a user request decomposed into dependent subtasks that
// share one consolidation branch.
type CompositeTask struct {
	// ID is the unique identifier for this composite task.
	ID string `json:"id"`
	// Title is the short description of the overall request.
	Title string `json:"title"`
	// Description provides detailed information about the request.
	Description string `json:"description,omitempty"`
	// AutoApprove enables incremental merging of completed subtasks into
	// the consolidation branch.
	AutoApprove bool `json:"auto_approve"`
	// Repo is the repository all subtasks operate on.
	Repo Repository `json:"repo"`
	// Batches is the execution plan: each batch is a set of subtask IDs
	// whose dependencies are satisfied by earlier batches.
	Batches [][]string `json:"batches"`
	// SubtaskIDs lists every subtask, in creation order.
	SubtaskIDs []string `json:"subtask_ids"`
	// PRURL is the final pull request opened from the consolidation
	// branch, once finalized.
	PRURL string `json:"pr_url,omitempty"`
	// CreatedAt is when the composite task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is set exactly once, when the composite is finalized.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewCompositeTask creates a composite task with a fresh ID.
func NewCompositeTask(title, description string, repo Repository) *CompositeTask {
	return &CompositeTask{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Repo:        repo,
		CreatedAt:   time.Now().UTC(),
	}
}

// ConsolidationBranch returns the integration branch that receives all
// subtask changes before the final pull request.
func (c *CompositeTask) ConsolidationBranch() string {
	return "adev/" + c.ID
}

// SubtaskBranch returns the working branch for a single subtask.
func (c *CompositeTask) SubtaskBranch(taskID string) string {
	return "adev/" + c.ID + "/" + taskID
}

// BatchIndex returns the batch a subtask belongs to, or -1 if the ID is
// not part of the plan.
func (c *CompositeTask) BatchIndex(taskID string) int {
	for i, batch := range c.Batches {
		for _, id := range batch {
			if id == taskID {
				return i
			}
		}
	}
	return -1
}
