// Package models defines the core task types shared across a-dev.
package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// StatusPending indicates the task was just created.
	StatusPending TaskStatus = "pending"
	// StatusWaitingDependencies indicates the task is waiting for its
	// dependencies to complete.
	StatusWaitingDependencies TaskStatus = "waiting_dependencies"
	// StatusReady indicates every dependency is completed and the task is
	// eligible for dispatch.
	StatusReady TaskStatus = "ready"
	// StatusInProgress indicates an execution request has been issued.
	StatusInProgress TaskStatus = "in_progress"
	// StatusCompleted indicates the task finished successfully.
	StatusCompleted TaskStatus = "completed"
	// StatusFailed indicates the task finished with an error.
	StatusFailed TaskStatus = "failed"
	// StatusCancelled indicates the task was cancelled before completion.
	StatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusWaitingDependencies, StatusReady,
		StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transition is allowed from this status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle transition. Terminal states absorb; cancellation is reachable
// from any non-terminal state.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusWaitingDependencies || next == StatusReady
	case StatusWaitingDependencies:
		return next == StatusReady
	case StatusReady:
		return next == StatusInProgress
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// TaskKind distinguishes standalone tasks from subtasks of a composite.
type TaskKind string

const (
	// KindSimple is a standalone task with no parent composite.
	KindSimple TaskKind = "simple"
	// KindSubtask is a task owned by a composite task.
	KindSubtask TaskKind = "subtask"
)

// Repository identifies the target repository for a task's changes.
type Repository struct {
	// Owner is the repository owner or organization.
	Owner string `json:"owner"`
	// Name is the repository name.
	Name string `json:"name"`
}

// String returns the owner/name form.
func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// Task represents an atomic unit of work producing at most one pull request.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// CompositeID is the ID of the owning composite task, if any.
	CompositeID string `json:"composite_id,omitempty"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Prompt is the instruction passed to the execution worker.
	Prompt string `json:"prompt"`
	// Kind distinguishes simple tasks from composite subtasks.
	Kind TaskKind `json:"kind"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// Dependencies lists sibling task IDs that must complete first.
	Dependencies []string `json:"dependencies,omitempty"`
	// Repo is the repository the task operates on.
	Repo Repository `json:"repo"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task was dispatched, if it has been.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// PRURL is the pull request produced by the worker, if any.
	PRURL string `json:"pr_url,omitempty"`
	// WorkflowRunID is the execution handle returned by the worker.
	WorkflowRunID string `json:"workflow_run_id,omitempty"`
	// Error contains the failure message if the task failed.
	Error string `json:"error,omitempty"`
	// AutoApprove mirrors the owning composite's auto-approve flag.
	AutoApprove bool `json:"auto_approve,omitempty"`
}

// NewTask creates a pending simple task with a fresh ID.
func NewTask(title, description, prompt string) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Prompt:      prompt,
		Kind:        KindSimple,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// DependsOn reports whether the task directly depends on the given ID.
func (t *Task) DependsOn(id string) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}
