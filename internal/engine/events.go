// Package engine coordinates composite-task execution: it plans batches,
// dispatches work exactly once per task, reduces execution callbacks into
// task state, and finalizes consolidation.
package engine

import "time"

// EventType represents the type of engine event.
type EventType string

const (
	// EventCompositeCreated indicates a composite task was validated,
	// planned, and persisted.
	EventCompositeCreated EventType = "composite_created"
	// EventTaskDispatched indicates an execution request was issued.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskCancelled indicates a task was cancelled.
	EventTaskCancelled EventType = "task_cancelled"
	// EventDuplicateCallback indicates a callback arrived for an already
	// terminal task and was ignored.
	EventDuplicateCallback EventType = "duplicate_callback"
	// EventBatchAdvanced indicates the next batch was opened.
	EventBatchAdvanced EventType = "batch_advanced"
	// EventSubtaskMerged indicates a completed subtask was merged into
	// the consolidation branch.
	EventSubtaskMerged EventType = "subtask_merged"
	// EventCompositeFinalized indicates the composite was consolidated
	// and its final pull request opened.
	EventCompositeFinalized EventType = "composite_finalized"
)

// Event represents an event emitted by the engine. Observers (CLI, TUI,
// HTTP server) consume these to track progress.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// CompositeID is the ID of the related composite task, if applicable.
	CompositeID string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error string
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
