package models

// ExecutionCallback is the asynchronous notification of a task's terminal
// outcome, delivered out-of-band by the execution worker. Delivery may be
// delayed, reordered, or duplicated.
type ExecutionCallback struct {
	// TaskID is the task the callback refers to.
	TaskID string `json:"task_id"`
	// CompositeTaskID is the owning composite task, if any.
	CompositeTaskID string `json:"composite_task_id,omitempty"`
	// Success indicates whether the worker produced a pull request.
	Success bool `json:"success"`
	// PRURL is the pull request URL on success.
	PRURL string `json:"pr_url,omitempty"`
	// Error is the failure message on failure.
	Error string `json:"error,omitempty"`
}

// ReducerAction is the follow-up the caller must perform after a callback
// has been reduced into task state.
type ReducerAction int

const (
	// ActionNone means no further work is required.
	ActionNone ReducerAction = iota
	// ActionAdvanceBatch means the updated task closed its batch and the
	// next batch should be dispatched.
	ActionAdvanceBatch
	// ActionFinalize means every subtask is terminal and the composite
	// should be consolidated.
	ActionFinalize
)

// String returns a human-readable action name.
func (a ReducerAction) String() string {
	switch a {
	case ActionAdvanceBatch:
		return "advance_batch"
	case ActionFinalize:
		return "finalize"
	default:
		return "noop"
	}
}
