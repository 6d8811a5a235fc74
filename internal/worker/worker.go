// Package worker defines the execution worker boundary: dispatching tasks
// to a sandboxed code-generation worker and receiving its out-of-band
// completion callbacks.
package worker

import "context"

// DispatchRequest carries everything the execution worker needs to run
// one task. Dispatch is fire-and-forget: the outcome arrives later as an
// ExecutionCallback.
type DispatchRequest struct {
	// TaskID is the task being executed.
	TaskID string `json:"task_id"`
	// CompositeTaskID is the owning composite task, if any.
	CompositeTaskID string `json:"composite_task_id,omitempty"`
	// Title is the task title, for worker-side logging.
	Title string `json:"title"`
	// Prompt is the instruction for the code-generation worker.
	Prompt string `json:"prompt"`
	// RepoOwner and RepoName identify the target repository.
	RepoOwner string `json:"repo_owner"`
	RepoName  string `json:"repo_name"`
	// BaseBranch is the branch the worker starts from.
	BaseBranch string `json:"base_branch"`
	// WorkBranch is the branch the worker must create for its changes.
	WorkBranch string `json:"work_branch"`
	// TargetBranch is the consolidation branch the resulting pull request
	// should target.
	TargetBranch string `json:"target_branch"`
}

// Worker issues execution requests. Implementations must treat Dispatch
// as fire-and-forget: a nil return means the request was handed off, not
// that the task succeeded. Exactly one callback is eventually delivered
// per dispatched task.
type Worker interface {
	// Dispatch hands the task to the execution worker. The returned run
	// ID is an opaque execution handle (may be empty).
	Dispatch(ctx context.Context, req DispatchRequest) (runID string, err error)
}
