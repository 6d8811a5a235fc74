// Package git provides an interface for git operations.
package git

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// CreateBranch creates a new branch at the given start point.
	CreateBranch(name, startPoint string) error
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
	// BranchExists returns true if the branch exists.
	BranchExists(name string) (bool, error)
}

// MergeOperations defines the interface for git merge operations.
type MergeOperations interface {
	// MergeNoFFMessage merges the specified branch with --no-ff and a
	// custom message.
	MergeNoFFMessage(branch, message string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
}

// RemoteOperations defines the interface for git remote operations.
type RemoteOperations interface {
	// Push pushes the branch to origin, setting upstream.
	Push(branch string) error
	// Fetch updates remote tracking refs.
	Fetch() error
}

// Runner defines the complete interface for git operations used by the
// merge coordinator. Consumers should prefer the focused interfaces when
// possible.
type Runner interface {
	BranchOperations
	MergeOperations
	RemoteOperations
}
