// Package merge consolidates subtask results onto a composite task's
// consolidation branch and opens the final pull request.
package merge

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/load28/a-dev/internal/git"
	"github.com/load28/a-dev/pkg/models"
)

const prBodyTemplate = `## Summary
%s

## Subtasks
%s

Failed or cancelled subtasks are excluded from this consolidation.
`

// Handler performs the git and pull-request side of consolidation. It
// never resolves conflicts: a merge that conflicts is aborted and
// surfaced to the caller.
type Handler struct {
	git        git.Runner
	repoPath   string
	baseBranch string
}

// NewHandler creates a merge handler for the repository at repoPath.
// baseBranch is the branch the final pull request targets.
func NewHandler(repoPath, baseBranch string) *Handler {
	return &Handler{
		git:        git.NewRunner(repoPath),
		repoPath:   repoPath,
		baseBranch: baseBranch,
	}
}

// NewHandlerWithRunner creates a merge handler with a custom git runner
// (for testing).
func NewHandlerWithRunner(runner git.Runner, repoPath, baseBranch string) *Handler {
	return &Handler{git: runner, repoPath: repoPath, baseBranch: baseBranch}
}

// EnsureConsolidationBranch creates the composite's consolidation branch
// from the base branch if it does not exist yet.
func (h *Handler) EnsureConsolidationBranch(c *models.CompositeTask) error {
	branch := c.ConsolidationBranch()
	exists, err := h.git.BranchExists(branch)
	if err != nil {
		return fmt.Errorf("check consolidation branch: %w", err)
	}
	if exists {
		return nil
	}
	if err := h.git.CreateBranch(branch, h.baseBranch); err != nil {
		return fmt.Errorf("create consolidation branch %s: %w", branch, err)
	}
	return nil
}

// MergeSubtask merges a completed subtask's branch into the consolidation
// branch with a no-ff merge commit. On conflict the merge is aborted and
// the error returned.
func (h *Handler) MergeSubtask(c *models.CompositeTask, t *models.Task) error {
	branch := c.SubtaskBranch(t.ID)
	exists, err := h.git.BranchExists(branch)
	if err != nil {
		return fmt.Errorf("check subtask branch: %w", err)
	}
	if !exists {
		return fmt.Errorf("subtask branch %s does not exist", branch)
	}

	if err := h.git.CheckoutBranch(c.ConsolidationBranch()); err != nil {
		return fmt.Errorf("checkout consolidation branch: %w", err)
	}

	msg := fmt.Sprintf("Merge subtask %s: %s", t.ID, t.Title)
	if err := h.git.MergeNoFFMessage(branch, msg); err != nil {
		// Leave the tree clean for whoever resolves this by hand.
		_ = h.git.MergeAbort()
		return fmt.Errorf("merge subtask %s: %w", t.ID, err)
	}
	return nil
}

// OpenPullRequest pushes the consolidation branch and opens a pull
// request against the base branch using the gh CLI. If a pull request
// for the branch already exists, its URL is returned instead.
func (h *Handler) OpenPullRequest(c *models.CompositeTask, completed []models.Task) (string, error) {
	branch := c.ConsolidationBranch()

	if err := h.git.Push(branch); err != nil {
		return "", fmt.Errorf("push consolidation branch: %w", err)
	}

	if url := h.existingPR(branch); url != "" {
		return url, nil
	}

	var lines []string
	for _, t := range completed {
		lines = append(lines, fmt.Sprintf("- [x] %s (%s)", t.Title, t.ID))
	}
	body := fmt.Sprintf(prBodyTemplate, c.Description, strings.Join(lines, "\n"))

	cmd := exec.Command("gh", "pr", "create",
		"--head", branch,
		"--base", h.baseBranch,
		"--title", c.Title,
		"--body", body,
		"--draft")
	cmd.Dir = h.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gh pr create: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// existingPR returns the URL of an open pull request for the branch, or
// empty if there is none.
func (h *Handler) existingPR(branch string) string {
	cmd := exec.Command("gh", "pr", "view", branch, "--json", "url", "--jq", ".url")
	cmd.Dir = h.repoPath
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
