package git

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ByteMirror/foreman/log"
)

// BranchStatus describes a feature branch relative to the base branch.
type BranchStatus struct {
	// AheadCount is the number of commits on the branch not on base.
	AheadCount int
	// Clean is true when the worktree has no uncommitted changes.
	Clean bool
}

// CommitAllIfDirty commits everything in the worktree, including untracked
// files, when the tree is dirty. Returns true if a commit was created.
func (w *Workspace) CommitAllIfDirty(worktreePath, message string) (bool, error) {
	dirty, err := w.isDirty(worktreePath)
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}

	if _, err := runGitCommand(worktreePath, "add", "-A"); err != nil {
		return false, fmt.Errorf("failed to stage changes: %w", err)
	}
	if _, err := runGitCommand(worktreePath, "commit", "-m", message, "--no-verify"); err != nil {
		return false, fmt.Errorf("failed to commit changes: %w", err)
	}
	return true, nil
}

// GetBranchStatus returns how far branch is ahead of base and whether the
// worktree is clean.
func (w *Workspace) GetBranchStatus(branch, worktreePath string) (BranchStatus, error) {
	output, err := runGitCommand(worktreePath, "rev-list", "--count", w.baseBranch+".."+branch)
	if err != nil {
		return BranchStatus{}, fmt.Errorf("failed to count commits: %w", err)
	}
	ahead, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return BranchStatus{}, fmt.Errorf("unexpected rev-list output %q: %w", output, err)
	}

	dirty, err := w.isDirty(worktreePath)
	if err != nil {
		return BranchStatus{}, err
	}
	return BranchStatus{AheadCount: ahead, Clean: !dirty}, nil
}

// UpdateFeatureBranch merges the latest base branch into the feature branch
// inside its worktree. On conflict the merge is aborted so the worktree is
// never left mid-merge.
func (w *Workspace) UpdateFeatureBranch(worktreePath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := runGitCommand(worktreePath, "merge", w.baseBranch, "--no-edit"); err != nil {
		if _, abortErr := runGitCommand(worktreePath, "merge", "--abort"); abortErr != nil {
			log.WarningLog.Printf("merge abort failed: %v", abortErr)
		}
		return fmt.Errorf("failed to merge %s into feature branch: %w", w.baseBranch, err)
	}
	return nil
}

// MergeLocally merges a feature branch into the base branch in the main
// repository and returns the pre-merge commit of base. On failure the merge
// is aborted, preserved files are restored, and the repository is left on a
// clean base branch.
func (w *Workspace) MergeLocally(branch string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var preMerge string
	err := w.withPreserved(func() error {
		if _, err := runGitCommand(w.projectRoot, "checkout", w.baseBranch); err != nil {
			return fmt.Errorf("failed to checkout base branch: %w", err)
		}
		if w.hasUpstream(w.baseBranch) {
			if _, err := runGitCommand(w.projectRoot, "pull", "--ff-only"); err != nil {
				log.WarningLog.Printf("pull before merge failed: %v", err)
			}
		}

		output, err := runGitCommand(w.projectRoot, "rev-parse", "HEAD")
		if err != nil {
			return fmt.Errorf("failed to record pre-merge commit: %w", err)
		}
		preMerge = strings.TrimSpace(output)

		if _, err := runGitCommand(w.projectRoot, "merge", "--no-ff", "--no-edit", branch); err != nil {
			if _, abortErr := runGitCommand(w.projectRoot, "merge", "--abort"); abortErr != nil {
				log.WarningLog.Printf("merge abort failed: %v", abortErr)
			}
			return fmt.Errorf("failed to merge %s into %s: %w", branch, w.baseBranch, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return preMerge, nil
}

// PushBaseBranch pushes the base branch. Repositories without an origin
// remote are a supported local-only mode; the push becomes a no-op.
func (w *Workspace) PushBaseBranch() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.hasOrigin() {
		log.DebugLog.Printf("no origin remote; skipping push of %s", w.baseBranch)
		return nil
	}
	if _, err := runGitCommand(w.projectRoot, "push", "origin", w.baseBranch); err != nil {
		return fmt.Errorf("failed to push base branch: %w", err)
	}
	return nil
}

// RevertMerge resets the base branch to the given pre-merge commit. The
// orchestrator itself never calls this after a failed verification; it is
// provided for collaborators that choose to revert.
func (w *Workspace) RevertMerge(preMergeCommit string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.withPreserved(func() error {
		if _, err := runGitCommand(w.projectRoot, "checkout", w.baseBranch); err != nil {
			return fmt.Errorf("failed to checkout base branch: %w", err)
		}
		if _, err := runGitCommand(w.projectRoot, "reset", "--hard", preMergeCommit); err != nil {
			return fmt.Errorf("failed to reset to %s: %w", preMergeCommit, err)
		}
		return nil
	})
}
