// Package git owns the mutable repository: per-track worktrees, merges back
// to the base branch, and the preserved coordination files that must survive
// every git operation.
package git

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/ByteMirror/foreman/config"
	"github.com/ByteMirror/foreman/locking"
	"github.com/ByteMirror/foreman/log"
)

// Workspace manages the main repository and one worktree per track. A single
// in-process FIFO mutex serializes every operation that touches shared
// repository metadata; it is distinct from the orchestrator's merge lock,
// which spans the whole merge-and-verify window.
type Workspace struct {
	projectRoot string
	baseBranch  string
	cfg         *config.WorktreeConfig
	worktreeDir string

	mu locking.FIFOMutex
}

// NewWorkspace creates a workspace rooted at projectRoot.
func NewWorkspace(projectRoot string, cfg *config.ProjectConfig) *Workspace {
	return &Workspace{
		projectRoot: projectRoot,
		baseBranch:  cfg.BaseBranch,
		cfg:         &cfg.Worktree,
		worktreeDir: filepath.Join(projectRoot, cfg.WorktreesDir),
	}
}

// BaseBranch returns the configured base branch name.
func (w *Workspace) BaseBranch() string {
	return w.baseBranch
}

// WorktreePath returns the worktree directory for a track.
func (w *Workspace) WorktreePath(track string) string {
	return filepath.Join(w.worktreeDir, track)
}

// preservedSnapshot is the in-memory copy of the preserved files taken
// before a git operation.
type preservedSnapshot map[string][]byte

// snapshotPreserved reads every preserved file into memory and reverts any
// working-tree changes to those paths so the operation sees a clean tree.
func (w *Workspace) snapshotPreserved() preservedSnapshot {
	snapshot := make(preservedSnapshot, len(w.cfg.PreserveFiles))
	for _, rel := range w.cfg.PreserveFiles {
		path := filepath.Join(w.projectRoot, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.WarningLog.Printf("failed to read preserved file %s: %v", rel, err)
			}
			continue
		}
		snapshot[rel] = data
		// Revert tracked changes so checkouts and merges do not conflict on
		// coordination files. Untracked preserved files need no revert.
		if _, err := runGitCommand(w.projectRoot, "checkout", "--", rel); err != nil {
			log.DebugLog.Printf("preserved file %s not tracked: %v", rel, err)
		}
	}
	return snapshot
}

// restorePreserved writes the snapshot back to disk.
func (w *Workspace) restorePreserved(snapshot preservedSnapshot) {
	for rel, data := range snapshot {
		path := filepath.Join(w.projectRoot, rel)
		if err := os.WriteFile(path, data, 0644); err != nil {
			log.ErrorLog.Printf("failed to restore preserved file %s: %v", rel, err)
		}
	}
}

// withPreserved brackets op with the preserved-file snapshot/restore. The
// restore runs whether or not op fails.
func (w *Workspace) withPreserved(op func() error) error {
	snapshot := w.snapshotPreserved()
	defer w.restorePreserved(snapshot)
	return op()
}

// Init prepares the main repository: prune stale worktrees, stash leftover
// modifications, ensure the base branch exists and is checked out, and pull
// if a remote tracking branch exists. Preserved files are restored last.
func (w *Workspace) Init() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.withPreserved(func() error {
		if _, err := runGitCommand(w.projectRoot, "worktree", "prune"); err != nil {
			log.WarningLog.Printf("worktree prune failed: %v", err)
		}

		dirty, err := w.isDirty(w.projectRoot)
		if err != nil {
			return err
		}
		if dirty {
			// Only tracked modifications are stashed; untracked files such as
			// copied env files stay in place.
			if _, err := runGitCommand(w.projectRoot, "stash", "push", "-m", "foreman: leftover changes"); err != nil {
				log.WarningLog.Printf("failed to stash leftover changes: %v", err)
			}
		}

		exists, err := w.branchExists(w.baseBranch)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := runGitCommand(w.projectRoot, "branch", w.baseBranch); err != nil {
				return fmt.Errorf("failed to create base branch %s: %w", w.baseBranch, err)
			}
		}

		if _, err := runGitCommand(w.projectRoot, "checkout", w.baseBranch); err != nil {
			return fmt.Errorf("failed to checkout base branch %s: %w", w.baseBranch, err)
		}

		if w.hasUpstream(w.baseBranch) {
			if _, err := runGitCommand(w.projectRoot, "pull", "--ff-only"); err != nil {
				log.WarningLog.Printf("failed to pull base branch: %v", err)
			}
		}
		return nil
	})
}

// branchExists reports whether a local branch exists, via go-git so no
// subprocess is needed for a pure metadata read.
func (w *Workspace) branchExists(branch string) (bool, error) {
	repo, err := gogit.PlainOpen(w.projectRoot)
	if err != nil {
		return false, fmt.Errorf("failed to open repository: %w", err)
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	if err == nil {
		return true, nil
	}
	if err == plumbing.ErrReferenceNotFound {
		return false, nil
	}
	return false, fmt.Errorf("failed to check branch %s: %w", branch, err)
}

// hasUpstream reports whether branch has a remote tracking branch.
func (w *Workspace) hasUpstream(branch string) bool {
	_, err := runGitCommand(w.projectRoot, "rev-parse", "--abbrev-ref", branch+"@{upstream}")
	return err == nil
}

// hasOrigin reports whether an origin remote is configured.
func (w *Workspace) hasOrigin() bool {
	_, err := runGitCommand(w.projectRoot, "remote", "get-url", "origin")
	return err == nil
}

// isDirty reports whether the working tree at path has any changes,
// including untracked files.
func (w *Workspace) isDirty(path string) (bool, error) {
	output, err := runGitCommand(path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check status: %w", err)
	}
	return strings.TrimSpace(output) != "", nil
}
