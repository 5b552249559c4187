package git

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ByteMirror/foreman/log"
)

// Pre-compiled regexes for branch slug computation.
var (
	nonWordRegex   = regexp.MustCompile(`[^a-z0-9]+`)
	multiDashRegex = regexp.MustCompile(`-+`)
)

const slugMaxLen = 50

// BranchSlug turns a feature name into a branch-safe slug: lowercased,
// non-word runs collapsed to single hyphens, trimmed, at most 50 characters.
func BranchSlug(name string) string {
	s := strings.ToLower(name)
	s = nonWordRegex.ReplaceAllString(s, "-")
	s = multiDashRegex.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > slugMaxLen {
		s = s[:slugMaxLen]
		s = strings.TrimRight(s, "-")
	}
	return s
}

// BranchName returns the deterministic branch name for a feature.
func BranchName(featureID int, featureName string) string {
	return fmt.Sprintf("feature/%d-%s", featureID, BranchSlug(featureName))
}

// PrepareBranch sets up the worktree for a track to work on a feature and
// returns the branch name and worktree path. If the feature branch already
// exists (a retry), the worktree is attached to it; otherwise branch and
// worktree are created from the base branch in one step.
func (w *Workspace) PrepareBranch(track string, featureID int, featureName string, isRetry bool) (string, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	branch := BranchName(featureID, featureName)
	worktreePath := w.WorktreePath(track)

	if err := os.MkdirAll(w.worktreeDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create worktrees directory: %w", err)
	}
	// Keep the worktrees directory out of the main repository's status so
	// the base branch reads as clean.
	if rel, err := filepath.Rel(w.projectRoot, w.worktreeDir); err == nil && !strings.HasPrefix(rel, "..") {
		if err := w.addLocalIgnore("/" + filepath.ToSlash(rel) + "/"); err != nil {
			log.WarningLog.Printf("failed to ignore worktrees directory: %v", err)
		}
	}

	// Remove any worktree left over from the track's previous feature.
	w.removeWorktreeLocked(worktreePath)

	exists, err := w.branchExists(branch)
	if err != nil {
		return "", "", err
	}

	if exists {
		if _, err := runGitCommand(w.projectRoot, "worktree", "add", worktreePath, branch); err != nil {
			return "", "", fmt.Errorf("failed to add worktree for branch %s: %w", branch, err)
		}
	} else {
		if _, err := runGitCommand(w.projectRoot, "worktree", "add", "-b", branch, worktreePath, w.baseBranch); err != nil {
			return "", "", fmt.Errorf("failed to create branch %s: %w", branch, err)
		}
	}

	if err := w.setupWorktree(track, worktreePath); err != nil {
		log.WarningLog.Printf("worktree setup for %s incomplete: %v", track, err)
	}

	return branch, worktreePath, nil
}

// setupWorktree links dependency directories, copies configured files, and
// makes sure the track's worktree metadata is usable.
func (w *Workspace) setupWorktree(track, worktreePath string) error {
	// Symlink dependency trees instead of copying them. The links are
	// relative so they still resolve when the worktree is mounted into a
	// container at a different absolute path.
	for _, dir := range w.cfg.SymlinkDirs {
		src := filepath.Join(w.projectRoot, dir)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(worktreePath, dir)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("failed to create parent for %s: %w", dir, err)
		}
		rel, err := filepath.Rel(filepath.Dir(dst), src)
		if err != nil {
			return fmt.Errorf("failed to compute relative link for %s: %w", dir, err)
		}
		_ = os.RemoveAll(dst)
		if err := os.Symlink(rel, dst); err != nil {
			return fmt.Errorf("failed to link %s: %w", dir, err)
		}
	}

	for _, file := range w.cfg.CopyFiles {
		src := filepath.Join(w.projectRoot, file)
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		dst := filepath.Join(worktreePath, file)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("failed to create parent for %s: %w", file, err)
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return fmt.Errorf("failed to copy %s: %w", file, err)
		}
	}

	// A crashed run can leave a stale index.lock in the shared worktree
	// metadata, which blocks every later git operation for this track.
	metaDir := filepath.Join(w.projectRoot, ".git", "worktrees", track)
	if info, err := os.Stat(metaDir); err == nil && info.IsDir() {
		_ = os.Chmod(metaDir, 0755)
		_ = os.Remove(filepath.Join(metaDir, "index.lock"))
	}

	if w.cfg.DockerImage != "" {
		if err := w.writeSetupScript(worktreePath); err != nil {
			return err
		}
	}

	return nil
}

// writeSetupScript generates the container setup script into the worktree
// and adds its name to the repository's local ignore list.
func (w *Workspace) writeSetupScript(worktreePath string) error {
	name := w.cfg.SetupScriptName
	if name == "" {
		name = "setup-worktree.sh"
	}

	workdir := w.cfg.DockerWorkdir
	if workdir == "" {
		workdir = "/workspace"
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("# Generated; prepares this worktree inside the project container.\n")
	fmt.Fprintf(&b, "# Image: %s\n", w.cfg.DockerImage)
	b.WriteString("set -e\n")
	fmt.Fprintf(&b, "cd %s\n", workdir)
	for _, dir := range w.cfg.SymlinkDirs {
		fmt.Fprintf(&b, "[ -e %s ] || echo 'missing dependency dir: %s' >&2\n", dir, dir)
	}

	path := filepath.Join(worktreePath, name)
	if err := os.WriteFile(path, []byte(b.String()), 0755); err != nil {
		return fmt.Errorf("failed to write setup script: %w", err)
	}

	return w.addLocalIgnore(name)
}

// addLocalIgnore appends a pattern to .git/info/exclude if not present.
func (w *Workspace) addLocalIgnore(pattern string) error {
	excludePath := filepath.Join(w.projectRoot, ".git", "info", "exclude")
	data, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read exclude file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), 0755); err != nil {
		return fmt.Errorf("failed to create exclude directory: %w", err)
	}
	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += pattern + "\n"
	return os.WriteFile(excludePath, []byte(content), 0644)
}

// CleanupWorktree removes a track's worktree and prunes stale metadata.
func (w *Workspace) CleanupWorktree(track string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeWorktreeLocked(w.WorktreePath(track))
	if _, err := runGitCommand(w.projectRoot, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

// removeWorktreeLocked force-removes a worktree if it exists. Caller holds
// the workspace mutex.
func (w *Workspace) removeWorktreeLocked(worktreePath string) {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return
	}
	if _, err := runGitCommand(w.projectRoot, "worktree", "remove", "-f", worktreePath); err != nil {
		log.WarningLog.Printf("failed to remove worktree %s: %v", worktreePath, err)
		// Fall back to removing the directory so the track can continue.
		_ = os.RemoveAll(worktreePath)
		_, _ = runGitCommand(w.projectRoot, "worktree", "prune")
	}
}
