package orchestrator

import (
	"fmt"
	"regexp"
	"time"

	"github.com/ByteMirror/foreman/agent"
	"github.com/ByteMirror/foreman/feature"
	"github.com/ByteMirror/foreman/history"
	"github.com/ByteMirror/foreman/log"
)

var (
	verdictFailRegex = regexp.MustCompile(`(?m)^\s*VERDICT:\s*FAIL`)
	stepFailRegex    = regexp.MustCompile(`(?m)^\s*STEP\s+\d+:\s*FAIL`)
)

// verificationTailLimit bounds how much failing verification output is
// carried into a fix prompt.
const verificationTailLimit = 4000

// verifyAndMerge merges the feature branch into base and verifies the
// result, fixing and retrying up to the configured attempt count. The whole
// window runs under the global verification mutex so merges are serialized
// across tracks. Returns true when the feature passed.
//
// Merged code stays on the base branch even when verification never passes:
// reverting would make later features re-implement the same change.
func (o *Orchestrator) verifyAndMerge(track string, f *feature.Feature, branch, worktreePath string, implSession *history.Session) bool {
	o.verifyMu.Lock()

	maxAttempts := o.cfg.Verification.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if o.cfg.Verification.Disabled {
		maxAttempts = 1
	}

	var lastReason string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Bring the feature branch up to date with base first. A failure
		// here is not fatal: the merge below may still apply cleanly.
		if err := o.workspace.UpdateFeatureBranch(worktreePath); err != nil {
			log.WarningLog.Printf("track %s: refresh of %s failed: %v", track, branch, err)
			o.appendSystemMessage(implSession, fmt.Sprintf("refresh of %s before merge failed: %v", branch, err))
			if updateErr := o.sessions.UpdateSession(implSession.ID, history.Update{Messages: implSession.Messages}); updateErr != nil {
				log.WarningLog.Printf("failed to record refresh failure: %v", updateErr)
			}
		}

		if _, err := o.workspace.MergeLocally(branch); err != nil {
			o.verifyMu.Unlock()
			o.markFailed(f.ID, truncateReason(err.Error()), feature.FailureVerification)
			o.initiateStop(fmt.Sprintf("merge of %s into base failed: %v", branch, err))
			return false
		}
		if err := o.workspace.PushBaseBranch(); err != nil {
			o.verifyMu.Unlock()
			o.markFailed(f.ID, truncateReason(err.Error()), feature.FailureVerification)
			o.initiateStop(fmt.Sprintf("push of base branch failed: %v", err))
			return false
		}

		if o.cfg.Verification.Disabled {
			o.verifyMu.Unlock()
			o.markPassed(f.ID, "merged without verification")
			return true
		}

		if err := o.features.UpdateFeatureStatus(f.ID, feature.StatusVerifying, feature.StatusUpdate{}); err != nil {
			log.WarningLog.Printf("failed to mark feature %d verifying: %v", f.ID, err)
		}
		o.publishFeature(f.ID)

		// Give any watching dev server time to pick up the merged change.
		o.sleepPolled(time.Duration(o.cfg.Verification.DelayMs) * time.Millisecond)

		passed, verifyOutput := o.runVerification(f, branch)
		if passed {
			o.verifyMu.Unlock()
			o.markPassed(f.ID, fmt.Sprintf("passed verification on attempt %d", attempt))
			return true
		}

		lastReason = extractErrorLine(verifyOutput)
		if lastReason == "" {
			lastReason = "verification reported failing steps"
		}
		log.InfoLog.Printf("track %s: feature %d verification attempt %d failed", track, f.ID, attempt)

		if attempt < maxAttempts && !o.stopRequested() {
			o.runFix(f, branch, worktreePath, verifyOutput)
			if _, err := o.workspace.CommitAllIfDirty(worktreePath, fmt.Sprintf("Fix feature %d after failed verification", f.ID)); err != nil {
				o.verifyMu.Unlock()
				o.markFailed(f.ID, truncateReason(err.Error()), feature.FailureVerification)
				o.initiateStop(fmt.Sprintf("auto-commit after fix failed: %v", err))
				return false
			}
		}
	}

	o.verifyMu.Unlock()
	o.markFailed(f.ID, truncateReason(lastReason), feature.FailureVerification)
	return false
}

// runVerification spawns a verification agent in the project root with the
// restricted tool set and evaluates its verdict. Even a zero exit is
// overruled by explicit failing step lines in the output.
func (o *Orchestrator) runVerification(f *feature.Feature, branch string) (bool, string) {
	prompt := agent.BuildPrompt(agent.PhaseVerification, o.projectRoot, &o.cfg.Prompts,
		agent.VarsForFeature(f, o.projectRoot, o.projectRoot, o.cfg.AppURL, o.cfg.BaseBranch, o.cfg.InstructionsPath))

	session := o.createSession(f.ID, history.TrackVerification, branch, prompt, "")
	result := o.executor.ExecuteVerification(prompt, o.stopRequested, o.streamMessages(session.ID))

	passed := result.Success && !verdictFailRegex.MatchString(result.Output) && !stepFailRegex.MatchString(result.Output)

	status := history.SessionFailed
	if passed {
		status = history.SessionPassed
	}
	o.finishSession(session, status, result)

	return passed, result.Output
}

// runFix spawns a fix agent in the working copy with the tail of the
// failing verification output. The fix agent's own outcome does not decide
// anything: whatever it changed is committed and verified again.
func (o *Orchestrator) runFix(f *feature.Feature, branch, worktreePath, verifyOutput string) {
	vars := agent.VarsForFeature(f, worktreePath, o.projectRoot, o.cfg.AppURL, o.cfg.BaseBranch, o.cfg.InstructionsPath)
	vars.VerificationTail = tailString(verifyOutput, verificationTailLimit)
	prompt := agent.BuildPrompt(agent.PhaseFix, o.projectRoot, &o.cfg.Prompts, vars)

	session := o.createSession(f.ID, history.TrackFix, branch, prompt, "")
	result := o.executor.ExecuteFix(prompt, worktreePath, o.stopRequested, o.streamMessages(session.ID))

	status := history.SessionFailed
	if result.Success {
		status = history.SessionPassed
	}
	o.finishSession(session, status, result)
}

// markPassed sets a feature passed with a progress summary.
func (o *Orchestrator) markPassed(featureID int, progress string) {
	if err := o.features.UpdateFeatureStatus(featureID, feature.StatusPassed, feature.StatusUpdate{
		Progress: &progress,
	}); err != nil {
		log.ErrorLog.Printf("failed to mark feature %d passed: %v", featureID, err)
		return
	}
	o.publishFeature(featureID)
}

// tailString returns the last n bytes of s.
func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
