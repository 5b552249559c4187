package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ByteMirror/foreman/agent"
	"github.com/ByteMirror/foreman/events"
	"github.com/ByteMirror/foreman/feature"
	"github.com/ByteMirror/foreman/history"
	"github.com/ByteMirror/foreman/log"
	"github.com/ByteMirror/foreman/queue"
)

// runTrackLoop processes one track's queues until the orchestrator stops or
// the track's circuit breaker trips.
func (o *Orchestrator) runTrackLoop(track string) {
	log.InfoLog.Printf("track %s: loop started", track)
	consecutiveCritical := 0

	for !o.stopRequested() {
		// A pending resume request stalls every track but its target.
		if req := o.resumeRequest(); req != nil && req.Track != track {
			time.Sleep(resumePollInterval)
			continue
		}

		item, ok := o.queues.Dequeue(track)
		if !ok {
			time.Sleep(dequeuePollInterval)
			continue
		}

		f, err := o.features.GetFeature(item.FeatureID)
		if err != nil {
			log.WarningLog.Printf("track %s: feature %d: %v", track, item.FeatureID, err)
			continue
		}

		started := time.Now()
		outcome := o.processFeature(track, f, item)

		if outcome.isCritical {
			consecutiveCritical++
			if consecutiveCritical >= criticalFailureThreshold {
				o.bus.Publish(events.TopicCriticalFailure, CriticalFailure{
					Track:  track,
					Label:  outcome.criticalLabel,
					Reason: outcome.reason,
				})
				log.ErrorLog.Printf("track %s: %d consecutive critical failures, pausing track", track, consecutiveCritical)
				break
			}
		} else {
			consecutiveCritical = 0
		}

		if item.IsResume {
			o.clearResumeRequest(item.FeatureID)
		}

		// A feature that fails within seconds usually means something is
		// broken outside the agent; pause before grinding on.
		if outcome.failed && time.Since(started) < fastFailWindow {
			o.sleepPolled(fastFailPause)
		}

		if err := o.workspace.CleanupWorktree(track); err != nil {
			log.WarningLog.Printf("track %s: worktree cleanup: %v", track, err)
		}
		o.publishStatus()
	}

	log.InfoLog.Printf("track %s: loop exited", track)
}

// featureOutcome summarizes one pass through processFeature for the loop's
// bookkeeping.
type featureOutcome struct {
	failed        bool
	isCritical    bool
	criticalLabel string
	reason        string
}

// processFeature drives one feature through implementation, merge and
// verification on the given track.
func (o *Orchestrator) processFeature(track string, f *feature.Feature, item queue.Item) featureOutcome {
	o.setCurrentFeature(track, f.ID, "")
	defer o.setCurrentFeature(track, 0, "")
	o.publishStatus()

	branch, worktreePath, err := o.workspace.PrepareBranch(track, f.ID, f.Name, item.IsRetry)
	if err != nil {
		log.ErrorLog.Printf("track %s: prepare branch for feature %d: %v", track, f.ID, err)
		o.markFailed(f.ID, truncateReason(err.Error()), feature.FailureEnvironment)
		o.bumpFailed(track)
		return featureOutcome{failed: true, reason: err.Error()}
	}

	prompt := agent.BuildPrompt(agent.PhaseImplementation, o.projectRoot, &o.cfg.Prompts,
		agent.VarsForFeature(f, worktreePath, o.projectRoot, o.cfg.AppURL, o.cfg.BaseBranch, o.cfg.InstructionsPath))
	if item.ExtraContext != "" {
		prompt += "\n\nAdditional context from the operator:\n" + item.ExtraContext
	}

	session := o.createSession(f.ID, track, branch, prompt, item.ExtraContext)
	o.setCurrentFeature(track, f.ID, session.ID)

	result := o.executor.ExecuteSession(prompt, worktreePath, o.stopRequested, o.streamMessages(session.ID))

	if !result.Success {
		analysis := o.analyzeFailure(result.AnalysisOutput, result.AnalysisError+"\n"+result.StderrTail)
		o.finishSession(session, history.SessionFailed, result)

		if analysis.Kind == kindRateLimit {
			// Rate limits are not the feature's fault: leave it open, put it
			// at the head of the line, and wait for capacity.
			o.queues.EnqueueResume(f.ID, track, item.ExtraContext, session.ID)
			log.InfoLog.Printf("track %s: feature %d rate limited, requeued", track, f.ID)
			o.sleepPolled(time.Duration(o.cfg.Agent.RateLimitWaitMs) * time.Millisecond)
			return featureOutcome{}
		}

		o.markFailed(f.ID, analysis.Reason, analysis.Kind)
		o.bumpFailed(track)
		return featureOutcome{
			failed:        true,
			isCritical:    analysis.IsCritical,
			criticalLabel: analysis.Label,
			reason:        analysis.Reason,
		}
	}

	commitMsg := fmt.Sprintf("Implement feature %d: %s", f.ID, f.Name)
	if _, err := o.workspace.CommitAllIfDirty(worktreePath, commitMsg); err != nil {
		o.appendSystemMessage(session, fmt.Sprintf("auto-commit failed: %v", err))
		o.finishSession(session, history.SessionError, result)
		o.markFailed(f.ID, truncateReason(err.Error()), feature.FailureImplementation)
		o.bumpFailed(track)
		return featureOutcome{failed: true, reason: err.Error()}
	}

	status, err := o.workspace.GetBranchStatus(branch, worktreePath)
	if err != nil {
		o.appendSystemMessage(session, fmt.Sprintf("branch status failed: %v", err))
		o.finishSession(session, history.SessionError, result)
		o.markFailed(f.ID, truncateReason(err.Error()), feature.FailureImplementation)
		o.bumpFailed(track)
		return featureOutcome{failed: true, reason: err.Error()}
	}

	if status.AheadCount == 0 {
		// The agent reported success but produced nothing. Continuing would
		// loop the whole pipeline on a feature that cannot advance.
		o.appendSystemMessage(session, "agent run produced no commits on the feature branch")
		o.finishSession(session, history.SessionFailed, result)
		o.markFailed(f.ID, "agent run produced no commits", feature.FailureImplementation)
		o.bumpFailed(track)
		o.initiateStop("feature branch has no commits after successful agent run")
		return featureOutcome{failed: true, reason: "no commits"}
	}

	o.finishSession(session, history.SessionPassed, result)

	if o.verifyAndMerge(track, f, branch, worktreePath, session) {
		o.bumpCompleted(track)
		o.appendProgress(f.ID, feature.StatusPassed, "")
		return featureOutcome{}
	}
	o.bumpFailed(track)
	o.appendProgress(f.ID, feature.StatusFailed, "verification did not pass")
	return featureOutcome{failed: true, reason: "verification failed"}
}

// streamMessages forwards parsed agent messages to the bus as they arrive.
func (o *Orchestrator) streamMessages(sessionID string) func(agent.Message) {
	return func(msg agent.Message) {
		o.bus.Publish(events.TopicAgentOutput, AgentOutput{SessionID: sessionID, Message: msg})
	}
}

// createSession writes a running session record and announces it.
func (o *Orchestrator) createSession(featureID int, track, branch, prompt, extraContext string) *history.Session {
	session := &history.Session{
		ID:           uuid.NewString(),
		FeatureID:    featureID,
		Track:        track,
		Branch:       branch,
		Status:       history.SessionRunning,
		StartedAt:    time.Now(),
		Prompt:       prompt,
		ExtraContext: extraContext,
	}
	if err := o.sessions.CreateSession(session); err != nil {
		log.ErrorLog.Printf("failed to create session record: %v", err)
	}
	o.bus.Publish(events.TopicSessionStarted, session)
	return session
}

// finishSession records the terminal state of a session exactly once.
func (o *Orchestrator) finishSession(session *history.Session, status history.SessionStatus, result agent.Result) {
	finished := time.Now()
	duration := finished.Sub(session.StartedAt).Milliseconds()
	agentUsed := string(result.AgentUsed)
	errText := result.Error

	session.Status = status
	session.FinishedAt = &finished
	session.DurationMS = duration
	session.Output = result.Output
	session.Messages = append(session.Messages, result.Messages...)
	session.AgentUsed = agentUsed
	session.Error = errText

	if err := o.sessions.UpdateSession(session.ID, history.Update{
		Status:     &status,
		FinishedAt: &finished,
		DurationMS: &duration,
		Output:     &result.Output,
		Messages:   session.Messages,
		AgentUsed:  &agentUsed,
		Error:      &errText,
	}); err != nil {
		log.ErrorLog.Printf("failed to update session %s: %v", session.ID, err)
	}
	o.bus.Publish(events.TopicSessionFinished, session)
}

// appendSystemMessage adds an orchestrator-originated message to a session.
func (o *Orchestrator) appendSystemMessage(session *history.Session, content string) {
	msg := agent.Message{
		Kind:      agent.KindSystem,
		Timestamp: time.Now(),
		Agent:     agent.System,
		Content:   content,
	}
	session.Messages = append(session.Messages, msg)
	o.bus.Publish(events.TopicAgentOutput, AgentOutput{SessionID: session.ID, Message: msg})
}

// markFailed sets a feature failed and publishes the update.
func (o *Orchestrator) markFailed(featureID int, reason string, kind feature.FailureKind) {
	if err := o.features.UpdateFeatureStatus(featureID, feature.StatusFailed, feature.StatusUpdate{
		FailureReason: reason,
		FailureKind:   kind,
	}); err != nil {
		log.ErrorLog.Printf("failed to mark feature %d failed: %v", featureID, err)
		return
	}
	o.publishFeature(featureID)
}

// publishFeature pushes the current state of a feature onto the bus.
func (o *Orchestrator) publishFeature(featureID int) {
	f, err := o.features.GetFeature(featureID)
	if err != nil {
		return
	}
	o.bus.Publish(events.TopicFeatureUpdated, f)
}

// appendProgress writes one outcome line to the configured progress log.
// The progress log is also a preserved file, so it survives git operations.
func (o *Orchestrator) appendProgress(featureID int, status feature.Status, note string) {
	path := filepath.Join(o.projectRoot, o.cfg.ProgressPath)
	line := fmt.Sprintf("[%s] feature %d %s", time.Now().Format(time.RFC3339), featureID, status)
	if note != "" {
		line += ": " + note
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.WarningLog.Printf("failed to open progress log: %v", err)
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		log.WarningLog.Printf("failed to append progress log: %v", err)
	}
}

// sleepPolled sleeps for d, waking early when a stop is requested.
func (o *Orchestrator) sleepPolled(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if o.stopRequested() {
			return
		}
		remaining := time.Until(deadline)
		if remaining > resumePollInterval {
			remaining = resumePollInterval
		}
		time.Sleep(remaining)
	}
}

// Track status helpers.

func (o *Orchestrator) setCurrentFeature(track string, featureID int, sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ts, ok := o.trackStatus[track]; ok {
		ts.CurrentFeatureID = featureID
		ts.CurrentSessionID = sessionID
	}
}

func (o *Orchestrator) bumpCompleted(track string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ts, ok := o.trackStatus[track]; ok {
		ts.Completed++
	}
}

func (o *Orchestrator) bumpFailed(track string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ts, ok := o.trackStatus[track]; ok {
		ts.Failed++
	}
}

func (o *Orchestrator) resumeRequest() *ResumeRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resumeReq
}

func (o *Orchestrator) clearResumeRequest(featureID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resumeReq != nil && o.resumeReq.FeatureID == featureID {
		o.resumeReq = nil
	}
}
