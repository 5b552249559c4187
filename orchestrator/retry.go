package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/ByteMirror/foreman/feature"
	"github.com/ByteMirror/foreman/log"
)

// previousContextLimit bounds how much of the previous session is carried
// into a retry or resume prompt.
const previousContextLimit = 3000

// RetryFeature resets a feature to open and queues it on its track's retry
// queue, carrying the operator's note and a tail of the previous session.
func (o *Orchestrator) RetryFeature(featureID int, extraContext string) error {
	return o.requeue(featureID, extraContext, false)
}

// ResumeFeature is like RetryFeature but uses the resume queue and blocks
// every other track until this feature completes.
func (o *Orchestrator) ResumeFeature(featureID int, prompt string) error {
	return o.requeue(featureID, prompt, true)
}

func (o *Orchestrator) requeue(featureID int, extraContext string, resume bool) error {
	o.mu.Lock()
	running := o.state == StateRunning
	o.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	f, err := o.features.GetFeature(featureID)
	if err != nil {
		return err
	}

	if err := o.features.UpdateFeatureStatus(featureID, feature.StatusOpen, feature.StatusUpdate{}); err != nil {
		return fmt.Errorf("failed to reopen feature %d: %w", featureID, err)
	}
	o.publishFeature(featureID)

	context, previousSessionID := o.previousSessionContext(featureID, extraContext)
	track := o.queues.TrackFor(f)

	if resume {
		o.mu.Lock()
		o.resumeReq = &ResumeRequest{FeatureID: featureID, Track: track, RequestedAt: time.Now()}
		o.mu.Unlock()
		o.queues.EnqueueResume(featureID, track, context, previousSessionID)
		log.InfoLog.Printf("feature %d queued for resume on track %s", featureID, track)
	} else {
		o.queues.EnqueueRetry(featureID, track, context, previousSessionID)
		log.InfoLog.Printf("feature %d queued for retry on track %s", featureID, track)
	}
	o.publishStatus()
	return nil
}

// previousSessionContext combines the operator's note with a tail of the
// previous session's conversation, preferring parsed messages over the raw
// output blob.
func (o *Orchestrator) previousSessionContext(featureID int, note string) (string, string) {
	session, err := o.sessions.GetLatestSessionForFeature(featureID)
	if err != nil || session == nil {
		return note, ""
	}

	var b strings.Builder
	if note != "" {
		b.WriteString(note)
		b.WriteString("\n\n")
	}
	b.WriteString("Previous attempt summary:\n")

	if len(session.Messages) > 0 {
		var lines []string
		for _, msg := range session.Messages {
			switch {
			case msg.Content != "":
				lines = append(lines, string(msg.Kind)+": "+msg.Content)
			case msg.ToolName != "":
				lines = append(lines, "tool: "+msg.ToolName)
			}
		}
		b.WriteString(tailString(strings.Join(lines, "\n"), previousContextLimit))
	} else {
		b.WriteString(tailString(session.Output, previousContextLimit))
	}

	return b.String(), session.ID
}
