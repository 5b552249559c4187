package orchestrator

import (
	"regexp"
	"strings"

	"github.com/ByteMirror/foreman/agent"
	"github.com/ByteMirror/foreman/feature"
	"github.com/ByteMirror/foreman/log"
)

// kindRateLimit is internal to failure analysis: a rate-limited run never
// mutates the feature, so the value never reaches the feature store.
const kindRateLimit feature.FailureKind = "rate_limit"

// Analysis is the classification of a failed agent run.
type Analysis struct {
	Reason     string
	Kind       feature.FailureKind
	IsCritical bool
	// Label names the matched critical pattern.
	Label string
}

// reasonMaxLen bounds the extracted failure reason.
const reasonMaxLen = 200

var testOnlyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btests? failed\b`),
	regexp.MustCompile(`(?i)\bassertion(s)? failed\b`),
	regexp.MustCompile(`(?i)\bexpected .+ to (equal|be|contain)\b`),
	regexp.MustCompile(`(?i)verification could ?n.t complete`),
	regexp.MustCompile(`(?m)^FAIL(:|\s)`),
}

var errorLineRegex = regexp.MustCompile(`(?i)error|fail|fatal|exception|cannot|unable`)

// analyzeFailure classifies the combined output and error text of a failed
// run, in a fixed order: critical infrastructure first, then test-only
// failures, then rate limits, then a best-effort error line.
func (o *Orchestrator) analyzeFailure(output, errText string) Analysis {
	combined := output + "\n" + errText

	for _, cp := range o.cfg.CriticalPatterns {
		re, err := regexp.Compile(cp.Pattern)
		if err != nil {
			log.WarningLog.Printf("invalid critical pattern %q: %v", cp.Pattern, err)
			continue
		}
		if re.MatchString(combined) {
			return Analysis{
				Reason:     cp.Label,
				Kind:       feature.FailureEnvironment,
				IsCritical: true,
				Label:      cp.Label,
			}
		}
	}

	for _, re := range testOnlyPatterns {
		if re.MatchString(combined) {
			return Analysis{
				Reason: extractErrorLine(combined),
				Kind:   feature.FailureTestOnly,
			}
		}
	}

	if agent.MatchesRateLimit(combined) {
		return Analysis{Reason: "agent rate limited", Kind: kindRateLimit}
	}

	if line := extractErrorLine(combined); line != "" {
		return Analysis{Reason: line, Kind: feature.FailureImplementation}
	}
	return Analysis{Reason: "agent run failed", Kind: feature.FailureUnknown}
}

// extractErrorLine returns the last line that looks like an error, truncated.
func extractErrorLine(combined string) string {
	lines := strings.Split(combined, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if errorLineRegex.MatchString(line) {
			return truncateReason(line)
		}
	}
	return ""
}

// truncateReason bounds a failure reason for storage and display.
func truncateReason(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > reasonMaxLen {
		return s[:reasonMaxLen]
	}
	return s
}
