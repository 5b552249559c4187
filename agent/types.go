// Package agent runs external coding-agent CLIs (claude, codex, gemini),
// streams their line-delimited JSON events into normalized messages,
// classifies failures, and falls back between agents on rate limits and
// unavailability.
package agent

import "time"

// Name identifies an agent. The set is closed; System marks messages the
// orchestrator itself injects into a session.
type Name string

const (
	Claude Name = "claude"
	Codex  Name = "codex"
	Gemini Name = "gemini"
	System Name = "system"
)

// ValidName reports whether n names a spawnable agent.
func ValidName(n Name) bool {
	switch n {
	case Claude, Codex, Gemini:
		return true
	}
	return false
}

// MessageKind is the normalized event type parsed from an agent's stream.
type MessageKind string

const (
	KindSystem     MessageKind = "system"
	KindAssistant  MessageKind = "assistant"
	KindToolUse    MessageKind = "tool_use"
	KindToolResult MessageKind = "tool_result"
	KindResult     MessageKind = "result"
)

// Message is one normalized event from an agent's output stream.
type Message struct {
	Kind       MessageKind `json:"kind"`
	Timestamp  time.Time   `json:"timestamp"`
	Agent      Name        `json:"agent,omitempty"`
	Content    string      `json:"content,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	ToolInput  string      `json:"tool_input,omitempty"`
	ToolResult string      `json:"tool_result,omitempty"`
	// Raw preserves the original line when it could not be parsed as a
	// recognized event.
	Raw string `json:"raw,omitempty"`
}

// Phase selects which command variant and tool allowlist an invocation uses.
type Phase string

const (
	PhaseImplementation Phase = "implementation"
	PhaseVerification   Phase = "verification"
	PhaseFix            Phase = "fix"
)

// Result is the outcome of one executor invocation, after any fallback.
type Result struct {
	Success  bool
	Output   string
	Messages []Message
	Error    string
	// StderrTail is the last portion of standard error from the final
	// attempt.
	StderrTail string
	// AnalysisOutput and AnalysisError are the last attempt's output and
	// error, kept separately for failure analysis after fallback sequences.
	AnalysisOutput string
	AnalysisError  string
	// AgentUsed is the agent that actually produced the final attempt.
	AgentUsed Name
	// RateLimited is set when the run ultimately failed due to rate limits
	// across all candidates.
	RateLimited bool
}
