package agent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var parseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestParseLineClaudeStream(t *testing.T) {
	t.Run("system init", func(t *testing.T) {
		msgs := ParseLine(`{"type":"system","subtype":"init","model":"claude-sonnet"}`, Claude, parseTime)
		require.Len(t, msgs, 1)
		assert.Equal(t, KindSystem, msgs[0].Kind)
		assert.Contains(t, msgs[0].Content, "init")
		assert.Contains(t, msgs[0].Content, "claude-sonnet")
	})

	t.Run("assistant text and tool use", func(t *testing.T) {
		line := `{"type":"assistant","message":{"role":"assistant","content":[` +
			`{"type":"text","text":"Let me check the file."},` +
			`{"type":"tool_use","name":"Read","input":{"path":"main.go"}}]}}`
		msgs := ParseLine(line, Claude, parseTime)
		require.Len(t, msgs, 2)

		assert.Equal(t, KindAssistant, msgs[0].Kind)
		assert.Equal(t, "Let me check the file.", msgs[0].Content)
		assert.Equal(t, Claude, msgs[0].Agent)

		assert.Equal(t, KindToolUse, msgs[1].Kind)
		assert.Equal(t, "Read", msgs[1].ToolName)
		assert.Contains(t, msgs[1].ToolInput, "main.go")
	})

	t.Run("tool result", func(t *testing.T) {
		line := `{"type":"user","message":{"role":"user","content":[` +
			`{"type":"tool_result","tool_use_id":"t1","content":"package main"}]}}`
		msgs := ParseLine(line, Claude, parseTime)
		require.Len(t, msgs, 1)
		assert.Equal(t, KindToolResult, msgs[0].Kind)
		assert.Equal(t, "package main", msgs[0].ToolResult)
	})

	t.Run("tool result with content blocks", func(t *testing.T) {
		line := `{"type":"user","message":{"content":[` +
			`{"type":"tool_result","content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]}]}}`
		msgs := ParseLine(line, Claude, parseTime)
		require.Len(t, msgs, 1)
		assert.Equal(t, "line one\nline two", msgs[0].ToolResult)
	})

	t.Run("result", func(t *testing.T) {
		msgs := ParseLine(`{"type":"result","subtype":"success","result":"Implemented feature."}`, Claude, parseTime)
		require.Len(t, msgs, 1)
		assert.Equal(t, KindResult, msgs[0].Kind)
		assert.Equal(t, "Implemented feature.", msgs[0].Content)
	})
}

func TestParseLineLegacyAndItems(t *testing.T) {
	t.Run("legacy direct message", func(t *testing.T) {
		msgs := ParseLine(`{"role":"assistant","content":"plain answer"}`, Gemini, parseTime)
		require.Len(t, msgs, 1)
		assert.Equal(t, KindAssistant, msgs[0].Kind)
		assert.Equal(t, "plain answer", msgs[0].Content)
	})

	t.Run("item agent message", func(t *testing.T) {
		msgs := ParseLine(`{"type":"item.completed","item":{"type":"agent_message","text":"done"}}`, Codex, parseTime)
		require.Len(t, msgs, 1)
		assert.Equal(t, KindAssistant, msgs[0].Kind)
		assert.Equal(t, "done", msgs[0].Content)
		assert.Equal(t, Codex, msgs[0].Agent)
	})

	t.Run("item command execution", func(t *testing.T) {
		line := `{"type":"item.completed","item":{"type":"command_execution","command":"go test ./...","aggregated_output":"ok"}}`
		msgs := ParseLine(line, Codex, parseTime)
		require.Len(t, msgs, 2)
		assert.Equal(t, KindToolUse, msgs[0].Kind)
		assert.Equal(t, "go test ./...", msgs[0].ToolInput)
		assert.Equal(t, KindToolResult, msgs[1].Kind)
		assert.Equal(t, "ok", msgs[1].ToolResult)
	})
}

func TestParseLineFallbacks(t *testing.T) {
	t.Run("plain text line", func(t *testing.T) {
		msgs := ParseLine("not json at all", Claude, parseTime)
		require.Len(t, msgs, 1)
		assert.Equal(t, KindAssistant, msgs[0].Kind)
		assert.Equal(t, "not json at all", msgs[0].Content)
		assert.Equal(t, "not json at all", msgs[0].Raw)
	})

	t.Run("unknown json object", func(t *testing.T) {
		msgs := ParseLine(`{"something":"else"}`, Claude, parseTime)
		require.Len(t, msgs, 1)
		assert.Equal(t, KindAssistant, msgs[0].Kind)
		assert.NotEmpty(t, msgs[0].Raw)
	})

	t.Run("blank line", func(t *testing.T) {
		assert.Empty(t, ParseLine("   ", Claude, parseTime))
	})
}

func TestParseStreamRoundTrip(t *testing.T) {
	lines := []string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"step one"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"cmd":"ls"}}]}}`,
		`{"type":"result","result":"finished"}`,
	}

	var msgs []Message
	for _, line := range lines {
		msgs = append(msgs, ParseLine(line, Claude, parseTime)...)
	}
	require.Len(t, msgs, 4)

	// Serializing and re-reading the normalized messages preserves order
	// and kinds.
	data, err := json.Marshal(msgs)
	require.NoError(t, err)
	var decoded []Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, len(msgs))
	for i := range msgs {
		assert.Equal(t, msgs[i].Kind, decoded[i].Kind)
		assert.Equal(t, msgs[i].Content, decoded[i].Content)
	}
}
