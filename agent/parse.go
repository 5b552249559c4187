package agent

import (
	"encoding/json"
	"strings"
	"time"
)

// rawEvent is the superset of fields across the event schemas we accept.
type rawEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Model   string          `json:"model"`
	Message json.RawMessage `json:"message"`
	Result  string          `json:"result"`
	Item    json.RawMessage `json:"item"`

	// Legacy direct-message form.
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentBlock is one entry of a structured content array.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Content   json.RawMessage `json:"content"`
	ToolUseID string          `json:"tool_use_id"`
}

// innerMessage is the message envelope of assistant/user events.
type innerMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// itemEvent is the item payload of item.* events from alternative tools.
type itemEvent struct {
	Type             string `json:"type"`
	Text             string `json:"text"`
	Command          string `json:"command"`
	AggregatedOutput string `json:"aggregated_output"`
}

// ParseLine normalizes one line of agent output into messages. A line that
// is not a recognized JSON event becomes a single assistant message with the
// raw line preserved.
func ParseLine(line string, who Name, now time.Time) []Message {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	var ev rawEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return []Message{{Kind: KindAssistant, Timestamp: now, Agent: who, Content: trimmed, Raw: trimmed}}
	}

	switch {
	case ev.Type == "system":
		content := ev.Subtype
		if ev.Model != "" {
			content = strings.TrimSpace(content + " " + ev.Model)
		}
		return []Message{{Kind: KindSystem, Timestamp: now, Agent: who, Content: content}}

	case ev.Type == "assistant" && len(ev.Message) > 0:
		return parseInnerMessage(ev.Message, who, now)

	case ev.Type == "user" && len(ev.Message) > 0:
		return parseInnerMessage(ev.Message, who, now)

	case ev.Type == "result":
		content := ev.Result
		if content == "" {
			content = ev.Subtype
		}
		return []Message{{Kind: KindResult, Timestamp: now, Agent: who, Content: content}}

	case strings.HasPrefix(ev.Type, "item.") && len(ev.Item) > 0:
		return parseItemEvent(ev.Item, who, now)

	case ev.Role != "":
		// Legacy direct-message form: {"role": "assistant", "content": ...}
		return []Message{{
			Kind:      KindAssistant,
			Timestamp: now,
			Agent:     who,
			Content:   decodeContent(ev.Content),
		}}
	}

	return []Message{{Kind: KindAssistant, Timestamp: now, Agent: who, Content: trimmed, Raw: trimmed}}
}

// parseInnerMessage expands the content array of an assistant or user event.
func parseInnerMessage(raw json.RawMessage, who Name, now time.Time) []Message {
	var inner innerMessage
	if err := json.Unmarshal(raw, &inner); err != nil {
		return []Message{{Kind: KindAssistant, Timestamp: now, Agent: who, Content: string(raw), Raw: string(raw)}}
	}

	// Content may be a plain string.
	var asString string
	if err := json.Unmarshal(inner.Content, &asString); err == nil {
		return []Message{{Kind: KindAssistant, Timestamp: now, Agent: who, Content: asString}}
	}

	var blocks []contentBlock
	if err := json.Unmarshal(inner.Content, &blocks); err != nil {
		return []Message{{Kind: KindAssistant, Timestamp: now, Agent: who, Content: string(inner.Content), Raw: string(inner.Content)}}
	}

	var msgs []Message
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) != "" {
				msgs = append(msgs, Message{Kind: KindAssistant, Timestamp: now, Agent: who, Content: block.Text})
			}
		case "tool_use":
			msgs = append(msgs, Message{
				Kind:      KindToolUse,
				Timestamp: now,
				Agent:     who,
				ToolName:  block.Name,
				ToolInput: string(block.Input),
			})
		case "tool_result":
			msgs = append(msgs, Message{
				Kind:       KindToolResult,
				Timestamp:  now,
				Agent:      who,
				ToolResult: decodeContent(block.Content),
			})
		}
	}
	return msgs
}

// parseItemEvent maps item-events from alternative tools onto the normalized
// message kinds.
func parseItemEvent(raw json.RawMessage, who Name, now time.Time) []Message {
	var item itemEvent
	if err := json.Unmarshal(raw, &item); err != nil {
		return []Message{{Kind: KindAssistant, Timestamp: now, Agent: who, Content: string(raw), Raw: string(raw)}}
	}

	switch item.Type {
	case "agent_message", "reasoning":
		return []Message{{Kind: KindAssistant, Timestamp: now, Agent: who, Content: item.Text}}
	case "command_execution":
		msgs := []Message{{Kind: KindToolUse, Timestamp: now, Agent: who, ToolName: "command", ToolInput: item.Command}}
		if item.AggregatedOutput != "" {
			msgs = append(msgs, Message{Kind: KindToolResult, Timestamp: now, Agent: who, ToolResult: item.AggregatedOutput})
		}
		return msgs
	default:
		return []Message{{Kind: KindSystem, Timestamp: now, Agent: who, Content: item.Type}}
	}
}

// decodeContent renders a content field that may be a string, a content
// array, or arbitrary JSON.
func decodeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return string(raw)
}
