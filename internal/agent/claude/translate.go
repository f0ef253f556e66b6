package claude

import (
	"encoding/json"
	"time"

	"github.com/agentdeck/agentdeck/internal/agent"
)

// Stateless translation from wire envelopes to canonical messages. The live
// streaming path and the offline transcript reader both go through these
// functions so the two produce identical message shapes.

// translateEntry converts an assistant or user envelope into a canonical
// message. Returns nil when the envelope carries nothing renderable.
func translateEntry(env *Envelope, role agent.Role) *agent.Message {
	blocks := contentBlocks(env.Message)
	var parts []agent.Part
	for _, b := range blocks {
		switch b.Type {
		case blockText:
			if b.Text != "" {
				parts = append(parts, agent.Part{Type: agent.PartText, Text: b.Text})
			}
		case blockThinking:
			if b.Thinking != "" {
				parts = append(parts, agent.Part{Type: agent.PartReasoning, Text: b.Thinking})
			}
		case blockToolUse:
			parts = append(parts, agent.Part{Type: agent.PartTool, Tool: &agent.ToolCall{
				CallID: b.ID,
				Name:   b.Name,
				Input:  b.Input,
				Status: agent.ToolRunning,
			}})
		case blockToolResult:
			// Result blocks are back-merged into the originating tool part,
			// never rendered as their own part. See mergeToolResults.
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return &agent.Message{
		ID:        agent.NewMessageID(),
		Role:      role,
		Timestamp: time.Now().UTC(),
		Content:   agent.FlattenParts(parts),
		Parts:     parts,
	}
}

// isToolResultOnly reports whether a user envelope's content consists
// exclusively of tool_result blocks. Such entries never become their own
// canonical message.
func isToolResultOnly(blocks []ContentBlock) bool {
	if len(blocks) == 0 {
		return false
	}
	for _, b := range blocks {
		if b.Type != blockToolResult {
			return false
		}
	}
	return true
}

// mergeToolResults joins tool_result blocks back onto the matching tool
// invocation parts of previously appended assistant messages, mutating
// status/output/error in place. Returns the messages that were updated.
func mergeToolResults(msgs []*agent.Message, blocks []ContentBlock) []*agent.Message {
	var updated []*agent.Message
	for _, b := range blocks {
		if b.Type != blockToolResult || b.ToolUseID == "" {
			continue
		}
		// Search newest-first: result delivery follows invocation closely.
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			if m.Role != agent.RoleAssistant {
				continue
			}
			t := m.ToolPart(b.ToolUseID)
			if t == nil {
				continue
			}
			text := resultText(b.Content)
			if b.IsError {
				t.Status = agent.ToolError
				t.Error = text
			} else {
				t.Status = agent.ToolSuccess
				t.Output = text
			}
			if !containsMessage(updated, m) {
				updated = append(updated, m)
			}
			break
		}
	}
	return updated
}

func containsMessage(msgs []*agent.Message, m *agent.Message) bool {
	for _, x := range msgs {
		if x == m {
			return true
		}
	}
	return false
}

// compactionMessage renders a compaction boundary as its own entry so the
// UI can mark where earlier context was summarized away.
func compactionMessage(env *Envelope) *agent.Message {
	text := "Conversation compacted"
	if env.Result != "" {
		text = env.Result
	}
	return &agent.Message{
		ID:        agent.NewMessageID(),
		Role:      agent.RoleAssistant,
		Timestamp: time.Now().UTC(),
		Parts:     []agent.Part{{Type: agent.PartCompaction, Text: text}},
	}
}

// parseToolInput assembles the accumulated input_json_delta fragments into
// structured input. Falls back to the raw string when the fragments do not
// form valid JSON.
func parseToolInput(fragments []string) json.RawMessage {
	var joined string
	for _, f := range fragments {
		joined += f
	}
	if joined == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(joined)) {
		return json.RawMessage(joined)
	}
	raw, _ := json.Marshal(joined)
	return raw
}
