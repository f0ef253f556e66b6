package codex

import (
	"encoding/json"
	"time"

	"github.com/agentdeck/agentdeck/internal/agent"
)

// Translation from app-server items to canonical messages. Tool-shaped items
// map onto the same tool names the claude backend produces so the UI renders
// both backends identically.

// startedToolCall converts an item/started notification into a running tool
// invocation, or nil for item types that only matter at completion.
func startedToolCall(item *itemData) *agent.ToolCall {
	switch item.Type {
	case itemCommandExecution:
		input, _ := json.Marshal(map[string]string{"command": item.Command})
		return &agent.ToolCall{CallID: item.ID, Name: "Bash", Input: input, Status: agent.ToolRunning}
	case itemMCPToolCall:
		return &agent.ToolCall{CallID: item.ID, Name: item.Tool, Input: item.Arguments, Status: agent.ToolRunning}
	default:
		return nil
	}
}

// completedMessage converts an item/completed notification into a new
// canonical message. Returns nil for item types that resolve an earlier
// invocation instead (see completedToolResult) and for empty payloads.
func completedMessage(item *itemData) *agent.Message {
	var parts []agent.Part
	switch item.Type {
	case itemAgentMessage:
		if item.Text == "" {
			return nil
		}
		parts = []agent.Part{{Type: agent.PartText, Text: item.Text}}
	case itemReasoning:
		if item.Text == "" {
			return nil
		}
		parts = []agent.Part{{Type: agent.PartReasoning, Text: item.Text}}
	case itemFileChange:
		name := "Edit"
		for _, c := range item.Changes {
			if c.Kind == "add" {
				name = "Write"
				break
			}
		}
		input, _ := json.Marshal(item.Changes)
		parts = []agent.Part{{Type: agent.PartTool, Tool: &agent.ToolCall{
			CallID: item.ID, Name: name, Input: input, Status: agent.ToolSuccess,
		}}}
	case itemWebSearch:
		input, _ := json.Marshal(map[string]string{"query": item.Query})
		parts = []agent.Part{{Type: agent.PartTool, Tool: &agent.ToolCall{
			CallID: item.ID, Name: "WebSearch", Input: input, Status: agent.ToolSuccess,
		}}}
	case itemTodoList:
		input, _ := json.Marshal(item.Items)
		parts = []agent.Part{{Type: agent.PartTool, Tool: &agent.ToolCall{
			CallID: item.ID, Name: "TodoWrite", Input: input, Status: agent.ToolSuccess,
		}}}
	default:
		return nil
	}
	return &agent.Message{
		ID:        agent.NewMessageID(),
		Role:      agent.RoleAssistant,
		Timestamp: time.Now().UTC(),
		Content:   agent.FlattenParts(parts),
		Parts:     parts,
	}
}

// completedToolResult resolves an item/completed notification against the
// earlier invocation it finishes, mutating the matching tool part in place.
// Returns the updated message, or nil when the item is not a completion or
// no invocation matches.
func completedToolResult(msgs []*agent.Message, item *itemData) *agent.Message {
	var output, errText string
	switch item.Type {
	case itemCommandExecution:
		output = item.AggregatedOutput
		if item.ExitCode != nil && *item.ExitCode != 0 {
			errText = output
			output = ""
		}
	case itemMCPToolCall:
		output = item.Result
		errText = item.Error
	default:
		return nil
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != agent.RoleAssistant {
			continue
		}
		t := m.ToolPart(item.ID)
		if t == nil {
			continue
		}
		if errText != "" {
			t.Status = agent.ToolError
			t.Error = errText
		} else {
			t.Status = agent.ToolSuccess
			t.Output = output
		}
		return m
	}
	return nil
}
