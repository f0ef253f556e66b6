// Package agent defines the canonical conversation model shared by every
// backend adapter, the dispatcher that routes operations to them, and the
// error taxonomy they surface. Each backend translates its native wire
// format into these types so the rest of the system (routing layer, SSE
// stream, persistence) stays backend-agnostic.
package agent

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/maruel/ksid"
)

// Role identifies the author of a Message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates Message parts.
type PartType string

// Part types.
const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartTool       PartType = "tool"
	PartCompaction PartType = "compaction"
)

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

// Tool invocation states.
const (
	ToolRunning ToolStatus = "running"
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
)

// ToolCall is one tool invocation within a message. Status and Output are
// mutated in place when the backend delivers the result in a later protocol
// message; this is the only post-insertion mutation the model allows.
type ToolCall struct {
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Status ToolStatus      `json:"status"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Part is one typed segment of a Message.
type Part struct {
	Type PartType  `json:"type"`
	Text string    `json:"text,omitempty"`
	Tool *ToolCall `json:"tool,omitempty"`
}

// Message is one canonical conversation entry. Content is the flattened
// text of the text parts; Parts preserves ordering and typing.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Parts     []Part    `json:"parts"`
}

// NewMessageID returns a fresh k-sortable message identifier.
func NewMessageID() string {
	return ksid.NewID().String()
}

// ToolPart returns the tool call with the given id, or nil.
func (m *Message) ToolPart(callID string) *ToolCall {
	for i := range m.Parts {
		if t := m.Parts[i].Tool; t != nil && t.CallID == callID {
			return t
		}
	}
	return nil
}

// FlattenParts joins the text of all text parts with newlines.
func FlattenParts(parts []Part) string {
	var texts []string
	for _, p := range parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// PromptPart is one element of user input: plain text or a file reference.
type PromptPart struct {
	Type string `json:"type"` // "text" or "file"
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// Prompt is one user turn. Model optionally overrides the session's model
// for this and subsequent turns.
type Prompt struct {
	Parts []PromptPart `json:"parts"`
	Model string       `json:"model,omitempty"`
}

// Text builds a Prompt from a single text part.
func Text(s string) Prompt {
	return Prompt{Parts: []PromptPart{{Type: "text", Text: s}}}
}

// Flatten renders the prompt parts as a single string. File references
// become @path mentions, the convention the agent CLIs understand.
func (p Prompt) Flatten() string {
	var b strings.Builder
	for _, part := range p.Parts {
		s := part.Text
		if part.Type == "file" {
			s = "@" + part.Path
		}
		if s == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s)
	}
	return b.String()
}
