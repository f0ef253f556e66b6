// Package claude implements agent.Adapter for the Claude Code CLI using its
// stream-json wire protocol. Each JSONL line from the CLI is decoded into an
// Envelope; unknown envelope, block, and delta types are logged and skipped
// so new CLI versions never crash a turn.
package claude

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Envelope type discriminators.
const (
	typeSystem          = "system"
	typeAssistant       = "assistant"
	typeUser            = "user"
	typeResult          = "result"
	typeStreamEvent     = "stream_event"
	typeControlRequest  = "control_request"
	typeControlResponse = "control_response"
)

// System envelope subtypes.
const (
	subtypeInit       = "init"
	subtypeCompaction = "compact_boundary"
)

// Content block types.
const (
	blockText       = "text"
	blockThinking   = "thinking"
	blockToolUse    = "tool_use"
	blockToolResult = "tool_result"
)

// Stream event types.
const (
	streamMessageStart      = "message_start"
	streamContentBlockStart = "content_block_start"
	streamContentBlockDelta = "content_block_delta"
	streamContentBlockStop  = "content_block_stop"
	streamMessageDelta      = "message_delta"
	streamMessageStop       = "message_stop"
)

// Delta types within content_block_delta.
const (
	deltaText      = "text_delta"
	deltaThinking  = "thinking_delta"
	deltaInputJSON = "input_json_delta"
)

// Envelope is one stream-json line from the CLI. Fields are populated
// according to Type; absent fields stay zero.
type Envelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	UUID      string `json:"uuid,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// system init fields.
	Model string `json:"model,omitempty"`
	CWD   string `json:"cwd,omitempty"`

	// assistant/user fields.
	ParentToolUseID *string      `json:"parent_tool_use_id,omitempty"`
	Message         *WireMessage `json:"message,omitempty"`

	// stream_event fields.
	Event *StreamEvent `json:"event,omitempty"`

	// result fields.
	Result     string `json:"result,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	NumTurns   int    `json:"num_turns,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	// control_response fields.
	Response *ControlResponse `json:"response,omitempty"`
}

// WireMessage is the nested message object of assistant/user envelopes.
type WireMessage struct {
	Role    string          `json:"role"`
	Content FlexibleContent `json:"content"`
}

// FlexibleContent is either a plain string or an array of content blocks.
type FlexibleContent struct {
	raw json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	fc.raw = append(fc.raw[:0], data...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (fc FlexibleContent) MarshalJSON() ([]byte, error) {
	if fc.raw == nil {
		return []byte("null"), nil
	}
	return fc.raw, nil
}

// AsString returns the content as a string, if it is one.
func (fc FlexibleContent) AsString() (string, bool) {
	if len(fc.raw) == 0 || fc.raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(fc.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsBlocks returns the content as content blocks, if it is an array.
func (fc FlexibleContent) AsBlocks() ([]ContentBlock, bool) {
	if len(fc.raw) == 0 || fc.raw[0] != '[' {
		return nil, false
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(fc.raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// ContentBlock is one typed block within a message's content array. Flat by
// design: the Type field selects which of the remaining fields are set.
type ContentBlock struct {
	Type string `json:"type"`

	// text / thinking.
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   FlexibleContent `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// StreamEvent is the inner event of a stream_event envelope.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
}

// Delta is an incremental content fragment within one block.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ControlResponse is the CLI's reply to a control request we sent,
// correlated by request id.
type ControlResponse struct {
	Subtype   string        `json:"subtype"`
	RequestID string        `json:"request_id"`
	Error     string        `json:"error,omitempty"`
	Rewind    *RewindResult `json:"rewind,omitempty"`
}

// RewindResult is the outcome of a rewind control request.
type RewindResult struct {
	FilesChanged     int    `json:"files_changed"`
	Insertions       int    `json:"insertions"`
	Deletions        int    `json:"deletions"`
	CannotRewind     bool   `json:"cannot_rewind,omitempty"`
	Reason           string `json:"reason,omitempty"`
	NoFileCheckpoint bool   `json:"no_file_checkpoint,omitempty"`
}

// ParseEnvelope decodes a single stream-json line.
func ParseEnvelope(line []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// contentBlocks normalizes a wire message's content into blocks. A plain
// string becomes a single text block.
func contentBlocks(m *WireMessage) []ContentBlock {
	if m == nil {
		return nil
	}
	if s, ok := m.Content.AsString(); ok {
		if s == "" {
			return nil
		}
		return []ContentBlock{{Type: blockText, Text: s}}
	}
	blocks, _ := m.Content.AsBlocks()
	known := blocks[:0]
	for _, b := range blocks {
		switch b.Type {
		case blockText, blockThinking, blockToolUse, blockToolResult:
			known = append(known, b)
		default:
			slog.Warn("claude: skipping unknown content block type", "type", b.Type)
		}
	}
	return known
}

// resultText flattens a tool_result content payload to plain text.
func resultText(fc FlexibleContent) string {
	if s, ok := fc.AsString(); ok {
		return s
	}
	blocks, _ := fc.AsBlocks()
	var out string
	for _, b := range blocks {
		if b.Type == blockText && b.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}
