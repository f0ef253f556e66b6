// Package codex implements agent.Adapter for the Codex CLI using its
// app-server JSON-RPC 2.0 protocol. The CLI emits item-based notifications
// per turn; each item becomes one canonical message or a tool-result merge.
package codex

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC notification methods.
const (
	methodThreadStarted = "thread/started"
	methodTurnStarted   = "turn/started"
	methodTurnCompleted = "turn/completed"
	methodItemStarted   = "item/started"
	methodItemCompleted = "item/completed"
	methodItemUpdated   = "item/updated"
	methodItemDelta     = "item/agentMessage/delta"
)

// Item types within item/* notification params.
const (
	itemAgentMessage     = "agent_message"
	itemReasoning        = "reasoning"
	itemCommandExecution = "command_execution"
	itemFileChange       = "file_change"
	itemMCPToolCall      = "mcp_tool_call"
	itemWebSearch        = "web_search"
	itemTodoList         = "todo_list"
	itemError            = "error"
)

// Turn completion statuses.
const (
	turnStatusCompleted = "completed"
	turnStatusFailed    = "failed"
)

// rpcMessage is the JSON-RPC 2.0 envelope. Notifications have Method set
// and ID nil; responses have ID set.
type rpcMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *rpcError        `json:"error,omitempty"`
}

// isResponse reports whether the message is a response to one of our
// requests.
func (m *rpcMessage) isResponse() bool { return m.ID != nil }

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// threadParams is the params payload of thread/started, and the result
// payload of thread/start and thread/resume.
type threadParams struct {
	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`
}

// turnCompletedParams is the params payload of turn/completed.
type turnCompletedParams struct {
	Turn struct {
		Status string    `json:"status"`
		Usage  turnUsage `json:"usage"`
		Error  string    `json:"error,omitempty"`
	} `json:"turn"`
}

// turnUsage carries token counts for one turn.
type turnUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

// itemParams is the params payload of item/started, item/updated and
// item/completed.
type itemParams struct {
	Item itemData `json:"item"`
}

// itemDeltaParams is the params payload of item/agentMessage/delta.
type itemDeltaParams struct {
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

// itemData is the inner item object. Flat: Type selects which fields are
// populated.
type itemData struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`

	// agent_message / reasoning.
	Text string `json:"text,omitempty"`

	// command_execution.
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`

	// file_change.
	Changes []fileChange `json:"changes,omitempty"`

	// mcp_tool_call.
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`

	// web_search.
	Query string `json:"query,omitempty"`

	// todo_list.
	Items []todoItem `json:"items,omitempty"`

	// error.
	Message string `json:"message,omitempty"`
}

// fileChange is one entry of a file_change item.
type fileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // add, update, delete
}

// todoItem is one entry of a todo_list item.
type todoItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

func parseRPC(line []byte) (*rpcMessage, error) {
	var m rpcMessage
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("unmarshal rpc message: %w", err)
	}
	return &m, nil
}
