package agent

import "context"

// Capabilities describes what a backend variant supports. Pure data,
// attached statically to each adapter.
type Capabilities struct {
	Undo               bool `json:"undo"`
	Redo               bool `json:"redo"`
	Commands           bool `json:"commands"`
	PermissionRequests bool `json:"permissionRequests"`
	QuestionPrompts    bool `json:"questionPrompts"`
	ModelSelection     bool `json:"modelSelection"`
	Reconnect          bool `json:"reconnect"`
	PartialStreaming   bool `json:"partialStreaming"`
}

// Event is one normalized event emitted toward the UI boundary. Seq orders
// events within a single turn; it is not stable across turns.
type Event struct {
	Type          string `json:"type"`
	HostSessionID string `json:"hostSessionId"`
	Seq           int    `json:"seq"`
	Data          any    `json:"data,omitempty"`
}

// Event types.
const (
	EventStatus         = "session.status"
	EventMessage        = "session.message"
	EventMessageUpdated = "session.message_updated"
	EventTextDelta      = "session.text_delta"
	EventReasoningDelta = "session.reasoning_delta"
	EventToolRunning    = "session.tool"
	EventMaterialized   = "session.materialized"
	EventError          = "session.error"
)

// Status values carried by EventStatus.
const (
	StatusBusy = "busy"
	StatusIdle = "idle"
)

// UISurface receives normalized events. Delivery is fire-and-forget:
// implementations must never block or panic into an adapter goroutine.
type UISurface interface {
	Emit(Event)
}

// SessionPatch is a partial update to a persisted session record. Nil fields
// are left unchanged.
type SessionPatch struct {
	BackendID         *string
	WorkspacePath     *string
	ProviderSessionID *string
}

// SessionRecorder persists session records so a later process restart can
// reconnect. Calls are best-effort from the adapter's perspective; failures
// are logged, never fatal.
type SessionRecorder interface {
	UpdateSessionRecord(hostSessionID string, patch SessionPatch) error
}

// SessionInfo is the host-visible undo state of a session.
type SessionInfo struct {
	LastUndoMessageID string `json:"lastUndoMessageId,omitempty"`
	UndoDiffSummary   string `json:"undoDiffSummary,omitempty"`
}

// Adapter manages all sessions for one backend provider. Implementations own
// their session registry exclusively; no other component mutates it.
type Adapter interface {
	// ID returns the backend identifier ("claude", "codex", ...).
	ID() string

	// Capabilities returns the static capability descriptor.
	Capabilities() Capabilities

	// BindUISurface sets the sink for normalized events.
	BindUISurface(UISurface)

	// Connect creates a session in the pending state and returns its
	// placeholder provider session id.
	Connect(ctx context.Context, workspacePath, hostSessionID string) (string, error)

	// Reconnect restores a materialized session from persisted state, or
	// updates the host id of an existing one. Idempotent.
	Reconnect(ctx context.Context, workspacePath, providerSessionID, hostSessionID string) error

	// Disconnect closes and removes a session. Missing sessions are a no-op.
	Disconnect(workspacePath, providerSessionID string)

	// Cleanup disconnects every session owned by this adapter.
	Cleanup()

	// Abort cancels the in-flight turn, if any. Returns false when the
	// session is unknown.
	Abort(workspacePath, providerSessionID string) bool

	// Prompt runs one streaming turn.
	Prompt(ctx context.Context, workspacePath, providerSessionID string, p Prompt) error

	// Messages returns the accumulated transcript, falling back to the
	// on-disk record when the in-memory cache is empty. The returned slice
	// is shared; callers must not mutate it.
	Messages(ctx context.Context, workspacePath, providerSessionID string) ([]*Message, error)

	// Undo rewinds filesystem side effects to the previous checkpoint.
	Undo(ctx context.Context, workspacePath, providerSessionID string) (*SessionInfo, error)

	// Redo re-applies the most recently undone checkpoint, when supported.
	Redo(ctx context.Context, workspacePath, providerSessionID string) (*SessionInfo, error)

	// SessionInfo reads the current undo state. Never fails; unknown
	// sessions yield the zero value.
	SessionInfo(workspacePath, providerSessionID string) SessionInfo
}
