package claude

import (
	"context"
	"errors"
)

// ErrNoFileCheckpoint is returned by Rewind when the backend kept no file
// snapshot for the requested conversation point. Callers treat it as
// recoverable and fall back to a conversation-only revert.
var ErrNoFileCheckpoint = errors.New("no file checkpoint for this point")

// QueryOptions parameterize one live query against the CLI.
type QueryOptions struct {
	// WorkspacePath is the working directory for the agent process.
	WorkspacePath string
	// Model selects the model, when non-empty.
	Model string
	// ResumeSessionID resumes an existing provider session.
	ResumeSessionID string
	// ResumeFromUUID resumes the conversation from an earlier turn, set
	// after a conversation-only revert.
	ResumeFromUUID string
	// PartialStream enables incremental stream_event delivery.
	PartialStream bool
	// Prompt is the initial user text. Empty opens a handle without
	// starting a turn (used to obtain a rewind-capable handle).
	Prompt string
}

// Query is the live event stream for one turn. Events is closed when the
// stream ends; Err then reports any stream failure. Interrupt and Close are
// best-effort and safe on an already-finished stream.
type Query interface {
	Events() <-chan Envelope
	Err() error
	Interrupt(ctx context.Context) error
	Close() error
}

// Rewinder is implemented by queries that can rewind workspace files to a
// conversation checkpoint. Its presence must be asserted at runtime, never
// assumed.
type Rewinder interface {
	Rewind(ctx context.Context, checkpointUUID string) (*RewindResult, error)
}

// StartQueryFunc launches a query. Swappable in tests.
type StartQueryFunc func(ctx context.Context, opts QueryOptions) (Query, error)
