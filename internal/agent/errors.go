package agent

import (
	"errors"
	"log/slog"
)

// Sentinel errors surfaced by adapters and the dispatcher. User-initiated
// operations (prompt, undo, redo) propagate these to the caller; best-effort
// operations swallow their own failures via Discard.
var (
	// ErrUnknownBackend means the dispatcher was given an unregistered id.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrSessionNotFound means the operation targeted a session that is not
	// in the adapter's registry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNothingToUndo means no eligible checkpoint remains to rewind to.
	ErrNothingToUndo = errors.New("nothing to undo")
	// ErrNoQueryAvailable means no live or resumable query handle could be
	// obtained for a rewind.
	ErrNoQueryAvailable = errors.New("no query available")
	// ErrRewindUnsupported means the obtained query handle does not expose a
	// rewind capability.
	ErrRewindUnsupported = errors.New("rewind unsupported by query handle")
	// ErrRedoUnsupported means this backend variant cannot redo.
	ErrRedoUnsupported = errors.New("redo unsupported by this backend")
	// ErrNothingToRedo means the redo stack is empty.
	ErrNothingToRedo = errors.New("nothing to redo")
)

// CannotRewindError means the backend refused the rewind, with its reason.
type CannotRewindError struct {
	Reason string
}

func (e *CannotRewindError) Error() string {
	if e.Reason == "" {
		return "backend cannot rewind to this checkpoint"
	}
	return "backend cannot rewind: " + e.Reason
}

// StreamingError wraps a failure raised by the backend's event stream during
// a turn. The turn still ends with an idle status transition.
type StreamingError struct {
	Err error
}

func (e *StreamingError) Error() string { return "backend stream failed: " + e.Err.Error() }

// Unwrap returns the underlying stream error.
func (e *StreamingError) Unwrap() error { return e.Err }

// Discard logs err at WARN and drops it. Applied uniformly at best-effort
// call sites (closing stale handles, persistence notifications, interrupts)
// whose failure must never affect the caller.
func Discard(err error, msg string, args ...any) {
	if err != nil {
		slog.Warn(msg, append(args, "err", err)...)
	}
}
