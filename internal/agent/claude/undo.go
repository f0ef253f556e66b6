package claude

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentdeck/agentdeck/internal/agent"
)

// Undo rewinds the session one user turn: it picks the newest checkpoint
// strictly before the current revert boundary, asks the backend to restore
// workspace files to it, and records the new boundary. Repeated calls walk
// further back monotonically until the next prompt resets the state.
func (a *Adapter) Undo(ctx context.Context, workspacePath, providerSessionID string) (*agent.SessionInfo, error) {
	s := a.lookup(workspacePath, providerSessionID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", agent.ErrSessionNotFound, providerSessionID)
	}

	s.mu.Lock()
	target, ok := pickUndoTarget(s)
	if !ok {
		s.mu.Unlock()
		return nil, agent.ErrNothingToUndo
	}
	messageID := ""
	if target.index < len(s.messages) {
		messageID = s.messages[target.index].ID
	}
	s.mu.Unlock()

	q, err := a.undoQuery(s)
	if err != nil {
		return nil, err
	}
	rw, ok := q.(Rewinder)
	if !ok {
		return nil, agent.ErrRewindUnsupported
	}

	var diff string
	res, err := rw.Rewind(ctx, target.uuid)
	switch {
	case errors.Is(err, ErrNoFileCheckpoint):
		// Degraded path: the conversation still reverts, files stay as they
		// are, and the next prompt resumes from the checkpoint's turn.
		slog.Warn("claude: no file checkpoint, reverting conversation only",
			"session", providerSessionID, "checkpoint", target.uuid)
		s.mu.Lock()
		s.resumeFrom = target.uuid
		s.mu.Unlock()
	case err != nil:
		return nil, fmt.Errorf("rewind to %s: %w", target.uuid, err)
	case res.CannotRewind:
		return nil, &agent.CannotRewindError{Reason: res.Reason}
	default:
		diff = diffSummary(res)
	}

	s.mu.Lock()
	s.revert = &revertBoundary{checkpointUUID: target.uuid, messageID: messageID, diffSummary: diff}
	s.mu.Unlock()
	slog.Info("claude: session rewound", "session", providerSessionID, "checkpoint", target.uuid, "diff", diff)
	return &agent.SessionInfo{LastUndoMessageID: messageID, UndoDiffSummary: diff}, nil
}

// Redo is not available on this backend: the CLI keeps no forward history
// past a rewind.
func (a *Adapter) Redo(context.Context, string, string) (*agent.SessionInfo, error) {
	return nil, agent.ErrRedoUnsupported
}

// pickUndoTarget selects the newest checkpoint strictly before the current
// revert boundary, or the newest one overall when no revert is in effect.
// Caller holds s.mu.
func pickUndoTarget(s *session) (checkpoint, bool) {
	limit := len(s.checkpoints)
	if s.revert != nil {
		for i, cp := range s.checkpoints {
			if cp.uuid == s.revert.checkpointUUID {
				limit = i
				break
			}
		}
	}
	if limit == 0 {
		return checkpoint{}, false
	}
	return s.checkpoints[limit-1], true
}

// undoQuery returns a handle to rewind through: the live query when a turn
// is running, else the last finished one, else a fresh empty-prompt query
// against the materialized session. A fresh query is retained as lastQuery,
// so it is started detached from the request context.
func (a *Adapter) undoQuery(s *session) (Query, error) {
	s.mu.Lock()
	q := s.activeQuery
	if q == nil {
		q = s.lastQuery
	}
	materialized := s.materialized
	opts := QueryOptions{
		WorkspacePath:   s.workspacePath,
		Model:           s.model,
		ResumeSessionID: s.providerSessionID,
	}
	s.mu.Unlock()
	if q != nil {
		return q, nil
	}
	if !materialized {
		return nil, agent.ErrNoQueryAvailable
	}
	q, err := a.startQuery(context.Background(), opts)
	if err != nil {
		return nil, fmt.Errorf("open query for rewind: %w", err)
	}
	s.mu.Lock()
	s.lastQuery = q
	s.mu.Unlock()
	return q, nil
}

// diffSummary renders the rewind's file impact, empty when no files moved.
func diffSummary(res *RewindResult) string {
	if res == nil || res.FilesChanged == 0 {
		return ""
	}
	return fmt.Sprintf("%d file(s) changed, +%d -%d", res.FilesChanged, res.Insertions, res.Deletions)
}
