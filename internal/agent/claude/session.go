package claude

import (
	"context"
	"sync"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/google/uuid"
)

// placeholderPrefix marks locally generated provider session ids used before
// the backend issues its own.
const placeholderPrefix = "pending::"

// checkpoint marks a conversation point that filesystem state can be
// rewound to: the provider-issued turn uuid and the index of the message it
// corresponds to.
type checkpoint struct {
	uuid  string
	index int
}

// revertBoundary records the most recent successful undo target. Non-nil
// only between a successful undo and the next prompt.
type revertBoundary struct {
	checkpointUUID string
	messageID      string
	diffSummary    string
}

// blockAccum accumulates input_json_delta fragments for one in-flight tool
// invocation, keyed by stream block index. Cleared at content_block_stop.
type blockAccum struct {
	callID    string
	name      string
	fragments []string
}

// session is one registry entry. Owned exclusively by its adapter. turnMu
// serializes prompt turns; mu guards the mutable fields.
type session struct {
	workspacePath string
	hostSessionID string

	turnMu sync.Mutex

	mu                sync.Mutex
	providerSessionID string
	materialized      bool
	model             string
	turnCancel        context.CancelFunc
	checkpoints       []checkpoint
	messages          []*agent.Message
	toolNameByID      map[string]string
	blockAccum        map[int]*blockAccum
	activeQuery       Query
	lastQuery         Query
	revert            *revertBoundary
	resumeFrom        string
	seq               int
}

func newSession(workspacePath, hostSessionID string) *session {
	return &session{
		workspacePath:     workspacePath,
		hostSessionID:     hostSessionID,
		providerSessionID: placeholderPrefix + uuid.NewString(),
		toolNameByID:      make(map[string]string),
		blockAccum:        make(map[int]*blockAccum),
	}
}

// sessionKey builds the registry key.
func sessionKey(workspacePath, providerSessionID string) string {
	return workspacePath + "::" + providerSessionID
}

// nextSeq returns the next event sequence number for the current turn.
func (s *session) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}
