package claude

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/agent"
)

// BackendID is the dispatcher id for this adapter.
const BackendID = "claude"

// Options configure the adapter.
type Options struct {
	// TranscriptDir is the root of the CLI's on-disk session logs, used as
	// the read fallback after a process restart.
	TranscriptDir string
	// DefaultModel is used when a session has no model of its own.
	DefaultModel string
	// Recorder persists session records. Optional.
	Recorder agent.SessionRecorder
	// StartQuery launches queries. Defaults to StartProcessQuery.
	StartQuery StartQueryFunc
}

// Adapter implements agent.Adapter for the Claude Code CLI. It owns the
// session registry; nothing else reads or mutates it.
type Adapter struct {
	startQuery   StartQueryFunc
	transcripts  *transcriptCache
	recorder     agent.SessionRecorder
	defaultModel string

	mu       sync.Mutex
	sessions map[string]*session
	ui       agent.UISurface
}

var _ agent.Adapter = (*Adapter)(nil)

// New creates the adapter.
func New(opts Options) *Adapter {
	start := opts.StartQuery
	if start == nil {
		start = StartProcessQuery
	}
	return &Adapter{
		startQuery:   start,
		transcripts:  newTranscriptCache(opts.TranscriptDir),
		recorder:     opts.Recorder,
		defaultModel: opts.DefaultModel,
		sessions:     make(map[string]*session),
	}
}

// ID returns the backend identifier.
func (a *Adapter) ID() string { return BackendID }

// Capabilities returns the static capability descriptor.
func (a *Adapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		Undo:               true,
		Redo:               false,
		Commands:           true,
		PermissionRequests: true,
		QuestionPrompts:    true,
		ModelSelection:     true,
		Reconnect:          true,
		PartialStreaming:   true,
	}
}

// BindUISurface sets the event sink.
func (a *Adapter) BindUISurface(s agent.UISurface) {
	a.mu.Lock()
	a.ui = s
	a.mu.Unlock()
}

// emit sends one normalized event. The sink being unbound or panicking must
// never take down a turn.
func (a *Adapter) emit(s *session, typ string, data any) {
	a.mu.Lock()
	ui := a.ui
	a.mu.Unlock()
	if ui == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("claude: ui surface panicked", "type", typ, "panic", r)
		}
	}()
	ui.Emit(agent.Event{Type: typ, HostSessionID: s.hostSessionID, Seq: s.nextSeq(), Data: data})
}

func (a *Adapter) lookup(workspacePath, providerSessionID string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[sessionKey(workspacePath, providerSessionID)]
}

// Connect creates a session in the pending state with a placeholder id.
func (a *Adapter) Connect(_ context.Context, workspacePath, hostSessionID string) (string, error) {
	s := newSession(workspacePath, hostSessionID)
	s.model = a.defaultModel
	a.mu.Lock()
	a.sessions[sessionKey(workspacePath, s.providerSessionID)] = s
	a.mu.Unlock()
	slog.Info("claude: session connected", "workspace", workspacePath, "session", s.providerSessionID)
	return s.providerSessionID, nil
}

// Reconnect restores a materialized session from persisted state, skipping
// the placeholder phase. Repeat calls only refresh the host session id.
func (a *Adapter) Reconnect(_ context.Context, workspacePath, providerSessionID, hostSessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := sessionKey(workspacePath, providerSessionID)
	if s, ok := a.sessions[key]; ok {
		s.hostSessionID = hostSessionID
		return nil
	}
	s := newSession(workspacePath, hostSessionID)
	s.providerSessionID = providerSessionID
	s.materialized = true
	s.model = a.defaultModel
	a.sessions[key] = s
	slog.Info("claude: session reconnected", "workspace", workspacePath, "session", providerSessionID)
	return nil
}

// Disconnect closes and removes a session. Missing sessions are a no-op.
func (a *Adapter) Disconnect(workspacePath, providerSessionID string) {
	a.mu.Lock()
	key := sessionKey(workspacePath, providerSessionID)
	s := a.sessions[key]
	delete(a.sessions, key)
	a.mu.Unlock()
	if s == nil {
		return
	}
	closeSession(s)
	slog.Info("claude: session disconnected", "workspace", workspacePath, "session", providerSessionID)
}

// Cleanup disconnects every session and clears the registry regardless of
// individual close failures.
func (a *Adapter) Cleanup() {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]*session)
	a.mu.Unlock()
	for _, s := range sessions {
		closeSession(s)
	}
	a.transcripts.Close()
}

// closeSession cancels the turn and closes any query handles, swallowing
// close-time failures.
func closeSession(s *session) {
	s.mu.Lock()
	cancel := s.turnCancel
	active, last := s.activeQuery, s.lastQuery
	s.activeQuery, s.lastQuery = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if active != nil {
		agent.Discard(active.Close(), "claude: close active query")
	}
	if last != nil && last != active {
		agent.Discard(last.Close(), "claude: close last query")
	}
}

// Abort cancels the in-flight turn and interrupts the live query. Returns
// false when the session is unknown; this is a query, not a failure.
func (a *Adapter) Abort(workspacePath, providerSessionID string) bool {
	s := a.lookup(workspacePath, providerSessionID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	cancel := s.turnCancel
	q := s.activeQuery
	s.activeQuery = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if q != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		agent.Discard(q.Interrupt(ctx), "claude: interrupt query", "session", providerSessionID)
		done()
	}
	// The canceled turn's own teardown emits the idle status; emitting it
	// here too would double it up.
	return true
}

// Prompt runs one streaming turn: it opens one event source from the CLI,
// translates each event into canonical messages and UI events, records
// checkpoints, and materializes the session on the first backend-issued id.
func (a *Adapter) Prompt(ctx context.Context, workspacePath, providerSessionID string, p agent.Prompt) error {
	s := a.lookup(workspacePath, providerSessionID)
	if s == nil {
		return fmt.Errorf("%w: %s", agent.ErrSessionNotFound, providerSessionID)
	}
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	// Undo state never survives past the next user turn.
	s.mu.Lock()
	s.revert = nil
	s.seq = 0
	if p.Model != "" {
		s.model = p.Model
	}
	model := s.model
	resumeFrom := s.resumeFrom
	s.resumeFrom = ""
	materialized := s.materialized
	resumeID := s.providerSessionID
	s.mu.Unlock()

	a.emit(s, agent.EventStatus, agent.StatusBusy)

	// Local echo of the user's turn: the CLI's stream never replays plain
	// user input in a renderable shape, only tool-result carriers.
	text := p.Flatten()
	user := &agent.Message{
		ID:        agent.NewMessageID(),
		Role:      agent.RoleUser,
		Timestamp: time.Now().UTC(),
		Content:   text,
		Parts:     []agent.Part{{Type: agent.PartText, Text: text}},
	}
	s.mu.Lock()
	s.messages = append(s.messages, user)
	s.mu.Unlock()
	a.emit(s, agent.EventMessage, user)

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()

	opts := QueryOptions{
		WorkspacePath:  workspacePath,
		Model:          model,
		ResumeFromUUID: resumeFrom,
		PartialStream:  true,
		Prompt:         text,
	}
	if materialized {
		opts.ResumeSessionID = resumeID
	}
	// The query outlives the turn: undo rewinds through the retained handle,
	// so its process must not die with turnCtx. It is closed when a later
	// turn supersedes it or the session closes.
	q, err := a.startQuery(context.Background(), opts)
	if err != nil {
		err = &agent.StreamingError{Err: err}
		a.emit(s, agent.EventError, err.Error())
		a.emit(s, agent.EventStatus, agent.StatusIdle)
		return err
	}
	s.mu.Lock()
	s.activeQuery = q
	s.mu.Unlock()

	var retErr error
	defer func() {
		s.mu.Lock()
		if s.activeQuery == q {
			s.activeQuery = nil
		}
		old := s.lastQuery
		s.lastQuery = q
		s.turnCancel = nil
		s.mu.Unlock()
		if old != nil && old != q {
			agent.Discard(old.Close(), "claude: close superseded query")
		}
		a.emit(s, agent.EventStatus, agent.StatusIdle)
	}()

	for {
		select {
		case <-turnCtx.Done():
			return nil
		case env, ok := <-q.Events():
			if !ok {
				if serr := q.Err(); serr != nil {
					retErr = &agent.StreamingError{Err: serr}
					a.emit(s, agent.EventError, retErr.Error())
				}
				return retErr
			}
			// Cancellation wins over a simultaneously ready event: nothing
			// is translated or appended after abort is observed.
			if turnCtx.Err() != nil {
				return nil
			}
			// The CLI stays resident after its result envelope, so the turn
			// ends there rather than on stream close.
			if a.handleEnvelope(s, &env) {
				return nil
			}
		}
	}
}

// handleEnvelope translates one wire event, mutating session state and
// emitting UI events. Unknown types are logged and ignored. Returns true on
// the result envelope that ends the turn.
func (a *Adapter) handleEnvelope(s *session, env *Envelope) bool {
	if env.SessionID != "" {
		a.materialize(s, env.SessionID)
	}
	switch env.Type {
	case typeSystem:
		if env.Subtype == subtypeCompaction {
			msg := compactionMessage(env)
			s.mu.Lock()
			s.messages = append(s.messages, msg)
			s.mu.Unlock()
			a.emit(s, agent.EventMessage, msg)
		}
	case typeAssistant:
		msg := translateEntry(env, agent.RoleAssistant)
		if msg == nil {
			return false
		}
		s.mu.Lock()
		for i := range msg.Parts {
			if t := msg.Parts[i].Tool; t != nil {
				s.toolNameByID[t.CallID] = t.Name
			}
		}
		s.messages = append(s.messages, msg)
		s.mu.Unlock()
		a.emit(s, agent.EventMessage, msg)
	case typeUser:
		a.handleUser(s, env)
	case typeStreamEvent:
		a.handleStreamEvent(s, env)
	case typeResult:
		if env.IsError {
			a.emit(s, agent.EventError, env.Result)
		}
		return true
	case typeControlRequest, typeControlResponse:
		// Control traffic is resolved at the query layer.
	default:
		slog.Warn("claude: ignoring unknown event type", "type", env.Type)
	}
	return false
}

// handleUser processes a user-role event: tool-result carriers are
// back-merged into the matching tool invocation; anything else becomes a new
// message, with its turn uuid checkpointed.
func (a *Adapter) handleUser(s *session, env *Envelope) {
	blocks := contentBlocks(env.Message)
	if isToolResultOnly(blocks) {
		s.mu.Lock()
		updated := mergeToolResults(s.messages, blocks)
		for _, b := range blocks {
			delete(s.toolNameByID, b.ToolUseID)
		}
		s.mu.Unlock()
		for _, m := range updated {
			a.emit(s, agent.EventMessageUpdated, m)
		}
		return
	}
	msg := translateEntry(env, agent.RoleUser)
	if msg == nil {
		return
	}
	s.mu.Lock()
	if env.UUID != "" {
		s.checkpoints = append(s.checkpoints, checkpoint{uuid: env.UUID, index: len(s.messages)})
	}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	a.emit(s, agent.EventMessage, msg)
}

// handleStreamEvent processes incremental sub-events within one assistant
// turn. Text and reasoning deltas pass straight through; tool input is
// accumulated per block index until content_block_stop.
func (a *Adapter) handleStreamEvent(s *session, env *Envelope) {
	ev := env.Event
	if ev == nil {
		return
	}
	switch ev.Type {
	case streamContentBlockStart:
		cb := ev.ContentBlock
		if cb == nil || cb.Type != blockToolUse {
			return
		}
		s.mu.Lock()
		s.toolNameByID[cb.ID] = cb.Name
		s.blockAccum[ev.Index] = &blockAccum{callID: cb.ID, name: cb.Name}
		s.mu.Unlock()
	case streamContentBlockDelta:
		d := ev.Delta
		if d == nil {
			return
		}
		switch d.Type {
		case deltaText:
			a.emit(s, agent.EventTextDelta, d.Text)
		case deltaThinking:
			a.emit(s, agent.EventReasoningDelta, d.Thinking)
		case deltaInputJSON:
			s.mu.Lock()
			if acc := s.blockAccum[ev.Index]; acc != nil {
				acc.fragments = append(acc.fragments, d.PartialJSON)
			}
			s.mu.Unlock()
		default:
			slog.Warn("claude: ignoring unknown delta type", "type", d.Type)
		}
	case streamContentBlockStop:
		s.mu.Lock()
		acc := s.blockAccum[ev.Index]
		delete(s.blockAccum, ev.Index)
		s.mu.Unlock()
		if acc == nil {
			return
		}
		a.emit(s, agent.EventToolRunning, &agent.ToolCall{
			CallID: acc.callID,
			Name:   acc.name,
			Input:  parseToolInput(acc.fragments),
			Status: agent.ToolRunning,
		})
	case streamMessageStart, streamMessageDelta, streamMessageStop:
		// Envelope-level assistant/user events carry the complete message.
	default:
		slog.Warn("claude: ignoring unknown stream event type", "type", ev.Type)
	}
}

// materialize re-keys a pending session under its backend-issued id. The
// remove-then-insert is one critical section; only this adapter touches the
// registry, so no reader can observe an intermediate state.
func (a *Adapter) materialize(s *session, providerSessionID string) {
	a.mu.Lock()
	s.mu.Lock()
	if s.materialized || providerSessionID == s.providerSessionID {
		s.mu.Unlock()
		a.mu.Unlock()
		return
	}
	placeholder := s.providerSessionID
	delete(a.sessions, sessionKey(s.workspacePath, placeholder))
	s.providerSessionID = providerSessionID
	s.materialized = true
	a.sessions[sessionKey(s.workspacePath, providerSessionID)] = s
	s.mu.Unlock()
	a.mu.Unlock()

	slog.Info("claude: session materialized", "placeholder", placeholder, "session", providerSessionID)
	a.emit(s, agent.EventMaterialized, providerSessionID)
	if a.recorder != nil {
		id := providerSessionID
		agent.Discard(
			a.recorder.UpdateSessionRecord(s.hostSessionID, agent.SessionPatch{ProviderSessionID: &id}),
			"claude: persist session record", "session", providerSessionID)
	}
}

// Messages returns the in-memory transcript, or the on-disk record when the
// cache is empty (e.g. after a process restart, before the next prompt).
func (a *Adapter) Messages(_ context.Context, workspacePath, providerSessionID string) ([]*agent.Message, error) {
	if s := a.lookup(workspacePath, providerSessionID); s != nil {
		s.mu.Lock()
		msgs := s.messages
		s.mu.Unlock()
		if len(msgs) > 0 {
			return msgs, nil
		}
	}
	return a.transcripts.Read(workspacePath, providerSessionID)
}

// SessionInfo reads the current undo state. Unknown sessions yield the zero
// value.
func (a *Adapter) SessionInfo(workspacePath, providerSessionID string) agent.SessionInfo {
	s := a.lookup(workspacePath, providerSessionID)
	if s == nil {
		return agent.SessionInfo{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revert == nil {
		return agent.SessionInfo{}
	}
	return agent.SessionInfo{
		LastUndoMessageID: s.revert.messageID,
		UndoDiffSummary:   s.revert.diffSummary,
	}
}
