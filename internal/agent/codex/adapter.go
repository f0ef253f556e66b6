package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/google/uuid"
)

// BackendID is the dispatcher id for this adapter.
const BackendID = "codex"

// placeholderPrefix marks locally generated provider session ids used before
// the app server issues a thread id.
const placeholderPrefix = "pending::"

// Options configure the adapter.
type Options struct {
	// DefaultModel is used when a session has no model of its own.
	DefaultModel string
	// Recorder persists session records. Optional.
	Recorder agent.SessionRecorder
	// StartClient opens app-server connections. Defaults to
	// StartProcessClient.
	StartClient StartClientFunc
}

// Adapter implements agent.Adapter for the Codex CLI app server.
type Adapter struct {
	startClient  StartClientFunc
	recorder     agent.SessionRecorder
	defaultModel string

	mu       sync.Mutex
	sessions map[string]*session
	ui       agent.UISurface
}

var _ agent.Adapter = (*Adapter)(nil)

// undoneTurn is one turn removed by Undo, kept for Redo until the next
// prompt discards it.
type undoneTurn struct {
	messages []*agent.Message
}

// session is one registry entry. turnMu serializes prompt turns; mu guards
// the mutable fields.
type session struct {
	workspacePath string
	hostSessionID string

	turnMu sync.Mutex

	mu                sync.Mutex
	providerSessionID string
	materialized      bool
	model             string
	client            Client
	turnCancel        context.CancelFunc
	messages          []*agent.Message
	turnStarts        []int
	redo              []undoneTurn
	lastUndo          *agent.SessionInfo
	seq               int
}

func (s *session) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func sessionKey(workspacePath, providerSessionID string) string {
	return workspacePath + "::" + providerSessionID
}

// New creates the adapter.
func New(opts Options) *Adapter {
	start := opts.StartClient
	if start == nil {
		start = StartProcessClient
	}
	return &Adapter{
		startClient:  start,
		recorder:     opts.Recorder,
		defaultModel: opts.DefaultModel,
		sessions:     make(map[string]*session),
	}
}

// ID returns the backend identifier.
func (a *Adapter) ID() string { return BackendID }

// Capabilities returns the static capability descriptor. Undo here is a
// conversation rollback with a redo stack; the app server keeps no file
// snapshots.
func (a *Adapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		Undo:           true,
		Redo:           true,
		ModelSelection: true,
		Reconnect:      true,
	}
}

// BindUISurface sets the event sink.
func (a *Adapter) BindUISurface(s agent.UISurface) {
	a.mu.Lock()
	a.ui = s
	a.mu.Unlock()
}

func (a *Adapter) emit(s *session, typ string, data any) {
	a.mu.Lock()
	ui := a.ui
	a.mu.Unlock()
	if ui == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("codex: ui surface panicked", "type", typ, "panic", r)
		}
	}()
	ui.Emit(agent.Event{Type: typ, HostSessionID: s.hostSessionID, Seq: s.nextSeq(), Data: data})
}

func (a *Adapter) lookup(workspacePath, providerSessionID string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[sessionKey(workspacePath, providerSessionID)]
}

// Connect creates a session in the pending state with a placeholder id. The
// app-server connection and thread are opened lazily on the first prompt.
func (a *Adapter) Connect(_ context.Context, workspacePath, hostSessionID string) (string, error) {
	s := &session{
		workspacePath:     workspacePath,
		hostSessionID:     hostSessionID,
		providerSessionID: placeholderPrefix + uuid.NewString(),
		model:             a.defaultModel,
	}
	a.mu.Lock()
	a.sessions[sessionKey(workspacePath, s.providerSessionID)] = s
	a.mu.Unlock()
	slog.Info("codex: session connected", "workspace", workspacePath, "session", s.providerSessionID)
	return s.providerSessionID, nil
}

// Reconnect restores a materialized session; the thread is resumed on the
// next prompt.
func (a *Adapter) Reconnect(_ context.Context, workspacePath, providerSessionID, hostSessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := sessionKey(workspacePath, providerSessionID)
	if s, ok := a.sessions[key]; ok {
		s.hostSessionID = hostSessionID
		return nil
	}
	a.sessions[key] = &session{
		workspacePath:     workspacePath,
		hostSessionID:     hostSessionID,
		providerSessionID: providerSessionID,
		materialized:      true,
		model:             a.defaultModel,
	}
	slog.Info("codex: session reconnected", "workspace", workspacePath, "session", providerSessionID)
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
	slog.Info("codex: session disconnected", "workspace", workspacePath, "session", providerSessionID)
}

// Cleanup disconnects every session and clears the registry.
func (a *Adapter) Cleanup() {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]*session)
	a.mu.Unlock()
	for _, s := range sessions {
		closeSession(s)
	}
}

func closeSession(s *session) {
	s.mu.Lock()
	cancel := s.turnCancel
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c != nil {
		agent.Discard(c.Close(), "codex: close client")
	}
}

// Abort cancels the in-flight turn. Returns false when the session is
// unknown.
func (a *Adapter) Abort(workspacePath, providerSessionID string) bool {
	s := a.lookup(workspacePath, providerSessionID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	cancel := s.turnCancel
	c := s.client
	threadID := s.providerSessionID
	materialized := s.materialized
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c != nil && materialized {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := c.Call(ctx, "turn/interrupt", map[string]any{"thread_id": threadID})
		agent.Discard(err, "codex: interrupt turn", "session", providerSessionID)
		done()
	}
	a.emit(s, agent.EventStatus, agent.StatusIdle)
	return true
}

// Prompt runs one turn: it opens the thread on first use, sends turn/start,
// and consumes notifications until the turn completes.
func (a *Adapter) Prompt(ctx context.Context, workspacePath, providerSessionID string, p agent.Prompt) error {
	s := a.lookup(workspacePath, providerSessionID)
	if s == nil {
		return fmt.Errorf("%w: %s", agent.ErrSessionNotFound, providerSessionID)
	}
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	// A new turn forks history: redo state never survives it.
	s.mu.Lock()
	s.redo = nil
	s.lastUndo = nil
	s.seq = 0
	if p.Model != "" {
		s.model = p.Model
	}
	s.mu.Unlock()

	a.emit(s, agent.EventStatus, agent.StatusBusy)

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()

	err := a.runTurn(turnCtx, s, p)
	a.emit(s, agent.EventStatus, agent.StatusIdle)
	return err
}

func (a *Adapter) runTurn(ctx context.Context, s *session, p agent.Prompt) error {
	c, threadID, err := a.ensureThread(ctx, s)
	if err != nil {
		err = &agent.StreamingError{Err: err}
		a.emit(s, agent.EventError, err.Error())
		return err
	}

	text := p.Flatten()
	user := &agent.Message{
		ID:        agent.NewMessageID(),
		Role:      agent.RoleUser,
		Timestamp: time.Now().UTC(),
		Content:   text,
		Parts:     []agent.Part{{Type: agent.PartText, Text: text}},
	}
	s.mu.Lock()
	s.turnStarts = append(s.turnStarts, len(s.messages))
	s.messages = append(s.messages, user)
	s.mu.Unlock()
	a.emit(s, agent.EventMessage, user)

	if _, err := c.Call(ctx, "turn/start", map[string]any{
		"thread_id": threadID,
		"input":     text,
	}); err != nil {
		err = &agent.StreamingError{Err: err}
		a.emit(s, agent.EventError, err.Error())
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-c.Notifications():
			if !ok {
				retErr := fmt.Errorf("connection closed mid-turn")
				if cerr := c.Err(); cerr != nil {
					retErr = cerr
				}
				serr := &agent.StreamingError{Err: retErr}
				a.emit(s, agent.EventError, serr.Error())
				s.mu.Lock()
				if s.client == c {
					s.client = nil
				}
				s.mu.Unlock()
				return serr
			}
			if ctx.Err() != nil {
				return nil
			}
			done, err := a.handleNotification(s, &n)
			if done || err != nil {
				return err
			}
		}
	}
}

// ensureThread returns a connected client and live thread id, opening the
// connection and starting or resuming the thread as needed.
func (a *Adapter) ensureThread(ctx context.Context, s *session) (Client, string, error) {
	s.mu.Lock()
	c := s.client
	materialized := s.materialized
	threadID := s.providerSessionID
	model := s.model
	ws := s.workspacePath
	s.mu.Unlock()

	if c == nil {
		var err error
		c, err = a.startClient(ctx, ws)
		if err != nil {
			return nil, "", fmt.Errorf("open app-server: %w", err)
		}
		s.mu.Lock()
		s.client = c
		s.mu.Unlock()
	} else if materialized {
		return c, threadID, nil
	}

	var result json.RawMessage
	var err error
	if materialized {
		result, err = c.Call(ctx, "thread/resume", map[string]any{"thread_id": threadID})
	} else {
		params := map[string]any{}
		if model != "" {
			params["model"] = model
		}
		result, err = c.Call(ctx, "thread/start", params)
	}
	if err != nil {
		return nil, "", err
	}
	var tp threadParams
	if err := json.Unmarshal(result, &tp); err != nil {
		return nil, "", fmt.Errorf("parse thread result: %w", err)
	}
	if tp.Thread.ID == "" {
		return nil, "", fmt.Errorf("thread result missing thread.id")
	}
	if !materialized {
		a.materialize(s, tp.Thread.ID)
	}
	return c, tp.Thread.ID, nil
}

// materialize re-keys a pending session under its thread id.
func (a *Adapter) materialize(s *session, threadID string) {
	a.mu.Lock()
	s.mu.Lock()
	if s.materialized || threadID == s.providerSessionID {
		s.mu.Unlock()
		a.mu.Unlock()
		return
	}
	placeholder := s.providerSessionID
	delete(a.sessions, sessionKey(s.workspacePath, placeholder))
	s.providerSessionID = threadID
	s.materialized = true
	a.sessions[sessionKey(s.workspacePath, threadID)] = s
	s.mu.Unlock()
	a.mu.Unlock()

	slog.Info("codex: session materialized", "placeholder", placeholder, "session", threadID)
	a.emit(s, agent.EventMaterialized, threadID)
	if a.recorder != nil {
		id := threadID
		agent.Discard(
			a.recorder.UpdateSessionRecord(s.hostSessionID, agent.SessionPatch{ProviderSessionID: &id}),
			"codex: persist session record", "session", threadID)
	}
}

// handleNotification processes one app-server notification. Returns done
// when the turn is over.
func (a *Adapter) handleNotification(s *session, n *rpcMessage) (bool, error) {
	switch n.Method {
	case methodThreadStarted, methodTurnStarted:
		return false, nil
	case methodItemDelta:
		var p itemDeltaParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			slog.Warn("codex: bad delta params", "err", err)
			return false, nil
		}
		a.emit(s, agent.EventTextDelta, p.Delta)
		return false, nil
	case methodItemStarted:
		var p itemParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			slog.Warn("codex: bad item params", "err", err)
			return false, nil
		}
		a.itemStarted(s, &p.Item)
		return false, nil
	case methodItemUpdated:
		return false, nil
	case methodItemCompleted:
		var p itemParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			slog.Warn("codex: bad item params", "err", err)
			return false, nil
		}
		a.itemCompleted(s, &p.Item)
		return false, nil
	case methodTurnCompleted:
		var p turnCompletedParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			slog.Warn("codex: bad turn params", "err", err)
			return true, nil
		}
		if p.Turn.Status == turnStatusFailed {
			a.emit(s, agent.EventError, p.Turn.Error)
		}
		return true, nil
	default:
		slog.Warn("codex: ignoring unknown notification", "method", n.Method)
		return false, nil
	}
}

func (a *Adapter) itemStarted(s *session, item *itemData) {
	t := startedToolCall(item)
	if t == nil {
		return
	}
	msg := &agent.Message{
		ID:        agent.NewMessageID(),
		Role:      agent.RoleAssistant,
		Timestamp: time.Now().UTC(),
		Parts:     []agent.Part{{Type: agent.PartTool, Tool: t}},
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	a.emit(s, agent.EventMessage, msg)
	a.emit(s, agent.EventToolRunning, t)
}

func (a *Adapter) itemCompleted(s *session, item *itemData) {
	if item.Type == itemError {
		a.emit(s, agent.EventError, item.Message)
		return
	}
	s.mu.Lock()
	updated := completedToolResult(s.messages, item)
	s.mu.Unlock()
	if updated != nil {
		a.emit(s, agent.EventMessageUpdated, updated)
		return
	}
	msg := completedMessage(item)
	if msg == nil {
		return
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	a.emit(s, agent.EventMessage, msg)
}

// Messages returns the in-memory transcript.
func (a *Adapter) Messages(_ context.Context, workspacePath, providerSessionID string) ([]*agent.Message, error) {
	s := a.lookup(workspacePath, providerSessionID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", agent.ErrSessionNotFound, providerSessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages, nil
}

// Undo removes the most recent turn from the conversation, keeping it on a
// redo stack. Files on disk are untouched; the app server keeps no
// snapshots to restore from.
func (a *Adapter) Undo(_ context.Context, workspacePath, providerSessionID string) (*agent.SessionInfo, error) {
	s := a.lookup(workspacePath, providerSessionID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", agent.ErrSessionNotFound, providerSessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turnStarts) == 0 {
		return nil, agent.ErrNothingToUndo
	}
	start := s.turnStarts[len(s.turnStarts)-1]
	s.turnStarts = s.turnStarts[:len(s.turnStarts)-1]
	removed := s.messages[start:]
	s.messages = s.messages[:start]
	s.redo = append(s.redo, undoneTurn{messages: removed})

	info := &agent.SessionInfo{}
	if len(removed) > 0 {
		info.LastUndoMessageID = removed[0].ID
	}
	s.lastUndo = info
	slog.Info("codex: turn undone", "session", providerSessionID, "messages", len(removed))
	return info, nil
}

// Redo restores the most recently undone turn.
func (a *Adapter) Redo(_ context.Context, workspacePath, providerSessionID string) (*agent.SessionInfo, error) {
	s := a.lookup(workspacePath, providerSessionID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", agent.ErrSessionNotFound, providerSessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.redo) == 0 {
		return nil, agent.ErrNothingToRedo
	}
	turn := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	s.turnStarts = append(s.turnStarts, len(s.messages))
	s.messages = append(s.messages, turn.messages...)
	if len(s.redo) == 0 {
		s.lastUndo = nil
	}
	slog.Info("codex: turn redone", "session", providerSessionID, "messages", len(turn.messages))
	return &agent.SessionInfo{}, nil
}

// SessionInfo reads the current undo state.
func (a *Adapter) SessionInfo(workspacePath, providerSessionID string) agent.SessionInfo {
	s := a.lookup(workspacePath, providerSessionID)
	if s == nil {
		return agent.SessionInfo{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUndo == nil {
		return agent.SessionInfo{}
	}
	return *s.lastUndo
}
