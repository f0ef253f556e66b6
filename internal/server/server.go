// Package server exposes the agent dispatcher over HTTP: a JSON API for
// session lifecycle and an SSE stream for live events.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/store"
)

// Server wires the HTTP API to the dispatcher and session store.
type Server struct {
	dispatcher *agent.Dispatcher
	store      *store.Store
	hub        *Hub
	mux        *http.ServeMux
}

// New builds the server and binds the hub to every adapter.
func New(dispatcher *agent.Dispatcher, st *store.Store, hub *Hub) *Server {
	s := &Server{dispatcher: dispatcher, store: st, hub: hub, mux: http.NewServeMux()}
	s.routes()
	dispatcher.BindUISurface(hub)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleMessages)
	s.mux.HandleFunc("GET /api/sessions/{id}/info", s.handleSessionInfo)
	s.mux.HandleFunc("POST /api/sessions/{id}/prompt", s.handlePrompt)
	s.mux.HandleFunc("POST /api/sessions/{id}/abort", s.handleAbort)
	s.mux.HandleFunc("POST /api/sessions/{id}/undo", s.handleUndo)
	s.mux.HandleFunc("POST /api/sessions/{id}/redo", s.handleRedo)
	s.mux.HandleFunc("POST /api/sessions/{id}/reconnect", s.handleReconnect)
	s.mux.HandleFunc("GET /api/capabilities/{backend}", s.handleCapabilities)
	s.mux.Handle("GET /api/events", s.hub)
}

// Handler returns the complete middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return compressMiddleware(s.mux)
}

// ListenAndServe runs the server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("http server listening", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// resolve maps a host session id to its record and adapter.
func (s *Server) resolve(hostID string) (*store.Record, agent.Adapter, error) {
	rec, err := s.store.SessionRecord(hostID)
	if err != nil {
		return nil, nil, mapAgentError(err)
	}
	adapter, err := s.dispatcher.Adapter(rec.Backend)
	if err != nil {
		return nil, nil, mapAgentError(err)
	}
	return rec, adapter, nil
}

type createSessionRequest struct {
	Backend           string `json:"backend,omitempty"`
	Workspace         string `json:"workspace"`
	ProviderSessionID string `json:"provider_session_id,omitempty"`
}

type sessionResponse struct {
	ID                string `json:"id"`
	Backend           string `json:"backend"`
	Workspace         string `json:"workspace"`
	ProviderSessionID string `json:"provider_session_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("invalid request body").Wrap(err))
		return
	}
	if req.Workspace == "" {
		writeError(w, badRequest("workspace is required"))
		return
	}
	backendID := req.Backend
	if backendID == "" {
		backendID = s.dispatcher.DefaultBackendID()
	}
	adapter, err := s.dispatcher.Adapter(backendID)
	if err != nil {
		writeError(w, mapAgentError(err))
		return
	}

	hostID := uuid.NewString()
	var providerID string
	if req.ProviderSessionID != "" {
		// Attach to an existing backend session.
		if err := adapter.Reconnect(r.Context(), req.Workspace, req.ProviderSessionID, hostID); err != nil {
			writeError(w, mapAgentError(err))
			return
		}
		providerID = req.ProviderSessionID
	} else {
		providerID, err = adapter.Connect(r.Context(), req.Workspace, hostID)
		if err != nil {
			writeError(w, mapAgentError(err))
			return
		}
	}

	pid := providerID
	if err := s.store.UpdateSessionRecord(hostID, agent.SessionPatch{
		BackendID:         &backendID,
		WorkspacePath:     &req.Workspace,
		ProviderSessionID: &pid,
	}); err != nil {
		adapter.Disconnect(req.Workspace, providerID)
		writeError(w, internalError("persist session").Wrap(err))
		return
	}
	writeJSONResponse(w, &sessionResponse{
		ID: hostID, Backend: backendID, Workspace: req.Workspace, ProviderSessionID: providerID,
	}, nil)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	recs, err := s.store.Sessions()
	if err != nil {
		writeError(w, internalError("list sessions").Wrap(err))
		return
	}
	out := make([]sessionResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, sessionResponse{
			ID: rec.HostID, Backend: rec.Backend, Workspace: rec.Workspace, ProviderSessionID: rec.ProviderSessionID,
		})
	}
	writeJSONResponse(w, &out, nil)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("id")
	rec, adapter, err := s.resolve(hostID)
	if err != nil {
		writeError(w, err)
		return
	}
	adapter.Disconnect(rec.Workspace, rec.ProviderSessionID)
	if err := s.store.DeleteSession(hostID); err != nil {
		writeError(w, internalError("delete session").Wrap(err))
		return
	}
	writeJSONResponse(w, &struct {
		Deleted string `json:"deleted"`
	}{Deleted: hostID}, nil)
}

type promptRequest struct {
	Parts []agent.PromptPart `json:"parts,omitempty"`
	Text  string             `json:"text,omitempty"`
	Model string             `json:"model,omitempty"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("id")
	rec, adapter, err := s.resolve(hostID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("invalid request body").Wrap(err))
		return
	}
	p := agent.Prompt{Parts: req.Parts, Model: req.Model}
	if len(p.Parts) == 0 {
		if req.Text == "" {
			writeError(w, badRequest("prompt is empty"))
			return
		}
		p.Parts = []agent.PromptPart{{Type: "text", Text: req.Text}}
	}

	// The turn can run for minutes; results stream over SSE. The request
	// only acknowledges that the turn started.
	go func() {
		if err := adapter.Prompt(context.Background(), rec.Workspace, rec.ProviderSessionID, p); err != nil {
			slog.Error("prompt turn failed", "session", hostID, "err", err)
		}
	}()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "started"}); err != nil {
		slog.Warn("failed to encode prompt response", "err", err)
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("id")
	rec, adapter, err := s.resolve(hostID)
	if err != nil {
		writeError(w, err)
		return
	}
	aborted := adapter.Abort(rec.Workspace, rec.ProviderSessionID)
	writeJSONResponse(w, &struct {
		Aborted bool `json:"aborted"`
	}{Aborted: aborted}, nil)
}

type undoResponse struct {
	LastUndoMessageID string `json:"last_undo_message_id,omitempty"`
	DiffSummary       string `json:"diff_summary,omitempty"`
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("id")
	rec, adapter, err := s.resolve(hostID)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := adapter.Undo(r.Context(), rec.Workspace, rec.ProviderSessionID)
	if err != nil {
		writeError(w, mapAgentError(err))
		return
	}
	writeJSONResponse(w, &undoResponse{
		LastUndoMessageID: info.LastUndoMessageID,
		DiffSummary:       info.UndoDiffSummary,
	}, nil)
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("id")
	rec, adapter, err := s.resolve(hostID)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := adapter.Redo(r.Context(), rec.Workspace, rec.ProviderSessionID)
	if err != nil {
		writeError(w, mapAgentError(err))
		return
	}
	writeJSONResponse(w, &undoResponse{
		LastUndoMessageID: info.LastUndoMessageID,
		DiffSummary:       info.UndoDiffSummary,
	}, nil)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("id")
	rec, adapter, err := s.resolve(hostID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.ProviderSessionID == "" {
		writeError(w, conflict("session was never materialized"))
		return
	}
	if err := adapter.Reconnect(r.Context(), rec.Workspace, rec.ProviderSessionID, hostID); err != nil {
		writeError(w, mapAgentError(err))
		return
	}
	writeJSONResponse(w, &sessionResponse{
		ID: hostID, Backend: rec.Backend, Workspace: rec.Workspace, ProviderSessionID: rec.ProviderSessionID,
	}, nil)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("id")
	rec, adapter, err := s.resolve(hostID)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := adapter.Messages(r.Context(), rec.Workspace, rec.ProviderSessionID)
	if err != nil {
		writeError(w, mapAgentError(err))
		return
	}
	if msgs == nil {
		msgs = []*agent.Message{}
	}
	writeJSONResponse(w, &msgs, nil)
}

type sessionInfoResponse struct {
	Backend           string `json:"backend"`
	Workspace         string `json:"workspace"`
	ProviderSessionID string `json:"provider_session_id"`
	LastUndoMessageID string `json:"last_undo_message_id,omitempty"`
	UndoDiffSummary   string `json:"undo_diff_summary,omitempty"`
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("id")
	rec, adapter, err := s.resolve(hostID)
	if err != nil {
		writeError(w, err)
		return
	}
	info := adapter.SessionInfo(rec.Workspace, rec.ProviderSessionID)
	writeJSONResponse(w, &sessionInfoResponse{
		Backend:           rec.Backend,
		Workspace:         rec.Workspace,
		ProviderSessionID: rec.ProviderSessionID,
		LastUndoMessageID: info.LastUndoMessageID,
		UndoDiffSummary:   info.UndoDiffSummary,
	}, nil)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.dispatcher.Capabilities(r.PathValue("backend"))
	if err != nil {
		writeError(w, mapAgentError(err))
		return
	}
	writeJSONResponse(w, &caps, nil)
}
