package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/store"
)

// stubAdapter fakes a backend for handler tests.
type stubAdapter struct {
	id string

	mu        sync.Mutex
	ui        agent.UISurface
	connected map[string]string
	prompted  chan agent.Prompt
	undoErr   error
	undoInfo  agent.SessionInfo
	messages  []*agent.Message
}

func newStubAdapter(id string) *stubAdapter {
	return &stubAdapter{
		id:        id,
		connected: make(map[string]string),
		prompted:  make(chan agent.Prompt, 8),
	}
}

func (a *stubAdapter) ID() string { return a.id }
func (a *stubAdapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{Undo: true, Reconnect: true}
}
func (a *stubAdapter) BindUISurface(s agent.UISurface) { a.ui = s }
func (a *stubAdapter) Connect(_ context.Context, ws, hostID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pid := "pending::" + hostID
	a.connected[ws+"::"+pid] = hostID
	return pid, nil
}
func (a *stubAdapter) Reconnect(_ context.Context, ws, pid, hostID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected[ws+"::"+pid] = hostID
	return nil
}
func (a *stubAdapter) Disconnect(ws, pid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.connected, ws+"::"+pid)
}
func (a *stubAdapter) Cleanup()                {}
func (a *stubAdapter) Abort(_, _ string) bool  { return true }
func (a *stubAdapter) Prompt(_ context.Context, _, _ string, p agent.Prompt) error {
	a.prompted <- p
	return nil
}
func (a *stubAdapter) Messages(context.Context, string, string) ([]*agent.Message, error) {
	return a.messages, nil
}
func (a *stubAdapter) Undo(context.Context, string, string) (*agent.SessionInfo, error) {
	if a.undoErr != nil {
		return nil, a.undoErr
	}
	return &a.undoInfo, nil
}
func (a *stubAdapter) Redo(context.Context, string, string) (*agent.SessionInfo, error) {
	return nil, agent.ErrRedoUnsupported
}
func (a *stubAdapter) SessionInfo(string, string) agent.SessionInfo { return a.undoInfo }

func newTestServer(t *testing.T) (*Server, *stubAdapter) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	stub := newStubAdapter("claude")
	d := agent.NewDispatcher("claude", stub)
	return New(d, st, NewHub()), stub
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, srv *Server) string {
	t.Helper()
	w := do(t, srv.mux, "POST", "/api/sessions", map[string]string{"workspace": "/ws"})
	if w.Code != http.StatusOK {
		t.Fatalf("create session: %d %s", w.Code, w.Body)
	}
	var resp sessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID == "" || resp.Backend != "claude" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	return resp.ID
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	srv, stub := newTestServer(t)
	id := createSession(t, srv)

	t.Run("prompt starts a turn", func(t *testing.T) {
		w := do(t, srv.mux, "POST", "/api/sessions/"+id+"/prompt", map[string]string{"text": "hello"})
		if w.Code != http.StatusAccepted {
			t.Fatalf("prompt: %d %s", w.Code, w.Body)
		}
		select {
		case p := <-stub.prompted:
			if p.Flatten() != "hello" {
				t.Fatalf("prompt text %q", p.Flatten())
			}
		case <-time.After(2 * time.Second):
			t.Fatal("adapter never prompted")
		}
	})

	t.Run("empty prompt rejected", func(t *testing.T) {
		w := do(t, srv.mux, "POST", "/api/sessions/"+id+"/prompt", map[string]string{})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("want 400, got %d", w.Code)
		}
	})

	t.Run("messages", func(t *testing.T) {
		stub.messages = []*agent.Message{{ID: "m1", Role: agent.RoleUser, Content: "hello"}}
		w := do(t, srv.mux, "GET", "/api/sessions/"+id+"/messages", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("messages: %d", w.Code)
		}
		var msgs []*agent.Message
		if err := json.Unmarshal(w.Body.Bytes(), &msgs); err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 || msgs[0].Content != "hello" {
			t.Fatalf("unexpected messages: %+v", msgs)
		}
	})

	t.Run("info", func(t *testing.T) {
		stub.undoInfo = agent.SessionInfo{LastUndoMessageID: "m1", UndoDiffSummary: "1 file(s) changed, +1 -0"}
		w := do(t, srv.mux, "GET", "/api/sessions/"+id+"/info", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("info: %d", w.Code)
		}
		var resp sessionInfoResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Backend != "claude" || resp.LastUndoMessageID != "m1" {
			t.Fatalf("unexpected info: %+v", resp)
		}
	})

	t.Run("abort", func(t *testing.T) {
		w := do(t, srv.mux, "POST", "/api/sessions/"+id+"/abort", nil)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "true") {
			t.Fatalf("abort: %d %s", w.Code, w.Body)
		}
	})

	t.Run("delete", func(t *testing.T) {
		w := do(t, srv.mux, "DELETE", "/api/sessions/"+id, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("delete: %d", w.Code)
		}
		w = do(t, srv.mux, "GET", "/api/sessions/"+id+"/info", nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("want 404 after delete, got %d", w.Code)
		}
	})
}

func TestErrorMapping(t *testing.T) {
	srv, stub := newTestServer(t)
	id := createSession(t, srv)

	t.Run("unknown session is 404", func(t *testing.T) {
		w := do(t, srv.mux, "GET", "/api/sessions/does-not-exist/messages", nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("want 404, got %d", w.Code)
		}
	})

	t.Run("unknown backend is 400", func(t *testing.T) {
		w := do(t, srv.mux, "POST", "/api/sessions", map[string]string{
			"workspace": "/ws", "backend": "gemini",
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("want 400, got %d", w.Code)
		}
	})

	t.Run("nothing to undo is 409", func(t *testing.T) {
		stub.undoErr = agent.ErrNothingToUndo
		w := do(t, srv.mux, "POST", "/api/sessions/"+id+"/undo", nil)
		if w.Code != http.StatusConflict {
			t.Fatalf("want 409, got %d %s", w.Code, w.Body)
		}
	})

	t.Run("cannot rewind is 409 with reason", func(t *testing.T) {
		stub.undoErr = &agent.CannotRewindError{Reason: "dirty worktree"}
		w := do(t, srv.mux, "POST", "/api/sessions/"+id+"/undo", nil)
		if w.Code != http.StatusConflict || !strings.Contains(w.Body.String(), "dirty worktree") {
			t.Fatalf("want 409 with reason, got %d %s", w.Code, w.Body)
		}
	})

	t.Run("redo unsupported is 409", func(t *testing.T) {
		w := do(t, srv.mux, "POST", "/api/sessions/"+id+"/redo", nil)
		if w.Code != http.StatusConflict {
			t.Fatalf("want 409, got %d", w.Code)
		}
	})
}

func TestCapabilitiesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv.mux, "GET", "/api/capabilities/claude", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("capabilities: %d", w.Code)
	}
	var caps agent.Capabilities
	if err := json.Unmarshal(w.Body.Bytes(), &caps); err != nil {
		t.Fatal(err)
	}
	if !caps.Undo || caps.Redo {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}

	w = do(t, srv.mux, "GET", "/api/capabilities/gemini", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400 for unknown backend, got %d", w.Code)
	}
}

func TestCompressMiddleware(t *testing.T) {
	payload := strings.Repeat("agentdeck ", 200)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, payload)
	})
	h := compressMiddleware(next)

	t.Run("gzip round trip", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if got := w.Header().Get("Content-Encoding"); got != "gzip" {
			t.Fatalf("encoding %q", got)
		}
		gz, err := gzip.NewReader(w.Body)
		if err != nil {
			t.Fatal(err)
		}
		var out bytes.Buffer
		if _, err := out.ReadFrom(gz); err != nil {
			t.Fatal(err)
		}
		if out.String() != payload {
			t.Fatal("payload corrupted by compression")
		}
	})

	t.Run("prefers zstd over gzip", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Accept-Encoding", "gzip, zstd, br")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if got := w.Header().Get("Content-Encoding"); got != "zstd" {
			t.Fatalf("encoding %q", got)
		}
	})

	t.Run("identity when nothing accepted", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if got := w.Header().Get("Content-Encoding"); got != "" {
			t.Fatalf("unexpected encoding %q", got)
		}
		if w.Body.String() != payload {
			t.Fatal("identity payload corrupted")
		}
	})
}

func TestHubFanout(t *testing.T) {
	h := NewHub()
	ch1 := h.subscribe()
	ch2 := h.subscribe()
	defer h.unsubscribe(ch1)
	defer h.unsubscribe(ch2)

	h.Emit(agent.Event{Type: agent.EventStatus, HostSessionID: "h1", Seq: 1, Data: agent.StatusBusy})
	for i, ch := range []chan agent.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != agent.EventStatus || ev.HostSessionID != "h1" {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	ch := h.subscribe()
	defer h.unsubscribe(ch)
	// Never drained: fill the buffer and one more. Emit must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			h.Emit(agent.Event{Type: agent.EventTextDelta, Seq: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
}
