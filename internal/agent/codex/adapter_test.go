package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/agentdeck/agentdeck/internal/agent"
)

// fakeClient scripts responses per method and replays queued notifications.
type fakeClient struct {
	notifs  chan rpcMessage
	respond map[string]json.RawMessage

	mu     sync.Mutex
	calls  []string
	closed bool
	err    error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		notifs:  make(chan rpcMessage, 32),
		respond: make(map[string]json.RawMessage),
	}
}

func (c *fakeClient) Notifications() <-chan rpcMessage { return c.notifs }

func (c *fakeClient) Call(_ context.Context, method string, _ any) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, method)
	resp, ok := c.respond[method]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unscripted method %s", method)
	}
	return resp, nil
}

func (c *fakeClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) notify(method string, params any) {
	data, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	c.notifs <- rpcMessage{JSONRPC: "2.0", Method: method, Params: data}
}

type recordingSurface struct {
	mu     sync.Mutex
	events []agent.Event
}

func (r *recordingSurface) Emit(ev agent.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSurface) ofType(typ string) []agent.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agent.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTestAdapter(c *fakeClient) (*Adapter, *recordingSurface) {
	a := New(Options{
		StartClient: func(context.Context, string) (Client, error) { return c, nil },
	})
	surface := &recordingSurface{}
	a.BindUISurface(surface)
	return a, surface
}

// scriptTurn queues the standard item flow for one completed turn.
func scriptTurn(c *fakeClient, text string) {
	c.notify(methodTurnStarted, map[string]any{})
	c.notify(methodItemStarted, itemParams{Item: itemData{
		ID: "cmd-1", Type: itemCommandExecution, Command: "ls",
	}})
	c.notify(methodItemCompleted, itemParams{Item: itemData{
		ID: "cmd-1", Type: itemCommandExecution, Command: "ls", AggregatedOutput: "main.go",
	}})
	c.notify(methodItemCompleted, itemParams{Item: itemData{
		ID: "msg-1", Type: itemAgentMessage, Text: text,
	}})
	c.notify(methodTurnCompleted, map[string]any{"turn": map[string]any{"status": turnStatusCompleted}})
}

func TestPromptTurn(t *testing.T) {
	c := newFakeClient()
	c.respond["thread/start"] = json.RawMessage(`{"thread":{"id":"thr-1"}}`)
	c.respond["turn/start"] = json.RawMessage(`{}`)
	scriptTurn(c, "one file")

	a, surface := newTestAdapter(c)
	pid, err := a.Connect(context.Background(), "/ws", "host-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Prompt(context.Background(), "/ws", pid, agent.Text("list files")); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	t.Run("materializes under thread id", func(t *testing.T) {
		if a.lookup("/ws", pid) != nil {
			t.Fatal("placeholder key still registered")
		}
		if a.lookup("/ws", "thr-1") == nil {
			t.Fatal("thread key missing")
		}
		mats := surface.ofType(agent.EventMaterialized)
		if len(mats) != 1 || mats[0].Data != "thr-1" {
			t.Fatalf("unexpected materialized events: %+v", mats)
		}
	})

	t.Run("messages accumulated with merged result", func(t *testing.T) {
		msgs, err := a.Messages(context.Background(), "/ws", "thr-1")
		if err != nil {
			t.Fatal(err)
		}
		// user echo + command tool + agent text.
		if len(msgs) != 3 {
			t.Fatalf("want 3 messages, got %d", len(msgs))
		}
		tool := msgs[1].ToolPart("cmd-1")
		if tool == nil || tool.Status != agent.ToolSuccess || tool.Output != "main.go" {
			t.Fatalf("command result not merged: %+v", tool)
		}
		if msgs[2].Content != "one file" {
			t.Fatalf("unexpected text message: %+v", msgs[2])
		}
	})

	t.Run("status busy then idle", func(t *testing.T) {
		surface.mu.Lock()
		events := append([]agent.Event(nil), surface.events...)
		surface.mu.Unlock()
		if events[0].Type != agent.EventStatus || events[0].Data != agent.StatusBusy {
			t.Fatalf("first event %+v", events[0])
		}
		last := events[len(events)-1]
		if last.Type != agent.EventStatus || last.Data != agent.StatusIdle {
			t.Fatalf("last event %+v", last)
		}
	})
}

func TestPromptResumesMaterializedThread(t *testing.T) {
	c := newFakeClient()
	c.respond["thread/resume"] = json.RawMessage(`{"thread":{"id":"thr-9"}}`)
	c.respond["turn/start"] = json.RawMessage(`{}`)
	c.notify(methodTurnCompleted, map[string]any{"turn": map[string]any{"status": turnStatusCompleted}})

	a, _ := newTestAdapter(c)
	if err := a.Reconnect(context.Background(), "/ws", "thr-9", "host-1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Prompt(context.Background(), "/ws", "thr-9", agent.Text("hi")); err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var resumed bool
	for _, m := range c.calls {
		if m == "thread/resume" {
			resumed = true
		}
		if m == "thread/start" {
			t.Fatal("materialized session must resume, not start a new thread")
		}
	}
	if !resumed {
		t.Fatal("thread/resume never called")
	}
}

func TestPromptFailedTurnEmitsError(t *testing.T) {
	c := newFakeClient()
	c.respond["thread/start"] = json.RawMessage(`{"thread":{"id":"thr-1"}}`)
	c.respond["turn/start"] = json.RawMessage(`{}`)
	c.notify(methodTurnCompleted, map[string]any{"turn": map[string]any{
		"status": turnStatusFailed, "error": "model overloaded",
	}})

	a, surface := newTestAdapter(c)
	pid, _ := a.Connect(context.Background(), "/ws", "host-1")
	if err := a.Prompt(context.Background(), "/ws", pid, agent.Text("x")); err != nil {
		t.Fatal(err)
	}
	errs := surface.ofType(agent.EventError)
	if len(errs) != 1 || errs[0].Data != "model overloaded" {
		t.Fatalf("unexpected error events: %+v", errs)
	}
}

func TestUndoRedo(t *testing.T) {
	c := newFakeClient()
	c.respond["thread/start"] = json.RawMessage(`{"thread":{"id":"thr-1"}}`)
	c.respond["turn/start"] = json.RawMessage(`{}`)
	scriptTurn(c, "first answer")
	scriptTurn(c, "second answer")

	a, _ := newTestAdapter(c)
	pid, _ := a.Connect(context.Background(), "/ws", "host-1")
	if err := a.Prompt(context.Background(), "/ws", pid, agent.Text("one")); err != nil {
		t.Fatal(err)
	}
	if err := a.Prompt(context.Background(), "/ws", "thr-1", agent.Text("two")); err != nil {
		t.Fatal(err)
	}
	count := func() int {
		msgs, err := a.Messages(context.Background(), "/ws", "thr-1")
		if err != nil {
			t.Fatal(err)
		}
		return len(msgs)
	}
	full := count()

	t.Run("undo removes the last turn", func(t *testing.T) {
		info, err := a.Undo(context.Background(), "/ws", "thr-1")
		if err != nil {
			t.Fatal(err)
		}
		if info.LastUndoMessageID == "" {
			t.Fatal("undo reported no boundary message")
		}
		if got := count(); got != 3 {
			t.Fatalf("want 3 messages after undo, got %d", got)
		}
	})

	t.Run("second undo walks further back", func(t *testing.T) {
		if _, err := a.Undo(context.Background(), "/ws", "thr-1"); err != nil {
			t.Fatal(err)
		}
		if got := count(); got != 0 {
			t.Fatalf("want 0 messages, got %d", got)
		}
		if _, err := a.Undo(context.Background(), "/ws", "thr-1"); !errors.Is(err, agent.ErrNothingToUndo) {
			t.Fatalf("want ErrNothingToUndo, got %v", err)
		}
	})

	t.Run("redo restores turns in order", func(t *testing.T) {
		if _, err := a.Redo(context.Background(), "/ws", "thr-1"); err != nil {
			t.Fatal(err)
		}
		if got := count(); got != 3 {
			t.Fatalf("want 3 messages after first redo, got %d", got)
		}
		if _, err := a.Redo(context.Background(), "/ws", "thr-1"); err != nil {
			t.Fatal(err)
		}
		if got := count(); got != full {
			t.Fatalf("want %d messages after second redo, got %d", full, got)
		}
		if _, err := a.Redo(context.Background(), "/ws", "thr-1"); !errors.Is(err, agent.ErrNothingToRedo) {
			t.Fatalf("want ErrNothingToRedo, got %v", err)
		}
	})
}

func TestPromptClearsRedoStack(t *testing.T) {
	c := newFakeClient()
	c.respond["thread/start"] = json.RawMessage(`{"thread":{"id":"thr-1"}}`)
	c.respond["turn/start"] = json.RawMessage(`{}`)
	scriptTurn(c, "a")
	scriptTurn(c, "b")

	a, _ := newTestAdapter(c)
	pid, _ := a.Connect(context.Background(), "/ws", "host-1")
	if err := a.Prompt(context.Background(), "/ws", pid, agent.Text("one")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Undo(context.Background(), "/ws", "thr-1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Prompt(context.Background(), "/ws", "thr-1", agent.Text("fork")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Redo(context.Background(), "/ws", "thr-1"); !errors.Is(err, agent.ErrNothingToRedo) {
		t.Fatalf("redo after a new prompt must fail, got %v", err)
	}
}

func TestTranslateItems(t *testing.T) {
	t.Run("file change picks tool name", func(t *testing.T) {
		msg := completedMessage(&itemData{
			ID: "f1", Type: itemFileChange,
			Changes: []fileChange{{Path: "a.go", Kind: "update"}, {Path: "b.go", Kind: "add"}},
		})
		if msg == nil || msg.Parts[0].Tool.Name != "Write" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	})

	t.Run("reasoning becomes reasoning part", func(t *testing.T) {
		msg := completedMessage(&itemData{ID: "r1", Type: itemReasoning, Text: "thinking"})
		if msg == nil || msg.Parts[0].Type != agent.PartReasoning {
			t.Fatalf("unexpected message: %+v", msg)
		}
	})

	t.Run("failed command sets error", func(t *testing.T) {
		exit := 1
		msgs := []*agent.Message{{
			Role: agent.RoleAssistant,
			Parts: []agent.Part{{Type: agent.PartTool, Tool: &agent.ToolCall{
				CallID: "cmd-1", Name: "Bash", Status: agent.ToolRunning,
			}}},
		}}
		updated := completedToolResult(msgs, &itemData{
			ID: "cmd-1", Type: itemCommandExecution, AggregatedOutput: "boom", ExitCode: &exit,
		})
		if updated == nil {
			t.Fatal("no message updated")
		}
		tool := msgs[0].Parts[0].Tool
		if tool.Status != agent.ToolError || tool.Error != "boom" {
			t.Fatalf("unexpected tool state: %+v", tool)
		}
	})
}

func TestAbortUnknownSession(t *testing.T) {
	a, _ := newTestAdapter(newFakeClient())
	if a.Abort("/ws", "nope") {
		t.Fatal("abort of unknown session must return false")
	}
}
