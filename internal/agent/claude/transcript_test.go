package claude

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/agent"
)

const sampleTranscript = `{"type":"system","subtype":"init","session_id":"sess-1","model":"opus"}
{"type":"user","uuid":"u1","session_id":"sess-1","message":{"role":"user","content":"list files"}}
not json at all
{"type":"assistant","uuid":"a1","session_id":"sess-1","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}
{"type":"user","uuid":"u2","session_id":"sess-1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"main.go"}]}}
{"type":"assistant","uuid":"a2","session_id":"sess-1","message":{"role":"assistant","content":[{"type":"text","text":"one file"}]}}
{"type":"result","session_id":"sess-1","result":"done"}
`

func writeTranscript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sess-1.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadTranscript(t *testing.T) {
	msgs, err := ReadTranscript(writeTranscript(t, sampleTranscript))
	if err != nil {
		t.Fatal(err)
	}
	// user + assistant tool + assistant text; the malformed line, the init
	// entry, the tool-result carrier and the result entry add nothing.
	if len(msgs) != 3 {
		t.Fatalf("want 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != agent.RoleUser || msgs[0].Content != "list files" {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
	tool := msgs[1].ToolPart("t1")
	if tool == nil || tool.Status != agent.ToolSuccess || tool.Output != "main.go" {
		t.Fatalf("tool result not merged offline: %+v", tool)
	}
	if msgs[2].Content != "one file" {
		t.Fatalf("unexpected last message: %+v", msgs[2])
	}
}

func TestReadTranscriptMissingFile(t *testing.T) {
	msgs, err := ReadTranscript(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if msgs != nil {
		t.Fatalf("want nil transcript, got %v", msgs)
	}
}

func TestReadTranscriptCompaction(t *testing.T) {
	content := `{"type":"system","subtype":"compact_boundary","session_id":"sess-1"}` + "\n"
	msgs, err := ReadTranscript(writeTranscript(t, content))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Parts[0].Type != agent.PartCompaction {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestTranscriptPath(t *testing.T) {
	got := transcriptPath("/root/logs", "/home/me/proj.v2", "sess-1")
	want := filepath.Join("/root/logs", "-home-me-proj-v2", "sess-1.jsonl")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTranscriptCacheInvalidation(t *testing.T) {
	root := t.TempDir()
	ws := "/ws"
	dir := filepath.Join(root, "-ws")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "sess-1.jsonl")
	line1 := `{"type":"user","uuid":"u1","message":{"role":"user","content":"first"}}` + "\n"
	if err := os.WriteFile(path, []byte(line1), 0o644); err != nil {
		t.Fatal(err)
	}

	c := newTranscriptCache(root)
	defer c.Close()

	msgs, err := c.Read(ws, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "first" {
		t.Fatalf("unexpected first read: %+v", msgs)
	}

	line2 := `{"type":"user","uuid":"u2","message":{"role":"user","content":"second"}}` + "\n"
	if err := os.WriteFile(path, []byte(line1+line2), 0o644); err != nil {
		t.Fatal(err)
	}
	// The watcher invalidates asynchronously; poll until the new entry shows
	// up or the deadline passes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, err = c.Read(ws, "sess-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache never refreshed, still %d messages", len(msgs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
