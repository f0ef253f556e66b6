package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/agentdeck/agentdeck/internal/agent"
)

func ptr(s string) *string { return &s }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return st
}

func TestStoreRoundTrip(t *testing.T) {
	st := openTestStore(t)

	err := st.UpdateSessionRecord("host-1", agent.SessionPatch{
		BackendID:     ptr("claude"),
		WorkspacePath: ptr("/ws"),
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, err := st.SessionRecord("host-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Backend != "claude" || rec.Workspace != "/ws" || rec.ProviderSessionID != "" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	t.Run("partial patch keeps other fields", func(t *testing.T) {
		if err := st.UpdateSessionRecord("host-1", agent.SessionPatch{
			ProviderSessionID: ptr("sess-1"),
		}); err != nil {
			t.Fatal(err)
		}
		rec, err := st.SessionRecord("host-1")
		if err != nil {
			t.Fatal(err)
		}
		if rec.Backend != "claude" || rec.Workspace != "/ws" || rec.ProviderSessionID != "sess-1" {
			t.Fatalf("patch clobbered fields: %+v", rec)
		}
	})

	t.Run("backend lookup", func(t *testing.T) {
		backend, err := st.BackendIDForSession("host-1")
		if err != nil {
			t.Fatal(err)
		}
		if backend != "claude" {
			t.Fatalf("got %q", backend)
		}
	})
}

func TestStoreNotFound(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.SessionRecord("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := st.BackendIDForSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStoreList(t *testing.T) {
	st := openTestStore(t)
	for _, id := range []string{"h1", "h2", "h3"} {
		if err := st.UpdateSessionRecord(id, agent.SessionPatch{
			BackendID:     ptr("codex"),
			WorkspacePath: ptr("/ws/" + id),
		}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := st.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("want 3 records, got %d", len(recs))
	}
}

func TestStoreDelete(t *testing.T) {
	st := openTestStore(t)
	if err := st.UpdateSessionRecord("h1", agent.SessionPatch{
		BackendID: ptr("claude"), WorkspacePath: ptr("/ws"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteSession("h1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SessionRecord("h1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record survived delete: %v", err)
	}
	// Deleting a missing row is not an error.
	if err := st.DeleteSession("h1"); err != nil {
		t.Fatal(err)
	}
}
