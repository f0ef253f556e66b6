// Package store persists session records in a SQLite database so sessions
// survive process restarts and can be reconnected to their backends.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentdeck/agentdeck/internal/agent"
)

// ErrNotFound is returned when no record exists for a host session id.
var ErrNotFound = errors.New("session record not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	host_id             TEXT PRIMARY KEY,
	backend             TEXT NOT NULL,
	workspace           TEXT NOT NULL,
	provider_session_id TEXT NOT NULL DEFAULT '',
	updated_at          INTEGER NOT NULL
);
`

// Record is one persisted session.
type Record struct {
	HostID            string
	Backend           string
	Workspace         string
	ProviderSessionID string
	UpdatedAt         time.Time
}

// Store is a SQLite-backed session registry. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

var _ agent.SessionRecorder = (*Store)(nil)

// Open opens or creates the database at path. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The driver serializes writes; a second writer connection would only
	// produce SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateSessionRecord upserts a session record. Nil patch fields keep the
// stored value; a missing row requires BackendID and WorkspacePath to be
// set.
func (s *Store) UpdateSessionRecord(hostSessionID string, patch agent.SessionPatch) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (host_id, backend, workspace, provider_session_id, updated_at)
		VALUES (?, COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, ''), ?)
		ON CONFLICT(host_id) DO UPDATE SET
			backend             = COALESCE(?, backend),
			workspace           = COALESCE(?, workspace),
			provider_session_id = COALESCE(?, provider_session_id),
			updated_at          = excluded.updated_at`,
		hostSessionID, patch.BackendID, patch.WorkspacePath, patch.ProviderSessionID, time.Now().Unix(),
		patch.BackendID, patch.WorkspacePath, patch.ProviderSessionID)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", hostSessionID, err)
	}
	return nil
}

// SessionRecord returns the record for one host session.
func (s *Store) SessionRecord(hostSessionID string) (*Record, error) {
	var r Record
	var updated int64
	err := s.db.QueryRow(`
		SELECT host_id, backend, workspace, provider_session_id, updated_at
		FROM sessions WHERE host_id = ?`, hostSessionID).
		Scan(&r.HostID, &r.Backend, &r.Workspace, &r.ProviderSessionID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hostSessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("query session %s: %w", hostSessionID, err)
	}
	r.UpdatedAt = time.Unix(updated, 0).UTC()
	return &r, nil
}

// BackendIDForSession returns which backend owns a host session.
func (s *Store) BackendIDForSession(hostSessionID string) (string, error) {
	r, err := s.SessionRecord(hostSessionID)
	if err != nil {
		return "", err
	}
	return r.Backend, nil
}

// Sessions lists all records, newest first.
func (s *Store) Sessions() ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT host_id, backend, workspace, provider_session_id, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		var r Record
		var updated int64
		if err := rows.Scan(&r.HostID, &r.Backend, &r.Workspace, &r.ProviderSessionID, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteSession removes a record. Missing rows are not an error.
func (s *Store) DeleteSession(hostSessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE host_id = ?`, hostSessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", hostSessionID, err)
	}
	return nil
}
