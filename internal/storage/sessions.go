package storage

// sessions.go contains SQLiteStore methods for notebook sessions.
// A session is one monitored notebook (or command) and carries the
// mirrored subset of its widget state.

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
)

// maxSessions is the maximum number of sessions to retain.
// Older sessions are deleted when this limit is exceeded.
const maxSessions = 50

// Session is a monitored notebook session.
type Session struct {
	ID           string         `json:"sessionId"`
	NotebookName string         `json:"notebookName"`
	URL          string         `json:"url,omitempty"`
	State        map[string]any `json:"state"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
}

// Ended reports whether the session has been closed.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// SaveSession persists a session, replacing any previous row with the same
// ID. Enforces retention: keeps only the most recent maxSessions sessions.
func (s *SQLiteStore) SaveSession(session *Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	state := session.State
	if state == nil {
		state = map[string]any{}
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: saving session %s (%s)", session.ID, session.NotebookName)

	var endedAt sql.NullString
	if session.EndedAt != nil {
		endedAt = sql.NullString{String: session.EndedAt.Format(time.RFC3339Nano), Valid: true}
	}

	const query = `
		INSERT OR REPLACE INTO sessions
			(id, notebook_name, url, state, created_at, updated_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.Exec(query,
		session.ID,
		session.NotebookName,
		session.URL,
		string(stateJSON),
		session.CreatedAt.Format(time.RFC3339Nano),
		session.UpdatedAt.Format(time.RFC3339Nano),
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	const cleanupQuery = `
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)
	`
	if _, err := s.db.Exec(cleanupQuery, maxSessions); err != nil {
		return fmt.Errorf("enforce session retention: %w", err)
	}

	return nil
}

// GetSession retrieves a session by ID.
// Returns nil, nil if the session does not exist.
func (s *SQLiteStore) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, err := s.getSessionLocked(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ListSessions returns recent sessions, newest first.
// The limit parameter controls how many sessions to return (0 = default limit).
func (s *SQLiteStore) ListSessions(limit int) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = maxSessions
	}

	const query = `
		SELECT id, notebook_name, url, state, created_at, updated_at, ended_at
		FROM sessions
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}

	return sessions, nil
}

// PatchSessionState merges patch into the session's stored state. Keys in
// patch overwrite; an explicit nil is stored as JSON null. Returns the
// updated session, or ErrSessionNotFound.
func (s *SQLiteStore) PatchSessionState(id string, patch map[string]any) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.getSessionLocked(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patch session: %w", err)
	}

	for k, v := range patch {
		session.State[k] = v
	}
	stateJSON, err := json.Marshal(session.State)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}
	session.UpdatedAt = time.Now()

	const query = `UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.Exec(query, string(stateJSON), session.UpdatedAt.Format(time.RFC3339Nano), id); err != nil {
		return nil, fmt.Errorf("patch session: %w", err)
	}

	log.Printf("storage: patched session %s (%d keys)", id, len(patch))
	return session, nil
}

// EndSession marks a session as ended. Ending an ended session is a no-op.
func (s *SQLiteStore) EndSession(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `UPDATE sessions SET ended_at = COALESCE(ended_at, ?), updated_at = ? WHERE id = ?`
	stamp := at.Format(time.RFC3339Nano)
	res, err := s.db.Exec(query, stamp, stamp, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) getSessionLocked(id string) (*Session, error) {
	const query = `
		SELECT id, notebook_name, url, state, created_at, updated_at, ended_at
		FROM sessions
		WHERE id = ?
	`
	return scanSession(s.db.QueryRow(query, id))
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session   Session
		stateJSON string
		createdAt string
		updatedAt string
		endedAt   sql.NullString
	)

	err := row.Scan(
		&session.ID,
		&session.NotebookName,
		&session.URL,
		&stateJSON,
		&createdAt,
		&updatedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stateJSON), &session.State); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	if session.State == nil {
		session.State = map[string]any{}
	}

	if session.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if session.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		session.EndedAt = &t
	}

	return &session, nil
}
