package storage

// tokens.go contains SQLiteStore methods for issued access tokens and the
// auth sessions that hand them out.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// AccessToken is an issued bearer token. Only the bcrypt hash is stored.
type AccessToken struct {
	ID        string
	Name      string
	TokenHash string
	CreatedAt time.Time
	LastSeen  time.Time
}

// AuthSessionStatus is the lifecycle state of an auth session.
type AuthSessionStatus string

const (
	AuthSessionPending   AuthSessionStatus = "pending"
	AuthSessionApproved  AuthSessionStatus = "approved"
	AuthSessionClaimed   AuthSessionStatus = "claimed"
	AuthSessionCancelled AuthSessionStatus = "cancelled"
)

// AuthSession is one browser authorization attempt. Token is set on
// approval and cleared once claimed.
type AuthSession struct {
	ID        string
	Status    AuthSessionStatus
	Token     string
	TokenID   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SaveToken persists an access token, replacing any row with the same ID.
func (s *SQLiteStore) SaveToken(token *AccessToken) error {
	if token == nil {
		return errors.New("token cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: saving access token %s (%s)", token.ID, token.Name)

	const query = `
		INSERT OR REPLACE INTO access_tokens
			(id, name, token_hash, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		token.ID,
		token.Name,
		token.TokenHash,
		token.CreatedAt.Format(time.RFC3339Nano),
		token.LastSeen.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// GetToken retrieves a token by ID.
// Returns nil, nil if the token does not exist.
func (s *SQLiteStore) GetToken(id string) (*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, name, token_hash, created_at, last_seen
		FROM access_tokens
		WHERE id = ?
	`

	token, err := scanToken(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return token, nil
}

// ListTokens returns all issued tokens, oldest first.
func (s *SQLiteStore) ListTokens() ([]*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, name, token_hash, created_at, last_seen
		FROM access_tokens
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*AccessToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}

// DeleteToken revokes a token. Returns nil if it does not exist (idempotent).
func (s *SQLiteStore) DeleteToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM access_tokens WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	log.Printf("storage: deleted access token %s", id)
	return nil
}

// UpdateTokenLastSeen updates the last_seen timestamp for a token.
// Returns ErrTokenNotFound if the token does not exist.
func (s *SQLiteStore) UpdateTokenLastSeen(id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE access_tokens SET last_seen = ? WHERE id = ?",
		t.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func scanToken(row rowScanner) (*AccessToken, error) {
	var (
		token     AccessToken
		createdAt string
		lastSeen  string
	)
	if err := row.Scan(&token.ID, &token.Name, &token.TokenHash, &createdAt, &lastSeen); err != nil {
		return nil, err
	}

	var err error
	if token.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if token.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}
	return &token, nil
}

// SaveAuthSession persists an auth session, replacing any row with the same ID.
func (s *SQLiteStore) SaveAuthSession(as *AuthSession) error {
	if as == nil {
		return errors.New("auth session cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var token, tokenID sql.NullString
	if as.Token != "" {
		token = sql.NullString{String: as.Token, Valid: true}
	}
	if as.TokenID != "" {
		tokenID = sql.NullString{String: as.TokenID, Valid: true}
	}

	const query = `
		INSERT OR REPLACE INTO auth_sessions
			(id, status, token, token_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		as.ID,
		string(as.Status),
		token,
		tokenID,
		as.CreatedAt.Format(time.RFC3339Nano),
		as.ExpiresAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save auth session: %w", err)
	}
	return nil
}

// GetAuthSession retrieves an auth session by ID.
// Returns nil, nil if it does not exist.
func (s *SQLiteStore) GetAuthSession(id string) (*AuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, status, token, token_id, created_at, expires_at
		FROM auth_sessions
		WHERE id = ?
	`

	var (
		as        AuthSession
		status    string
		token     sql.NullString
		tokenID   sql.NullString
		createdAt string
		expiresAt string
	)
	err := s.db.QueryRow(query, id).Scan(&as.ID, &status, &token, &tokenID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get auth session: %w", err)
	}

	as.Status = AuthSessionStatus(status)
	as.Token = token.String
	as.TokenID = tokenID.String
	if as.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if as.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	return &as, nil
}

// DeleteExpiredAuthSessions removes auth sessions that expired before now.
func (s *SQLiteStore) DeleteExpiredAuthSessions(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM auth_sessions WHERE expires_at < ?", now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("delete expired auth sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
