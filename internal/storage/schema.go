package storage

import (
	"fmt"
	"log"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 3

// initSchema brings the database up to currentSchemaVersion.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	migrations := []func() error{
		s.migrateToV1,
		s.migrateToV2,
		s.migrateToV3,
	}
	for i, migrate := range migrations {
		if version >= i+1 {
			continue
		}
		if err := migrate(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateToV1 creates the sessions table.
func (s *SQLiteStore) migrateToV1() error {
	log.Printf("storage: applying migration to schema version 1")

	// state holds the mirrored widget state as a JSON object.
	const sessionsTable = `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			notebook_name TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			ended_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
	`

	if _, err := s.db.Exec(sessionsTable); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return s.recordMigration(1)
}

// migrateToV2 adds access tokens and the auth sessions that issue them.
func (s *SQLiteStore) migrateToV2() error {
	log.Printf("storage: applying migration to schema version 2")

	// token is kept in plaintext only until the session is claimed.
	const authTables = `
		CREATE TABLE IF NOT EXISTS access_tokens (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			token_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS auth_sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'pending',
			token TEXT,
			token_id TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_auth_sessions_status ON auth_sessions(status);
	`

	if _, err := s.db.Exec(authTables); err != nil {
		return fmt.Errorf("create auth tables: %w", err)
	}
	return s.recordMigration(2)
}

// migrateToV3 adds notification channels and the notification log.
func (s *SQLiteStore) migrateToV3() error {
	log.Printf("storage: applying migration to schema version 3")

	const notifyTables = `
		CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			is_default INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			channel_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_session
			ON notifications(session_id, created_at);
	`

	if _, err := s.db.Exec(notifyTables); err != nil {
		return fmt.Errorf("create notification tables: %w", err)
	}
	return s.recordMigration(3)
}

func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// SchemaVersion returns the current database schema version.
// This is useful for diagnostics and testing.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return version, nil
}
