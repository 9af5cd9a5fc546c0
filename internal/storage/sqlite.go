// Package storage persists the backend host's durable state in SQLite:
// notebook sessions and their mirrored widget state, issued access tokens,
// pending auth sessions, notification channels and the notification log.
package storage

import (
	"errors"
	"fmt"
	"log"
	"sync"

	// SQLite driver - imported for side effects (registers the driver).
	// modernc.org/sqlite is pure Go, so the host builds without CGO.
	"database/sql"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when an update targets a non-existent session.
var ErrSessionNotFound = errors.New("session not found")

// ErrTokenNotFound is returned when a token lookup fails.
var ErrTokenNotFound = errors.New("access token not found")

// ErrAuthSessionNotFound is returned when an auth session lookup fails.
var ErrAuthSessionNotFound = errors.New("auth session not found")

// ErrChannelNotFound is returned when a channel lookup fails.
var ErrChannelNotFound = errors.New("notification channel not found")

// SQLiteStore persists host state in SQLite.
// It creates the database and tables on first use and supports
// concurrent access through internal locking.
type SQLiteStore struct {
	db *sql.DB      // Database connection handle.
	mu sync.RWMutex // Guards all database operations for thread safety.
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
// Use ":memory:" for an in-memory database (useful for testing).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	log.Printf("storage: opening database at %s", path)

	// foreign_keys enforces referential integrity; busy_timeout covers the
	// CLI and a running host touching the same file.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each pooled connection to ":memory:" would get its own empty database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Printf("storage: database ready (schema version %d)", currentSchemaVersion)
	return store, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	log.Printf("storage: closing database")
	return s.db.Close()
}
