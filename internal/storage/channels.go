package storage

// channels.go contains SQLiteStore methods for notification channels and
// the notification log.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// maxNotifications is how many notifications are retained per session.
const maxNotifications = 100

// Channel is a notification destination.
type Channel struct {
	ID        string
	Type      string
	Name      string
	Target    string
	IsDefault bool
	CreatedAt time.Time
}

// Notification is one sent (or attempted) notification.
type Notification struct {
	ID        string
	SessionID string
	ChannelID string
	Message   string
	Delivered bool
	Error     string
	CreatedAt time.Time
}

// SaveChannel persists a channel, replacing any row with the same ID. The
// default flag is managed by SetDefaultChannel and is preserved here.
func (s *SQLiteStore) SaveChannel(ch *Channel) error {
	if ch == nil {
		return errors.New("channel cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: saving channel %s (%s %s)", ch.ID, ch.Type, ch.Name)

	const query = `
		INSERT INTO channels (id, type, name, target, is_default, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET type = excluded.type, name = excluded.name, target = excluded.target
	`
	_, err := s.db.Exec(query, ch.ID, ch.Type, ch.Name, ch.Target, ch.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save channel: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel by ID.
// Returns nil, nil if it does not exist.
func (s *SQLiteStore) GetChannel(id string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, type, name, target, is_default, created_at
		FROM channels WHERE id = ?
	`
	ch, err := scanChannel(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return ch, nil
}

// ListChannels returns all channels, oldest first.
func (s *SQLiteStore) ListChannels() ([]*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, type, name, target, is_default, created_at
		FROM channels ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	channels := make([]*Channel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// DefaultChannel returns the default channel, or nil, nil if none is set.
func (s *SQLiteStore) DefaultChannel() (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, type, name, target, is_default, created_at
		FROM channels WHERE is_default = 1 LIMIT 1
	`
	ch, err := scanChannel(s.db.QueryRow(query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get default channel: %w", err)
	}
	return ch, nil
}

// SetDefaultChannel makes id the only default channel. An empty id clears
// the default. Returns ErrChannelNotFound for an unknown id.
func (s *SQLiteStore) SetDefaultChannel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE channels SET is_default = 0 WHERE is_default = 1"); err != nil {
		return fmt.Errorf("clear default channel: %w", err)
	}
	if id != "" {
		res, err := tx.Exec("UPDATE channels SET is_default = 1 WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("set default channel: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrChannelNotFound
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit default channel: %w", err)
	}

	log.Printf("storage: default channel set to %q", id)
	return nil
}

// DeleteChannel removes a channel. Returns nil if it does not exist.
func (s *SQLiteStore) DeleteChannel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM channels WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

func scanChannel(row rowScanner) (*Channel, error) {
	var (
		ch        Channel
		isDefault int
		createdAt string
	)
	if err := row.Scan(&ch.ID, &ch.Type, &ch.Name, &ch.Target, &isDefault, &createdAt); err != nil {
		return nil, err
	}
	ch.IsDefault = isDefault != 0

	var err error
	if ch.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &ch, nil
}

// SaveNotification records a notification. Only the most recent
// maxNotifications per session are kept.
func (s *SQLiteStore) SaveNotification(n *Notification) error {
	if n == nil {
		return errors.New("notification cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delivered := 0
	if n.Delivered {
		delivered = 1
	}

	const query = `
		INSERT OR REPLACE INTO notifications
			(id, session_id, channel_id, message, delivered, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		n.ID, n.SessionID, n.ChannelID, n.Message, delivered, n.Error,
		n.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}

	const cleanupQuery = `
		DELETE FROM notifications WHERE session_id = ? AND id IN (
			SELECT id FROM notifications WHERE session_id = ?
			ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)
	`
	if _, err := s.db.Exec(cleanupQuery, n.SessionID, n.SessionID, maxNotifications); err != nil {
		return fmt.Errorf("enforce notification retention: %w", err)
	}
	return nil
}

// ListNotifications returns a session's notifications, oldest first.
func (s *SQLiteStore) ListNotifications(sessionID string) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, session_id, channel_id, message, delivered, error, created_at
		FROM notifications WHERE session_id = ?
		ORDER BY created_at ASC
	`
	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]*Notification, 0)
	for rows.Next() {
		var (
			n         Notification
			delivered int
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.SessionID, &n.ChannelID, &n.Message, &delivered, &n.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Delivered = delivered != 0
		if n.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}
