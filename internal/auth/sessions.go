package auth

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmkapp/lmk/internal/storage"
)

// Auth session errors.
var (
	// ErrSessionNotFound is returned for an unknown auth session.
	ErrSessionNotFound = errors.New("auth session not found")

	// ErrSessionExpired is returned once an auth session outlives its expiry.
	ErrSessionExpired = errors.New("auth session has expired")

	// ErrSessionCancelled is returned for a cancelled auth session.
	ErrSessionCancelled = errors.New("auth session was cancelled")

	// ErrSessionClaimed is returned when the token was already collected.
	ErrSessionClaimed = errors.New("auth session token already claimed")

	// ErrNotComplete is returned while the user has not approved yet.
	ErrNotComplete = errors.New("auth session not complete")
)

// AuthSession is an alias for storage.AuthSession.
type AuthSession = storage.AuthSession

// SessionStore persists auth sessions. storage.SQLiteStore implements it.
type SessionStore interface {
	SaveAuthSession(as *AuthSession) error

	// GetAuthSession returns nil, nil if the session does not exist.
	GetAuthSession(id string) (*AuthSession, error)

	DeleteExpiredAuthSessions(now time.Time) (int64, error)
}

// SessionsConfig holds configuration for the auth session manager.
type SessionsConfig struct {
	// Store persists auth sessions. Required.
	Store SessionStore

	// Tokens mints the token handed out on approval. Required.
	Tokens *TokenValidator

	// BaseURL is the externally reachable host URL used to build
	// authorize links, e.g. "http://127.0.0.1:7749".
	BaseURL string

	// Expiry is how long a session may wait for approval.
	// Default: 5 minutes.
	Expiry time.Duration

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// Sessions manages the browser authorization flow.
type Sessions struct {
	mu     sync.Mutex
	config SessionsConfig
}

// NewSessions creates an auth session manager.
func NewSessions(config SessionsConfig) *Sessions {
	if config.Expiry == 0 {
		config.Expiry = 5 * time.Minute
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Sessions{config: config}
}

// Create starts a new auth session. Expired sessions are pruned first.
func (s *Sessions) Create() (*AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.config.TimeNow()
	if n, err := s.config.Store.DeleteExpiredAuthSessions(now); err != nil {
		log.Printf("auth: failed to prune auth sessions: %v", err)
	} else if n > 0 {
		log.Printf("auth: pruned %d expired auth sessions", n)
	}

	as := &AuthSession{
		ID:        uuid.New().String(),
		Status:    storage.AuthSessionPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.Expiry),
	}
	if err := s.config.Store.SaveAuthSession(as); err != nil {
		return nil, fmt.Errorf("save auth session: %w", err)
	}

	log.Printf("auth: created auth session %s (expires at %s)", as.ID, as.ExpiresAt.Format(time.RFC3339))
	return as, nil
}

// Begin creates a session and returns its ID and authorize URL.
func (s *Sessions) Begin() (id, authorizeURL string, err error) {
	as, err := s.Create()
	if err != nil {
		return "", "", err
	}
	return as.ID, s.AuthorizeURL(as.ID), nil
}

// AuthorizeURL is the link the user opens to approve session id.
func (s *Sessions) AuthorizeURL(id string) string {
	return s.config.BaseURL + "/v1/auth/authorize/" + id
}

// Approve marks a pending session approved and mints its token.
// Approving an approved session is a no-op.
func (s *Sessions) Approve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	as, err := s.load(id)
	if err != nil {
		return err
	}
	switch as.Status {
	case storage.AuthSessionApproved:
		return nil
	case storage.AuthSessionClaimed:
		return ErrSessionClaimed
	}

	tokenID, token, err := s.config.Tokens.Issue("auth-session " + id)
	if err != nil {
		return err
	}
	as.Status = storage.AuthSessionApproved
	as.Token = token
	as.TokenID = tokenID
	if err := s.config.Store.SaveAuthSession(as); err != nil {
		return fmt.Errorf("save auth session: %w", err)
	}

	log.Printf("auth: approved auth session %s", id)
	return nil
}

// Claim hands out the token of an approved session exactly once. Pending
// sessions return ErrNotComplete.
func (s *Sessions) Claim(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	as, err := s.load(id)
	if err != nil {
		return "", err
	}
	switch as.Status {
	case storage.AuthSessionPending:
		return "", ErrNotComplete
	case storage.AuthSessionClaimed:
		return "", ErrSessionClaimed
	}

	token := as.Token
	as.Status = storage.AuthSessionClaimed
	as.Token = ""
	if err := s.config.Store.SaveAuthSession(as); err != nil {
		return "", fmt.Errorf("save auth session: %w", err)
	}

	log.Printf("auth: claimed auth session %s", id)
	return token, nil
}

// Cancel abandons a session. Cancelling a cancelled session is a no-op.
func (s *Sessions) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	as, err := s.config.Store.GetAuthSession(id)
	if err != nil {
		return fmt.Errorf("get auth session: %w", err)
	}
	if as == nil {
		return ErrSessionNotFound
	}
	if as.Status == storage.AuthSessionCancelled {
		return nil
	}
	as.Status = storage.AuthSessionCancelled
	as.Token = ""
	if err := s.config.Store.SaveAuthSession(as); err != nil {
		return fmt.Errorf("save auth session: %w", err)
	}

	log.Printf("auth: cancelled auth session %s", id)
	return nil
}

// load fetches a live session. Must be called with s.mu held.
func (s *Sessions) load(id string) (*AuthSession, error) {
	as, err := s.config.Store.GetAuthSession(id)
	if err != nil {
		return nil, fmt.Errorf("get auth session: %w", err)
	}
	if as == nil {
		return nil, ErrSessionNotFound
	}
	if as.Status == storage.AuthSessionCancelled {
		return nil, ErrSessionCancelled
	}
	if as.Status == storage.AuthSessionPending && s.config.TimeNow().After(as.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return as, nil
}
