// Package auth issues and validates the bearer tokens that guard the host's
// session API, and runs the browser authorization flow that hands them out.
//
// The flow:
//  1. A client creates an auth session (POST /v1/auth/sessions) and shows
//     the user its authorize URL.
//  2. The user opens the URL on the host machine, which approves the session
//     and mints a token.
//  3. The client polls the session until it can claim the token, once.
//
// Tokens are bcrypt-hashed before storage; the plaintext is only held by an
// approved session until it is claimed.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lmkapp/lmk/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

// ErrTokenNotFound is returned when a token matches no issued token.
var ErrTokenNotFound = errors.New("access token not found")

// AccessToken is an alias for storage.AccessToken to avoid duplicating the struct.
type AccessToken = storage.AccessToken

// TokenStore persists issued tokens. storage.SQLiteStore implements it.
// Implementations must be safe for concurrent access.
type TokenStore interface {
	SaveToken(token *AccessToken) error

	// GetToken returns nil, nil if the token does not exist.
	GetToken(id string) (*AccessToken, error)

	ListTokens() ([]*AccessToken, error)

	// DeleteToken is idempotent.
	DeleteToken(id string) error

	UpdateTokenLastSeen(id string, t time.Time) error
}

// TokenValidator issues and validates bearer tokens.
type TokenValidator struct {
	store   TokenStore
	timeNow func() time.Time
	cost    int
}

// NewTokenValidator creates a new token validator.
func NewTokenValidator(store TokenStore) *TokenValidator {
	return &TokenValidator{
		store:   store,
		timeNow: time.Now,
		cost:    bcrypt.DefaultCost,
	}
}

// Issue mints a new token, stores its hash and returns the token ID and
// the plaintext token. The plaintext is not recoverable afterwards.
func (tv *TokenValidator) Issue(name string) (id, token string, err error) {
	token = generateSecureToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), tv.cost)
	if err != nil {
		return "", "", fmt.Errorf("hash token: %w", err)
	}

	now := tv.timeNow()
	id = uuid.New().String()
	if err := tv.store.SaveToken(&AccessToken{
		ID:        id,
		Name:      name,
		TokenHash: string(hash),
		CreatedAt: now,
		LastSeen:  now,
	}); err != nil {
		return "", "", fmt.Errorf("save token: %w", err)
	}

	log.Printf("auth: issued token %s (%s)", id, name)
	return id, token, nil
}

// ValidateToken checks if the given token is valid.
// On success, returns the stored token and updates its last_seen timestamp.
// Returns ErrTokenNotFound if the token is invalid.
//
// Note: This does a linear scan of all tokens to find a matching hash.
// A host issues a handful of tokens, so this is acceptable.
func (tv *TokenValidator) ValidateToken(token string) (*AccessToken, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}

	tokens, err := tv.store.ListTokens()
	if err != nil {
		return nil, err
	}

	for _, t := range tokens {
		// bcrypt.CompareHashAndPassword handles timing-safe comparison
		if err := bcrypt.CompareHashAndPassword([]byte(t.TokenHash), []byte(token)); err != nil {
			continue
		}

		if err := tv.store.UpdateTokenLastSeen(t.ID, tv.timeNow()); err != nil {
			// Log but don't fail - validation succeeded
			log.Printf("auth: failed to update last_seen for token %s: %v", t.ID, err)
		}
		return t, nil
	}

	log.Printf("auth: token validation failed (no matching token)")
	return nil, ErrTokenNotFound
}

// Revoke deletes a token by ID.
func (tv *TokenValidator) Revoke(id string) error {
	return tv.store.DeleteToken(id)
}

// generateSecureToken returns 32 random bytes, hex-encoded.
func generateSecureToken() string {
	const tokenBytes = 32

	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		// This should never happen with crypto/rand
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return fmt.Sprintf("%x", b)
}
