package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/lmkapp/lmk/internal/errors"
)

// ErrorResponse is the JSON body for error conditions.
type ErrorResponse struct {
	// Error is the stable dotted code (e.g., "auth.not_complete").
	Error string `json:"error"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// CreateSessionResponse is returned by POST /v1/auth/sessions.
type CreateSessionResponse struct {
	SessionID    string    `json:"sessionId"`
	AuthorizeURL string    `json:"authorizeUrl"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// TokenResponse is returned by POST /v1/auth/sessions/{id}/token.
type TokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// Handler serves the auth session endpoints. Routes expect Go 1.22
// ServeMux patterns with an {id} wildcard.
type Handler struct {
	sessions *Sessions
	tokens   *TokenValidator
}

// NewHandler creates the auth HTTP handler.
func NewHandler(sessions *Sessions, tokens *TokenValidator) *Handler {
	return &Handler{sessions: sessions, tokens: tokens}
}

// CreateSession handles POST /v1/auth/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	as, err := h.sessions.Create()
	if err != nil {
		log.Printf("auth: failed to create auth session: %v", err)
		writeError(w, http.StatusInternalServerError, apperrors.CodeInternal, "Failed to create auth session")
		return
	}
	writeJSON(w, http.StatusOK, CreateSessionResponse{
		SessionID:    as.ID,
		AuthorizeURL: h.sessions.AuthorizeURL(as.ID),
		ExpiresAt:    as.ExpiresAt,
	})
}

// Authorize handles GET /v1/auth/authorize/{id}: the page the user opens to
// approve a session. Approval is only accepted from the host machine.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		log.Printf("auth: rejected authorize from non-loopback address: %s", r.RemoteAddr)
		writeError(w, http.StatusForbidden, apperrors.CodeAuthInvalid, "Authorization is only available from the host machine")
		return
	}

	id := r.PathValue("id")
	if err := h.sessions.Approve(id); err != nil {
		status, code := sessionErrorStatus(err)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprintf(w, "<!doctype html><title>lmk</title><p>Authorization failed (%s): %s</p>",
			html.EscapeString(code), html.EscapeString(err.Error()))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<!doctype html><title>lmk</title><p>Authorized. You can close this window.</p>")
}

// ClaimToken handles POST /v1/auth/sessions/{id}/token.
func (h *Handler) ClaimToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token, err := h.sessions.Claim(id)
	if err != nil {
		status, code := sessionErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token})
}

// CancelSession handles DELETE /v1/auth/sessions/{id}.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Cancel(r.PathValue("id")); err != nil {
		status, code := sessionErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Require wraps next so that it only runs for a valid bearer token.
func (h *Handler) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, apperrors.CodeAuthRequired, "Authorization required")
			return
		}
		if _, err := h.tokens.ValidateToken(token); err != nil {
			if !errors.Is(err, ErrTokenNotFound) {
				log.Printf("auth: token validation error: %v", err)
			}
			writeError(w, http.StatusUnauthorized, apperrors.CodeAuthInvalid, "Invalid access token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func sessionErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotComplete):
		return http.StatusConflict, apperrors.CodeAuthNotComplete
	case errors.Is(err, ErrSessionExpired):
		return http.StatusGone, apperrors.CodeAuthTimeout
	case errors.Is(err, ErrSessionCancelled), errors.Is(err, ErrSessionClaimed):
		return http.StatusGone, apperrors.CodeAuthCancelled
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, apperrors.CodeStorageNotFound
	default:
		log.Printf("auth: unexpected auth session error: %v", err)
		return http.StatusInternalServerError, apperrors.CodeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// isLoopbackRequest reports whether the request came from the local machine
// (loopback address or unix socket).
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" || strings.HasPrefix(r.RemoteAddr, "/") || strings.HasPrefix(r.RemoteAddr, "@") {
			return true
		}
		log.Printf("auth: failed to parse RemoteAddr %q: %v", r.RemoteAddr, err)
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		log.Printf("auth: failed to parse IP from host %q", host)
		return false
	}
	return ip.IsLoopback()
}
