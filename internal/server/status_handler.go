package server

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	ListeningAddress string   `json:"listening_address"`
	ConnectedClients int      `json:"connected_clients"`
	SessionID        string   `json:"session_id"`
	UptimeSeconds    int64    `json:"uptime_seconds"`
	RequireAuth      bool     `json:"require_auth"`
	Functions        []string `json:"functions"`
}

// StatusHandler serves host status to the local CLI. Requests from other
// machines are refused.
type StatusHandler struct {
	server *Server
}

// NewStatusHandler creates a StatusHandler for s.
func NewStatusHandler(s *Server) *StatusHandler {
	return &StatusHandler{server: s}
}

// ServeHTTP handles GET /status.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: status endpoint is local-only", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := h.server
	writeJSON(w, http.StatusOK, StatusResponse{
		ListeningAddress: s.Addr(),
		ConnectedClients: s.ClientCount(),
		SessionID:        s.SessionID(),
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
		RequireAuth:      s.requireAuth,
		Functions:        s.Functions(),
	})
}

// isLoopbackRequest reports whether r came from the local machine.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr == "" || strings.HasPrefix(r.RemoteAddr, "/") || strings.HasPrefix(r.RemoteAddr, "@")
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
