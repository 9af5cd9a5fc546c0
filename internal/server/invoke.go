package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	apperrors "github.com/lmkapp/lmk/internal/errors"
	"github.com/lmkapp/lmk/internal/hostcap"
)

// InvokeProbeResponse is returned by GET /invoke.
type InvokeProbeResponse struct {
	Functions []string `json:"functions"`
	SessionID string   `json:"sessionId"`
}

// handleInvokeProbe answers the capability probe with the registered entry
// points.
func (s *Server) handleInvokeProbe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, InvokeProbeResponse{
		Functions: s.Functions(),
		SessionID: s.model.SessionID(),
	})
}

// handleInvoke runs a named entry point. A caller presenting another
// session's id is told to reinitialize.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if sid := r.Header.Get(hostcap.SessionHeader); sid != "" && sid != s.model.SessionID() {
		log.Printf("server: invoke %s from stale session %s", name, sid)
		writeError(w, http.StatusGone, apperrors.CodePermanentSyncFailure,
			fmt.Sprintf("Session %s must be reinitialized", sid))
		return
	}

	fn, ok := s.function(name)
	if !ok {
		err := apperrors.FunctionMissing(name)
		writeError(w, http.StatusNotFound, err.Code, err.Message)
		return
	}

	if err := fn(r.Context()); err != nil {
		code, msg := apperrors.ToCodeAndMessage(err)
		log.Printf("server: invoke %s failed: %v", name, err)
		writeError(w, http.StatusInternalServerError, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ErrorResponse is the JSON body for error conditions.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
