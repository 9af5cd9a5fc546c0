package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"

	apperrors "github.com/lmkapp/lmk/internal/errors"
	"github.com/lmkapp/lmk/internal/state"
	"github.com/lmkapp/lmk/internal/storage"
)

// maxPatchBody bounds PATCH /v1/session bodies.
const maxPatchBody = 64 * 1024

// SessionPatchRequest is the body of PATCH /v1/session/{id}.
type SessionPatchRequest struct {
	State map[string]any `json:"state"`
}

// ChannelItem is one entry of GET /v1/notification-channels.
type ChannelItem struct {
	ChannelID string `json:"channelId"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// ChannelListResponse is returned by GET /v1/notification-channels.
type ChannelListResponse struct {
	Channels []ChannelItem `json:"channels"`
}

// SessionAPIHandler serves the session API.
//
// Routes:
//   - GET   /v1/session/{id}
//   - PATCH /v1/session/{id}
//   - GET   /v1/notification-channels
type SessionAPIHandler struct {
	store SessionStore
	model Model
}

// NewSessionAPIHandler creates a session API handler. model may be nil; when
// set, patches to its session are applied to the live document.
func NewSessionAPIHandler(store SessionStore, model Model) *SessionAPIHandler {
	return &SessionAPIHandler{store: store, model: model}
}

// GetSession handles GET /v1/session/{id}.
func (h *SessionAPIHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := h.store.GetSession(id)
	if err != nil {
		log.Printf("server: failed to load session %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, apperrors.CodeStorageQueryFailed, "Failed to load session")
		return
	}
	if sess == nil {
		err := apperrors.NotFound("session " + id)
		writeError(w, http.StatusNotFound, err.Code, err.Message)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// PatchSession handles PATCH /v1/session/{id}. Only the user-owned keys
// notifyOn and notifyChannel may be written.
func (h *SessionAPIHandler) PatchSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req SessionPatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPatchBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.CodeServerInvalidMessage, "Invalid JSON body")
		return
	}
	if req.State == nil {
		writeError(w, http.StatusBadRequest, apperrors.CodeServerInvalidMessage, "Missing state")
		return
	}
	if err := validatePatch(req.State); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.CodeServerInvalidMessage, err.Error())
		return
	}

	sess, err := h.store.PatchSessionState(id, req.State)
	if errors.Is(err, storage.ErrSessionNotFound) {
		nf := apperrors.NotFound("session " + id)
		writeError(w, http.StatusNotFound, nf.Code, nf.Message)
		return
	}
	if err != nil {
		log.Printf("server: failed to patch session %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, apperrors.CodeStorageSaveFailed, "Failed to update session")
		return
	}

	if h.model != nil {
		h.model.ApplyRemoteSession(id, req.State)
	}
	writeJSON(w, http.StatusOK, sess)
}

func validatePatch(patch map[string]any) error {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := patch[k]
		switch k {
		case "notifyOn":
			s, ok := v.(string)
			if !ok || (s != state.MonitorNone && s != state.MonitorError && s != state.MonitorStop) {
				return fmt.Errorf("notifyOn must be one of none, error, stop")
			}
		case "notifyChannel":
			if _, ok := v.(string); !ok && v != nil {
				return fmt.Errorf("notifyChannel must be a string or null")
			}
		default:
			return fmt.Errorf("field %q cannot be updated", k)
		}
	}
	return nil
}

// ListChannels handles GET /v1/notification-channels.
func (h *SessionAPIHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.store.ListChannels()
	if err != nil {
		log.Printf("server: failed to list channels: %v", err)
		writeError(w, http.StatusInternalServerError, apperrors.CodeStorageQueryFailed, "Failed to list channels")
		return
	}

	resp := ChannelListResponse{Channels: make([]ChannelItem, 0, len(channels))}
	for _, ch := range channels {
		resp.Channels = append(resp.Channels, ChannelItem{
			ChannelID: ch.ID,
			Type:      ch.Type,
			Name:      ch.Name,
			IsDefault: ch.IsDefault,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
