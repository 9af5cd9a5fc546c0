// Package mirror writes selected widget state directly to the session API.
//
// While a computation runs, pushed state changes may not be flushed to the
// backend. The flow controllers therefore mirror monitoring and channel
// choices with a PATCH to the session endpoint. Writes are best-effort: a
// failure is reported to the caller for logging and never retried.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/lmkapp/lmk/internal/errors"
)

// Keys accepted in a session state patch.
const (
	KeyNotifyOn      = "notifyOn"
	KeyNotifyChannel = "notifyChannel"
)

// Target identifies the session to patch.
type Target struct {
	APIURL      string
	AccessToken string
	SessionID   string
}

// Valid reports whether every part of the target is known.
func (t Target) Valid() bool {
	return t.APIURL != "" && t.AccessToken != "" && t.SessionID != ""
}

// Writer patches session state.
type Writer interface {
	PatchSession(ctx context.Context, target Target, state map[string]any) error
}

// Client is the HTTP Writer.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client. A nil httpClient uses a 10s timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{httpClient: httpClient}
}

// PatchSession sends PATCH {APIURL}/v1/session/{SessionID} with body
// {"state": state}. Any status other than 200 is a mirror.write_failed
// error carrying the status and body.
func (c *Client) PatchSession(ctx context.Context, target Target, state map[string]any) error {
	body, err := json.Marshal(map[string]any{"state": state})
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(target.APIURL, "/") + "/v1/session/" + url.PathEscape(target.SessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+target.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeMirrorWriteFailed, "Error updating session", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.MirrorWriteFailed(resp.StatusCode, strings.TrimSpace(string(data)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
