package mirror

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/lmkapp/lmk/internal/errors"
)

// TestPatchSession verifies method, path, auth header and body shape.
func TestPatchSession(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody map[string]map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewClient(nil).PatchSession(context.Background(), Target{
		APIURL:      srv.URL + "/",
		AccessToken: "tok",
		SessionID:   "sess-1",
	}, map[string]any{KeyNotifyOn: "stop", KeyNotifyChannel: nil})
	if err != nil {
		t.Fatalf("PatchSession: %v", err)
	}

	if gotMethod != http.MethodPatch || gotPath != "/v1/session/sess-1" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	state := gotBody["state"]
	if state[KeyNotifyOn] != "stop" {
		t.Errorf("notifyOn = %v", state[KeyNotifyOn])
	}
	if v, ok := state[KeyNotifyChannel]; !ok || v != nil {
		t.Errorf("notifyChannel = %v, present=%v; want explicit null", v, ok)
	}
}

// TestPatchSessionNon200 verifies non-200 responses become mirror.write_failed.
func TestPatchSessionNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewClient(nil).PatchSession(context.Background(),
		Target{APIURL: srv.URL, AccessToken: "x", SessionID: "s"},
		map[string]any{KeyNotifyOn: "error"})
	if !apperrors.IsCode(err, apperrors.CodeMirrorWriteFailed) {
		t.Fatalf("error = %v, want %s", err, apperrors.CodeMirrorWriteFailed)
	}
	if !strings.Contains(apperrors.GetMessage(err), "401: nope") {
		t.Errorf("message = %q", apperrors.GetMessage(err))
	}
}

// TestPatchSessionTransportError verifies connection failures are coded too.
func TestPatchSessionTransportError(t *testing.T) {
	err := NewClient(nil).PatchSession(context.Background(),
		Target{APIURL: "http://127.0.0.1:1", AccessToken: "x", SessionID: "s"},
		map[string]any{KeyNotifyOn: "stop"})
	if !apperrors.IsCode(err, apperrors.CodeMirrorWriteFailed) {
		t.Fatalf("error = %v, want %s", err, apperrors.CodeMirrorWriteFailed)
	}
}

// TestTargetValid covers the completeness check.
func TestTargetValid(t *testing.T) {
	if (Target{APIURL: "a", AccessToken: "b"}).Valid() {
		t.Error("target without session reported valid")
	}
	if !(Target{APIURL: "a", AccessToken: "b", SessionID: "c"}).Valid() {
		t.Error("complete target reported invalid")
	}
}
