package hostcap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newHost(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// TestResolveAvailable verifies a host answering the probe yields a live
// invoker.
func TestResolveAvailable(t *testing.T) {
	srv := newHost(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/invoke" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	})

	inv := Resolve(context.Background(), srv.URL)
	if !inv.Available() {
		t.Fatal("expected invoker to be available")
	}
}

// TestResolveUnavailable covers the ways detection falls back to the stub.
func TestResolveUnavailable(t *testing.T) {
	notFound := newHost(t, http.NotFound)

	tests := []struct {
		name string
		url  string
	}{
		{"empty url", ""},
		{"no capability", notFound.URL},
		{"unreachable", "http://127.0.0.1:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := Resolve(context.Background(), tt.url)
			if inv.Available() {
				t.Fatal("expected stub")
			}
			if err := inv.Invoke(context.Background(), "lmk.widget.sync"); err == nil {
				t.Error("stub Invoke returned nil")
			}
		})
	}
}

// TestInvokeSuccess verifies the request shape.
func TestInvokeSuccess(t *testing.T) {
	var gotPath, gotSession, gotMethod string
	srv := newHost(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotSession = r.Header.Get(SessionHeader)
		w.WriteHeader(http.StatusNoContent)
	})

	inv := NewHTTPInvoker(srv.URL+"/", WithSession(func() string { return "sess-1" }))
	if err := inv.Invoke(context.Background(), "lmk.widget.sync"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/invoke/lmk.widget.sync" {
		t.Errorf("got %s %s", gotMethod, gotPath)
	}
	if gotSession != "sess-1" {
		t.Errorf("session header = %q", gotSession)
	}
}

// TestInvokeErrorMessage verifies the host's message is surfaced verbatim so
// callers can classify it.
func TestInvokeErrorMessage(t *testing.T) {
	srv := newHost(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   "server.function_missing",
			"message": "Function not registered: lmk.widget.sync",
		})
	})

	err := NewHTTPInvoker(srv.URL).Invoke(context.Background(), "lmk.widget.sync")
	var invErr *InvokeError
	if !errors.As(err, &invErr) {
		t.Fatalf("error = %v, want *InvokeError", err)
	}
	if invErr.StatusCode != http.StatusNotFound || invErr.Code != "server.function_missing" {
		t.Errorf("InvokeError = %+v", invErr)
	}
	if err.Error() != "Function not registered: lmk.widget.sync" {
		t.Errorf("Error() = %q", err.Error())
	}
}

// TestInvokePlainTextError verifies non-JSON bodies still produce a message.
func TestInvokePlainTextError(t *testing.T) {
	srv := newHost(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	err := NewHTTPInvoker(srv.URL).Invoke(context.Background(), "x")
	if err == nil || err.Error() != "boom" {
		t.Fatalf("error = %v, want boom", err)
	}
}
