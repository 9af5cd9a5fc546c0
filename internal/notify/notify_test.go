package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lmkapp/lmk/internal/storage"
)

// TestWebhookSend verifies the JSON payload and headers.
func TestWebhookSend(t *testing.T) {
	var got Message
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher(nil)
	ch := &storage.Channel{ID: "c1", Type: TypeWebhook, Target: srv.URL}
	msg := Message{Title: "t", Body: "b", SessionID: "s1"}
	if err := d.Send(context.Background(), ch, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if got.Title != "t" || got.Body != "b" || got.SessionID != "s1" {
		t.Errorf("payload = %+v", got)
	}
}

// TestNtfySend verifies ntfy headers and the plain body.
func TestNtfySend(t *testing.T) {
	var title, tags, priority, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		title = r.Header.Get("Title")
		tags = r.Header.Get("Tags")
		priority = r.Header.Get("Priority")
		data, _ := io.ReadAll(r.Body)
		body = string(data)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.Client())
	ch := &storage.Channel{ID: "c1", Type: TypeNtfy, Target: srv.URL}
	err := d.Send(context.Background(), ch, Message{Title: "Done", Body: "hello", Tags: []string{"lmk", "error"}, Priority: "high"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if title != "Done" || tags != "lmk,error" || priority != "high" || body != "hello" {
		t.Errorf("title=%q tags=%q priority=%q body=%q", title, tags, priority, body)
	}
}

// TestSendErrors covers non-2xx, unknown types and a nil channel.
func TestSendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewDispatcher(nil)
	err := d.Send(context.Background(), &storage.Channel{Type: TypeWebhook, Target: srv.URL}, Message{})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("502 error = %v", err)
	}
	if err := d.Send(context.Background(), &storage.Channel{Type: "pager"}, Message{}); err == nil {
		t.Error("unknown type accepted")
	}
	if err := d.Send(context.Background(), nil, Message{}); err != nil {
		t.Errorf("nil channel = %v", err)
	}
	if err := d.Send(context.Background(), &storage.Channel{Type: TypeLog, Name: "console"}, Message{Title: "x"}); err != nil {
		t.Errorf("log channel = %v", err)
	}
}

// TestCompletionMessage checks the three outcome renderings.
func TestCompletionMessage(t *testing.T) {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	base := Completion{
		NotebookName: "train.ipynb",
		URL:          "http://nb/train.ipynb",
		ExecutionNum: 7,
		CellText:     "fit()",
		StartedAt:    &started,
		FinishedAt:   &ended,
	}

	tests := []struct {
		name     string
		state    string
		cellErr  string
		contains []string
		absent   string
	}{
		{
			name:  "error",
			state: "error",
			contains: []string{
				"Notebook [**train.ipynb**](http://nb/train.ipynb) **failed** during execution **\\[7\\]**:",
				"Error:\n```\nValueError: bad\n```",
			},
			cellErr: "ValueError: bad",
		},
		{
			name:     "cancelled",
			state:    "cancelled",
			contains: []string{"was **cancelled** during execution **\\[7\\]**"},
			absent:   "Error:",
		},
		{
			name:     "success",
			state:    "success",
			contains: []string{"**stopped** after execution **\\[7\\]**", "```python\nfit()\n```"},
			absent:   "Error:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			c.CellState = tt.state
			c.CellError = tt.cellErr
			msg := CompletionMessage(c)
			for _, want := range tt.contains {
				if !strings.Contains(msg.Body, want) {
					t.Errorf("body missing %q:\n%s", want, msg.Body)
				}
			}
			if tt.absent != "" && strings.Contains(msg.Body, tt.absent) {
				t.Errorf("body contains %q", tt.absent)
			}
			if !strings.Contains(msg.Body, "Started: 2024-03-01 10:00:00") || !strings.HasSuffix(msg.Body, "Ended: 2024-03-01 10:01:30") {
				t.Errorf("timestamps wrong:\n%s", msg.Body)
			}
		})
	}

	c := base
	c.StartedAt, c.FinishedAt = nil, nil
	if body := CompletionMessage(c).Body; !strings.Contains(body, "Started: <unknown>") {
		t.Errorf("unknown start missing:\n%s", body)
	}
}
