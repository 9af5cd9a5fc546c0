// Package notify delivers completion notifications to a notification
// channel. A channel is a stored destination with a type: "webhook" posts
// JSON, "ntfy" posts plain text with ntfy headers, "log" only logs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/lmkapp/lmk/internal/storage"
)

const userAgent = "lmk/0.1"

// Channel types.
const (
	TypeWebhook = "webhook"
	TypeNtfy    = "ntfy"
	TypeLog     = "log"
)

// Message is one notification.
type Message struct {
	Title    string   `json:"title"`
	Body     string   `json:"message"`
	Tags     []string `json:"tags,omitempty"`
	Priority string   `json:"priority,omitempty"`

	// SessionID identifies the notebook session the message is about.
	SessionID string `json:"sessionId,omitempty"`
}

// Sender delivers a message to a channel.
type Sender interface {
	Send(ctx context.Context, ch *storage.Channel, msg Message) error
}

// Dispatcher is the default Sender. It picks the transport by channel type.
type Dispatcher struct {
	client *http.Client
}

// NewDispatcher builds a Dispatcher. A nil client gets a 10s timeout.
func NewDispatcher(client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Dispatcher{client: client}
}

// Send delivers msg to ch. A nil channel is logged and dropped.
func (d *Dispatcher) Send(ctx context.Context, ch *storage.Channel, msg Message) error {
	if ch == nil {
		log.Printf("notify: no channel selected, logging only: %s", msg.Title)
		return nil
	}

	switch ch.Type {
	case TypeWebhook:
		return d.sendWebhook(ctx, ch, msg)
	case TypeNtfy:
		return d.sendNtfy(ctx, ch, msg)
	case TypeLog:
		log.Printf("notify: [%s] %s\n%s", ch.Name, msg.Title, msg.Body)
		return nil
	default:
		return fmt.Errorf("unsupported channel type %q", ch.Type)
	}
}

func (d *Dispatcher) sendWebhook(ctx context.Context, ch *storage.Channel, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	return d.do(req, "webhook")
}

func (d *Dispatcher) sendNtfy(ctx context.Context, ch *storage.Channel, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Target, strings.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/markdown; charset=utf-8")
	req.Header.Set("Markdown", "yes")
	if msg.Title != "" {
		req.Header.Set("Title", msg.Title)
	}
	if len(msg.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.Tags, ","))
	}
	if msg.Priority != "" && msg.Priority != "default" {
		req.Header.Set("Priority", msg.Priority)
	}
	return d.do(req, "ntfy")
}

func (d *Dispatcher) do(req *http.Request, kind string) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s notification: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s returned %d: %s", kind, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Noop drops every message.
type Noop struct{}

func (Noop) Send(context.Context, *storage.Channel, Message) error { return nil }
