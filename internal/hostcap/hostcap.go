// Package hostcap abstracts the host's optional invoke capability: a named,
// zero-argument entry point the front end can call to force the backend to
// resynchronize.
//
// Not every host exposes it. Resolve probes once at startup and returns
// either a working Invoker or a stub whose Available reports false; callers
// depend only on the interface and never re-detect.
package hostcap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SessionHeader carries the caller's session id so the host can tell a
// stale front end from a current one.
const SessionHeader = "X-Lmk-Session"

// Invoker calls named host entry points.
type Invoker interface {
	// Available reports whether the capability exists in this host.
	Available() bool

	// Invoke calls the named entry point and waits for it to finish.
	// The returned error's message is what the host reported.
	Invoke(ctx context.Context, name string) error
}

// Unavailable is the stub used when the host has no invoke capability.
type Unavailable struct{}

// Available always reports false.
func (Unavailable) Available() bool { return false }

// Invoke always fails.
func (Unavailable) Invoke(context.Context, string) error {
	return fmt.Errorf("host invoke capability unavailable")
}

// InvokeError is returned when the host answers with a non-2xx status.
type InvokeError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *InvokeError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("invoke failed with status %d", e.StatusCode)
}

// HTTPInvoker invokes entry points on the backend host over HTTP:
// POST {BaseURL}/invoke/{name}.
type HTTPInvoker struct {
	baseURL    string
	httpClient *http.Client
	session    func() string
}

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithHTTPClient overrides the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) { h.httpClient = c }
}

// WithSession attaches the current session id to every call.
func WithSession(fn func() string) HTTPOption {
	return func(h *HTTPInvoker) { h.session = fn }
}

// NewHTTPInvoker creates an invoker for the host at baseURL.
func NewHTTPInvoker(baseURL string, opts ...HTTPOption) *HTTPInvoker {
	h := &HTTPInvoker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Available reports true; an HTTPInvoker is only handed out after a
// successful probe.
func (h *HTTPInvoker) Available() bool { return true }

// Invoke posts to the entry point with an empty body.
func (h *HTTPInvoker) Invoke(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/invoke/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	if h.session != nil {
		if id := h.session(); id != "" {
			req.Header.Set(SessionHeader, id)
		}
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) != nil || payload.Message == "" {
		payload.Message = strings.TrimSpace(string(body))
	}
	return &InvokeError{
		StatusCode: resp.StatusCode,
		Code:       payload.Error,
		Message:    payload.Message,
	}
}

// Resolve probes GET {baseURL}/invoke once. Any failure, including an empty
// baseURL, yields the Unavailable stub.
func Resolve(ctx context.Context, baseURL string, opts ...HTTPOption) Invoker {
	if baseURL == "" {
		return Unavailable{}
	}
	h := NewHTTPInvoker(baseURL, opts...)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/invoke", nil)
	if err != nil {
		log.Printf("hostcap: invalid host URL %q: %v", baseURL, err)
		return Unavailable{}
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		log.Printf("hostcap: probe failed, sync fallback disabled: %v", err)
		return Unavailable{}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("hostcap: host has no invoke capability (status %d)", resp.StatusCode)
		return Unavailable{}
	}
	return h
}
