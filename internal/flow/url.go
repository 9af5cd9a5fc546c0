package flow

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lmkapp/lmk/internal/state"
)

// DefaultURLInterval is how often the URL tracker samples the host URL.
const DefaultURLInterval = time.Second

// ShouldUpdateURL decides whether newURL replaces oldURL in the url field.
// Some hosts briefly report a shortened URL (for example only the app root)
// while a notebook is open; a new URL on the same origin whose path is a
// strict prefix of the old path is ignored so links keep pointing at the
// notebook.
func ShouldUpdateURL(oldURL, newURL string) bool {
	if newURL == "" {
		return false
	}
	if oldURL == "" {
		return true
	}
	if oldURL == newURL {
		return false
	}

	o, err := url.Parse(oldURL)
	if err != nil {
		return true
	}
	n, err := url.Parse(newURL)
	if err != nil {
		return true
	}
	if o.Host == n.Host && o.Scheme == n.Scheme &&
		o.Path != n.Path && strings.HasPrefix(o.Path, n.Path) {
		return false
	}
	return true
}

// URLTracker keeps the url field in step with the host-reported location.
type URLTracker struct {
	store    *state.Store
	source   func() string
	interval time.Duration

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	stopping bool
}

// NewURLTracker creates a tracker that samples source every interval
// (DefaultURLInterval when zero or negative).
func NewURLTracker(store *state.Store, source func() string, interval time.Duration) *URLTracker {
	if interval <= 0 {
		interval = DefaultURLInterval
	}
	return &URLTracker{store: store, source: source, interval: interval}
}

// Sample checks the source once and writes the url field if it should
// change. Returns true if a write happened.
func (t *URLTracker) Sample() bool {
	if t.source == nil {
		return false
	}
	current, _ := t.store.String(state.FieldURL)
	next := t.source()
	if !ShouldUpdateURL(current, next) {
		return false
	}
	return t.store.Set(state.FieldURL, next) == nil
}

// Start begins sampling in a goroutine.
func (t *URLTracker) Start() {
	t.mu.Lock()
	if t.running || t.stopping {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	stopCh, doneCh := t.stopCh, t.doneCh
	t.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				t.Sample()
			}
		}
	}()
}

// Stop halts sampling and waits for the goroutine to exit.
func (t *URLTracker) Stop() {
	t.mu.Lock()
	if !t.running || t.stopping {
		t.mu.Unlock()
		return
	}
	t.stopping = true
	stopCh, doneCh := t.stopCh, t.doneCh
	t.mu.Unlock()

	close(stopCh)
	<-doneCh

	t.mu.Lock()
	t.running = false
	t.stopping = false
	t.mu.Unlock()
}
