// Package flow holds the small state machines the widget runtime drives on
// top of the shared state store and the request correlator: authentication,
// monitoring preference, channel selection, and notebook URL tracking.
//
// Controllers hold no authoritative state of their own. They read and write
// the store, issue calls, and mirror selected writes over HTTP while a
// computation is running.
package flow

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/lmkapp/lmk/internal/mirror"
	"github.com/lmkapp/lmk/internal/state"
)

// Caller issues correlated calls. *rpc.Correlator implements it.
type Caller interface {
	Call(ctx context.Context, method string, payload any) (json.RawMessage, error)
}

// mirrorTimeout bounds a single best-effort mirror write.
const mirrorTimeout = 10 * time.Second

// mirrorer performs best-effort session PATCHes on behalf of the state
// writers. Writes run in the background; Wait blocks until they finish.
// After Close no new writes start.
type mirrorer struct {
	store  *state.Store
	writer mirror.Writer

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// target returns the PATCH target when the session, token and API URL are
// known and a cell is running. ok is false otherwise.
func (m *mirrorer) target() (mirror.Target, bool) {
	if m.writer == nil {
		return mirror.Target{}, false
	}
	cell, _ := m.store.String(state.FieldCellState)
	if cell != state.CellRunning {
		return mirror.Target{}, false
	}

	t := mirror.Target{}
	t.APIURL, _ = m.store.String(state.FieldAPIURL)
	t.AccessToken, _ = m.store.String(state.FieldAccessToken)
	if sess, ok := m.store.Get(state.FieldSession).(map[string]any); ok {
		t.SessionID, _ = sess["sessionId"].(string)
	}
	return t, t.Valid()
}

// write mirrors patch in the background if a cell is running. Failures are
// logged only.
func (m *mirrorer) write(ctx context.Context, patch map[string]any) bool {
	target, ok := m.target()
	if !ok {
		return false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		if err := m.writer.PatchSession(ctx, target, patch); err != nil {
			log.Printf("flow: mirror write failed: %v", err)
		}
	}()
	return true
}

// Wait blocks until in-flight mirror writes finish.
func (m *mirrorer) Wait() {
	m.wg.Wait()
}

// Close rejects further writes and waits for in-flight ones. Safe to call
// more than once.
func (m *mirrorer) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
}
