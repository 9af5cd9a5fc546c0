package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lmkapp/lmk/internal/auth"
	apperrors "github.com/lmkapp/lmk/internal/errors"
	"github.com/lmkapp/lmk/internal/rpc"
	"github.com/lmkapp/lmk/internal/state"
)

// HandleRequest runs one request and returns its response frame. Unknown
// methods fail with "Invalid method <name>".
func (m *Model) HandleRequest(ctx context.Context, req rpc.Request) rpc.Frame {
	h, ok := m.handlers[req.Method]
	if !ok {
		err := apperrors.InvalidMethod(req.Method)
		log.Printf("backend: %v (id=%s)", err, req.CorrelationID)
		return rpc.NewErrorFrame(req.CorrelationID, err.Message)
	}

	payload := []byte(req.Payload)
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}
	if err := m.cfg.Schemas.ValidateParams(req.Method, payload); err != nil {
		return rpc.NewErrorFrame(req.CorrelationID, err.Error())
	}

	result, err := h(ctx, payload)
	if err != nil {
		log.Printf("backend: %s failed: %v", req.Method, err)
		return rpc.NewErrorFrame(req.CorrelationID, err.Error())
	}
	f, err := rpc.NewSuccessFrame(req.CorrelationID, result)
	if err != nil {
		return rpc.NewErrorFrame(req.CorrelationID, err.Error())
	}
	return f
}

// initiateAuth starts the browser flow and returns as soon as the authorize
// URL is published. Completion arrives later as auth_state changes.
func (m *Model) initiateAuth(_ context.Context, payload []byte) (any, error) {
	var p struct {
		Force bool `json:"force"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	if cur, _ := m.state.String(state.FieldAuthState); cur == state.AuthInProgress {
		log.Printf("backend: skipping auth because it is in progress")
		return nil, nil
	}

	if token := m.storedToken(); token != "" && !p.Force {
		log.Printf("backend: using existing access token")
		m.setAccessToken(token)
		m.set(state.FieldAuthState, state.AuthAuthenticated)
		return nil, nil
	}

	if m.cfg.Auth == nil {
		return nil, errors.New("authentication is not configured on this host")
	}

	m.authMu.Lock()
	if m.authCancel != nil {
		m.authMu.Unlock()
		log.Printf("backend: skipping auth because a flow is already running")
		return nil, nil
	}
	cancelCh := make(chan struct{}, 1)
	m.authCancel = cancelCh
	m.authMu.Unlock()

	m.set(state.FieldAuthState, state.AuthInProgress)

	id, url, err := m.cfg.Auth.Begin()
	if err != nil {
		m.endAuthRun()
		m.set(state.FieldAuthState, state.AuthError)
		m.set(state.FieldAuthError, err.Error())
		return nil, err
	}
	m.set(state.FieldAuthURL, url)

	if !m.goTask(func() { m.pollAuth(id, cancelCh) }) {
		m.endAuthRun()
		return nil, errors.New("backend is shutting down")
	}
	return nil, nil
}

// pollAuth claims the session every poll interval until it is approved,
// cancelled or times out.
func (m *Model) pollAuth(id string, cancelCh <-chan struct{}) {
	defer m.endAuthRun()

	deadline := m.cfg.Now().Add(m.cfg.AuthTimeout)
	ticker := time.NewTicker(m.cfg.AuthPollInterval)
	defer ticker.Stop()

	for {
		token, err := m.cfg.Auth.Claim(id)
		if err == nil {
			m.saveCredentials(token)
			m.setAccessToken(token)
			m.set(state.FieldAuthState, state.AuthAuthenticated)
			m.set(state.FieldAuthURL, nil)
			m.set(state.FieldAuthError, nil)
			log.Printf("backend: authenticated via auth session %s", id)
			return
		}
		if !errors.Is(err, auth.ErrNotComplete) {
			m.set(state.FieldAuthState, state.AuthError)
			m.set(state.FieldAuthURL, nil)
			m.set(state.FieldAuthError, err.Error())
			return
		}

		if !m.cfg.Now().Before(deadline) {
			if err := m.cfg.Auth.Cancel(id); err != nil {
				log.Printf("backend: failed to cancel timed out auth session %s: %v", id, err)
			}
			m.set(state.FieldAuthState, state.AuthError)
			m.set(state.FieldAuthURL, nil)
			m.set(state.FieldAuthError, "Authentication timed out")
			return
		}

		select {
		case <-ticker.C:
		case <-cancelCh:
			if err := m.cfg.Auth.Cancel(id); err != nil {
				log.Printf("backend: failed to cancel auth session %s: %v", id, err)
			}
			m.set(state.FieldAuthURL, nil)
			if m.storedToken() != "" {
				m.set(state.FieldAuthState, state.AuthAuthenticated)
			} else {
				m.set(state.FieldAuthState, state.AuthNeedsAuth)
			}
			m.set(state.FieldAuthError, nil)
			log.Printf("backend: auth session %s cancelled", id)
			return
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Model) endAuthRun() {
	m.authMu.Lock()
	m.authCancel = nil
	m.authMu.Unlock()
}

// cancelAuth signals a running auth flow. With none running, a failed flow
// is cleared back to needs-auth (or authenticated with a stored token).
func (m *Model) cancelAuth(context.Context, []byte) (any, error) {
	m.authMu.Lock()
	ch := m.authCancel
	if ch == nil {
		if cur, _ := m.state.String(state.FieldAuthState); cur == state.AuthError {
			m.set(state.FieldAuthURL, nil)
			if m.storedToken() != "" {
				m.set(state.FieldAuthState, state.AuthAuthenticated)
			} else {
				m.set(state.FieldAuthState, state.AuthNeedsAuth)
			}
			m.set(state.FieldAuthError, nil)
		}
		m.authMu.Unlock()
		return nil, nil
	}
	m.authMu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil, nil
}

// refreshChannels reloads the channel list. It is skipped while a load is
// already running.
func (m *Model) refreshChannels(context.Context, []byte) (any, error) {
	m.channelsMu.Lock()
	if cur, _ := m.state.String(state.FieldChannelsState); cur == state.ChannelsLoading {
		m.channelsMu.Unlock()
		log.Printf("backend: skipping channel fetch because it is in progress")
		return nil, nil
	}
	if m.storedToken() == "" {
		m.set(state.FieldChannels, []any{})
		m.set(state.FieldChannelsState, state.ChannelsForbidden)
		m.channelsMu.Unlock()
		return nil, nil
	}
	m.set(state.FieldChannelsState, state.ChannelsLoading)
	m.channelsMu.Unlock()

	channels, err := m.cfg.Store.ListChannels()
	if err != nil {
		m.set(state.FieldChannelsState, state.ChannelsError)
		return nil, fmt.Errorf("list channels: %w", err)
	}

	list := make([]any, 0, len(channels))
	for _, ch := range channels {
		list = append(list, map[string]any{
			"channelId": ch.ID,
			"type":      ch.Type,
			"name":      ch.Name,
		})
	}
	m.set(state.FieldChannels, list)
	m.set(state.FieldChannelsState, state.ChannelsLoaded)
	return nil, nil
}

// cellStarted records the start of an execution. Without an explicit
// number the next one in sequence is used.
func (m *Model) cellStarted(_ context.Context, payload []byte) (any, error) {
	var p struct {
		Text         string `json:"text"`
		ExecutionNum *int64 `json:"executionNum"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	exec := int64(1)
	if p.ExecutionNum != nil {
		exec = *p.ExecutionNum
	} else if cur, ok := m.state.Int(state.FieldExecutionNum); ok {
		exec = cur + 1
	}

	m.cellMu.Lock()
	m.cellText = p.Text
	m.cellMu.Unlock()

	m.set(state.FieldExecutionNum, exec)
	m.set(state.FieldCellState, state.CellRunning)
	m.set(state.FieldCellStartedAt, m.nowMillis())
	m.set(state.FieldCellFinishedAt, nil)
	m.set(state.FieldCellError, nil)
	m.set(state.FieldJupyterState, state.KernelRunning)

	return map[string]any{"executionNum": exec}, nil
}

// cellFinished records the outcome. Going idle runs the notification
// decision.
func (m *Model) cellFinished(_ context.Context, payload []byte) (any, error) {
	var p struct {
		State string  `json:"state"`
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	var cellErr any
	if p.State == state.CellError && p.Error != nil {
		cellErr = *p.Error
	}

	m.set(state.FieldCellState, p.State)
	m.set(state.FieldCellError, cellErr)
	m.set(state.FieldCellFinishedAt, m.nowMillis())
	m.set(state.FieldJupyterState, state.KernelIdle)
	return nil, nil
}

// setAccessToken publishes a new token. A changed token resets the channel
// list and, when present, reloads it.
func (m *Model) setAccessToken(token string) {
	old, _ := m.state.String(state.FieldAccessToken)
	if old == token {
		return
	}

	if token != "" {
		m.set(state.FieldAuthState, state.AuthAuthenticated)
	} else {
		m.set(state.FieldAuthState, state.AuthNeedsAuth)
	}
	m.set(state.FieldChannelsState, state.ChannelsNone)
	m.set(state.FieldChannels, []any{})
	m.set(state.FieldAuthURL, nil)
	if token != "" {
		m.set(state.FieldAccessToken, token)
	} else {
		m.set(state.FieldAccessToken, nil)
	}

	if token != "" {
		log.Printf("backend: initiating channel fetch")
		m.goTask(func() {
			if _, err := m.refreshChannels(m.ctx, nil); err != nil {
				log.Printf("backend: channel fetch failed: %v", err)
			}
		})
	}
}

func (m *Model) storedToken() string {
	if m.cfg.Credentials != nil {
		return m.cfg.Credentials.Token()
	}
	token, _ := m.state.String(state.FieldAccessToken)
	return token
}

func (m *Model) saveCredentials(token string) {
	if m.cfg.Credentials == nil {
		return
	}
	if err := m.cfg.Credentials.Save(token); err != nil {
		log.Printf("backend: failed to save credentials: %v", err)
	}
}
