// Package backend is the authoritative side of the widget: it owns the
// shared document, answers front-end requests, runs the authorization flow,
// decides when a finished execution deserves a notification and persists
// the session it is monitoring.
//
// Every field change the model makes or accepts is broadcast to connected
// front ends as a change frame, one frame per field.
package backend

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lmkapp/lmk/internal/notify"
	"github.com/lmkapp/lmk/internal/rpc"
	"github.com/lmkapp/lmk/internal/state"
	"github.com/lmkapp/lmk/internal/storage"
)

const (
	// DefaultAuthTimeout bounds how long initiate-auth waits for approval.
	DefaultAuthTimeout = 300 * time.Second

	// DefaultAuthPollInterval is the claim poll period.
	DefaultAuthPollInterval = time.Second

	maxSentNotifications = 100
	notifyTimeout        = 30 * time.Second
)

// Store is the persistence the model needs. *storage.SQLiteStore implements it.
type Store interface {
	SaveSession(session *storage.Session) error
	PatchSessionState(id string, patch map[string]any) (*storage.Session, error)
	EndSession(id string, at time.Time) error
	ListChannels() ([]*storage.Channel, error)
	GetChannel(id string) (*storage.Channel, error)
	DefaultChannel() (*storage.Channel, error)
	SetDefaultChannel(id string) error
	SaveNotification(n *storage.Notification) error
}

// AuthProvider runs the browser authorization flow. *auth.Sessions
// implements it. Claim returns auth.ErrNotComplete until approval.
type AuthProvider interface {
	Begin() (id, authorizeURL string, err error)
	Claim(id string) (token string, err error)
	Cancel(id string) error
}

// CredentialStore keeps the backend's access token. *auth.Credentials
// implements it.
type CredentialStore interface {
	Token() string
	Save(token string) error
}

// Config wires a Model.
type Config struct {
	// Store persists the session, channels and notifications. Required.
	Store Store

	// Auth runs initiate-auth. Nil makes initiate-auth fail.
	Auth AuthProvider

	// Credentials keeps the token across restarts. Nil keeps it in memory.
	Credentials CredentialStore

	// TokenValid reports whether a stored token is still accepted. Nil
	// trusts any stored token.
	TokenValid func(token string) bool

	// Notifier delivers notifications. Nil uses notify.Noop.
	Notifier notify.Sender

	// APIURL is the session API base URL published to front ends.
	APIURL string

	NotebookName string
	URL          string

	AuthTimeout      time.Duration
	AuthPollInterval time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// Schemas validates request params. Default: rpc.DefaultSchemas().
	Schemas *rpc.Schemas
}

type handlerFunc func(ctx context.Context, payload []byte) (any, error)

// Model is the backend widget model.
type Model struct {
	cfg      Config
	state    *state.Store
	handlers map[string]handlerFunc

	sessionID string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	tasks   sync.WaitGroup

	bmu       sync.RWMutex
	broadcast func(rpc.Frame)

	live   atomic.Bool
	unsubs []func()

	authMu     sync.Mutex
	authCancel chan struct{} // non-nil while an auth flow runs

	channelsMu sync.Mutex // held while checking and entering the loading state

	notifyMu sync.Mutex

	cellMu   sync.Mutex
	cellText string
}

// New builds a Model. Nothing is persisted until Start.
func New(cfg Config) (*Model, error) {
	if cfg.Store == nil {
		return nil, errors.New("backend: store is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Noop{}
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.AuthPollInterval <= 0 {
		cfg.AuthPollInterval = DefaultAuthPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Schemas == nil {
		cfg.Schemas = rpc.DefaultSchemas()
	}

	initial := map[state.Field]any{}
	if cfg.NotebookName != "" {
		initial[state.FieldNotebookName] = cfg.NotebookName
	}
	if cfg.URL != "" {
		initial[state.FieldURL] = cfg.URL
	}
	if cfg.APIURL != "" {
		initial[state.FieldAPIURL] = cfg.APIURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Model{
		cfg:       cfg,
		state:     state.New(state.Options{Initial: initial}),
		sessionID: uuid.New().String(),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.handlers = map[string]handlerFunc{
		rpc.MethodInitiateAuth:    m.initiateAuth,
		rpc.MethodCancelAuth:      m.cancelAuth,
		rpc.MethodRefreshChannels: m.refreshChannels,
		rpc.MethodCellStarted:     m.cellStarted,
		rpc.MethodCellFinished:    m.cellFinished,
	}
	return m, nil
}

// Start records the session, restores stored credentials and begins
// broadcasting changes.
func (m *Model) Start() error {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	now := m.cfg.Now()
	name, _ := m.state.String(state.FieldNotebookName)
	url, _ := m.state.String(state.FieldURL)
	mon, _ := m.state.String(state.FieldMonitoringState)
	if err := m.cfg.Store.SaveSession(&storage.Session{
		ID:           m.sessionID,
		NotebookName: name,
		URL:          url,
		State:        map[string]any{"type": "jupyter", "notifyOn": mon, "notifyChannel": nil},
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return err
	}
	m.set(state.FieldSession, map[string]any{"sessionId": m.sessionID})

	for _, f := range state.Fields {
		field := f
		m.unsubs = append(m.unsubs, m.state.Subscribe(field, func(v any) {
			if m.live.Load() {
				m.onChange(field, v)
			}
		}))
	}
	m.live.Store(true)

	token := m.storedToken()
	if token != "" && m.cfg.TokenValid != nil && !m.cfg.TokenValid(token) {
		log.Printf("backend: stored token is no longer valid, logging out")
		m.saveCredentials("")
		token = ""
	}
	if def, err := m.cfg.Store.DefaultChannel(); err == nil && def != nil {
		m.set(state.FieldSelectedChannel, def.ID)
	}
	m.setAccessToken(token)

	log.Printf("backend: session %s started (notebook=%q)", m.sessionID, name)
	return nil
}

// Close stops background work and marks the session ended. The state stays
// readable.
func (m *Model) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	m.cancel()
	m.tasks.Wait()
	m.live.Store(false)
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.state.Close()

	if started {
		if err := m.cfg.Store.EndSession(m.sessionID, m.cfg.Now()); err != nil {
			log.Printf("backend: failed to end session %s: %v", m.sessionID, err)
		}
	}
}

// SessionID is the persisted session this model reports on.
func (m *Model) SessionID() string {
	return m.sessionID
}

// State exposes the document for reads.
func (m *Model) State() *state.Store {
	return m.state
}

// Snapshot returns the whole document.
func (m *Model) Snapshot() map[string]any {
	return m.state.Snapshot()
}

// SetBroadcaster installs the function that fans frames out to front ends.
func (m *Model) SetBroadcaster(fn func(rpc.Frame)) {
	m.bmu.Lock()
	m.broadcast = fn
	m.bmu.Unlock()
}

// Sync re-broadcasts the full document as a state frame.
func (m *Model) Sync() {
	m.emit(rpc.NewStateFrame(m.state.Snapshot()))
}

// Dispatch handles one inbound frame. Requests are acknowledged at once and
// answered from a goroutine through reply.
func (m *Model) Dispatch(f rpc.Frame, reply func(rpc.Frame)) {
	switch f.Type {
	case rpc.FrameRequest:
		reply(rpc.NewAckFrame(f.CorrelationID))
		req := f.Request()
		if !m.goTask(func() { reply(m.HandleRequest(m.ctx, req)) }) {
			reply(rpc.NewErrorFrame(req.CorrelationID, "backend is shutting down"))
		}
	case rpc.FrameUpdate:
		v, err := f.DecodeValue()
		if err != nil {
			log.Printf("backend: bad value for %s: %v", f.Field, err)
			return
		}
		m.HandleUpdate(state.Field(f.Field), v)
	default:
		log.Printf("backend: ignoring %s frame from front end", f.Type)
	}
}

// HandleUpdate applies a front-end write.
func (m *Model) HandleUpdate(field state.Field, value any) {
	if !state.Known(field) {
		log.Printf("backend: ignoring update for unknown field %q", field)
		return
	}
	m.state.Apply(field, value)
}

// ApplyRemoteSession applies a session-API state write for this session:
// notifyOn always, notifyChannel only when set.
func (m *Model) ApplyRemoteSession(sessionID string, st map[string]any) {
	if sessionID != m.sessionID {
		return
	}
	if on, ok := st["notifyOn"].(string); ok && validMonitoring(on) {
		if cur, _ := m.state.String(state.FieldMonitoringState); cur != on {
			m.set(state.FieldMonitoringState, on)
		}
	}
	if ch, ok := st["notifyChannel"].(string); ok && ch != "" {
		if cur, _ := m.state.String(state.FieldSelectedChannel); cur != ch {
			m.set(state.FieldSelectedChannel, ch)
		}
	}
}

// SetMonitoringState changes what the next completion notifies on. Unless
// immediate, the current execution and the next two seconds are excluded.
// Setting the current value is a no-op.
func (m *Model) SetMonitoringState(value string, immediate bool) error {
	if !validMonitoring(value) {
		return errors.New("invalid monitoring state " + value)
	}
	if cur, _ := m.state.String(state.FieldMonitoringState); cur == value {
		return nil
	}
	m.set(state.FieldMonitoringState, value)

	minTime := m.nowMillis()
	var minExec int64
	if exec, ok := m.state.Int(state.FieldExecutionNum); ok {
		minExec = exec
	}
	if !immediate {
		minTime += 2000
		minExec++
	}
	m.set(state.FieldNotifyMinExecution, minExec)
	m.set(state.FieldNotifyMinTime, minTime)
	return nil
}

func validMonitoring(v string) bool {
	switch v {
	case state.MonitorNone, state.MonitorError, state.MonitorStop:
		return true
	}
	return false
}

// sessionKeys maps fields onto the persisted session state.
var sessionKeys = map[state.Field]string{
	state.FieldURL:             "url",
	state.FieldNotebookName:    "notebookName",
	state.FieldJupyterState:    "shellState",
	state.FieldCellState:       "cellState",
	state.FieldCellError:       "cellError",
	state.FieldExecutionNum:    "executionNum",
	state.FieldCellStartedAt:   "cellStartedAt",
	state.FieldCellFinishedAt:  "cellFinishedAt",
	state.FieldMonitoringState: "notifyOn",
	state.FieldSelectedChannel: "notifyChannel",
}

// onChange runs for every distinct change after Start.
func (m *Model) onChange(field state.Field, v any) {
	f, err := rpc.NewChangeFrame(string(field), v)
	if err != nil {
		log.Printf("backend: cannot encode %s: %v", field, err)
	} else {
		m.emit(f)
	}

	if key, ok := sessionKeys[field]; ok {
		value := v
		if field == state.FieldCellStartedAt || field == state.FieldCellFinishedAt {
			value = millisToISO(v)
		}
		if _, err := m.cfg.Store.PatchSessionState(m.sessionID, map[string]any{key: value}); err != nil {
			log.Printf("backend: failed to mirror %s: %v", field, err)
		}
	}

	switch field {
	case state.FieldSelectedChannel:
		id, _ := v.(string)
		if err := m.cfg.Store.SetDefaultChannel(id); err != nil {
			log.Printf("backend: failed to set default channel %q: %v", id, err)
		}
	case state.FieldJupyterState:
		if v == state.KernelIdle {
			m.onIdle()
		}
	}
}

func (m *Model) emit(f rpc.Frame) {
	m.bmu.RLock()
	fn := m.broadcast
	m.bmu.RUnlock()
	if fn != nil {
		fn(f)
	}
}

// goTask runs fn in a tracked goroutine unless the model is closed.
func (m *Model) goTask(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		fn()
	}()
	return true
}

func (m *Model) set(field state.Field, value any) {
	if err := m.state.Set(field, value); err != nil {
		log.Printf("backend: set %s: %v", field, err)
	}
}

func (m *Model) nowMillis() int64 {
	return m.cfg.Now().UnixMilli()
}

func millisToISO(v any) any {
	ms, ok := v.(float64)
	if !ok {
		return nil
	}
	return time.UnixMilli(int64(ms)).UTC().Format(time.RFC3339Nano)
}

func millisToTime(v any) *time.Time {
	ms, ok := v.(float64)
	if !ok {
		return nil
	}
	t := time.UnixMilli(int64(ms)).UTC()
	return &t
}
