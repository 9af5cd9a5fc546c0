// Package server hosts the backend widget model for front ends.
//
// It serves four groups of endpoints on one listener:
//   - /ws: the WebSocket channel carrying request, update, change and state
//     frames between front ends and the model
//   - /invoke: named host entry points, used by the sync fallback loop
//   - /v1/...: the session API and the browser auth flow
//   - /status and /health for the CLI and monitoring
package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lmkapp/lmk/internal/auth"
	"github.com/lmkapp/lmk/internal/rpc"
	"github.com/lmkapp/lmk/internal/storage"
	"github.com/lmkapp/lmk/internal/syncloop"

	// Rate limiting for inbound frames to keep one client from flooding
	// the model.
	"golang.org/x/time/rate"
)

// channelBufferSize is the per-client send buffer. Frames for a client whose
// buffer is full are dropped; the sync entry point lets it catch up.
const channelBufferSize = 256

// Default inbound limits per client.
const (
	DefaultFrameRate  = 50
	DefaultFrameBurst = 20
)

// SyncFunction is the entry point that re-broadcasts the full document.
const SyncFunction = syncloop.DefaultEntryPoint

// Model is the backend widget model the server fronts. *backend.Model
// implements it.
type Model interface {
	SessionID() string
	Snapshot() map[string]any
	Sync()
	SetBroadcaster(fn func(rpc.Frame))
	Dispatch(f rpc.Frame, reply func(rpc.Frame))
	ApplyRemoteSession(sessionID string, st map[string]any)
}

// SessionStore is the persistence behind the session API.
// *storage.SQLiteStore implements it.
type SessionStore interface {
	GetSession(id string) (*storage.Session, error)
	PatchSessionState(id string, patch map[string]any) (*storage.Session, error)
	ListChannels() ([]*storage.Channel, error)
}

// TokenValidator checks a bearer token presented on the WebSocket handshake.
type TokenValidator func(token string) error

// InvokeFunc is a named host entry point.
type InvokeFunc func(ctx context.Context) error

// Config wires a Server.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:7749".
	Addr string

	// Model is the widget model. Required.
	Model Model

	// Store backs the session API. Nil disables /v1/session and
	// /v1/notification-channels.
	Store SessionStore

	// Auth serves the browser auth flow and guards the session API.
	// Nil leaves the session API open and disables /v1/auth.
	Auth *auth.Handler

	// TokenValidator authenticates WebSocket clients when RequireAuth is set.
	TokenValidator TokenValidator
	RequireAuth    bool

	// FrameRate and FrameBurst bound inbound frames per client.
	FrameRate  rate.Limit
	FrameBurst int
}

// Server manages WebSocket clients and the HTTP API for one model.
type Server struct {
	addr     string
	upgrader websocket.Upgrader

	// mu guards clients, stopped and listenAddr.
	mu         sync.RWMutex
	clients    map[*Client]bool
	stopped    bool
	listenAddr string

	httpServer *http.Server

	model       Model
	store       SessionStore
	authHandler *auth.Handler

	tokenValidator TokenValidator
	requireAuth    bool

	frameRate  rate.Limit
	frameBurst int

	fmu       sync.RWMutex
	functions map[string]InvokeFunc

	startTime time.Time
}

// Client is one connected front end.
type Client struct {
	conn     *websocket.Conn
	send     chan rpc.Frame
	done     chan struct{}
	sendOnce sync.Once
	server   *Server
	limiter  *rate.Limiter
}

// NewServer creates a server for cfg.Model and registers the sync entry
// point. The model's broadcaster is pointed at the server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Model == nil {
		return nil, errors.New("server: model is required")
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = DefaultFrameBurst
	}

	s := &Server{
		addr: cfg.Addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Front ends are embedded in notebook pages served from other
			// origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:        make(map[*Client]bool),
		model:          cfg.Model,
		store:          cfg.Store,
		authHandler:    cfg.Auth,
		tokenValidator: cfg.TokenValidator,
		requireAuth:    cfg.RequireAuth,
		frameRate:      cfg.FrameRate,
		frameBurst:     cfg.FrameBurst,
		functions:      make(map[string]InvokeFunc),
		startTime:      time.Now(),
	}

	s.RegisterFunction(SyncFunction, func(context.Context) error {
		s.model.Sync()
		return nil
	})
	s.model.SetBroadcaster(s.Broadcast)
	return s, nil
}

// RegisterFunction adds or replaces a named entry point.
func (s *Server) RegisterFunction(name string, fn InvokeFunc) {
	s.fmu.Lock()
	s.functions[name] = fn
	s.fmu.Unlock()
}

// Functions lists registered entry point names, sorted.
func (s *Server) Functions() []string {
	s.fmu.RLock()
	defer s.fmu.RUnlock()
	names := make([]string, 0, len(s.functions))
	for name := range s.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) function(name string) (InvokeFunc, bool) {
	s.fmu.RLock()
	defer s.fmu.RUnlock()
	fn, ok := s.functions[name]
	return fn, ok
}

// SessionID returns the model's session.
func (s *Server) SessionID() string {
	return s.model.SessionID()
}

// Addr returns the bound listen address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listenAddr != "" {
		return s.listenAddr
	}
	return s.addr
}

// ClientCount returns the number of connected front ends.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
