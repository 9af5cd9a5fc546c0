package server

import (
	"log"
	"net/http"

	"github.com/lmkapp/lmk/internal/auth"
	apperrors "github.com/lmkapp/lmk/internal/errors"
	"github.com/lmkapp/lmk/internal/rpc"
	"golang.org/x/time/rate"
)

// Handler returns the HTTP handler with every endpoint registered.
func (s *Server) Handler() http.Handler {
	return s.createMux()
}

func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("/status", NewStatusHandler(s))

	mux.HandleFunc("GET /invoke", s.handleInvokeProbe)
	mux.HandleFunc("POST /invoke/{name}", s.handleInvoke)

	if s.authHandler != nil {
		mux.HandleFunc("POST /v1/auth/sessions", s.authHandler.CreateSession)
		mux.HandleFunc("GET /v1/auth/authorize/{id}", s.authHandler.Authorize)
		mux.HandleFunc("POST /v1/auth/sessions/{id}/token", s.authHandler.ClaimToken)
		mux.HandleFunc("DELETE /v1/auth/sessions/{id}", s.authHandler.CancelSession)
		log.Printf("server: auth endpoints registered at /v1/auth/")
	}

	if s.store != nil {
		api := NewSessionAPIHandler(s.store, s.model)
		mux.Handle("GET /v1/session/{id}", s.guard(http.HandlerFunc(api.GetSession)))
		mux.Handle("PATCH /v1/session/{id}", s.guard(http.HandlerFunc(api.PatchSession)))
		mux.Handle("GET /v1/notification-channels", s.guard(http.HandlerFunc(api.ListChannels)))
		log.Printf("server: session API registered at /v1/session/")
	}

	return mux
}

// guard requires a bearer token when auth is configured.
func (s *Server) guard(next http.Handler) http.Handler {
	if s.authHandler == nil {
		return next
	}
	return s.authHandler.Require(next)
}

// handleWebSocket upgrades the connection, sends the current document and
// starts the client's pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.requireAuth && s.tokenValidator != nil {
		token := auth.BearerToken(r)
		if token == "" {
			log.Printf("server: WebSocket connection rejected: missing authorization token")
			http.Error(w, "Unauthorized: missing token", http.StatusUnauthorized)
			return
		}
		if err := s.tokenValidator(token); err != nil {
			log.Printf("server: WebSocket connection rejected: invalid token: %v", err)
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: %v", apperrors.UpgradeFailed(err))
		return
	}

	client := &Client{
		conn:    conn,
		send:    make(chan rpc.Frame, channelBufferSize),
		done:    make(chan struct{}),
		server:  s,
		limiter: rate.NewLimiter(s.frameRate, s.frameBurst),
	}

	// The snapshot is queued under the write lock so no broadcast can slip
	// in ahead of it.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = true
	client.send <- rpc.NewStateFrame(s.model.Snapshot())
	count := len(s.clients)
	s.mu.Unlock()

	log.Printf("server: client connected (%d total)", count)

	go client.writePump()
	go client.readPump()
}
