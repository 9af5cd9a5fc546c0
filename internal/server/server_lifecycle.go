package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"
)

// StartAsync starts serving in a goroutine. The listener is created first,
// so the returned channel reports port conflicts: it receives nil once the
// server is accepting connections, or the listen error.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	s.mu.Lock()
	s.listenAddr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.createMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		log.Printf("server: listening on %s", ln.Addr())
		errCh <- nil
		close(errCh)

		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	return errCh
}

// Stop closes every client and shuts the HTTP server down. Calling it again
// does nothing.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	// writePump sends the close frame when it sees done.
	for client := range s.clients {
		client.closeSend()
	}
	s.clients = make(map[*Client]bool)
	srv := s.httpServer
	s.mu.Unlock()

	s.model.SetBroadcaster(nil)

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return srv.Close()
	}
	return nil
}
