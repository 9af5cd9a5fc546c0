package server

import (
	"log"

	"github.com/lmkapp/lmk/internal/rpc"
)

// Broadcast queues f for every connected client. It never blocks: a client
// whose buffer is full misses the frame.
//
// Frames are queued on the caller's goroutine so that, per client, change
// frames and replies keep the order the model produced them in.
func (s *Server) Broadcast(f rpc.Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}
	for client := range s.clients {
		if !client.enqueue(f) {
			log.Printf("server: client send buffer full, dropping %s frame", f.Type)
		}
	}
}

// enqueue queues f without blocking. It reports false only when the buffer
// is full; a closing client silently drops.
func (c *Client) enqueue(f rpc.Frame) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}
