package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
	apperrors "github.com/lmkapp/lmk/internal/errors"
	"github.com/lmkapp/lmk/internal/rpc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
)

// closeSend signals the client to shut down exactly once. Only done is
// closed; senders check it before queueing.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// writePump sends queued frames to the WebSocket and pings periodically.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case f := <-c.send:
			data, err := json.Marshal(f)
			if err != nil {
				log.Printf("server: failed to marshal %s frame: %v", f.Type, err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("server: write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames until the connection drops and hands them to the
// model.
func (c *Client) readPump() {
	defer func() {
		c.server.mu.Lock()
		delete(c.server.clients, c)
		c.server.mu.Unlock()

		c.closeSend()
		log.Printf("server: client disconnected (%d remaining)", c.server.ClientCount())
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				log.Printf("server: read error: %v", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	f, err := rpc.ParseFrame(data)
	if err != nil {
		c.rejectFrame(data, err)
		return
	}

	if !c.limiter.Allow() {
		err := apperrors.RateLimited()
		log.Printf("server: %v, dropping %s frame", err, f.Type)
		if f.Type == rpc.FrameRequest {
			c.reply(rpc.NewErrorFrame(f.CorrelationID, err.Message))
		}
		return
	}

	c.server.model.Dispatch(f, c.reply)
}

// rejectFrame answers a malformed request so its caller does not wait for a
// timeout. Requests whose id cannot be read are answered with "<unknown>".
func (c *Client) rejectFrame(data []byte, cause error) {
	var probe struct {
		Type          rpc.FrameType `json:"type"`
		CorrelationID any           `json:"correlationId"`
	}
	if json.Unmarshal(data, &probe) != nil || probe.Type != rpc.FrameRequest {
		log.Printf("server: dropping invalid frame: %v", cause)
		return
	}

	id, _ := probe.CorrelationID.(string)
	if id == "" {
		id = rpc.UnknownCorrelationID
	}
	log.Printf("server: invalid request (id=%s): %v", id, cause)
	c.reply(rpc.NewErrorFrame(id, "Invalid payload"))
}

func (c *Client) reply(f rpc.Frame) {
	if !c.enqueue(f) {
		log.Printf("server: client send buffer full, dropping %s for %s", f.Type, f.CorrelationID)
	}
}
