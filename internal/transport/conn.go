// Package transport is the front-end side of the widget channel: a
// WebSocket connection to the backend host carrying rpc frames.
//
// Conn follows the usual gorilla/websocket split: one goroutine owns reads,
// one owns writes, and callers hand frames to the writer through a buffered
// channel. Inbound frames are parsed and surfaced on Frames.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
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
	sendBuffer     = 64
)

// DialOptions configures Dial.
type DialOptions struct {
	// Token, if set, is sent as a bearer Authorization header.
	Token string

	// Header adds extra handshake headers.
	Header http.Header

	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Conn is a connected widget channel.
type Conn struct {
	conn *websocket.Conn

	send   chan []byte
	frames chan rpc.Frame

	// done is closed once, by Close or when either pump exits.
	done      chan struct{}
	closeOnce sync.Once
	pumps     sync.WaitGroup
}

// Dial connects to the backend host's WebSocket endpoint.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	for k, v := range opts.Header {
		header[k] = v
	}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, apperrors.TransportUnavailable(err)
	}
	return newConn(ws), nil
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		conn:   ws,
		send:   make(chan []byte, sendBuffer),
		frames: make(chan rpc.Frame, sendBuffer),
		done:   make(chan struct{}),
	}
	c.pumps.Add(2)
	go c.readPump()
	go c.writePump()
	return c
}

// Send queues a frame for the writer. It fails with transport.unavailable
// once the connection is closed.
func (c *Conn) Send(ctx context.Context, f rpc.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return apperrors.TransportUnavailable(nil)
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return apperrors.TransportUnavailable(nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames returns inbound frames. The channel is closed when the connection
// ends.
func (c *Conn) Frames() <-chan rpc.Frame {
	return c.frames
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close writes any queued frames, shuts the connection down and waits for
// both pumps. Safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown()
	c.pumps.Wait()
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.pumps.Done()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.drain()
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("transport: write error: %v", err)
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// drain writes frames queued before Close so a short-lived client does not
// lose its last updates. Write errors end the drain.
func (c *Conn) drain() {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		close(c.frames)
		c.shutdown()
		c.pumps.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				log.Printf("transport: read error: %v", err)
			}
			return
		}

		f, err := rpc.ParseFrame(data)
		if err != nil {
			log.Printf("transport: dropping malformed frame: %v", err)
			continue
		}

		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}
