package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/lmkapp/lmk/internal/errors"
)

// Default phase timeouts.
const (
	DefaultSendTimeout     = 10 * time.Second
	DefaultResponseTimeout = 10 * time.Second
)

// SendFunc transmits a request frame. It must not block waiting for the
// reply; acknowledgement and response arrive later through Ack and Deliver.
type SendFunc func(ctx context.Context, req Request) error

// Options configures a Correlator. Zero values select the defaults.
type Options struct {
	// SendTimeout bounds the wait for a transmission acknowledgement.
	SendTimeout time.Duration

	// ResponseTimeout bounds the wait for the correlated response, measured
	// from the acknowledgement.
	ResponseTimeout time.Duration

	// Schemas validates payloads and results. Nil selects DefaultSchemas.
	Schemas *Schemas

	// NewID generates correlation ids. Nil selects random UUIDs.
	NewID func() string
}

// CallState is the lifecycle of a pending request. Transitions only move
// forward: pending -> acknowledged -> resolved, or to timed-out from either
// of the first two.
type CallState int

const (
	StatePending CallState = iota
	StateAcknowledged
	StateResolved
	StateTimedOut
)

func (s CallState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAcknowledged:
		return "acknowledged"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("CallState(%d)", int(s))
	}
}

// outcome is what a waiting Call receives when someone else finishes it.
type outcome struct {
	resp Response
	err  error
}

// pendingCall tracks one in-flight request.
type pendingCall struct {
	req       Request
	createdAt time.Time
	state     CallState

	// ackCh is closed on acknowledgement, or on early resolution.
	ackCh chan struct{}

	// doneCh receives exactly one outcome from Deliver or Close.
	// Buffered so the sender never blocks.
	doneCh chan outcome
}

// Correlator turns a one-way event channel into request/response calls.
//
// Each call is registered under a fresh correlation id, transmitted via
// SendFunc, and then resolved by the matching Ack and Deliver. Messages for
// ids that are not pending are dropped without side effects, so duplicate
// or stray frames are harmless.
//
// Thread safety: all exported methods are safe for concurrent use.
type Correlator struct {
	send    SendFunc
	opts    Options
	schemas *Schemas

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

// NewCorrelator creates a Correlator that transmits through send.
// A nil send makes every call fail with transport.unavailable.
func NewCorrelator(send SendFunc, opts Options) *Correlator {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	schemas := opts.Schemas
	if schemas == nil {
		schemas = DefaultSchemas()
	}
	return &Correlator{
		send:    send,
		opts:    opts,
		schemas: schemas,
		pending: make(map[string]*pendingCall),
	}
}

// Call issues method with payload and waits for the correlated response.
//
// Errors:
//   - rpc.application_error: payload fails the method schema, the backend
//     replied success=false, or the result fails the method schema
//   - transport.unavailable: nothing to send through, or the Correlator closed
//   - rpc.send_timeout: no acknowledgement in time
//   - rpc.response_timeout: acknowledged but no response in time
//   - ctx.Err(): the caller gave up; nothing is sent to the remote side
//
// Calls are never retried. Independent calls are not ordered.
func (c *Correlator) Call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	raw, err := marshalValue(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeApplicationError, "payload is not JSON-encodable", err)
	}
	if string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := c.schemas.ValidateParams(method, raw); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeApplicationError,
			fmt.Sprintf("invalid payload for %s", method), err)
	}

	if c.send == nil {
		return nil, apperrors.TransportUnavailable(nil)
	}

	p := &pendingCall{
		req: Request{
			CorrelationID: c.opts.NewID(),
			Method:        method,
			Payload:       raw,
		},
		createdAt: time.Now(),
		state:     StatePending,
		ackCh:     make(chan struct{}),
		doneCh:    make(chan outcome, 1),
	}
	id := p.req.CorrelationID

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.TransportUnavailable(apperrors.CorrelatorClosed())
	}
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return nil, apperrors.DuplicateRequest(id)
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.send(ctx, p.req); err != nil {
		c.remove(p, StateTimedOut)
		if apperrors.IsCode(err, apperrors.CodeTransportUnavailable) {
			return nil, err
		}
		return nil, apperrors.TransportUnavailable(err)
	}

	// Send phase
	timer := time.NewTimer(c.opts.SendTimeout)
	defer timer.Stop()

	select {
	case <-p.ackCh:
	case out := <-p.doneCh:
		return c.finish(method, out)
	case <-timer.C:
		if c.remove(p, StateTimedOut) {
			log.Printf("rpc: request %s (%s) send timeout after %s", id, method, c.opts.SendTimeout)
			return nil, apperrors.SendTimeout(id, method)
		}
		return c.finish(method, <-p.doneCh)
	case <-ctx.Done():
		if c.remove(p, StateTimedOut) {
			return nil, ctx.Err()
		}
		return c.finish(method, <-p.doneCh)
	}

	// Response phase, timed from the acknowledgement
	timer.Reset(c.opts.ResponseTimeout)

	select {
	case out := <-p.doneCh:
		return c.finish(method, out)
	case <-timer.C:
		if c.remove(p, StateTimedOut) {
			log.Printf("rpc: request %s (%s) response timeout after %s", id, method, c.opts.ResponseTimeout)
			return nil, apperrors.ResponseTimeout(id, method)
		}
		return c.finish(method, <-p.doneCh)
	case <-ctx.Done():
		if c.remove(p, StateTimedOut) {
			return nil, ctx.Err()
		}
		return c.finish(method, <-p.doneCh)
	}
}

// Ack records the transmission acknowledgement for id. Returns false when id
// is not pending or was already acknowledged.
func (c *Correlator) Ack(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok || p.state != StatePending {
		return false
	}
	p.state = StateAcknowledged
	close(p.ackCh)
	return true
}

// Deliver resolves the pending call matching resp. A response that arrives
// before the acknowledgement implies it. Returns false, with no side
// effects, for unknown or already-resolved ids.
func (c *Correlator) Deliver(resp Response) bool {
	c.mu.Lock()
	p, ok := c.pending[resp.CorrelationID]
	if !ok {
		c.mu.Unlock()
		log.Printf("rpc: dropping response for unknown request %s", resp.CorrelationID)
		return false
	}
	if p.state == StatePending {
		close(p.ackCh)
	}
	p.state = StateResolved
	delete(c.pending, resp.CorrelationID)
	c.mu.Unlock()

	p.doneCh <- outcome{resp: resp}
	return true
}

// Pending returns the number of calls still waiting.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// State returns the lifecycle state of a pending call. ok is false once the
// call has been removed.
func (c *Correlator) State(id string) (state CallState, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return 0, false
	}
	return p.state, true
}

// Close fails every pending call with transport.unavailable, caused by
// rpc.correlator_closed, and rejects new ones. Safe to call more than once.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		p.state = StateTimedOut
		calls = append(calls, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, p := range calls {
		p.doneCh <- outcome{err: apperrors.TransportUnavailable(apperrors.CorrelatorClosed())}
	}
}

// remove drops p from the pending set and marks it final. Returns false when
// someone else already finished it; that finisher's outcome is then waiting
// on p.doneCh.
func (c *Correlator) remove(p *pendingCall, final CallState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.pending[p.req.CorrelationID]
	if !ok || cur != p {
		return false
	}
	p.state = final
	delete(c.pending, p.req.CorrelationID)
	return true
}

// finish converts a delivered outcome into Call's return values.
func (c *Correlator) finish(method string, out outcome) (json.RawMessage, error) {
	if out.err != nil {
		return nil, out.err
	}
	resp := out.resp
	if !resp.Success {
		return nil, apperrors.ApplicationError(resp.ErrorMessage)
	}
	if err := c.schemas.ValidateResult(method, resp.Payload); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeApplicationError,
			fmt.Sprintf("malformed response for %s", method), err)
	}
	if len(resp.Payload) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Payload, nil
}
