// Package widget is the front-end runtime. It composes the shared state
// store, the request correlator, the sync fallback loop and the flow
// controllers over a single Channel to the backend, and owns every timer
// they start: Close stops them all.
package widget

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lmkapp/lmk/internal/flow"
	"github.com/lmkapp/lmk/internal/hostcap"
	"github.com/lmkapp/lmk/internal/mirror"
	"github.com/lmkapp/lmk/internal/rpc"
	"github.com/lmkapp/lmk/internal/state"
	"github.com/lmkapp/lmk/internal/syncloop"
)

// DefaultDashboardURL is offered as the manual alternative in degraded mode.
const DefaultDashboardURL = "https://app.lmkapp.dev"

// Channel delivers frames to and from the backend. *transport.Conn
// implements it.
type Channel interface {
	Send(ctx context.Context, f rpc.Frame) error
	Frames() <-chan rpc.Frame
}

// Config wires a Runtime.
type Config struct {
	// Channel is the connection to the backend. Required.
	Channel Channel

	// Invoker is the host's invoke capability, already resolved. Nil
	// disables the sync fallback loop.
	Invoker hostcap.Invoker

	// Visible reports whether the surface is showing. Nil means always.
	Visible func() bool

	// URLSource reports the host's current notebook URL. Nil disables URL
	// tracking.
	URLSource func() string

	// Mirror performs session PATCHes. Nil disables mirroring.
	Mirror mirror.Writer

	SyncInterval    time.Duration
	URLInterval     time.Duration
	SendTimeout     time.Duration
	ResponseTimeout time.Duration

	// DashboardURL is shown in degraded mode.
	DashboardURL string

	// OnDegraded and OnRecovered observe degraded-mode transitions.
	OnDegraded  func(syncloop.Status)
	OnRecovered func(syncloop.Status)
}

// Runtime is a running widget front end.
type Runtime struct {
	Store      *state.Store
	Correlator *rpc.Correlator
	Sync       *syncloop.Loop
	Auth       *flow.AuthController
	Monitoring *flow.MonitoringController
	Channels   *flow.ChannelController
	URL        *flow.URLTracker

	channel      Channel
	dashboardURL string
	hasURL       bool

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	started   bool
	closed    bool
	dispatchW sync.WaitGroup
}

// New builds a Runtime. Nothing runs until Start.
func New(cfg Config) (*Runtime, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("widget: channel is required")
	}
	if cfg.DashboardURL == "" {
		cfg.DashboardURL = DefaultDashboardURL
	}
	if cfg.Invoker == nil {
		cfg.Invoker = hostcap.Unavailable{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		channel:      cfg.Channel,
		dashboardURL: cfg.DashboardURL,
		hasURL:       cfg.URLSource != nil,
		ctx:          ctx,
		cancel:       cancel,
	}

	r.Store = state.New(state.Options{Forward: r.forward})
	r.Correlator = rpc.NewCorrelator(r.sendRequest, rpc.Options{
		SendTimeout:     cfg.SendTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
	})
	r.Sync = syncloop.New(syncloop.Config{
		Invoker:     cfg.Invoker,
		Visible:     cfg.Visible,
		Interval:    cfg.SyncInterval,
		OnDegraded:  r.degraded(cfg.OnDegraded),
		OnRecovered: cfg.OnRecovered,
	})
	r.Auth = flow.NewAuthController(r.Store, r.Correlator)
	r.Monitoring = flow.NewMonitoringController(r.Store, cfg.Mirror)
	r.Channels = flow.NewChannelController(r.Store, r.Correlator, cfg.Mirror)
	r.URL = flow.NewURLTracker(r.Store, cfg.URLSource, cfg.URLInterval)
	return r, nil
}

// Start begins dispatching inbound frames and starts the fallback loop and
// URL tracker.
func (r *Runtime) Start() {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.dispatchW.Add(1)
	go r.dispatchLoop()

	r.Sync.Start()
	if r.hasURL {
		r.URL.Start()
	}
}

// Close stops every timer and goroutine the runtime owns. Pending calls
// fail with transport.unavailable. The store stays readable.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.Sync.Stop()
	r.URL.Stop()
	r.Correlator.Close()
	r.Auth.Close()
	r.Monitoring.Close()
	r.Channels.Close()
	r.Store.Close()
	r.dispatchW.Wait()
}

// Degraded reports whether live sync can no longer be trusted.
func (r *Runtime) Degraded() bool {
	return r.Sync.Status().Degraded
}

// Notice returns the user-facing degraded-mode message, or "" when live
// updates are healthy.
func (r *Runtime) Notice() string {
	if !r.Degraded() {
		return ""
	}
	return fmt.Sprintf("Live updates are no longer reliable in this session. "+
		"Reinitialize the widget, or follow progress at %s.", r.dashboardURL)
}

// HandleFrame applies one inbound frame. Safe to call directly when frames
// arrive by some path other than Channel.Frames.
func (r *Runtime) HandleFrame(f rpc.Frame) {
	switch f.Type {
	case rpc.FrameAck:
		r.Correlator.Ack(f.CorrelationID)
	case rpc.FrameResponse:
		r.Correlator.Deliver(f.Response())
	case rpc.FrameChange:
		v, err := f.DecodeValue()
		if err != nil {
			log.Printf("widget: bad value for %s: %v", f.Field, err)
			return
		}
		r.Store.Apply(state.Field(f.Field), v)
	case rpc.FrameState:
		r.Store.ApplySnapshot(f.State)
	default:
		log.Printf("widget: ignoring %s frame from backend", f.Type)
	}
}

func (r *Runtime) dispatchLoop() {
	defer r.dispatchW.Done()
	frames := r.channel.Frames()
	for {
		select {
		case <-r.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				log.Printf("widget: channel closed")
				r.Correlator.Close()
				return
			}
			r.HandleFrame(f)
		}
	}
}

func (r *Runtime) sendRequest(ctx context.Context, req rpc.Request) error {
	return r.channel.Send(ctx, rpc.NewRequestFrame(req))
}

// forward runs on the store's forwarding goroutine.
func (r *Runtime) forward(field state.Field, value any) {
	f, err := rpc.NewUpdateFrame(string(field), value)
	if err != nil {
		log.Printf("widget: cannot encode %s: %v", field, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, rpc.DefaultSendTimeout)
	defer cancel()
	if err := r.channel.Send(ctx, f); err != nil {
		log.Printf("widget: forward %s failed: %v", field, err)
	}
}

func (r *Runtime) degraded(next func(syncloop.Status)) func(syncloop.Status) {
	return func(st syncloop.Status) {
		log.Printf("widget: degraded (%s); manual alternative: %s", st.Reason, r.dashboardURL)
		if next != nil {
			next(st)
		}
	}
}
