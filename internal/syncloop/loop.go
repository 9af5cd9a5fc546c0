// Package syncloop implements the sync fallback loop.
//
// Some hosts silently stop delivering pushed state changes while a long
// computation runs. When the host exposes an invoke capability, the loop
// periodically calls the backend's sync entry point, which re-broadcasts the
// full state. Failures are classified: a stale session or a missing entry
// point is permanent for the current session and raises degraded mode;
// anything else is transient and only logged.
package syncloop

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	apperrors "github.com/lmkapp/lmk/internal/errors"
	"github.com/lmkapp/lmk/internal/hostcap"
)

// Defaults.
const (
	DefaultInterval   = 2 * time.Second
	DefaultEntryPoint = "lmk.widget.sync"
)

// Reason classifies the most recent failure.
type Reason string

const (
	ReasonNone            Reason = "none"
	ReasonSessionStale    Reason = "sessionStale"
	ReasonFunctionMissing Reason = "functionMissing"
	ReasonOther           Reason = "other"
)

// Permanent reports whether r means live sync cannot recover without the
// session being reinitialized.
func (r Reason) Permanent() bool {
	return r == ReasonSessionStale || r == ReasonFunctionMissing
}

// Status is a snapshot of the loop's health.
type Status struct {
	// LastKnownGood is when the last invocation succeeded. Zero if never.
	LastKnownGood time.Time

	// Reason is the classification of the last failure, or ReasonNone after
	// a success. While degraded it keeps the permanent reason.
	Reason Reason

	// Degraded is set by a permanent failure and cleared by a success.
	Degraded bool
}

// Config holds loop configuration.
type Config struct {
	// Invoker is the host capability. If nil or unavailable, the loop is
	// inert: Start does nothing.
	Invoker hostcap.Invoker

	// Visible reports whether the UI surface is showing. Nil means always.
	Visible func() bool

	// Interval between ticks. Zero or negative uses DefaultInterval.
	Interval time.Duration

	// EntryPoint is the host function to invoke.
	EntryPoint string

	// OnDegraded is called when a permanent failure flips the loop into
	// degraded mode.
	OnDegraded func(Status)

	// OnRecovered is called when a success clears degraded mode.
	OnRecovered func(Status)
}

// Loop is the periodic, visibility-aware, single-flight sync invoker.
type Loop struct {
	config Config

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	stopping bool

	// ctx scopes in-flight invocations; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	inFlight bool
	flights  sync.WaitGroup

	status  Status
	lastErr error
}

// New creates a loop. It does not start ticking until Start.
func New(config Config) *Loop {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.EntryPoint == "" {
		config.EntryPoint = DefaultEntryPoint
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		status: Status{Reason: ReasonNone},
	}
}

// Enabled reports whether the host capability is present.
func (l *Loop) Enabled() bool {
	return l.config.Invoker != nil && l.config.Invoker.Available()
}

// Start begins ticking in a goroutine. It is a no-op when the capability is
// unavailable or the loop is already running. Start is safe to call after
// Stop.
func (l *Loop) Start() {
	if !l.Enabled() {
		log.Printf("syncloop: host invoke capability unavailable, fallback loop not started")
		return
	}

	l.mu.Lock()
	if l.running || l.stopping {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	if l.ctx.Err() != nil {
		l.ctx, l.cancel = context.WithCancel(context.Background())
	}
	stopCh, doneCh := l.stopCh, l.doneCh
	l.mu.Unlock()

	go l.tickLoop(stopCh, doneCh)
}

// Stop halts ticking, cancels any in-flight invocation, and waits for both
// to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	if !l.running || l.stopping {
		l.mu.Unlock()
		cancel()
		l.flights.Wait()
		return
	}
	l.stopping = true
	stopCh := l.stopCh
	doneCh := l.doneCh
	l.mu.Unlock()

	close(stopCh)
	<-doneCh
	cancel()
	l.flights.Wait()

	l.mu.Lock()
	l.running = false
	l.stopping = false
	l.mu.Unlock()
}

// Running reports whether the ticker goroutine is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) tickLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Tick runs one iteration. It returns true if an invocation was started.
// Ticks are skipped while the surface is hidden or while a previous
// invocation is outstanding.
func (l *Loop) Tick() bool {
	if !l.Enabled() {
		return false
	}
	if l.config.Visible != nil && !l.config.Visible() {
		return false
	}

	l.mu.Lock()
	if l.inFlight || l.ctx.Err() != nil {
		l.mu.Unlock()
		return false
	}
	l.inFlight = true
	ctx := l.ctx
	l.flights.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.flights.Done()
		err := l.config.Invoker.Invoke(ctx, l.config.EntryPoint)
		l.record(ctx, err)

		// Cleared last so callbacks have run before the next tick.
		l.mu.Lock()
		l.inFlight = false
		l.mu.Unlock()
	}()
	return true
}

// InFlight reports whether an invocation is outstanding.
func (l *Loop) InFlight() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// Status returns a snapshot of the loop's health.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// LastError returns the last failure as a sync.permanent_failure or
// sync.transient_failure coded error, or nil after a success.
func (l *Loop) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

func (l *Loop) record(ctx context.Context, err error) {
	l.mu.Lock()

	// Invocations cut short by Stop say nothing about the host.
	if err != nil && ctx.Err() != nil {
		l.mu.Unlock()
		return
	}

	if err == nil {
		wasDegraded := l.status.Degraded
		l.status = Status{LastKnownGood: time.Now(), Reason: ReasonNone}
		l.lastErr = nil
		st := l.status
		l.mu.Unlock()

		if wasDegraded {
			log.Printf("syncloop: sync recovered")
			if l.config.OnRecovered != nil {
				l.config.OnRecovered(st)
			}
		}
		return
	}

	reason := Classify(err)
	if !reason.Permanent() {
		// Transient: a degraded loop keeps its permanent reason.
		if !l.status.Degraded {
			l.status.Reason = reason
		}
		l.lastErr = apperrors.TransientSyncFailure(err)
		l.mu.Unlock()
		log.Printf("syncloop: transient sync failure: %v", err)
		return
	}

	wasDegraded := l.status.Degraded
	l.status.Reason = reason
	l.status.Degraded = true
	l.lastErr = apperrors.PermanentSyncFailure(string(reason), err)
	st := l.status
	l.mu.Unlock()

	if !wasDegraded {
		log.Printf("syncloop: permanent sync failure (%s), live updates degraded: %v", reason, err)
		if l.config.OnDegraded != nil {
			l.config.OnDegraded(st)
		}
	}
}

// Classify maps an invocation error to a Reason by its message.
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "must be reinitialized"),
		strings.Contains(msg, "session") && strings.Contains(msg, "reinitializ"):
		return ReasonSessionStale
	case strings.Contains(msg, "function") && strings.Contains(msg, "not registered"),
		strings.Contains(msg, "callback") && strings.Contains(msg, "not found"):
		return ReasonFunctionMissing
	default:
		return ReasonOther
	}
}
