package flow

import (
	"context"
	"errors"
	"sync"

	"github.com/lmkapp/lmk/internal/rpc"
	"github.com/lmkapp/lmk/internal/state"
)

// AuthController drives needs-auth -> auth-in-progress -> {authenticated |
// auth-error}. Completion is never polled for: it arrives only as a remote
// change to auth_state.
type AuthController struct {
	store  *state.Store
	caller Caller

	mu        sync.Mutex
	callErr   error
	cancelled bool
	onAuthURL func(string)
	lastURL   string
	unsubs    []func()
}

// NewAuthController subscribes to auth_url and auth_state. Call Close to
// release the subscriptions.
func NewAuthController(store *state.Store, caller Caller) *AuthController {
	a := &AuthController{store: store, caller: caller}
	a.unsubs = append(a.unsubs,
		store.Subscribe(state.FieldAuthURL, a.handleAuthURL),
		store.Subscribe(state.FieldAuthState, a.handleAuthState),
	)
	return a
}

// OnAuthURL registers fn to receive the authorization URL each time it
// becomes non-null. If a URL is already known, fn is called immediately.
func (a *AuthController) OnAuthURL(fn func(url string)) {
	a.mu.Lock()
	a.onAuthURL = fn
	url := a.lastURL
	a.mu.Unlock()

	if fn != nil && url != "" {
		fn(url)
	}
}

// Initiate asks the backend to start the auth flow. With force, an existing
// token is discarded and a fresh flow starts. A failed call moves the
// controller to auth-error.
func (a *AuthController) Initiate(ctx context.Context, force bool) error {
	payload := map[string]any{}
	if force {
		payload["force"] = true
	}

	a.mu.Lock()
	a.callErr = nil
	a.cancelled = false
	a.mu.Unlock()
	if _, err := a.caller.Call(ctx, rpc.MethodInitiateAuth, payload); err != nil {
		a.setCallErr(err)
		return err
	}
	return nil
}

// Retry re-initiates after an auth-error.
func (a *AuthController) Retry(ctx context.Context) error {
	return a.Initiate(ctx, false)
}

// Cancel tells the backend to abandon the flow and moves the local view
// back to needs-auth, unless already authenticated. The backend confirms
// with its own auth_state change; until then, or until the next Initiate,
// a resynced auth-error still reads as needs-auth.
func (a *AuthController) Cancel(ctx context.Context) error {
	if a.State() != state.AuthAuthenticated {
		a.mu.Lock()
		a.callErr = nil
		a.cancelled = true
		a.mu.Unlock()
		a.store.Apply(state.FieldAuthURL, nil)
		a.store.Apply(state.FieldAuthState, state.AuthNeedsAuth)
	} else {
		a.setCallErr(nil)
	}
	_, err := a.caller.Call(ctx, rpc.MethodCancelAuth, map[string]any{})
	return err
}

// State returns the effective auth state. A failed initiate call reports
// auth-error until the backend moves on.
func (a *AuthController) State() string {
	s, _ := a.store.String(state.FieldAuthState)
	if s == state.AuthAuthenticated {
		return s
	}
	a.mu.Lock()
	failed := a.callErr != nil
	cancelled := a.cancelled
	a.mu.Unlock()
	if failed {
		return state.AuthError
	}
	if s == "" || (cancelled && s == state.AuthError) {
		return state.AuthNeedsAuth
	}
	return s
}

// AuthURL returns the current authorization URL, or "".
func (a *AuthController) AuthURL() string {
	url, _ := a.store.String(state.FieldAuthURL)
	return url
}

// Err returns why the flow failed: the failed call, or the backend's
// auth_error. Nil when not in auth-error.
func (a *AuthController) Err() error {
	a.mu.Lock()
	err := a.callErr
	cancelled := a.cancelled
	a.mu.Unlock()
	if err != nil {
		return err
	}
	if s, _ := a.store.String(state.FieldAuthState); s == state.AuthError && !cancelled {
		msg, _ := a.store.String(state.FieldAuthError)
		if msg == "" {
			msg = "authentication failed"
		}
		return errors.New(msg)
	}
	return nil
}

// Close releases store subscriptions.
func (a *AuthController) Close() {
	for _, unsub := range a.unsubs {
		unsub()
	}
}

func (a *AuthController) setCallErr(err error) {
	a.mu.Lock()
	a.callErr = err
	a.mu.Unlock()
}

func (a *AuthController) handleAuthURL(v any) {
	url, _ := v.(string)

	a.mu.Lock()
	a.lastURL = url
	fn := a.onAuthURL
	a.mu.Unlock()

	if fn != nil && url != "" {
		fn(url)
	}
}

// handleAuthState clears a stale call error once the backend reports
// progress of its own.
func (a *AuthController) handleAuthState(v any) {
	s, _ := v.(string)
	switch s {
	case state.AuthAuthenticated:
		a.mu.Lock()
		a.callErr = nil
		a.cancelled = false
		a.mu.Unlock()
	case state.AuthInProgress:
		a.setCallErr(nil)
	}
}
