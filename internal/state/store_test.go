package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/lmkapp/lmk/internal/errors"
)

// TestNewSeedsDefaults verifies every field starts at its schema default.
func TestNewSeedsDefaults(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	if got := s.Get(FieldAuthState); got != AuthNeedsAuth {
		t.Errorf("auth_state = %v, want %q", got, AuthNeedsAuth)
	}
	if got := s.Get(FieldMonitoringState); got != MonitorNone {
		t.Errorf("monitoring_state = %v, want %q", got, MonitorNone)
	}
	if got := s.Get(FieldAccessToken); got != nil {
		t.Errorf("access_token = %v, want nil", got)
	}
	snap := s.Snapshot()
	if len(snap) != len(Fields) {
		t.Errorf("snapshot has %d fields, want %d", len(snap), len(Fields))
	}
}

// TestSetVisibleImmediately verifies a local write is readable before any
// forward has happened.
func TestSetVisibleImmediately(t *testing.T) {
	block := make(chan struct{})
	s := New(Options{Forward: func(Field, any) { <-block }})
	defer func() {
		close(block)
		s.Close()
	}()

	if err := s.Set(FieldAuthState, AuthAuthenticated); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := s.Get(FieldAuthState); got != AuthAuthenticated {
		t.Fatalf("auth_state = %v, want %q", got, AuthAuthenticated)
	}
}

// TestEchoDoesNotRenotify verifies a remote echo of the value just written
// emits no second notification.
func TestEchoDoesNotRenotify(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	var mu sync.Mutex
	var seen []any
	unsub := s.Subscribe(FieldAuthState, func(v any) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	defer unsub()

	if err := s.Set(FieldAuthState, AuthAuthenticated); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if s.Apply(FieldAuthState, AuthAuthenticated) {
		t.Error("Apply of identical value reported a change")
	}

	mu.Lock()
	defer mu.Unlock()
	// Initial delivery + one change.
	if len(seen) != 2 {
		t.Fatalf("got %d notifications (%v), want 2", len(seen), seen)
	}
	if seen[0] != AuthNeedsAuth || seen[1] != AuthAuthenticated {
		t.Errorf("notifications = %v", seen)
	}
}

// TestNumericNormalization verifies int and float64 forms of the same
// number compare equal.
func TestNumericNormalization(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	count := 0
	s.Subscribe(FieldExecutionNum, func(any) { count++ })

	if err := s.Set(FieldExecutionNum, 7); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if s.Apply(FieldExecutionNum, float64(7)) {
		t.Error("float64 echo of int value reported a change")
	}
	if n, ok := s.Int(FieldExecutionNum); !ok || n != 7 {
		t.Errorf("Int = %d, %v; want 7, true", n, ok)
	}
	if count != 2 {
		t.Errorf("callback ran %d times, want 2", count)
	}
}

// TestStructuredValuesCompareByContent verifies maps are compared by value.
func TestStructuredValuesCompareByContent(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	type session struct {
		SessionID string `json:"sessionId"`
	}
	if !s.Apply(FieldSession, session{SessionID: "abc"}) {
		t.Fatal("first Apply reported no change")
	}
	if s.Apply(FieldSession, map[string]any{"sessionId": "abc"}) {
		t.Error("equivalent map reported a change")
	}
}

// TestSetUnknownField verifies unknown keys are rejected.
func TestSetUnknownField(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	err := s.Set(Field("bogus"), 1)
	if !apperrors.IsCode(err, apperrors.CodeUnknownField) {
		t.Fatalf("Set(bogus) error = %v, want %s", err, apperrors.CodeUnknownField)
	}
	if s.Apply(Field("bogus"), 1) {
		t.Error("Apply(bogus) reported a change")
	}
}

// TestUnsubscribe verifies callbacks stop after unsubscribe and that
// unsubscribe is idempotent.
func TestUnsubscribe(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	count := 0
	unsub := s.Subscribe(FieldURL, func(any) { count++ })
	s.Apply(FieldURL, "http://a")
	unsub()
	unsub()
	s.Apply(FieldURL, "http://b")

	if count != 2 {
		t.Errorf("callback ran %d times, want 2", count)
	}
}

// TestMultipleSubscribers verifies every subscriber of a field is notified.
func TestMultipleSubscribers(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	var a, b int
	s.Subscribe(FieldChannelsState, func(any) { a++ })
	s.Subscribe(FieldChannelsState, func(any) { b++ })
	s.Apply(FieldChannelsState, ChannelsLoading)

	if a != 2 || b != 2 {
		t.Errorf("a=%d b=%d, want 2 each", a, b)
	}
}

// TestCallbackMaySetStore verifies callbacks run outside the lock.
func TestCallbackMaySetStore(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	s.Subscribe(FieldAuthState, func(v any) {
		if v == AuthAuthenticated {
			_ = s.Set(FieldAuthURL, nil)
		}
	})
	_ = s.Set(FieldAuthURL, "http://auth")
	s.Apply(FieldAuthState, AuthAuthenticated)

	if got := s.Get(FieldAuthURL); got != nil {
		t.Errorf("auth_url = %v, want nil", got)
	}
}

// TestSubscribeOrderedWithConcurrentApply verifies the initial value handed
// to a new subscriber never lands after a newer concurrent change.
func TestSubscribeOrderedWithConcurrentApply(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := New(Options{})

		var (
			mu   sync.Mutex
			last string
			back bool
		)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				s.Apply(FieldNotebookName, fmt.Sprintf("v%02d", n))
			}
		}()
		go func() {
			defer wg.Done()
			s.Subscribe(FieldNotebookName, func(v any) {
				str, _ := v.(string)
				mu.Lock()
				defer mu.Unlock()
				if str < last {
					back = true
				}
				last = str
			})
		}()
		wg.Wait()

		mu.Lock()
		got, wentBack := last, back
		mu.Unlock()
		want, _ := s.String(FieldNotebookName)
		s.Close()

		if wentBack {
			t.Fatalf("iteration %d: subscriber saw an older value after a newer one", i)
		}
		if got != want {
			t.Fatalf("iteration %d: subscriber ended on %q, store holds %q", i, got, want)
		}
	}
}

// TestCallbackMayWriteOwnField verifies a callback writing the field it
// watches does not deadlock and the subscriber ends on the latest value.
func TestCallbackMayWriteOwnField(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	var seen []any
	s.Subscribe(FieldMonitoringState, func(v any) {
		seen = append(seen, v)
		if v == MonitorStop {
			s.Apply(FieldMonitoringState, MonitorNone)
		}
	})
	s.Apply(FieldMonitoringState, MonitorStop)

	if got := s.Get(FieldMonitoringState); got != MonitorNone {
		t.Fatalf("monitoring_state = %v, want %q", got, MonitorNone)
	}
	if len(seen) != 3 || seen[2] != MonitorNone {
		t.Errorf("seen = %v, want [none stop none]", seen)
	}
}

// TestForwardOrder verifies local writes are forwarded in order.
func TestForwardOrder(t *testing.T) {
	var mu sync.Mutex
	var got []any
	done := make(chan struct{})

	s := New(Options{Forward: func(f Field, v any) {
		mu.Lock()
		got = append(got, v)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	}})
	defer s.Close()

	_ = s.Set(FieldNotebookName, "a")
	_ = s.Set(FieldNotebookName, "b")
	_ = s.Set(FieldNotebookName, "c")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwards")
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("forward order = %v", got)
	}
}

// TestApplyDoesNotForward verifies remote deliveries are not echoed back.
func TestApplyDoesNotForward(t *testing.T) {
	forwarded := make(chan Field, 1)
	s := New(Options{Forward: func(f Field, _ any) { forwarded <- f }})
	defer s.Close()

	s.Apply(FieldURL, "http://x")

	select {
	case f := <-forwarded:
		t.Fatalf("Apply forwarded %s", f)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestApplySnapshot verifies a full resync applies known fields and counts
// only real changes.
func TestApplySnapshot(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	n := s.ApplySnapshot(map[string]any{
		"auth_state":       AuthNeedsAuth, // unchanged
		"notebook_name":    "train.ipynb",
		"monitoring_state": MonitorStop,
		"not_a_field":      true,
	})
	if n != 2 {
		t.Errorf("ApplySnapshot changed %d fields, want 2", n)
	}
	if got, _ := s.String(FieldNotebookName); got != "train.ipynb" {
		t.Errorf("notebook_name = %q", got)
	}
}

// TestInitialOverrides verifies Options.Initial seeds values.
func TestInitialOverrides(t *testing.T) {
	s := New(Options{Initial: map[Field]any{FieldAPIURL: "http://api", "nope": 1}})
	defer s.Close()

	if got, ok := s.String(FieldAPIURL); !ok || got != "http://api" {
		t.Errorf("api_url = %q, %v", got, ok)
	}
}

// TestCloseIdempotent verifies Close can be called twice and Set still
// applies locally afterwards.
func TestCloseIdempotent(t *testing.T) {
	s := New(Options{Forward: func(Field, any) {}})
	s.Close()
	s.Close()

	if err := s.Set(FieldURL, "http://after"); err != nil {
		t.Fatalf("Set after Close: %v", err)
	}
	if got, _ := s.String(FieldURL); got != "http://after" {
		t.Errorf("url = %q", got)
	}
}

// TestFlushWaitsForForwards verifies Flush returns only after earlier writes
// reached the forward function.
func TestFlushWaitsForForwards(t *testing.T) {
	var mu sync.Mutex
	var got []any
	s := New(Options{Forward: func(f Field, v any) {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	}})
	defer s.Close()

	_ = s.Set(FieldNotebookName, "a")
	_ = s.Set(FieldNotebookName, "b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[1] != "b" {
		t.Errorf("forwarded = %v, want [a b]", got)
	}

	if err := New(Options{}).Flush(ctx); err != nil {
		t.Errorf("Flush without forwarding: %v", err)
	}
}
