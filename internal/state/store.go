// Package state implements the shared widget document replicated between the
// front-end runtime and the backend model.
//
// Both processes hold a local copy. The backend is the authority; the front
// end writes optimistically and accepts backend echoes. Conflicts are resolved
// per field by last-write-wins: the locally observed value is whichever of the
// last local write and the last remote delivery was applied most recently.
package state

import (
	"context"
	"encoding/json"
	"log"
	"reflect"
	"sort"
	"sync"

	apperrors "github.com/lmkapp/lmk/internal/errors"
)

// Callback receives a field's value. It is invoked outside the store lock,
// so it may call back into the store.
type Callback func(value any)

// ForwardFunc receives local mutations for delivery toward the backend.
// It runs on the store's forwarding goroutine, one mutation at a time, in
// the order the mutations were applied.
type ForwardFunc func(field Field, value any)

// Options configures a Store.
type Options struct {
	// Forward is called asynchronously for every local Set. Nil means local
	// writes stay local (used by the backend, which is itself the authority).
	Forward ForwardFunc

	// Initial overrides defaults for selected fields. Unknown fields are
	// ignored.
	Initial map[Field]any
}

type mutation struct {
	field Field
	value any

	// flushed marks a Flush barrier instead of a field write.
	flushed chan struct{}
}

type subscription struct {
	id uint64
	cb Callback
	d  *delivery
}

// delivery serializes callbacks for one subscription. Each applied value
// carries the field's version; a value older than the last one delivered is
// dropped, so a late initial value never overwrites a newer change. A
// delivery that arrives while a callback is running (from another goroutine,
// or from the callback itself) is handed to the running loop, which passes
// on the newest one once the callback returns.
type delivery struct {
	mu      sync.Mutex
	seen    uint64
	started bool
	busy    bool
	pending *versioned
}

type versioned struct {
	value   any
	version uint64
}

func (d *delivery) deliver(cb Callback, value any, version uint64) {
	d.mu.Lock()
	if d.busy {
		if d.pending == nil || version > d.pending.version {
			d.pending = &versioned{value: value, version: version}
		}
		d.mu.Unlock()
		return
	}
	d.busy = true
	for {
		if !d.started || version > d.seen {
			d.started = true
			d.seen = version
			d.mu.Unlock()
			cb(value)
			d.mu.Lock()
		}
		if d.pending == nil {
			break
		}
		value, version = d.pending.value, d.pending.version
		d.pending = nil
	}
	d.busy = false
	d.mu.Unlock()
}

// Store is the shared key/value document plus its change notifier.
//
// Thread safety: all exported methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	values   map[Field]any
	versions map[Field]uint64
	subs     map[Field][]subscription
	nextID   uint64

	forward ForwardFunc

	// Forward queue. Unbounded so Set never blocks on a slow transport.
	queueMu sync.Mutex
	queue   []mutation
	wakeCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	closed  bool
}

// New creates a Store seeded with Defaults and opts.Initial.
func New(opts Options) *Store {
	s := &Store{
		values:   Defaults(),
		versions: make(map[Field]uint64),
		subs:     make(map[Field][]subscription),
		forward:  opts.Forward,
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for f, v := range opts.Initial {
		if !Known(f) {
			continue
		}
		if n, err := Normalize(v); err == nil {
			s.values[f] = n
		}
	}

	if s.forward != nil {
		go s.forwardLoop()
	} else {
		close(s.doneCh)
	}
	return s
}

// Get returns the current value of field, or nil for unknown fields.
func (s *Store) Get(field Field) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[field]
}

// String returns field as a string. ok is false when the value is null or
// not a string.
func (s *Store) String(field Field) (v string, ok bool) {
	v, ok = s.Get(field).(string)
	return v, ok
}

// Int returns field as an int64. JSON numbers arrive as float64, so this
// accepts any integral float.
func (s *Store) Int(field Field) (int64, bool) {
	f, ok := s.Get(field).(float64)
	if !ok || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

// Snapshot returns a copy of the whole document keyed by field name.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for f, v := range s.values {
		out[string(f)] = v
	}
	return out
}

// Set applies value locally, notifies subscribers when it changed, and
// queues the mutation for forwarding. The new value is visible to Get before
// Set returns. Set never waits on the forwarder.
func (s *Store) Set(field Field, value any) error {
	if !Known(field) {
		return apperrors.UnknownField(string(field))
	}
	n, err := Normalize(value)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "value is not JSON-encodable", err)
	}

	s.apply(field, n)

	if s.forward != nil {
		s.enqueue(mutation{field: field, value: n})
	}
	return nil
}

// Apply installs a value delivered by the remote side. It does not forward.
// Returns true if the value differed and subscribers were notified; an echo
// of the current value is a no-op. Unknown fields are logged and ignored.
func (s *Store) Apply(field Field, value any) bool {
	if !Known(field) {
		log.Printf("state: ignoring remote change to unknown field %q", field)
		return false
	}
	n, err := Normalize(value)
	if err != nil {
		log.Printf("state: ignoring undecodable value for %s: %v", field, err)
		return false
	}
	return s.apply(field, n)
}

// ApplySnapshot applies every known field in snap as a remote delivery.
// Fields are applied in sorted order so notification order is stable.
func (s *Store) ApplySnapshot(snap map[string]any) int {
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changed := 0
	for _, k := range keys {
		if s.Apply(Field(k), snap[k]) {
			changed++
		}
	}
	return changed
}

// Subscribe registers cb for field. The current value is delivered
// immediately, then once per distinct applied change. Callbacks for one
// subscription never overlap and never go back to an older value. The
// returned function removes the subscription and is safe to call more than
// once.
func (s *Store) Subscribe(field Field, cb Callback) func() {
	d := &delivery{}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[field] = append(s.subs[field], subscription{id: id, cb: cb, d: d})
	current := s.values[field]
	version := s.versions[field]
	s.mu.Unlock()

	d.deliver(cb, current, version)

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(field, id) })
	}
}

// Flush blocks until every mutation queued before the call has been handed
// to the forward function, or ctx is done. It returns immediately on a
// store without forwarding or after Close.
func (s *Store) Flush(ctx context.Context) error {
	if s.forward == nil {
		return nil
	}
	ch := make(chan struct{})
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		return nil
	}
	s.queue = append(s.queue, mutation{flushed: ch})
	s.queueMu.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}

	select {
	case <-ch:
		return nil
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the forwarding goroutine. Mutations still queued are dropped.
// Reads and local writes keep working after Close.
func (s *Store) Close() {
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.queueMu.Unlock()

	if s.forward != nil {
		close(s.stopCh)
	}
	<-s.doneCh
}

// apply stores n and notifies subscribers if the value changed.
func (s *Store) apply(field Field, n any) bool {
	s.mu.Lock()
	if reflect.DeepEqual(s.values[field], n) {
		s.mu.Unlock()
		return false
	}
	s.values[field] = n
	s.versions[field]++
	version := s.versions[field]
	subs := append([]subscription(nil), s.subs[field]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.d.deliver(sub.cb, n, version)
	}
	return true
}

func (s *Store) unsubscribe(field Field, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.subs[field]
	for i, sub := range list {
		if sub.id == id {
			s.subs[field] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(s.subs[field]) == 0 {
		delete(s.subs, field)
	}
}

func (s *Store) enqueue(m mutation) {
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		return
	}
	s.queue = append(s.queue, m)
	s.queueMu.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Store) forwardLoop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		}

		for {
			s.queueMu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.queueMu.Unlock()
				break
			}
			m := s.queue[0]
			s.queue = s.queue[1:]
			s.queueMu.Unlock()

			if m.flushed != nil {
				close(m.flushed)
				continue
			}
			s.forward(m.field, m.value)
		}
	}
}

// Normalize converts v to its JSON-decoded form (float64, string, bool, nil,
// []any, map[string]any) so values from either side compare equal.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
