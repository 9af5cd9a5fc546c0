package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestNewSQLiteStore verifies a fresh database reaches the current schema.
func TestNewSQLiteStore(t *testing.T) {
	store := newTestStore(t)

	version, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("version = %d, want %d", version, currentSchemaVersion)
	}
}

// TestReopenKeepsData verifies a file-backed store survives reopen without
// re-running migrations.
func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lmk.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	now := time.Now()
	if err := store.SaveSession(&Session{ID: "s1", NotebookName: "nb", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	store.Close()

	store, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	got, err := store.GetSession("s1")
	if err != nil || got == nil {
		t.Fatalf("GetSession after reopen = %v, %v", got, err)
	}
}

// TestSaveAndGetSession verifies fields and state survive a round trip.
func TestSaveAndGetSession(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().Truncate(time.Millisecond)
	session := &Session{
		ID:           "session-123",
		NotebookName: "train.ipynb",
		URL:          "http://localhost:8888/notebooks/train.ipynb",
		State:        map[string]any{"notifyOn": "stop"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.SaveSession(session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := store.GetSession("session-123")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetSession returned nil")
	}
	if got.NotebookName != session.NotebookName {
		t.Errorf("NotebookName = %q, want %q", got.NotebookName, session.NotebookName)
	}
	if got.URL != session.URL {
		t.Errorf("URL = %q, want %q", got.URL, session.URL)
	}
	if got.State["notifyOn"] != "stop" {
		t.Errorf("State = %v", got.State)
	}
	if got.CreatedAt.Sub(now).Abs() > time.Millisecond {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
	if got.Ended() {
		t.Error("new session reports ended")
	}
}

// TestGetSessionMissing verifies a missing session is nil, nil.
func TestGetSessionMissing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetSession("nope")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

// TestPatchSessionState verifies keys merge and explicit nulls are kept.
func TestPatchSessionState(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	if err := store.SaveSession(&Session{
		ID:        "s1",
		State:     map[string]any{"notifyOn": "none", "notifyChannel": "c1"},
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := store.PatchSessionState("s1", map[string]any{"notifyOn": "error", "notifyChannel": nil})
	if err != nil {
		t.Fatalf("PatchSessionState failed: %v", err)
	}
	if got.State["notifyOn"] != "error" {
		t.Errorf("notifyOn = %v", got.State["notifyOn"])
	}
	v, ok := got.State["notifyChannel"]
	if !ok || v != nil {
		t.Errorf("notifyChannel = %v (present=%v), want explicit null", v, ok)
	}

	reread, _ := store.GetSession("s1")
	if _, ok := reread.State["notifyChannel"]; !ok {
		t.Error("null key not persisted")
	}

	if _, err := store.PatchSessionState("missing", map[string]any{"a": 1}); err != ErrSessionNotFound {
		t.Errorf("patch missing = %v, want ErrSessionNotFound", err)
	}
}

// TestEndSession verifies ending is recorded once.
func TestEndSession(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	_ = store.SaveSession(&Session{ID: "s1", CreatedAt: now, UpdatedAt: now})

	first := now.Add(time.Minute)
	if err := store.EndSession("s1", first); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if err := store.EndSession("s1", first.Add(time.Hour)); err != nil {
		t.Fatalf("second EndSession failed: %v", err)
	}
	got, _ := store.GetSession("s1")
	if !got.Ended() || got.EndedAt.Sub(first).Abs() > time.Millisecond {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, first)
	}
	if err := store.EndSession("missing", now); err != ErrSessionNotFound {
		t.Errorf("EndSession missing = %v", err)
	}
}

// TestSessionRetention verifies old sessions are pruned.
func TestSessionRetention(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < maxSessions+5; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		if err := store.SaveSession(&Session{ID: fmt.Sprintf("s%03d", i), CreatedAt: at, UpdatedAt: at}); err != nil {
			t.Fatalf("SaveSession %d failed: %v", i, err)
		}
	}

	sessions, err := store.ListSessions(0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != maxSessions {
		t.Fatalf("len = %d, want %d", len(sessions), maxSessions)
	}
	if sessions[0].ID != fmt.Sprintf("s%03d", maxSessions+4) {
		t.Errorf("newest = %s", sessions[0].ID)
	}
	if got, _ := store.GetSession("s000"); got != nil {
		t.Error("oldest session not pruned")
	}
}

// TestTokens covers save, list, last-seen and revoke.
func TestTokens(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().Truncate(time.Millisecond)
	tok := &AccessToken{ID: "t1", Name: "laptop", TokenHash: "$2a$hash", CreatedAt: now, LastSeen: now}
	if err := store.SaveToken(tok); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	tokens, err := store.ListTokens()
	if err != nil || len(tokens) != 1 {
		t.Fatalf("ListTokens = %v, %v", tokens, err)
	}
	if tokens[0].TokenHash != tok.TokenHash {
		t.Errorf("TokenHash = %q", tokens[0].TokenHash)
	}

	later := now.Add(time.Hour)
	if err := store.UpdateTokenLastSeen("t1", later); err != nil {
		t.Fatalf("UpdateTokenLastSeen failed: %v", err)
	}
	got, _ := store.GetToken("t1")
	if got.LastSeen.Sub(later).Abs() > time.Millisecond {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, later)
	}
	if err := store.UpdateTokenLastSeen("nope", later); err != ErrTokenNotFound {
		t.Errorf("UpdateTokenLastSeen missing = %v", err)
	}

	if err := store.DeleteToken("t1"); err != nil {
		t.Fatalf("DeleteToken failed: %v", err)
	}
	if err := store.DeleteToken("t1"); err != nil {
		t.Fatalf("second DeleteToken failed: %v", err)
	}
	if got, _ := store.GetToken("t1"); got != nil {
		t.Error("token still present after delete")
	}
}

// TestAuthSessions covers save, status transitions and expiry cleanup.
func TestAuthSessions(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	as := &AuthSession{ID: "a1", Status: AuthSessionPending, CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute)}
	if err := store.SaveAuthSession(as); err != nil {
		t.Fatalf("SaveAuthSession failed: %v", err)
	}
	got, err := store.GetAuthSession("a1")
	if err != nil || got == nil {
		t.Fatalf("GetAuthSession = %v, %v", got, err)
	}
	if got.Status != AuthSessionPending || got.Token != "" {
		t.Errorf("got %+v", got)
	}

	as.Status = AuthSessionApproved
	as.Token = "secret"
	as.TokenID = "t1"
	_ = store.SaveAuthSession(as)
	got, _ = store.GetAuthSession("a1")
	if got.Status != AuthSessionApproved || got.Token != "secret" || got.TokenID != "t1" {
		t.Errorf("after approve %+v", got)
	}

	_ = store.SaveAuthSession(&AuthSession{ID: "old", Status: AuthSessionPending, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)})
	n, err := store.DeleteExpiredAuthSessions(now)
	if err != nil || n != 1 {
		t.Errorf("DeleteExpiredAuthSessions = %d, %v", n, err)
	}
	if got, _ := store.GetAuthSession("missing"); got != nil {
		t.Error("missing auth session not nil")
	}
}

// TestChannels covers save, list and the single default.
func TestChannels(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	for i, id := range []string{"c1", "c2"} {
		ch := &Channel{ID: id, Type: "webhook", Name: "ch " + id, Target: "http://x/" + id, CreatedAt: now.Add(time.Duration(i) * time.Second)}
		if err := store.SaveChannel(ch); err != nil {
			t.Fatalf("SaveChannel failed: %v", err)
		}
	}

	if def, _ := store.DefaultChannel(); def != nil {
		t.Errorf("default before set = %+v", def)
	}
	if err := store.SetDefaultChannel("c1"); err != nil {
		t.Fatalf("SetDefaultChannel failed: %v", err)
	}
	if err := store.SetDefaultChannel("c2"); err != nil {
		t.Fatalf("SetDefaultChannel failed: %v", err)
	}
	def, _ := store.DefaultChannel()
	if def == nil || def.ID != "c2" {
		t.Fatalf("default = %+v, want c2", def)
	}

	// Re-saving keeps the default flag.
	_ = store.SaveChannel(&Channel{ID: "c2", Type: "webhook", Name: "renamed", CreatedAt: now})
	channels, err := store.ListChannels()
	if err != nil || len(channels) != 2 {
		t.Fatalf("ListChannels = %v, %v", channels, err)
	}
	defaults := 0
	for _, ch := range channels {
		if ch.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Errorf("defaults = %d, want 1", defaults)
	}

	if err := store.SetDefaultChannel("missing"); err != ErrChannelNotFound {
		t.Errorf("SetDefaultChannel missing = %v", err)
	}
	// The failed call rolled back; c2 is still default.
	if def, _ := store.DefaultChannel(); def == nil || def.ID != "c2" {
		t.Errorf("default after failed set = %+v", def)
	}

	if err := store.SetDefaultChannel(""); err != nil {
		t.Fatalf("clear default failed: %v", err)
	}
	if def, _ := store.DefaultChannel(); def != nil {
		t.Errorf("default after clear = %+v", def)
	}
}

// TestNotificationRetention verifies the per-session cap.
func TestNotificationRetention(t *testing.T) {
	store := newTestStore(t)

	base := time.Now()
	for i := 0; i < maxNotifications+3; i++ {
		n := &Notification{
			ID:        fmt.Sprintf("n%03d", i),
			SessionID: "s1",
			Message:   "done",
			Delivered: i%2 == 0,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.SaveNotification(n); err != nil {
			t.Fatalf("SaveNotification failed: %v", err)
		}
	}
	_ = store.SaveNotification(&Notification{ID: "other", SessionID: "s2", Message: "x", CreatedAt: base})

	list, err := store.ListNotifications("s1")
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(list) != maxNotifications {
		t.Fatalf("len = %d, want %d", len(list), maxNotifications)
	}
	if list[0].ID != "n003" {
		t.Errorf("oldest kept = %s, want n003", list[0].ID)
	}
	// n004 was delivered, n003 was not.
	if list[0].Delivered || !list[1].Delivered {
		t.Errorf("Delivered not round-tripped")
	}

	other, _ := store.ListNotifications("s2")
	if len(other) != 1 {
		t.Errorf("other session len = %d", len(other))
	}
}
