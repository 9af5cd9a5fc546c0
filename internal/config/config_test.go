package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return path
}

// TestLoad_AllFields verifies that all config fields are parsed correctly from TOML.
func TestLoad_AllFields(t *testing.T) {
	path := writeConfig(t, `
addr = "0.0.0.0:9000"
host_url = "http://nb-host:9000"
api_url = "https://api.example.com"
dashboard_url = "https://dash.example.com"
db_path = "/data/lmk.db"
credentials_path = "/data/credentials"
log_file = "/var/log/lmk.log"
require_auth = true
mdns_enabled = true
sync_interval_ms = 500
send_timeout_ms = 3000
response_timeout_ms = 4000
auth_timeout_sec = 60
notify_on = "error"

[[channels]]
id = "hook"
type = "webhook"
name = "Hook"
target = "https://hooks.example.com/x"
default = true

[[channels]]
id = "console"
type = "log"
name = "Console"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.ListenAddr() != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr())
	}
	if cfg.BaseURL() != "http://nb-host:9000" {
		t.Errorf("BaseURL = %q", cfg.BaseURL())
	}
	if cfg.SessionAPIURL() != "https://api.example.com" {
		t.Errorf("SessionAPIURL = %q", cfg.SessionAPIURL())
	}
	if cfg.Dashboard() != "https://dash.example.com" {
		t.Errorf("Dashboard = %q", cfg.Dashboard())
	}
	if db, _ := cfg.Database(); db != "/data/lmk.db" {
		t.Errorf("Database = %q", db)
	}
	if creds, _ := cfg.Credentials(); creds != "/data/credentials" {
		t.Errorf("Credentials = %q", creds)
	}
	if cfg.LogFile != "/var/log/lmk.log" {
		t.Errorf("LogFile = %q", cfg.LogFile)
	}
	if !cfg.RequireAuth || !cfg.MdnsEnabled {
		t.Errorf("RequireAuth = %v, MdnsEnabled = %v", cfg.RequireAuth, cfg.MdnsEnabled)
	}
	if cfg.SyncInterval() != 500*time.Millisecond {
		t.Errorf("SyncInterval = %v", cfg.SyncInterval())
	}
	if cfg.SendTimeout() != 3*time.Second || cfg.ResponseTimeout() != 4*time.Second {
		t.Errorf("timeouts = %v, %v", cfg.SendTimeout(), cfg.ResponseTimeout())
	}
	if cfg.AuthTimeout() != time.Minute {
		t.Errorf("AuthTimeout = %v", cfg.AuthTimeout())
	}
	if cfg.MonitorOn() != "error" {
		t.Errorf("MonitorOn = %q", cfg.MonitorOn())
	}
	if len(cfg.Channels) != 2 {
		t.Fatalf("Channels = %+v", cfg.Channels)
	}
	if ch := cfg.Channels[0]; ch.ID != "hook" || ch.Type != "webhook" || !ch.Default {
		t.Errorf("Channels[0] = %+v", ch)
	}
}

// TestDefaults verifies the accessors on an empty config.
func TestDefaults(t *testing.T) {
	cfg := &Config{}

	if cfg.ListenAddr() != DefaultAddr {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr())
	}
	if cfg.BaseURL() != "http://"+DefaultAddr {
		t.Errorf("BaseURL = %q", cfg.BaseURL())
	}
	if cfg.SessionAPIURL() != cfg.BaseURL() {
		t.Errorf("SessionAPIURL = %q", cfg.SessionAPIURL())
	}
	if cfg.Dashboard() != DefaultDashboardURL {
		t.Errorf("Dashboard = %q", cfg.Dashboard())
	}
	if cfg.SyncInterval() != DefaultSyncInterval || cfg.SendTimeout() != DefaultRPCTimeout {
		t.Errorf("intervals = %v, %v", cfg.SyncInterval(), cfg.SendTimeout())
	}
	if cfg.AuthTimeout() != DefaultAuthTimeout {
		t.Errorf("AuthTimeout = %v", cfg.AuthTimeout())
	}
	if cfg.MonitorOn() != "stop" {
		t.Errorf("MonitorOn = %q", cfg.MonitorOn())
	}
	if db, err := cfg.Database(); err != nil || !strings.HasSuffix(db, filepath.Join(".lmk", "lmk.db")) {
		t.Errorf("Database = %q, %v", db, err)
	}
}

// TestLoad_ExplicitPath_NotFound verifies an explicit missing path is an error.
func TestLoad_ExplicitPath_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing explicit path")
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("error = %v", err)
	}
}

// TestLoad_EmptyPath_NoDefaultFile verifies an empty config when no default
// file exists.
func TestLoad_EmptyPath_NoDefaultFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Addr != "" || len(cfg.Channels) != 0 {
		t.Errorf("cfg = %+v, want empty", cfg)
	}
}

// TestLoad_EmptyPath_DefaultFileExists verifies the default file is picked up.
func TestLoad_EmptyPath_DefaultFileExists(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".lmk")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`addr = "127.0.0.1:1234"`), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Addr != "127.0.0.1:1234" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
}

// TestLoad_InvalidTOML verifies parse errors are reported.
func TestLoad_InvalidTOML(t *testing.T) {
	path := writeConfig(t, `addr = [unclosed`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("Load() error = %v", err)
	}
}

// TestValidate covers the rejected values.
func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"negative interval", Config{SyncIntervalMs: -1}, "sync_interval_ms"},
		{"bad notify_on", Config{NotifyOn: "always"}, "notify_on"},
		{"missing id", Config{Channels: []ChannelConfig{{Type: "log"}}}, "id is required"},
		{"duplicate id", Config{Channels: []ChannelConfig{{ID: "a", Type: "log"}, {ID: "a", Type: "log"}}}, "duplicate"},
		{"unknown type", Config{Channels: []ChannelConfig{{ID: "a", Type: "pager"}}}, "unknown type"},
		{"missing target", Config{Channels: []ChannelConfig{{ID: "a", Type: "ntfy"}}}, "need a target"},
		{"two defaults", Config{Channels: []ChannelConfig{
			{ID: "a", Type: "log", Default: true},
			{ID: "b", Type: "log", Default: true},
		}}, "only one channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	if err := (&Config{}).Validate(); err != nil {
		t.Errorf("empty config: %v", err)
	}
}

// TestWriteDefault_CreatesFile verifies the starter file loads cleanly.
func TestWriteDefault_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Addr != DefaultAddr || len(cfg.Channels) != 1 || !cfg.Channels[0].Default {
		t.Errorf("cfg = %+v", cfg)
	}
}

// TestWriteDefault_NoOverwrite verifies an existing file is left alone.
func TestWriteDefault_NoOverwrite(t *testing.T) {
	path := writeConfig(t, `addr = "10.0.0.1:1"`)
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != `addr = "10.0.0.1:1"` {
		t.Errorf("file overwritten: %s", data)
	}
}
