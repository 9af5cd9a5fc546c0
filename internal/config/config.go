// Package config provides TOML configuration file loading for the lmk CLI.
// The configuration file lives at ~/.lmk/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over
// file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lmkapp/lmk/internal/notify"
	"github.com/lmkapp/lmk/internal/state"
)

// Config represents the configuration file. Zero values mean "use the
// default"; the accessor methods apply them.
type Config struct {
	// Addr is the host:port the backend host listens on.
	// Default: 127.0.0.1:7749
	Addr string `toml:"addr"`

	// HostURL is where front ends reach the backend host.
	// Default: derived from Addr.
	HostURL string `toml:"host_url"`

	// APIURL is the session API base URL published to front ends.
	// Default: HostURL.
	APIURL string `toml:"api_url"`

	// DashboardURL is offered when the widget runs degraded.
	DashboardURL string `toml:"dashboard_url"`

	// DBPath is the SQLite database. Default: ~/.lmk/lmk.db
	DBPath string `toml:"db_path"`

	// CredentialsPath holds the backend's access token.
	// Default: ~/.lmk/credentials
	CredentialsPath string `toml:"credentials_path"`

	// LogFile redirects log output. Empty logs to stderr.
	LogFile string `toml:"log_file"`

	// RequireAuth makes WebSocket clients present a bearer token.
	RequireAuth bool `toml:"require_auth"`

	// MdnsEnabled advertises the host on the local network.
	MdnsEnabled bool `toml:"mdns_enabled"`

	// SyncIntervalMs is the sync fallback loop period. Default: 2000
	SyncIntervalMs int `toml:"sync_interval_ms"`

	// SendTimeoutMs and ResponseTimeoutMs bound each RPC phase.
	// Default: 10000 each.
	SendTimeoutMs     int `toml:"send_timeout_ms"`
	ResponseTimeoutMs int `toml:"response_timeout_ms"`

	// AuthTimeoutSec bounds initiate-auth. Default: 300
	AuthTimeoutSec int `toml:"auth_timeout_sec"`

	// NotifyOn is the monitoring state `lmk run` starts with.
	// Default: stop
	NotifyOn string `toml:"notify_on"`

	// Channels are seeded into the database on host start.
	Channels []ChannelConfig `toml:"channels"`
}

// ChannelConfig declares a notification channel.
//
//	[[channels]]
//	id = "phone"
//	type = "ntfy"
//	name = "Phone"
//	target = "https://ntfy.sh/my-topic"
//	default = true
type ChannelConfig struct {
	ID      string `toml:"id"`
	Type    string `toml:"type"`
	Name    string `toml:"name"`
	Target  string `toml:"target"`
	Default bool   `toml:"default"`
}

// DefaultConfigPath returns ~/.lmk/config.toml.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultDir returns ~/.lmk.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".lmk"), nil
}

// WriteDefault writes a starter config to path if no file exists there.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# lmk configuration

# Backend host listen address
addr = %q

# What "lmk run" notifies on: none, error or stop
notify_on = "stop"

# Notification channels. Uncomment to deliver somewhere other than the log.
[[channels]]
id = "console"
type = "log"
name = "Console"
default = true

# [[channels]]
# id = "phone"
# type = "ntfy"
# name = "Phone"
# target = "https://ntfy.sh/your-topic"
`, DefaultAddr)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads the config at path. An empty path tries the default location
// and returns an empty Config if nothing is there; an explicit path must
// exist.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that defaults cannot fix.
func (c *Config) Validate() error {
	for name, v := range map[string]int{
		"sync_interval_ms":    c.SyncIntervalMs,
		"send_timeout_ms":     c.SendTimeoutMs,
		"response_timeout_ms": c.ResponseTimeoutMs,
		"auth_timeout_sec":    c.AuthTimeoutSec,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}

	switch c.NotifyOn {
	case "", state.MonitorNone, state.MonitorError, state.MonitorStop:
	default:
		return fmt.Errorf("notify_on must be none, error or stop, got %q", c.NotifyOn)
	}

	seen := make(map[string]bool, len(c.Channels))
	defaults := 0
	for i, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d]: id is required", i)
		}
		if seen[ch.ID] {
			return fmt.Errorf("channels[%d]: duplicate id %q", i, ch.ID)
		}
		seen[ch.ID] = true

		switch ch.Type {
		case notify.TypeLog:
		case notify.TypeWebhook, notify.TypeNtfy:
			if ch.Target == "" {
				return fmt.Errorf("channel %q: %s channels need a target", ch.ID, ch.Type)
			}
		default:
			return fmt.Errorf("channel %q: unknown type %q", ch.ID, ch.Type)
		}
		if ch.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("only one channel may be the default, got %d", defaults)
	}
	return nil
}

// ListenAddr returns Addr or the default.
func (c *Config) ListenAddr() string {
	if c.Addr != "" {
		return c.Addr
	}
	return DefaultAddr
}

// BaseURL returns HostURL, or an http URL for the listen address.
func (c *Config) BaseURL() string {
	if c.HostURL != "" {
		return c.HostURL
	}
	return "http://" + c.ListenAddr()
}

// SessionAPIURL returns APIURL or BaseURL.
func (c *Config) SessionAPIURL() string {
	if c.APIURL != "" {
		return c.APIURL
	}
	return c.BaseURL()
}

// Dashboard returns DashboardURL or the default.
func (c *Config) Dashboard() string {
	if c.DashboardURL != "" {
		return c.DashboardURL
	}
	return DefaultDashboardURL
}

// Database returns DBPath or ~/.lmk/lmk.db.
func (c *Config) Database() (string, error) {
	if c.DBPath != "" {
		return c.DBPath, nil
	}
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "lmk.db"), nil
}

// Credentials returns CredentialsPath or ~/.lmk/credentials.
func (c *Config) Credentials() (string, error) {
	if c.CredentialsPath != "" {
		return c.CredentialsPath, nil
	}
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials"), nil
}

// SyncInterval returns the fallback loop period.
func (c *Config) SyncInterval() time.Duration {
	return millis(c.SyncIntervalMs, DefaultSyncInterval)
}

// SendTimeout returns the ack timeout.
func (c *Config) SendTimeout() time.Duration {
	return millis(c.SendTimeoutMs, DefaultRPCTimeout)
}

// ResponseTimeout returns the response timeout.
func (c *Config) ResponseTimeout() time.Duration {
	return millis(c.ResponseTimeoutMs, DefaultRPCTimeout)
}

// AuthTimeout returns the initiate-auth bound.
func (c *Config) AuthTimeout() time.Duration {
	if c.AuthTimeoutSec > 0 {
		return time.Duration(c.AuthTimeoutSec) * time.Second
	}
	return DefaultAuthTimeout
}

// MonitorOn returns NotifyOn or "stop".
func (c *Config) MonitorOn() string {
	if c.NotifyOn != "" {
		return c.NotifyOn
	}
	return state.MonitorStop
}

func millis(ms int, def time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
