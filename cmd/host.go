package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/lmkapp/lmk/internal/auth"
	"github.com/lmkapp/lmk/internal/backend"
	"github.com/lmkapp/lmk/internal/config"
	"github.com/lmkapp/lmk/internal/mdns"
	"github.com/lmkapp/lmk/internal/notify"
	"github.com/lmkapp/lmk/internal/server"
	"github.com/lmkapp/lmk/internal/storage"
)

// HostStartConfig holds the flags of the host start command.
type HostStartConfig struct {
	Config          string
	Addr            string
	HostURL         string
	DBPath          string
	CredentialsPath string
	LogFile         string
	RequireAuth     bool
	MdnsEnabled     bool
	NotebookName    string
	NotebookURL     string
}

func runHostStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("host start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &HostStartConfig{}

	fs.StringVar(&cfg.Config, "config", "", "Path to config file (default: ~/.lmk/config.toml)")
	fs.StringVar(&cfg.Addr, "addr", "", "Listen address (default: 127.0.0.1:7749)")
	fs.StringVar(&cfg.HostURL, "host-url", "", "URL front ends use to reach this host (default: derived from --addr)")
	fs.StringVar(&cfg.DBPath, "db", "", "Path to the SQLite database (default: ~/.lmk/lmk.db)")
	fs.StringVar(&cfg.CredentialsPath, "credentials", "", "Path to the stored access token (default: ~/.lmk/credentials)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "Write logs to this file instead of stderr")
	fs.BoolVar(&cfg.RequireAuth, "require-auth", false, "Require a bearer token on WebSocket connections")
	fs.BoolVar(&cfg.MdnsEnabled, "mdns", false, "Advertise the host on the local network")
	fs.StringVar(&cfg.NotebookName, "notebook", "", "Notebook name shown in notifications")
	fs.StringVar(&cfg.NotebookURL, "notebook-url", "", "Notebook URL linked from notifications")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lmk host start [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	fileCfg, err := config.Load(cfg.Config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	mergeHostFlags(fileCfg, cfg, explicitFlags)

	if fileCfg.LogFile != "" {
		logFile, err := openLogFile(fileCfg.LogFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer logFile.Close()
		log.SetOutput(logFile)
		defer log.SetOutput(os.Stderr)
	}

	host, err := startHost(fileCfg, cfg.NotebookName, cfg.NotebookURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer host.Stop()

	fmt.Fprintf(stdout, "lmk host listening on %s\n", host.server.Addr())
	fmt.Fprintf(stdout, "Session:   %s\n", host.model.SessionID())
	fmt.Fprintf(stdout, "Host URL:  %s\n", fileCfg.BaseURL())
	fmt.Fprintf(stdout, "Auth:      %v\n", fileCfg.RequireAuth)
	if host.advertiser != nil {
		fmt.Fprintf(stdout, "mDNS:      advertising %s\n", mdns.ServiceType)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)
	return 0
}

// mergeHostFlags applies explicit CLI values over the file config.
func mergeHostFlags(fileCfg *config.Config, cfg *HostStartConfig, explicitFlags map[string]bool) {
	if cfg.Addr != "" {
		fileCfg.Addr = cfg.Addr
	}
	if cfg.HostURL != "" {
		fileCfg.HostURL = cfg.HostURL
	}
	if cfg.DBPath != "" {
		fileCfg.DBPath = cfg.DBPath
	}
	if cfg.CredentialsPath != "" {
		fileCfg.CredentialsPath = cfg.CredentialsPath
	}
	if cfg.LogFile != "" {
		fileCfg.LogFile = cfg.LogFile
	}
	// Booleans only override when given, so --mdns=false beats the file.
	if explicitFlags["require-auth"] {
		fileCfg.RequireAuth = cfg.RequireAuth
	}
	if explicitFlags["mdns"] {
		fileCfg.MdnsEnabled = cfg.MdnsEnabled
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// hostRuntime is a running backend host.
type hostRuntime struct {
	lock       *flock.Flock
	store      *storage.SQLiteStore
	model      *backend.Model
	server     *server.Server
	advertiser *mdns.Advertiser
}

// startHost opens storage, seeds channels, and starts the model, server and
// optional mDNS advertisement. On error everything already started is
// released.
func startHost(cfg *config.Config, notebookName, notebookURL string) (*hostRuntime, error) {
	dbPath, err := cfg.Database()
	if err != nil {
		return nil, err
	}
	h := &hostRuntime{}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		// One host per database.
		lock := flock.New(dbPath + ".lock")
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire host lock: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("another lmk host is using %s", dbPath)
		}
		h.lock = lock
	}

	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		h.Stop()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	h.store = store

	if err := seedChannels(store, cfg.Channels); err != nil {
		h.Stop()
		return nil, err
	}

	credsPath, err := cfg.Credentials()
	if err != nil {
		h.Stop()
		return nil, err
	}
	creds := auth.NewCredentials(credsPath)
	if _, err := creds.Load(); err != nil {
		log.Printf("host: ignoring unreadable credentials: %v", err)
	}

	tokens := auth.NewTokenValidator(store)
	sessions := auth.NewSessions(auth.SessionsConfig{
		Store:   store,
		Tokens:  tokens,
		BaseURL: cfg.BaseURL(),
		Expiry:  cfg.AuthTimeout(),
	})

	model, err := backend.New(backend.Config{
		Store:       store,
		Auth:        sessions,
		Credentials: creds,
		TokenValid: func(token string) bool {
			_, err := tokens.ValidateToken(token)
			return err == nil
		},
		Notifier:     notify.NewDispatcher(nil),
		APIURL:       cfg.SessionAPIURL(),
		NotebookName: notebookName,
		URL:          notebookURL,
		AuthTimeout:  cfg.AuthTimeout(),
	})
	if err != nil {
		h.Stop()
		return nil, err
	}
	if err := model.Start(); err != nil {
		h.Stop()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	h.model = model

	srv, err := server.NewServer(server.Config{
		Addr:  cfg.ListenAddr(),
		Model: model,
		Store: store,
		Auth:  auth.NewHandler(sessions, tokens),
		TokenValidator: func(token string) error {
			_, err := tokens.ValidateToken(token)
			return err
		},
		RequireAuth: cfg.RequireAuth,
	})
	if err != nil {
		h.Stop()
		return nil, err
	}
	if err := <-srv.StartAsync(); err != nil {
		h.Stop()
		return nil, err
	}
	h.server = srv

	if cfg.MdnsEnabled {
		port := 0
		if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
			port, _ = strconv.Atoi(p)
		}
		adv := mdns.NewAdvertiser(mdns.Config{
			Port:      port,
			SessionID: model.SessionID(),
			Notebook:  notebookName,
		})
		if err := adv.Start(); err != nil {
			log.Printf("host: mDNS advertisement failed: %v", err)
		} else {
			h.advertiser = adv
		}
	}
	return h, nil
}

// Stop releases everything startHost started, newest first.
func (h *hostRuntime) Stop() {
	if h.advertiser != nil {
		h.advertiser.Stop()
	}
	if h.server != nil {
		h.server.Stop()
	}
	if h.model != nil {
		h.model.Close()
	}
	if h.store != nil {
		h.store.Close()
	}
	if h.lock != nil {
		if err := h.lock.Unlock(); err != nil {
			log.Printf("host: failed to release lock: %v", err)
		}
	}
}

// seedChannels stores the configured channels. The configured default, if
// any, replaces the stored default.
func seedChannels(store *storage.SQLiteStore, channels []config.ChannelConfig) error {
	for _, ch := range channels {
		name := ch.Name
		if name == "" {
			name = ch.ID
		}
		if err := store.SaveChannel(&storage.Channel{
			ID:     ch.ID,
			Type:   ch.Type,
			Name:   name,
			Target: ch.Target,
		}); err != nil {
			return fmt.Errorf("failed to save channel %q: %w", ch.ID, err)
		}
	}
	for _, ch := range channels {
		if ch.Default {
			if err := store.SetDefaultChannel(ch.ID); err != nil {
				return fmt.Errorf("failed to set default channel: %w", err)
			}
		}
	}
	return nil
}

func runHostStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("host status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file (default: ~/.lmk/config.toml)")
	addr := fs.String("addr", "", "Host address to query (default: from config, then 127.0.0.1:7749)")
	asJSON := fs.Bool("json", false, "Print the raw status JSON")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lmk host status [options]\n\nShow the status of the running backend host.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	target := *addr
	if target == "" {
		fileCfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		target = fileCfg.ListenAddr()
	}

	status, err := queryHostStatus(target)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	writeHostStatusOutput(stdout, status)
	return 0
}

// writeHostStatusOutput renders human-readable host status output.
func writeHostStatusOutput(stdout io.Writer, status *server.StatusResponse) {
	fmt.Fprintf(stdout, "Host Status\n")
	fmt.Fprintf(stdout, "===========\n")
	fmt.Fprintf(stdout, "Listening:    %s\n", status.ListeningAddress)
	fmt.Fprintf(stdout, "Auth:         %v\n", status.RequireAuth)
	fmt.Fprintf(stdout, "Clients:      %d connected\n", status.ConnectedClients)
	fmt.Fprintf(stdout, "Session:      %s\n", status.SessionID)
	fmt.Fprintf(stdout, "Uptime:       %s\n", formatUptime(status.UptimeSeconds))
	if len(status.Functions) > 0 {
		fmt.Fprintf(stdout, "Functions:    %v\n", status.Functions)
	}
}

// queryHostStatus fetches /status from the host at addr.
func queryHostStatus(addr string) (*server.StatusResponse, error) {
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		return nil, fmt.Errorf("host is not running at %s (or not reachable)", addr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var status server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &status, nil
}

// formatUptime formats an uptime in seconds as a human-readable string.
// Examples: "45s", "5m 23s", "2h 15m", "3d 4h"
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
