package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/lmkapp/lmk/internal/auth"
	"github.com/lmkapp/lmk/internal/config"
	"github.com/lmkapp/lmk/internal/hostcap"
	"github.com/lmkapp/lmk/internal/mdns"
	"github.com/lmkapp/lmk/internal/mirror"
	"github.com/lmkapp/lmk/internal/state"
	"github.com/lmkapp/lmk/internal/syncloop"
	"github.com/lmkapp/lmk/internal/transport"
	"github.com/lmkapp/lmk/internal/widget"
)

// connectTimeout bounds dialing plus the initial state snapshot.
const connectTimeout = 10 * time.Second

// hostOptions are the connection flags shared by front-end commands.
type hostOptions struct {
	Config   string
	URL      string
	Token    string
	Discover bool
}

func (o *hostOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.Config, "config", "", "Path to config file (default: ~/.lmk/config.toml)")
	fs.StringVar(&o.URL, "url", "", "Backend host URL (default: host_url from config)")
	fs.StringVar(&o.Token, "token", "", "Bearer token for hosts started with --require-auth (default: stored credentials)")
	fs.BoolVar(&o.Discover, "discover", false, "Find the host with mDNS instead of using the configured URL")
}

// resolve loads the config and picks the host URL: --url, then mDNS when
// asked, then the config.
func (o *hostOptions) resolve(ctx context.Context) (*config.Config, string, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, "", err
	}
	if o.URL != "" {
		return cfg, strings.TrimRight(o.URL, "/"), nil
	}
	if o.Discover {
		dctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		hosts, err := mdns.Discover(dctx)
		if err != nil {
			return nil, "", err
		}
		if len(hosts) == 0 {
			return nil, "", fmt.Errorf("no lmk hosts found on the local network")
		}
		return cfg, hosts[0].URL(), nil
	}
	return cfg, strings.TrimRight(cfg.BaseURL(), "/"), nil
}

// token returns --token or the stored backend credentials.
func (o *hostOptions) token(cfg *config.Config) string {
	if o.Token != "" {
		return o.Token
	}
	path, err := cfg.Credentials()
	if err != nil {
		return ""
	}
	tok, _ := auth.NewCredentials(path).Load()
	return tok
}

// wsURL maps an http(s) base URL to the host's WebSocket endpoint.
func wsURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return "ws://" + baseURL + "/ws"
	}
}

// widgetClient is a connected front-end runtime.
type widgetClient struct {
	rt   *widget.Runtime
	conn *transport.Conn
}

type clientOptions struct {
	OnDegraded func(syncloop.Status)
}

// connectWidget dials the host, resolves its invoke capability, starts a
// runtime and waits for the initial state snapshot.
func connectWidget(ctx context.Context, cfg *config.Config, baseURL, token string, opts clientOptions) (*widgetClient, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := transport.Dial(ctx, wsURL(baseURL), transport.DialOptions{Token: token})
	if err != nil {
		return nil, err
	}
	wc := &widgetClient{conn: conn}

	invoker := hostcap.Resolve(ctx, baseURL, hostcap.WithSession(wc.sessionID))
	rt, err := widget.New(widget.Config{
		Channel:         conn,
		Invoker:         invoker,
		Mirror:          mirror.NewClient(nil),
		SyncInterval:    cfg.SyncInterval(),
		SendTimeout:     cfg.SendTimeout(),
		ResponseTimeout: cfg.ResponseTimeout(),
		DashboardURL:    cfg.Dashboard(),
		OnDegraded:      opts.OnDegraded,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	wc.rt = rt
	rt.Start()

	if _, err := waitField(ctx, rt.Store, state.FieldSession, func(v any) bool { return v != nil }); err != nil {
		wc.Close()
		return nil, fmt.Errorf("no state from host at %s: %w", baseURL, err)
	}
	return wc, nil
}

func (w *widgetClient) sessionID() string {
	if w.rt == nil {
		return ""
	}
	m, _ := w.rt.Store.Get(state.FieldSession).(map[string]any)
	id, _ := m["sessionId"].(string)
	return id
}

// flush waits until local writes are queued on the connection.
func (w *widgetClient) flush(ctx context.Context) error {
	return w.rt.Store.Flush(ctx)
}

// Close stops the runtime and then the connection, which writes anything
// still queued.
func (w *widgetClient) Close() {
	if w.rt != nil {
		w.rt.Close()
	}
	w.conn.Close()
}

// waitField blocks until pred accepts field's value, checking the current
// value first.
func waitField(ctx context.Context, store *state.Store, field state.Field, pred func(any) bool) (any, error) {
	ch := make(chan any, 1)
	unsub := store.Subscribe(field, func(v any) {
		if pred(v) {
			select {
			case ch <- v:
			default:
			}
		}
	})
	defer unsub()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runWidget(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stdout, "Usage: lmk widget <command>")
		fmt.Fprintln(stdout, "")
		fmt.Fprintln(stdout, "Commands:")
		fmt.Fprintln(stdout, "  status     Show the shared widget state")
		fmt.Fprintln(stdout, "  auth       Authenticate the backend")
		fmt.Fprintln(stdout, "  monitor    Set what to notify on")
		fmt.Fprintln(stdout, "  channel    Select a notification channel")
		fmt.Fprintln(stdout, "  channels   Refresh and list notification channels")
		fmt.Fprintln(stdout, "  watch      Follow state changes")
		return 1
	}

	switch args[0] {
	case "status":
		return runWidgetStatus(args[1:], stdout, stderr)
	case "auth":
		return runWidgetAuth(args[1:], stdout, stderr)
	case "monitor":
		return runWidgetMonitor(args[1:], stdout, stderr)
	case "channel":
		return runWidgetChannel(args[1:], stdout, stderr)
	case "channels":
		return runWidgetChannels(args[1:], stdout, stderr)
	case "watch":
		return runWidgetWatch(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stdout, "Unknown widget command: %s\n", args[0])
		return 1
	}
}

// parseWidgetFlags parses the shared flags plus any extra ones. It returns
// ok=false with the exit code when the command should stop.
func parseWidgetFlags(fs *flag.FlagSet, opts *hostOptions, args []string, usageLine string, stderr io.Writer) (code int, ok bool) {
	fs.SetOutput(stderr)
	opts.register(fs)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s\n\nOptions:\n", usageLine)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 1, false
	}
	return 0, true
}

// openWidget resolves the host and connects.
func openWidget(ctx context.Context, opts *hostOptions, copts clientOptions) (*widgetClient, *config.Config, error) {
	cfg, baseURL, err := opts.resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	wc, err := connectWidget(ctx, cfg, baseURL, opts.token(cfg), copts)
	if err != nil {
		return nil, nil, err
	}
	return wc, cfg, nil
}

func runWidgetStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("widget status", flag.ContinueOnError)
	opts := &hostOptions{}
	asJSON := fs.Bool("json", false, "Print the full state as JSON")
	if code, ok := parseWidgetFlags(fs, opts, args, "lmk widget status [options]", stderr); !ok {
		return code
	}

	wc, _, err := openWidget(context.Background(), opts, clientOptions{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer wc.Close()

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(wc.rt.Store.Snapshot()); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	writeWidgetStatus(stdout, wc.rt)
	return 0
}

// writeWidgetStatus renders the human-readable widget summary.
func writeWidgetStatus(w io.Writer, rt *widget.Runtime) {
	s := rt.Store
	str := func(f state.Field) string {
		v, ok := s.String(f)
		if !ok || v == "" {
			return "-"
		}
		return v
	}

	fmt.Fprintf(w, "Widget Status\n")
	fmt.Fprintf(w, "=============\n")
	fmt.Fprintf(w, "Notebook:     %s\n", str(state.FieldNotebookName))
	fmt.Fprintf(w, "Auth:         %s\n", rt.Auth.State())
	if url := rt.Auth.AuthURL(); url != "" {
		fmt.Fprintf(w, "Auth URL:     %s\n", url)
	}
	if err := rt.Auth.Err(); err != nil {
		fmt.Fprintf(w, "Auth Error:   %v\n", err)
	}
	fmt.Fprintf(w, "Monitoring:   %s\n", rt.Monitoring.State())
	channel := rt.Channels.Selected()
	if channel == "" {
		channel = "(account default)"
	}
	fmt.Fprintf(w, "Channel:      %s\n", channel)
	fmt.Fprintf(w, "Kernel:       %s\n", str(state.FieldJupyterState))
	if n, ok := s.Int(state.FieldExecutionNum); ok {
		fmt.Fprintf(w, "Execution:    [%d] %s\n", n, str(state.FieldCellState))
	}
	if e := str(state.FieldCellError); e != "-" {
		fmt.Fprintf(w, "Cell Error:   %s\n", e)
	}
	sent, _ := s.Get(state.FieldSentNotifications).([]any)
	fmt.Fprintf(w, "Notified:     %d\n", len(sent))
	if notice := rt.Notice(); notice != "" {
		fmt.Fprintf(w, "\n%s\n", notice)
	}
}

func runWidgetAuth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("widget auth", flag.ContinueOnError)
	opts := &hostOptions{}
	force := fs.Bool("force", false, "Discard any stored token and start a fresh flow")
	noQR := fs.Bool("no-qr", false, "Print only the link, without a QR code")
	if code, ok := parseWidgetFlags(fs, opts, args, "lmk widget auth [options]", stderr); !ok {
		return code
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wc, cfg, err := openWidget(ctx, opts, clientOptions{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer wc.Close()

	rt := wc.rt
	if rt.Auth.State() == state.AuthAuthenticated && !*force {
		fmt.Fprintln(stdout, "Already authenticated.")
		return 0
	}

	rt.Auth.OnAuthURL(func(url string) {
		if *noQR || !isTerminal(stdout) {
			fmt.Fprintf(stdout, "Open this link to authorize lmk:\n  %s\n", url)
			return
		}
		DisplayAuthURL(stdout, url)
	})

	if err := rt.Auth.Initiate(ctx, *force); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	wctx, cancel := context.WithTimeout(ctx, cfg.AuthTimeout()+5*time.Second)
	defer cancel()
	_, err = waitField(wctx, rt.Store, state.FieldAuthState, func(v any) bool {
		return v == state.AuthAuthenticated || v == state.AuthError
	})
	if err != nil {
		cctx, ccancel := context.WithTimeout(context.Background(), cfg.SendTimeout()+cfg.ResponseTimeout())
		defer ccancel()
		if cerr := rt.Auth.Cancel(cctx); cerr != nil {
			fmt.Fprintf(stderr, "Warning: cancel failed: %v\n", cerr)
		}
		fmt.Fprintln(stderr, "Authentication cancelled.")
		return 1
	}

	if rt.Auth.State() != state.AuthAuthenticated {
		fmt.Fprintf(stderr, "Authentication failed: %v\n", rt.Auth.Err())
		return 1
	}
	fmt.Fprintln(stdout, "Authenticated.")
	return 0
}

func runWidgetMonitor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("widget monitor", flag.ContinueOnError)
	opts := &hostOptions{}
	if code, ok := parseWidgetFlags(fs, opts, args, "lmk widget monitor [options] <none|error|stop>", stderr); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: monitoring mode is required (none, error or stop)")
		return 1
	}
	mode := fs.Arg(0)
	switch mode {
	case state.MonitorNone, state.MonitorError, state.MonitorStop:
	default:
		fmt.Fprintf(stderr, "Error: unknown monitoring mode %q (want none, error or stop)\n", mode)
		return 1
	}

	ctx := context.Background()
	wc, _, err := openWidget(ctx, opts, clientOptions{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer wc.Close()

	if err := wc.rt.Monitoring.Set(ctx, mode); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := wc.flush(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Monitoring set to %s\n", mode)
	return 0
}

func runWidgetChannel(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("widget channel", flag.ContinueOnError)
	opts := &hostOptions{}
	if code, ok := parseWidgetFlags(fs, opts, args, "lmk widget channel [options] [channel-id]", stderr); !ok {
		return code
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(stderr, "Error: at most one channel id")
		return 1
	}

	ctx := context.Background()
	wc, _, err := openWidget(ctx, opts, clientOptions{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer wc.Close()

	var id *string
	if fs.NArg() == 1 {
		v := fs.Arg(0)
		id = &v
	}
	if err := wc.rt.Channels.Select(ctx, id); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := wc.flush(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if id == nil {
		fmt.Fprintln(stdout, "Using the account default channel")
	} else {
		fmt.Fprintf(stdout, "Channel set to %s\n", *id)
	}
	return 0
}

func runWidgetChannels(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("widget channels", flag.ContinueOnError)
	opts := &hostOptions{}
	if code, ok := parseWidgetFlags(fs, opts, args, "lmk widget channels [options]", stderr); !ok {
		return code
	}

	ctx := context.Background()
	wc, _, err := openWidget(ctx, opts, clientOptions{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer wc.Close()

	if err := wc.rt.Channels.Refresh(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	switch st := wc.rt.Channels.State(); st {
	case state.ChannelsForbidden:
		fmt.Fprintln(stderr, "Not authenticated; run 'lmk widget auth' first.")
		return 1
	case state.ChannelsError:
		fmt.Fprintln(stderr, "Error: the host could not load channels")
		return 1
	}

	channels := wc.rt.Channels.Channels()
	if len(channels) == 0 {
		fmt.Fprintln(stdout, "No channels configured.")
		return 0
	}
	selected := wc.rt.Channels.Selected()
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tNAME\tSELECTED")
	for _, ch := range channels {
		mark := ""
		if ch.ID == selected {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ch.ID, ch.Type, ch.Name, mark)
	}
	tw.Flush()
	return 0
}

func runWidgetWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("widget watch", flag.ContinueOnError)
	opts := &hostOptions{}
	if code, ok := parseWidgetFlags(fs, opts, args, "lmk widget watch [options]", stderr); !ok {
		return code
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	changes := make(chan string, 64)
	degraded := make(chan struct{}, 1)
	wc, _, err := openWidget(ctx, opts, clientOptions{
		OnDegraded: func(syncloop.Status) {
			select {
			case degraded <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer wc.Close()

	fields := append([]state.Field(nil), state.Fields...)
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	for _, f := range fields {
		field := f
		var replayed atomic.Bool
		unsub := wc.rt.Store.Subscribe(field, func(v any) {
			// Subscribe replays the current value; only report changes.
			if replayed.CompareAndSwap(false, true) {
				return
			}
			select {
			case changes <- formatChange(field, v):
			default:
			}
		})
		defer unsub()
	}

	fmt.Fprintf(stdout, "Watching session %s (Ctrl-C to stop)\n", wc.sessionID())
	for {
		select {
		case line := <-changes:
			fmt.Fprintln(stdout, line)
		case <-degraded:
			fmt.Fprintln(stdout, wc.rt.Notice())
		case <-wc.conn.Done():
			fmt.Fprintln(stderr, "Connection to host closed.")
			return 1
		case <-ctx.Done():
			return 0
		}
	}
}

func formatChange(field state.Field, v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%s = %v", field, v)
	}
	return fmt.Sprintf("%s = %s", field, data)
}
