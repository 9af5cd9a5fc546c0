package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/lmkapp/lmk/internal/keepawake"
	runner "github.com/lmkapp/lmk/internal/run"
	"github.com/lmkapp/lmk/internal/state"
)

// notificationWait bounds how long `lmk run` waits to report the outcome of
// the notification its command triggered.
const notificationWait = 15 * time.Second

func runMonitored(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &hostOptions{}
	opts.register(fs)
	notifyOn := fs.String("notify-on", "", "Notify on none, error or stop (default: notify_on from config, then stop)")
	channel := fs.String("channel", "", "Notification channel id (default: current selection)")
	keepAwake := fs.Bool("keep-awake", false, "Keep the machine from sleeping while the command runs")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lmk run [options] -- <command> [args...]\n\nRun a command under a terminal and notify when it finishes.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "Error: a command is required")
		fs.Usage()
		return 1
	}

	ctx := context.Background()
	cfg := runner.Config{
		Command: fs.Arg(0),
		Args:    fs.Args()[1:],
		Output:  stdout,
	}
	if f, ok := stdout.(*os.File); ok && isTerminal(f) {
		cfg.Size = runner.TerminalSize(f)
	}

	wc, fileCfg, err := openWidget(ctx, opts, clientOptions{})
	if err != nil {
		fmt.Fprintf(stderr, "Warning: running without notifications: %v\n", err)
	}

	mode := ""
	sentBefore := 0
	if wc != nil {
		defer wc.Close()

		mode = *notifyOn
		if mode == "" {
			mode = fileCfg.MonitorOn()
		}
		if err := wc.rt.Monitoring.Set(ctx, mode); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if *channel != "" {
			id := *channel
			if err := wc.rt.Channels.Select(ctx, &id); err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
		}
		if err := wc.flush(ctx); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		sentBefore = len(sentNotifications(wc.rt.Store))
		cfg.Reporter = wc.rt.Correlator
	}

	if *keepAwake {
		in, err := keepawake.Acquire(keepawake.Options{Why: "lmk run " + cfg.Command})
		if err != nil {
			fmt.Fprintf(stderr, "Warning: keep-awake unavailable: %v\n", err)
		} else {
			defer releaseInhibitor(in)
		}
	}

	res, err := runner.Run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 127
	}

	if wc != nil && expectNotification(wc.rt.Store, mode, res.State) {
		reportNotification(wc.rt.Store, sentBefore, stderr)
	}

	if res.ExitCode < 0 {
		return 1
	}
	return res.ExitCode
}

// expectNotification reports whether the backend decided to notify: it
// resets monitoring to none once an execution passes the notification
// gates.
func expectNotification(store *state.Store, mode, cellState string) bool {
	if mon, _ := store.String(state.FieldMonitoringState); mon != state.MonitorNone {
		return false
	}
	return mode == state.MonitorStop || (mode == state.MonitorError && cellState == state.CellError)
}

// reportNotification waits for a new sent_notifications entry and prints
// whether it was delivered.
func reportNotification(store *state.Store, before int, w io.Writer) {
	ctx, cancel := context.WithTimeout(context.Background(), notificationWait)
	defer cancel()

	v, err := waitField(ctx, store, state.FieldSentNotifications, func(v any) bool {
		list, _ := v.([]any)
		return len(list) > before
	})
	if err != nil {
		fmt.Fprintln(w, "lmk: notification outcome unknown")
		return
	}
	list, _ := v.([]any)
	entry, _ := list[len(list)-1].(map[string]any)
	if delivered, _ := entry["delivered"].(bool); delivered {
		fmt.Fprintln(w, "lmk: notification sent")
		return
	}
	fmt.Fprintf(w, "lmk: notification failed: %v\n", entry["error"])
}

func sentNotifications(store *state.Store) []any {
	list, _ := store.Get(state.FieldSentNotifications).([]any)
	return list
}

func releaseInhibitor(in *keepawake.Inhibitor) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := in.Release(ctx); err != nil {
		log.Printf("run: %v", err)
	}
}
