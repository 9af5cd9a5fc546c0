package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `lmk - get notified when long-running notebook cells and commands finish

Usage:
  lmk <command> [options]

Commands:
  init                    Write a starter config to ~/.lmk/config.toml
  host start              Start the backend host
  host status             Show backend host status
  widget status           Show the shared widget state
  widget auth             Authenticate the backend (prints a link and QR code)
  widget monitor <mode>   Set what to notify on: none, error or stop
  widget channel [id]     Select a notification channel (no id: account default)
  widget channels         Refresh and list notification channels
  widget watch            Follow state changes until interrupted
  run [options] -- <cmd>  Run a command and notify when it finishes
  discover                Find backend hosts on the local network
  version                 Print the version
Run 'lmk <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "host":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: lmk host <start|status>")
			return 1
		}
		switch args[2] {
		case "start":
			return runHostStart(args[3:], stdout, stderr)
		case "status":
			return runHostStatus(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown host command: %s\n", args[2])
			return 1
		}
	case "widget":
		return runWidget(args[2:], stdout, stderr)
	case "run":
		return runMonitored(args[2:], stdout, stderr)
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "lmk %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
