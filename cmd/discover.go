package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/lmkapp/lmk/internal/mdns"
)

func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)
	timeout := fs.Duration("timeout", 3*time.Second, "How long to browse for hosts")
	asJSON := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lmk discover [options]\n\nFind lmk backend hosts advertised with mDNS.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if *timeout <= 0 {
		fmt.Fprintln(stderr, "Error: --timeout must be positive")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	hosts, err := mdns.Discover(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return writeDiscovered(stdout, hosts, *asJSON)
}

type discoveredJSON struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Version   string `json:"version,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Notebook  string `json:"notebook,omitempty"`
}

func writeDiscovered(w io.Writer, hosts []mdns.DiscoveredHost, asJSON bool) int {
	if asJSON {
		out := make([]discoveredJSON, 0, len(hosts))
		for _, h := range hosts {
			out = append(out, discoveredJSON{
				Name:      h.Name,
				URL:       h.URL(),
				Version:   h.Version,
				SessionID: h.SessionID,
				Notebook:  h.Notebook,
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return 1
		}
		return 0
	}

	if len(hosts) == 0 {
		fmt.Fprintln(w, "No lmk hosts found.")
		return 0
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tNOTEBOOK\tSESSION")
	for _, h := range hosts {
		notebook := h.Notebook
		if notebook == "" {
			notebook = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.Name, h.URL(), notebook, h.SessionID)
	}
	tw.Flush()
	return 0
}
