// Package mdns advertises a running backend host on the local network and
// finds hosts advertised by others, so `lmk widget` and `lmk run` can
// connect without a configured URL.
//
// The advertisement uses DNS-SD service type _lmk._tcp with TXT records for
// the protocol version, the host name, and the session and notebook the host
// is monitoring. Advertising is opt-in.
package mdns

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type for lmk hosts.
const ServiceType = "_lmk._tcp"

// ProtocolVersion is the frame protocol version advertised in TXT records.
const ProtocolVersion = "1"

// Config holds the advertised details.
type Config struct {
	// Port is the host's listen port.
	Port int

	// Name is the instance name. Defaults to the system hostname.
	Name string

	// SessionID and Notebook describe what the host is monitoring.
	SessionID string
	Notebook  string
}

// Advertiser manages the DNS-SD registration.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an advertiser for cfg.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

// Start registers the service. Calling it while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.Name
	if name == "" {
		if hostname, err := os.Hostname(); err == nil {
			name = hostname
		} else {
			name = "lmk"
		}
	}

	server, err := zeroconf.Register(name, ServiceType, "local.", a.config.Port, a.txtRecords(name), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	return nil
}

// txtRecords builds the TXT strings. DNS limits each to 255 bytes, so the
// notebook name is truncated.
func (a *Advertiser) txtRecords(name string) []string {
	txt := []string{
		"version=" + ProtocolVersion,
		"name=" + name,
	}
	if a.config.SessionID != "" {
		txt = append(txt, "session="+a.config.SessionID)
	}
	if nb := a.config.Notebook; nb != "" {
		const limit = 255 - len("notebook=")
		if len(nb) > limit {
			nb = nb[:limit]
		}
		txt = append(txt, "notebook="+nb)
	}
	return txt
}

// Stop unregisters the service. Safe to call repeatedly or before Start.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredHost is a host found on the network.
type DiscoveredHost struct {
	Name      string
	Host      string
	Port      int
	Version   string
	SessionID string
	Notebook  string
}

// URL returns the host's HTTP base URL.
func (h DiscoveredHost) URL() string {
	return "http://" + net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// hostFromEntry converts a resolved entry, preferring IPv4.
func hostFromEntry(entry *zeroconf.ServiceEntry) DiscoveredHost {
	host := DiscoveredHost{
		Name: entry.Instance,
		Port: entry.Port,
	}
	if len(entry.AddrIPv4) > 0 {
		host.Host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host.Host = entry.AddrIPv6[0].String()
	}

	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			host.Version = value
		case "name":
			host.Name = value
		case "session":
			host.SessionID = value
		case "notebook":
			host.Notebook = value
		}
	}
	return host
}

// Discover browses until ctx is done and returns every host seen.
func Discover(ctx context.Context) ([]DiscoveredHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []DiscoveredHost
		wg    sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			hosts = append(hosts, hostFromEntry(entry))
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes entries once ctx is done.
	<-ctx.Done()
	wg.Wait()

	return hosts, nil
}
