package config

import "time"

// DefaultAddr is the default listen address for the backend host.
const DefaultAddr = "127.0.0.1:7749"

// DefaultDashboardURL is the manual alternative shown in degraded mode.
const DefaultDashboardURL = "https://app.lmkapp.dev"

const (
	DefaultSyncInterval = 2 * time.Second
	DefaultRPCTimeout   = 10 * time.Second
	DefaultAuthTimeout  = 300 * time.Second
)
