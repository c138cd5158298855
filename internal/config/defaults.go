package config

import "time"

const (
	DefaultProxyAddr       = "127.0.0.1:8888"
	DefaultDNSAddr         = "127.0.0.1:5353"
	DefaultAdminAddr       = "127.0.0.1:8080"
	DefaultApprovalTimeout = 5 * time.Minute
	DefaultUpstreamDNS     = "1.1.1.1:53"
)

// DefaultDataDir returns the default state directory path.
func DefaultDataDir() string {
	return "~/.aegis"
}
