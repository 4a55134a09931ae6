package ratelimit

import (
	"net/http"
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Endpoint path; a trailing "/" matches by prefix
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// key identifies the bucket family shared by every path the rule matches.
func (c *EndpointConfig) key() string {
	return c.Method + " " + c.Path
}

// NewConfig builds a limiter configuration with the default endpoint rules.
// whitelist and blacklist are client IPs; blank entries are ignored.
func NewConfig(enabled bool, defaultLimit int, defaultWindow, cleanupInterval time.Duration, whitelist, blacklist []string) *Config {
	if !enabled {
		return &Config{Enabled: false}
	}
	return &Config{
		Enabled:         true,
		DefaultLimit:    defaultLimit,
		DefaultWindow:   defaultWindow,
		CleanupInterval: cleanupInterval,
		Whitelist:       ipSet(whitelist),
		Blacklist:       ipSet(blacklist),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Each trigger dispatches a workflow run.
		{Path: "/api/runs/trigger", Method: http.MethodPost, Limit: 20, Window: time.Hour, Burst: 5},

		// Credentials.
		{Path: "/api/auth/login", Method: http.MethodPost, Limit: 10, Window: time.Minute, Burst: 5},
		{Path: "/api/auth/register", Method: http.MethodPost, Limit: 5, Window: time.Minute, Burst: 5},
		{Path: "/api/users/me/password", Method: http.MethodPut, Limit: 5, Window: time.Minute, Burst: 5},

		// Subscribing fetches the feed.
		{Path: "/api/sources", Method: http.MethodPost, Limit: 60, Window: time.Minute, Burst: 10},
		{Path: "/api/sources/", Method: http.MethodPatch, Limit: 100, Window: time.Minute, Burst: 10},
		{Path: "/api/sources/", Method: http.MethodDelete, Limit: 100, Window: time.Minute, Burst: 10},

		// Admin password resets and bulk imports.
		{Path: "/api/admin/users/", Method: http.MethodPost, Limit: 10, Window: time.Minute, Burst: 5},
		{Path: "/api/admin/sources/import", Method: http.MethodPost, Limit: 10, Window: time.Minute, Burst: 2},

		// Reads use the default limit. Health and engine callbacks are unlimited,
		// see MatchEndpoint.
	}
}

// ipSet turns a list of IP addresses into a lookup map.
func ipSet(ips []string) map[string]bool {
	result := make(map[string]bool, len(ips))
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			result[ip] = true
		}
	}
	return result
}
