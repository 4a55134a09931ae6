package ratelimit

import (
	"net/http"
	"strings"
)

// unlimitedPaths are never throttled. The callback path is called by the
// workflow engine, which may post many progress updates per run.
var unlimitedPaths = map[string]string{
	"/health":                http.MethodGet,
	"/api/webhooks/callback": http.MethodPost,
}

// MatchEndpoint matches a request path and method to an endpoint configuration.
// Returns the matching EndpointConfig or nil if no match is found. An exact path
// wins over a prefix rule ("/api/sources/" matches "/api/sources/{id}").
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if m, ok := unlimitedPaths[path]; ok && m == method {
		return &EndpointConfig{Path: path, Method: method}
	}

	for i := range configs {
		config := &configs[i]
		if config.Path == path && config.Method == method {
			return config
		}
	}

	for i := range configs {
		config := &configs[i]
		if config.Method == method && strings.HasSuffix(config.Path, "/") && strings.HasPrefix(path, config.Path) {
			return config
		}
	}
	return nil
}
