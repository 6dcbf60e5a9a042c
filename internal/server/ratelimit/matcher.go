package ratelimit

import (
	"net/http"
	"strings"
)

// exempt reports whether a request never counts against any bucket.
func exempt(path, method string) bool {
	if method == http.MethodOptions {
		return true
	}
	return path == "/health" && method == http.MethodGet
}

// MatchEndpoint returns the most specific EndpointConfig for a request, or nil
// when only the default limit applies. Exempt requests get an empty config,
// which means unlimited.
//
// A config Path ending in "/" matches by prefix and the longest prefix wins.
// An empty Method matches any method.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if exempt(path, method) {
		return &EndpointConfig{}
	}

	var best *EndpointConfig
	for i := range configs {
		c := &configs[i]
		if c.Method != "" && c.Method != method {
			continue
		}
		if c.Path == path {
			if c.Method != "" {
				return c
			}
			best = c
			continue
		}
		if !strings.HasSuffix(c.Path, "/") || !strings.HasPrefix(path, c.Path) {
			continue
		}
		if best == nil || (best.Path != path && len(c.Path) > len(best.Path)) {
			best = c
		}
	}
	return best
}
