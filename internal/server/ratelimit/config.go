package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Exact path, prefix ending in "/", or a named bucket
	Method string        // Empty matches any method
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// LoadConfig loads rate limiting configuration from environment variables.
func LoadConfig() *Config {
	if !getEnvBool("RATE_LIMIT_ENABLED", true) {
		return &Config{Enabled: false}
	}
	return &Config{
		Enabled:         true,
		DefaultLimit:    getEnvInt("RATE_LIMIT_DEFAULT_LIMIT", 1000),
		DefaultWindow:   getEnvDuration("RATE_LIMIT_DEFAULT_WINDOW", time.Minute),
		CleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		IdleTTL:         getEnvDuration("RATE_LIMIT_IDLE_TTL", time.Hour),
		Whitelist:       parseIPList(getEnvString("RATE_LIMIT_WHITELIST", "")),
		Blacklist:       parseIPList(getEnvString("RATE_LIMIT_BLACKLIST", "")),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// GraderWebEndpoint is the bucket name for graders started from the public
// web form. It is checked by the analyze handler, not by path.
const GraderWebEndpoint = "grader:web"

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Public grader runs are expensive: model calls plus a crawl of a third-party store
		{
			Path:   GraderWebEndpoint,
			Method: "POST",
			Limit:  getEnvInt("RATE_LIMIT_GRADER_PER_HOUR", 10),
			Window: time.Hour,
			Burst:  getEnvInt("RATE_LIMIT_GRADER_BURST", 3),
		},

		{Path: "/api/admin/login", Method: "POST", Limit: 10, Window: time.Minute, Burst: 5},
		{Path: "/api/grader/report/", Method: "POST", Limit: 30, Window: time.Minute, Burst: 5},

		// Storefront widget traffic
		{Path: "/api/xtal/", Method: "POST", Limit: 600, Window: time.Minute, Burst: 60},

		// Share pages and PDFs fall through to the default limit.
	}
}

// env reads key with parse, falling back to def when unset or malformed.
func env[T any](key string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func getEnvString(key, def string) string {
	return env(key, def, func(s string) (string, error) { return s, nil })
}

func getEnvInt(key string, def int) int { return env(key, def, strconv.Atoi) }

func getEnvBool(key string, def bool) bool { return env(key, def, strconv.ParseBool) }

func getEnvDuration(key string, def time.Duration) time.Duration {
	return env(key, def, time.ParseDuration)
}

// parseIPList parses a comma-separated list of IP addresses into a map.
func parseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	for _, ip := range strings.Split(list, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			result[ip] = true
		}
	}
	return result
}
