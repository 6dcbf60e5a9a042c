// Package config loads service configuration: defaults, then an optional JSON
// or YAML file, then environment variables. CLI flags are applied last by cmd/xtal.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Port          int    `json:"port,omitempty" yaml:"port,omitempty"`
	PublicBaseURL string `json:"public_base_url,omitempty" yaml:"public_base_url,omitempty"`
	LogLevel      string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Verbose       bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`

	KVBackend   string `json:"kv_backend,omitempty" yaml:"kv_backend,omitempty"` // memory, sqlite, postgres
	KVDSN       string `json:"kv_dsn,omitempty" yaml:"kv_dsn,omitempty"`
	DatabaseURL string `json:"database_url,omitempty" yaml:"database_url,omitempty"` // admin users

	GeminiAPIKey string `json:"gemini_api_key,omitempty" yaml:"gemini_api_key,omitempty"`

	Backend BackendConfig `json:"backend" yaml:"backend"`
	Grader  GraderConfig  `json:"grader" yaml:"grader"`
	Auth    AuthConfig    `json:"auth" yaml:"auth"`
}

// BackendConfig locates the search backend and its client-credentials grant.
type BackendConfig struct {
	URL          string   `json:"url,omitempty" yaml:"url,omitempty"`
	TokenURL     string   `json:"token_url,omitempty" yaml:"token_url,omitempty"`
	ClientID     string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// GraderConfig tunes the grader pipeline.
type GraderConfig struct {
	UseBrowser              bool `json:"use_browser,omitempty" yaml:"use_browser,omitempty"`
	StrictDetection         bool `json:"strict_detection,omitempty" yaml:"strict_detection,omitempty"`
	DetectionTimeoutSeconds int  `json:"detection_timeout_seconds,omitempty" yaml:"detection_timeout_seconds,omitempty"`
	QueryTimeoutSeconds     int  `json:"query_timeout_seconds,omitempty" yaml:"query_timeout_seconds,omitempty"`
	QueryIntervalMillis     int  `json:"query_interval_ms,omitempty" yaml:"query_interval_ms,omitempty"`
	LLMTimeoutSeconds       int  `json:"llm_timeout_seconds,omitempty" yaml:"llm_timeout_seconds,omitempty"`
	// AllowPrivateHosts permits grading stores on localhost or private networks (local development only).
	AllowPrivateHosts bool `json:"allow_private_hosts,omitempty" yaml:"allow_private_hosts,omitempty"`
}

// AuthConfig holds admin session and password hashing settings.
type AuthConfig struct {
	JWTSecret          string `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`
	JWTExpirationHours int    `json:"jwt_expiration_hours,omitempty" yaml:"jwt_expiration_hours,omitempty"`
	BcryptCost         int    `json:"bcrypt_cost,omitempty" yaml:"bcrypt_cost,omitempty"`
	PasswordPepper     string `json:"password_pepper,omitempty" yaml:"password_pepper,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:          8080,
		PublicBaseURL: "http://localhost:8080",
		LogLevel:      "info",
		KVBackend:     "memory",
		Grader: GraderConfig{
			DetectionTimeoutSeconds: 15,
			QueryTimeoutSeconds:     10,
			QueryIntervalMillis:     500,
			LLMTimeoutSeconds:       20,
		},
		Auth: AuthConfig{
			JWTExpirationHours: 24,
			BcryptCost:         12,
		},
	}
}

// Load builds the configuration from defaults, the file at path (if any) and
// the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.int("PORT", &c.Port)
	e.str("PUBLIC_BASE_URL", &c.PublicBaseURL)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("KV_BACKEND", &c.KVBackend)
	e.str("KV_DSN", &c.KVDSN)
	e.str("DATABASE_URL", &c.DatabaseURL)
	e.str("GEMINI_API_KEY", &c.GeminiAPIKey)

	e.str("XTAL_BACKEND_URL", &c.Backend.URL)
	e.str("XTAL_TOKEN_URL", &c.Backend.TokenURL)
	e.str("XTAL_CLIENT_ID", &c.Backend.ClientID)
	e.str("XTAL_CLIENT_SECRET", &c.Backend.ClientSecret)
	if v, ok := lookup("XTAL_SCOPES"); ok {
		c.Backend.Scopes = splitList(v)
	}

	e.bool("GRADER_USE_BROWSER", &c.Grader.UseBrowser)
	e.bool("GRADER_STRICT_DETECTION", &c.Grader.StrictDetection)
	e.bool("GRADER_ALLOW_PRIVATE_HOSTS", &c.Grader.AllowPrivateHosts)
	e.int("GRADER_DETECTION_TIMEOUT_SECONDS", &c.Grader.DetectionTimeoutSeconds)
	e.int("GRADER_QUERY_TIMEOUT_SECONDS", &c.Grader.QueryTimeoutSeconds)
	e.int("GRADER_QUERY_INTERVAL_MS", &c.Grader.QueryIntervalMillis)
	e.int("GRADER_LLM_TIMEOUT_SECONDS", &c.Grader.LLMTimeoutSeconds)

	e.str("JWT_SECRET", &c.Auth.JWTSecret)
	e.int("JWT_EXPIRATION_HOURS", &c.Auth.JWTExpirationHours)
	e.int("BCRYPT_COST", &c.Auth.BcryptCost)
	e.str("PASSWORD_PEPPER", &c.Auth.PasswordPepper)

	return e.err
}

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config error: port out of range: %d", c.Port)
	}
	switch c.KVBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.KVDSN == "" && c.DatabaseURL == "" {
			return fmt.Errorf("config error: kv_backend postgres requires kv_dsn or database_url")
		}
	default:
		return fmt.Errorf("config error: unknown kv_backend %q", c.KVBackend)
	}
	if c.Backend.ClientID != "" && c.Backend.TokenURL == "" {
		return fmt.Errorf("config error: XTAL_CLIENT_ID set without XTAL_TOKEN_URL")
	}
	if c.Grader.QueryTimeoutSeconds < 1 || c.Grader.DetectionTimeoutSeconds < 1 || c.Grader.LLMTimeoutSeconds < 1 {
		return fmt.Errorf("config error: grader timeouts must be at least 1 second")
	}
	if c.Grader.QueryIntervalMillis < 0 {
		return fmt.Errorf("config error: query_interval_ms must be non-negative")
	}
	return nil
}

// KVDataSource returns the DSN for the KV backend, falling back to DatabaseURL for postgres.
func (c *Config) KVDataSource() string {
	if c.KVDSN == "" && c.KVBackend == "postgres" {
		return c.DatabaseURL
	}
	return c.KVDSN
}

// DetectionTimeout is the storefront fetch timeout.
func (g GraderConfig) DetectionTimeout() time.Duration {
	return time.Duration(g.DetectionTimeoutSeconds) * time.Second
}

// QueryTimeout is the per-query search timeout.
func (g GraderConfig) QueryTimeout() time.Duration {
	return time.Duration(g.QueryTimeoutSeconds) * time.Second
}

// QueryInterval is the minimum spacing between queries to one store.
func (g GraderConfig) QueryInterval() time.Duration {
	return time.Duration(g.QueryIntervalMillis) * time.Millisecond
}

// LLMTimeout bounds one model call.
func (g GraderConfig) LLMTimeout() time.Duration {
	return time.Duration(g.LLMTimeoutSeconds) * time.Second
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) int(name string, dst *int) {
	v, ok := e.lookup(name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("invalid %s: %v", name, err)
		}
		return
	}
	*dst = n
}

func (e *envReader) bool(name string, dst *bool) {
	v, ok := e.lookup(name)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("invalid %s: %v", name, err)
		}
		return
	}
	*dst = b
}

func splitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return nil
	}
	return fields
}
