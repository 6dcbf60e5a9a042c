package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.KVBackend)
	assert.Equal(t, 10, cfg.Grader.QueryTimeoutSeconds)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xtal.yaml")
	content := `
port: 9090
kv_backend: sqlite
kv_dsn: /tmp/xtal.db
backend:
  url: https://api.xtal.example
  scopes: [search, admin]
grader:
  strict_detection: true
  query_interval_ms: 250
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := Default()
	require.NoError(t, cfg.loadFile(path))

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "sqlite", cfg.KVBackend)
	assert.Equal(t, "https://api.xtal.example", cfg.Backend.URL)
	assert.Equal(t, []string{"search", "admin"}, cfg.Backend.Scopes)
	assert.True(t, cfg.Grader.StrictDetection)
	assert.Equal(t, 250, cfg.Grader.QueryIntervalMillis)
	// untouched defaults survive
	assert.Equal(t, 10, cfg.Grader.QueryTimeoutSeconds)
}

func TestLoad_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xtal.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 7000, "grader": {"use_browser": true}}`), 0o600))

	cfg := Default()
	require.NoError(t, cfg.loadFile(path))
	assert.Equal(t, 7000, cfg.Port)
	assert.True(t, cfg.Grader.UseBrowser)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestApplyEnv_OverridesFile(t *testing.T) {
	cfg := Default()
	cfg.Port = 9090

	err := cfg.ApplyEnv(envMap(map[string]string{
		"PORT":                       "8181",
		"XTAL_BACKEND_URL":           "https://backend.example",
		"XTAL_SCOPES":                "search, events",
		"GRADER_STRICT_DETECTION":    "true",
		"GRADER_ALLOW_PRIVATE_HOSTS": "true",
		"JWT_SECRET":                 "0123456789abcdef",
	}))

	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Port)
	assert.Equal(t, "https://backend.example", cfg.Backend.URL)
	assert.Equal(t, []string{"search", "events"}, cfg.Backend.Scopes)
	assert.True(t, cfg.Grader.StrictDetection)
	assert.True(t, cfg.Grader.AllowPrivateHosts)
	assert.False(t, Default().Grader.AllowPrivateHosts, "private hosts are refused by default")
	assert.Equal(t, "0123456789abcdef", cfg.Auth.JWTSecret)
}

func TestApplyEnv_InvalidNumber(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{"PORT": "eighty"}))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Port = 0 }, "port"},
		{"unknown backend", func(c *Config) { c.KVBackend = "redis" }, "kv_backend"},
		{"postgres without dsn", func(c *Config) { c.KVBackend = "postgres" }, "requires"},
		{"client id without token url", func(c *Config) { c.Backend.ClientID = "abc" }, "XTAL_TOKEN_URL"},
		{"zero timeout", func(c *Config) { c.Grader.QueryTimeoutSeconds = 0 }, "timeouts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestKVDataSource_FallsBackToDatabaseURL(t *testing.T) {
	cfg := Default()
	cfg.KVBackend = "postgres"
	cfg.DatabaseURL = "postgres://localhost/xtal"
	assert.Equal(t, "postgres://localhost/xtal", cfg.KVDataSource())
	require.NoError(t, cfg.Validate())
}
