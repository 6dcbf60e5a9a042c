package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxy_RelaysBackendResponse(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/xtal/search", map[string]any{"query": "boots", "collection": "demo"}, "")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"path":"/api/search"}`, w.Body.String())
	timing := w.Header().Get("Server-Timing")
	assert.Contains(t, timing, "enrich;dur=")
	assert.Contains(t, timing, "backend;dur=")
	assert.NotContains(t, timing, "token;", "no credentials means no token phase")
}

func TestProxy_NestedEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/xtal/feedback/relevance", map[string]any{"query": "boots", "relevant": false}, "")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"path":"/api/feedback/relevance"}`, w.Body.String())
}

func TestProxy_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/xtal/unknown", map[string]any{}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/xtal/search", "[1,2,3]", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/xtal/search", strings.Repeat("x", 3<<20), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "request body too large", decodeBody[map[string]string](t, w)["error"])

	w = env.do(t, http.MethodGet, "/api/xtal/search", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestProxy_NotConfigured(t *testing.T) {
	env := newTestEnv(t, nil, func(d *Deps) { d.Proxy = nil })

	w := env.do(t, http.MethodPost, "/api/xtal/search", map[string]any{"query": "boots"}, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
