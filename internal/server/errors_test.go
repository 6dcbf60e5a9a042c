package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xtalsearch/xtal-web/internal/apperr"
)

func newObservedServer() (*Server, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return New(Config{}, Deps{Logger: zap.New(core)}), logs
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
		level   zapcore.Level
	}{
		{"invalid input", apperr.InvalidInput("url is required"), http.StatusBadRequest, "url is required", zapcore.DebugLevel},
		{"not found", apperr.NotFound("report abc not found"), http.StatusNotFound, "report abc not found", zapcore.DebugLevel},
		{"upstream", apperr.Upstream(errors.New("dial tcp: refused"), "search backend unavailable"), http.StatusBadGateway, "search backend unavailable", zapcore.ErrorLevel},
		{"internal", errors.New("pq: password authentication failed"), http.StatusInternalServerError, "internal server error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, logs := newObservedServer()
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/x", nil)

			s.writeError(w, r, tt.err)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.message, decodeBody[map[string]string](t, w)["error"])
			assert.NotContains(t, w.Body.String(), "refused")
			assert.NotContains(t, w.Body.String(), "password")

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)
			assert.Equal(t, "/api/x", entries[0].ContextMap()["path"])
		})
	}
}

func TestWriteErrorWith_ExtraFields(t *testing.T) {
	s, _ := newObservedServer()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/grader/analyze", nil)

	s.writeErrorWith(w, r, apperr.Upstream(errors.New("boom"), "could not analyze the store"), map[string]any{"runId": "run-1"})

	body := decodeBody[map[string]string](t, w)
	assert.Equal(t, "run-1", body["runId"])
	assert.Equal(t, "could not analyze the store", body["error"])
}

type decodeTarget struct {
	URL   string `json:"url" validate:"required,url"`
	Count int    `json:"count" validate:"min=1"`
}

func TestDecodeJSON(t *testing.T) {
	s, _ := newObservedServer()

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"valid", `{"url":"https://shop.example","count":2}`, ""},
		{"empty", ``, "request body is required"},
		{"malformed", `{"url":`, "invalid request body"},
		{"wrong type", `{"url":"https://shop.example","count":"two"}`, "invalid request body"},
		{"missing field", `{"count":2}`, "validation error: url - required"},
		{"bad url", `{"url":"shop","count":2}`, "validation error: url - url"},
		{"too large", `{"url":"` + strings.Repeat("a", maxRequestBytes) + `"}`, "request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))

			var dst decodeTarget
			err := s.decodeJSON(w, r, &dst)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, 2, dst.Count)
				return
			}
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
			assert.Equal(t, tt.wantErr, apperr.PublicMessage(err))
		})
	}
}

func TestDecodeJSON_MapSkipsValidation(t *testing.T) {
	s, _ := newObservedServer()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"a":1}`))

	var dst map[string]any
	require.NoError(t, s.decodeJSON(w, r, &dst))
	assert.Equal(t, json.Number("1"), dst["a"])
}
