// Package proxy forwards search, aspects, explain, feedback and storefront
// event calls to the backend search service. It attaches a client-credentials
// bearer token, enriches payloads from stored settings and times each call.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/apperr"
	"github.com/xtalsearch/xtal-web/internal/feedback"
	"github.com/xtalsearch/xtal-web/internal/settings"
)

// Endpoint names
const (
	EndpointSearch    = "search"
	EndpointAspects   = "aspects"
	EndpointExplain   = "explain"
	EndpointRelevance = "feedback/relevance"
	EndpointEvents    = "events"
)

// Endpoint describes one forwarded backend route.
type Endpoint struct {
	Name    string
	Path    string
	Timeout time.Duration
}

// Endpoints lists every forwarded route with its timeout.
var Endpoints = map[string]Endpoint{
	EndpointSearch:    {EndpointSearch, "/api/search", 10 * time.Second},
	EndpointAspects:   {EndpointAspects, "/api/aspects", 15 * time.Second},
	EndpointExplain:   {EndpointExplain, "/api/explain", 20 * time.Second},
	EndpointRelevance: {EndpointRelevance, "/api/feedback/relevance", 5 * time.Second},
	EndpointEvents:    {EndpointEvents, "/api/storefront/events", 3 * time.Second},
}

// SystemPromptField is the payload field carrying the system prompt.
const SystemPromptField = "system_prompt"

// MaxBodyBytes caps request and response bodies.
const MaxBodyBytes = 2 << 20

// Response is a relayed backend response.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	// Timings are the measured phases, for Server-Timing.
	Timings []Timing
}

// Timing is one named phase of a forwarded call.
type Timing struct {
	Name     string
	Duration time.Duration
}

// ServerTiming formats timings as a Server-Timing header value.
func ServerTiming(timings []Timing) string {
	parts := make([]string, 0, len(timings))
	for _, t := range timings {
		parts = append(parts, fmt.Sprintf("%s;dur=%.1f", t.Name, float64(t.Duration.Microseconds())/1000))
	}
	return strings.Join(parts, ", ")
}

// Forwarder relays calls to the backend.
type Forwarder struct {
	BaseURL  string
	HTTP     *http.Client
	Tokens   *TokenProvider
	Settings *settings.Store
	Feedback *feedback.Store
	Logger   *zap.Logger
}

// New creates a forwarder. settingsStore and feedbackStore may be nil, in
// which case enrichment and local feedback persistence are skipped.
func New(baseURL string, tokens *TokenProvider, settingsStore *settings.Store, feedbackStore *feedback.Store, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		HTTP:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Tokens:   tokens,
		Settings: settingsStore,
		Feedback: feedbackStore,
		Logger:   logger,
	}
}

// Forward enriches body and posts it to the named endpoint. Backend responses
// are relayed whatever their status; only transport failures return an error.
func (f *Forwarder) Forward(ctx context.Context, name string, body []byte) (*Response, error) {
	ep, ok := Endpoints[name]
	if !ok {
		return nil, apperr.NotFound("unknown endpoint %q", name)
	}
	if f.BaseURL == "" {
		return nil, apperr.New(apperr.KindUpstreamError, "search backend is not configured")
	}

	payload, err := decodeObject(body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	f.enrich(ctx, ep.Name, payload)
	timings := []Timing{{Name: "enrich", Duration: time.Since(start)}}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "encode request")
	}

	ctx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	tokenStart := time.Now()
	token, err := f.Tokens.Token(ctx)
	if err != nil {
		f.Logger.Warn("backend token unavailable", zap.String("endpoint", ep.Name), zap.Error(err))
		return nil, apperr.Upstream(err, "could not authenticate with the search backend")
	}
	if f.Tokens.Enabled() {
		timings = append(timings, Timing{Name: "token", Duration: time.Since(tokenStart)})
	}

	backendStart := time.Now()
	resp, err := f.post(ctx, f.BaseURL+ep.Path, token, out)
	elapsed := time.Since(backendStart)
	if err != nil {
		f.Logger.Warn("backend call failed",
			zap.String("endpoint", ep.Name),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return nil, apperr.Upstream(err, "search backend unavailable")
	}
	if resp.StatusCode == http.StatusUnauthorized {
		f.Tokens.Invalidate()
	}
	if ep.Name == EndpointRelevance && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		f.recordFeedback(ctx, out)
	}
	resp.Timings = append(timings, Timing{Name: "backend", Duration: elapsed})

	f.Logger.Info("backend call",
		zap.String("endpoint", ep.Name),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", elapsed))
	return resp, nil
}

func (f *Forwarder) post(ctx context.Context, url, token string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := f.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return &Response{StatusCode: resp.StatusCode, ContentType: contentType, Body: data}, nil
}

// enrich fills settings-derived fields the caller did not send.
func (f *Forwarder) enrich(ctx context.Context, endpoint string, payload map[string]any) {
	switch endpoint {
	case EndpointAspects:
		if f.Settings != nil && isBlank(payload[SystemPromptField]) {
			payload[SystemPromptField] = f.Settings.AspectsPrompt(ctx).Prompt
		}
	case EndpointExplain:
		if f.Settings != nil && isBlank(payload[SystemPromptField]) {
			payload[SystemPromptField] = f.Settings.PickExplainPrompt(ctx)
		}
	case EndpointSearch:
		f.applySearchDefaults(ctx, payload)
	}
}

// recordFeedback keeps a local copy of relevance feedback the backend accepted.
func (f *Forwarder) recordFeedback(ctx context.Context, payload []byte) {
	if f.Feedback == nil {
		return
	}
	if _, err := f.Feedback.Record(context.WithoutCancel(ctx), payload); err != nil {
		f.Logger.Warn("failed to persist relevance feedback", zap.Error(err))
	}
}

// applySearchDefaults copies per-collection search settings into payload for
// keys the request does not set.
func (f *Forwarder) applySearchDefaults(ctx context.Context, payload map[string]any) {
	if f.Settings == nil {
		return
	}
	collection, _ := payload["collection"].(string)
	if collection == "" || settings.ValidateName("collection", collection) != nil {
		return
	}
	defaults, err := f.Settings.Collection(ctx, collection, "search")
	if err != nil {
		f.Logger.Debug("no search defaults", zap.String("collection", collection), zap.Error(err))
		return
	}
	for key, value := range defaults {
		if _, ok := payload[key]; !ok {
			payload[key] = value
		}
	}
}

// decodeObject keeps numbers as json.Number so integers beyond 2^53 and
// decimal spellings reach the backend unchanged.
func decodeObject(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return nil, apperr.InvalidInput("request body must be a JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, apperr.InvalidInput("request body must be a single JSON object")
	}
	return payload, nil
}

func isBlank(v any) bool {
	s, ok := v.(string)
	return v == nil || (ok && strings.TrimSpace(s) == "")
}
