package server

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtalsearch/xtal-web/internal/db"
	"github.com/xtalsearch/xtal-web/internal/grader"
	"github.com/xtalsearch/xtal-web/internal/server/ratelimit"
)

func zeroResultQueries() []grader.QueryResult {
	return []grader.QueryResult{
		{Query: "gift for dad who likes hiking", Category: "persona+gift", ResponseTime: 180, Results: []grader.ResultSnippet{}},
		{Query: "cozy vibes for winter", Category: "vibe/intent-only", ResponseTime: 220, Results: []grader.ResultSnippet{}},
		{Query: "shoes under $100 waterproof", Category: "multi-attribute", ResponseTime: 250, Results: []grader.ResultSnippet{}},
	}
}

func TestGraderFlow_EndToEnd(t *testing.T) {
	env := newTestEnv(t, []string{analysisJSON(12), evaluationJSON(85)})

	// Analyze
	w := env.do(t, http.MethodPost, "/api/grader/analyze", AnalyzeRequest{URL: env.store.URL}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	analysis := decodeBody[grader.AnalyzeResponse](t, w)
	assert.NotEmpty(t, analysis.RunID)
	assert.Equal(t, grader.PlatformShopify, analysis.Platform)
	assert.GreaterOrEqual(t, len(analysis.Queries), grader.MinQueries)
	assert.LessOrEqual(t, len(analysis.Queries), grader.MaxQueries)

	// Search
	w = env.do(t, http.MethodPost, "/api/grader/search", SearchRequest{
		RunID:    analysis.RunID,
		StoreURL: analysis.StoreURL,
		Platform: string(analysis.Platform),
		Queries:  analysis.Queries[:2],
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	search := decodeBody[grader.SearchResponse](t, w)
	require.Len(t, search.QueryResults, 2)
	assert.Equal(t, analysis.Queries[0].Query, search.QueryResults[0].Query)
	assert.Positive(t, search.QueryResults[0].ResultCount)

	// Evaluate three zero-result queries
	w = env.do(t, http.MethodPost, "/api/grader/evaluate", EvaluateRequest{
		RunID: analysis.RunID,
		EvaluationInput: grader.EvaluationInput{
			StoreURL:     analysis.StoreURL,
			StoreName:    analysis.StoreName,
			Platform:     analysis.Platform,
			QueryResults: zeroResultQueries(),
		},
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	draft := decodeBody[grader.Report](t, w)
	assert.Less(t, draft.OverallScore, 50)
	assert.NotEmpty(t, draft.Recommendations)
	assert.Equal(t, 3, draft.ZeroResultCount)

	// Save
	draft.RunID = analysis.RunID
	draft.ID = "client-chosen"
	draft.EmailCaptured = true
	w = env.do(t, http.MethodPost, "/api/grader/save", draft, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	saved := decodeBody[SaveResponse](t, w)
	require.NotEmpty(t, saved.ReportID)
	assert.NotEqual(t, "client-chosen", saved.ReportID)
	assert.Equal(t, testBaseURL+"/grade/"+saved.ReportID, saved.ShareURL)
	assert.False(t, saved.Report.EmailCaptured)

	// Fetch
	w = env.do(t, http.MethodGet, "/api/grader/report/"+saved.ReportID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	fetched := decodeBody[grader.Report](t, w)
	assert.Equal(t, analysis.StoreURL, fetched.StoreURL)
	assert.Equal(t, saved.Report.OverallScore, fetched.OverallScore)
	assert.Equal(t, analysis.RunID, fetched.RunID)

	// The run is terminal now
	w = env.do(t, http.MethodPost, "/api/grader/save", draft, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyze_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"empty body", ""},
		{"malformed", "{"},
		{"missing url", map[string]string{}},
		{"unknown source", map[string]string{"url": env.store.URL, "source": "cron"}},
		{"bad scheme", map[string]string{"url": "javascript:alert(1)"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/grader/analyze", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.NotEmpty(t, decodeBody[map[string]any](t, w)["error"])
		})
	}
	assert.Empty(t, env.mock.Prompts())
}

func TestAnalyze_FailureReturnsRunID(t *testing.T) {
	env := newTestEnv(t, []string{"not json", "still not json"})

	w := env.do(t, http.MethodPost, "/api/grader/analyze", AnalyzeRequest{URL: env.store.URL}, "")

	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.NotEmpty(t, body["runId"])
	assert.Equal(t, "could not analyze the store", body["error"])
}

func TestAnalyze_WebRateLimit(t *testing.T) {
	env := newTestEnv(t, []string{analysisJSON(10)}, withLimiter(&ratelimit.Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		EndpointConfigs: []ratelimit.EndpointConfig{
			{Path: ratelimit.GraderWebEndpoint, Method: http.MethodPost, Limit: 1, Window: time.Hour, Burst: 1},
		},
	}))

	w := env.do(t, http.MethodPost, "/api/grader/analyze", AnalyzeRequest{URL: env.store.URL}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/grader/analyze", AnalyzeRequest{URL: env.store.URL}, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	body := decodeBody[map[string]any](t, w)
	assert.Contains(t, body["error"], "Too many requests")
	assert.Positive(t, body["retryAfter"])

	// Admin runs are not counted against the public bucket
	w = env.do(t, http.MethodPost, "/api/grader/analyze",
		AnalyzeRequest{URL: env.store.URL, Source: "batch"}, env.token(t, db.RoleAdmin))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAnalyze_NonWebSourcesRequireAdmin(t *testing.T) {
	env := newTestEnv(t, []string{analysisJSON(10)})

	w := env.do(t, http.MethodPost, "/api/grader/analyze", AnalyzeRequest{URL: env.store.URL, Source: "batch"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/grader/analyze",
		AnalyzeRequest{URL: env.store.URL, Source: "admin"}, env.token(t, db.RoleViewer))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, env.mock.Prompts())
}

func TestSearch_WithoutRun(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/grader/search", SearchRequest{
		StoreURL: env.store.URL,
		Platform: "shopify",
		Queries:  []grader.TestQuery{{Query: "zzz nothing", Category: "typo"}, {Query: "boots", Category: "exact"}},
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeBody[grader.SearchResponse](t, w)
	require.Len(t, resp.QueryResults, 2)
	assert.Zero(t, resp.QueryResults[0].ResultCount)
	assert.Positive(t, resp.QueryResults[1].ResultCount)
}

func TestSearch_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/grader/search", SearchRequest{StoreURL: env.store.URL}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/grader/search", SearchRequest{
		RunID:    "no-such-run",
		StoreURL: env.store.URL,
		Queries:  []grader.TestQuery{{Query: "boots"}},
	}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEvaluate_EmptyResults(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/grader/evaluate", EvaluateRequest{
		EvaluationInput: grader.EvaluationInput{StoreURL: env.store.URL},
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSave_RequiresRunID(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/grader/save", grader.Report{StoreURL: env.store.URL, OverallScore: 40}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// saveReport runs analyze then saves a report for it and returns the report ID.
func saveReport(t *testing.T, env *testEnv) string {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/grader/analyze", AnalyzeRequest{URL: env.store.URL}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	analysis := decodeBody[grader.AnalyzeResponse](t, w)

	draft := grader.Report{
		RunID:        analysis.RunID,
		StoreURL:     analysis.StoreURL,
		StoreName:    "Fixture <Outfitters>",
		Platform:     grader.PlatformShopify,
		OverallScore: 62,
		Dimensions: []grader.DimensionScore{
			{Key: "typo_tolerance", Score: 62},
		},
		Summary: "Solid basics.",
	}
	w = env.do(t, http.MethodPost, "/api/grader/save", draft, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[SaveResponse](t, w).ReportID
}

func TestCaptureEmail(t *testing.T) {
	env := newTestEnv(t, []string{analysisJSON(10)})
	id := saveReport(t, env)

	w := env.do(t, http.MethodPost, "/api/grader/report/"+id+"/email", EmailRequest{Email: "not-an-email"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/grader/report/"+id+"/email", EmailRequest{Email: "owner@shop.example"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, id, body["reportId"])
	assert.Equal(t, true, body["emailCaptured"])

	w = env.do(t, http.MethodGet, "/api/grader/report/"+id, nil, "")
	assert.True(t, decodeBody[grader.Report](t, w).EmailCaptured)

	w = env.do(t, http.MethodPost, "/api/grader/report/missing/email", EmailRequest{Email: "owner@shop.example"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSharePage(t *testing.T) {
	env := newTestEnv(t, []string{analysisJSON(10)})
	id := saveReport(t, env)

	w := env.do(t, http.MethodGet, "/grade/"+id, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"))
	page := w.Body.String()
	assert.Contains(t, page, "Fixture &lt;Outfitters&gt;")
	assert.NotContains(t, page, "Fixture <Outfitters>")
	assert.Contains(t, page, testBaseURL+"/grade/"+id)

	w = env.do(t, http.MethodGet, "/grade/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReportPDF(t *testing.T) {
	env := newTestEnv(t, []string{analysisJSON(10)})
	id := saveReport(t, env)

	w := env.do(t, http.MethodGet, "/api/grader/report/"+id+"/pdf", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), id)
	assert.Equal(t, "%PDF-1.7 fake", w.Body.String())
	assert.Contains(t, string(env.pdf.html), "Fixture &lt;Outfitters&gt;")

	env.pdf.err = errors.New("chrome crashed")
	w = env.do(t, http.MethodGet, "/api/grader/report/"+id+"/pdf", nil, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "pdf export failed", decodeBody[map[string]any](t, w)["error"])
}

func TestReportPDF_Unavailable(t *testing.T) {
	env := newTestEnv(t, nil, func(d *Deps) { d.PDF = nil })

	w := env.do(t, http.MethodGet, "/api/grader/report/any/pdf", nil, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
