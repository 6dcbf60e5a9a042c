package grader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtalsearch/xtal-web/internal/apperr"
	"github.com/xtalsearch/xtal-web/internal/fetch"
	"github.com/xtalsearch/xtal-web/internal/kv"
	"github.com/xtalsearch/xtal-web/internal/llm/llmtest"
)

func newTestPipeline(t *testing.T, srv *httptest.Server, mock *llmtest.MockClient, opts Options) *Pipeline {
	t.Helper()
	mem := kv.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })
	opts.AllowPrivateHosts = true
	return NewPipeline(NewRunStore(mem, nil), mock, testFetcher(srv), opts, nil)
}

func TestPipeline_GradeShopifyFixture(t *testing.T) {
	srv := newShopifyStore(t)
	mock := &llmtest.MockClient{Responses: []string{analysisJSON(12), evaluationJSON(80, 78, "Add synonyms")}}
	p := newTestPipeline(t, srv, mock, Options{})

	res, err := p.Grade(context.Background(), srv.URL, SourceBatch)
	require.NoError(t, err)
	require.NotNil(t, res.Report)

	report := res.Report
	assert.Equal(t, res.RunID, report.RunID)
	assert.Equal(t, srv.URL, report.StoreURL)
	assert.Equal(t, PlatformShopify, report.Platform)
	assert.Equal(t, "Fixture Outfitters", report.StoreName)
	assert.Equal(t, 12, report.QueryCount)
	assert.Equal(t, 0, report.ZeroResultCount)
	assert.Equal(t, ScoreToGrade(report.OverallScore), report.OverallGrade)

	run, err := p.Runs.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, SourceBatch, run.Source)
	assert.Equal(t, report.ID, run.ReportID)
	for _, name := range []string{StepAnalyze, StepSearch, StepEvaluate} {
		require.Contains(t, run.Steps, name)
	}
	assert.Contains(t, run.Steps[StepAnalyze].Prompt, srv.URL)
	assert.NotEmpty(t, run.Steps[StepEvaluate].RawOutput)
	assert.NotEmpty(t, run.Steps[StepSearch].Parsed)

	stored, err := p.Runs.GetReport(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.OverallScore, stored.OverallScore)
}

func TestPipeline_StartAnalysis(t *testing.T) {
	srv := newShopifyStore(t)
	mock := &llmtest.MockClient{Responses: []string{analysisJSON(15)}}
	p := newTestPipeline(t, srv, mock, Options{})

	resp, err := p.StartAnalysis(context.Background(), srv.URL, SourceWeb)
	require.NoError(t, err)

	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, PlatformShopify, resp.Platform)
	assert.GreaterOrEqual(t, len(resp.Queries), MinQueries)
	assert.LessOrEqual(t, len(resp.Queries), MaxQueries)
	assert.Equal(t, "outdoor", resp.Vertical)
	assert.NotEmpty(t, resp.ProductSamples)
}

func TestPipeline_StartAnalysisInvalidURL(t *testing.T) {
	p := newTestPipeline(t, newShopifyStore(t), &llmtest.MockClient{}, Options{})

	resp, err := p.StartAnalysis(context.Background(), "javascript:alert(1)", SourceWeb)
	assert.Nil(t, resp)
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
	assert.Empty(t, mustListRuns(t, p))
}

func TestPipeline_DetectionDegradesByDefault(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer down.Close()

	mock := &llmtest.MockClient{Responses: []string{analysisJSON(10)}}
	p := newTestPipeline(t, down, mock, Options{})

	resp, err := p.StartAnalysis(context.Background(), down.URL, SourceWeb)
	require.NoError(t, err)
	assert.Equal(t, PlatformUnknown, resp.Platform)
	assert.Empty(t, resp.ProductSamples)

	run, err := p.Runs.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Contains(t, run.Steps[StepAnalyze].Error, ErrDetectionFailed.Error())
}

func TestPipeline_StrictDetectionFailsRun(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer down.Close()

	mock := &llmtest.MockClient{}
	p := newTestPipeline(t, down, mock, Options{StrictDetection: true})

	resp, err := p.StartAnalysis(context.Background(), down.URL, SourceAdmin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDetectionFailed))
	assert.Equal(t, http.StatusBadGateway, apperr.HTTPStatus(err))
	assert.Empty(t, mock.Prompts())

	run, err := p.Runs.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Empty(t, run.ReportID)
}

func TestPipeline_AnalysisFailureFailsRun(t *testing.T) {
	srv := newShopifyStore(t)
	mock := &llmtest.MockClient{Responses: []string{"nope", "still nope"}}
	p := newTestPipeline(t, srv, mock, Options{})

	res, err := p.Grade(context.Background(), srv.URL, SourceBatch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAnalysisFailed))
	require.NotNil(t, res)
	assert.Nil(t, res.Report)

	run, err := p.Runs.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "could not analyze the store", run.Error)
	require.Contains(t, run.Steps, StepAnalyze)
	assert.Len(t, run.Steps[StepAnalyze].Attempts, 2)
}

func TestPipeline_EvaluationFailureFailsRun(t *testing.T) {
	srv := newShopifyStore(t)
	mock := &llmtest.MockClient{Responses: []string{analysisJSON(10), "garbage", "garbage"}}
	p := newTestPipeline(t, srv, mock, Options{})

	res, err := p.Grade(context.Background(), srv.URL, SourceBatch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEvaluationFailed))

	run, err := p.Runs.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Empty(t, run.ReportID)
}

func TestPipeline_SaveRequiresOpenRun(t *testing.T) {
	srv := newShopifyStore(t)
	p := newTestPipeline(t, srv, &llmtest.MockClient{}, Options{})
	ctx := context.Background()

	_, err := p.Save(ctx, "", &Report{})
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))

	_, err = p.Save(ctx, "nope", &Report{})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	run, err := p.Runs.CreateRun(ctx, srv.URL, SourceWeb)
	require.NoError(t, err)
	draft := &Report{
		ID:            "client-chosen",
		EmailCaptured: true,
		Dimensions:    []DimensionScore{{Key: DimRelevance, Score: 90}},
	}
	saved, err := p.Save(ctx, run.ID, draft)
	require.NoError(t, err)
	assert.NotEqual(t, "client-chosen", saved.ID)
	assert.False(t, saved.EmailCaptured)
	assert.Equal(t, srv.URL, saved.StoreURL)
	assert.Equal(t, 90, saved.OverallScore)
	assert.True(t, saved.RevenueImpact.MinimalLeakage)

	_, err = p.Save(ctx, run.ID, draft)
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
	assert.ErrorIs(t, err, ErrRunTerminal)
}

func TestPipeline_RunSearchWithoutRun(t *testing.T) {
	srv := newShopifyStore(t)
	p := newTestPipeline(t, srv, &llmtest.MockClient{}, Options{})

	resp, err := p.RunSearch(context.Background(), "", SearchTarget{StoreURL: srv.URL, Platform: "shopify"}, testQueries("rain", "zzz"))
	require.NoError(t, err)
	require.Len(t, resp.QueryResults, 2)
	assert.Equal(t, 2, resp.QueryResults[0].ResultCount)
	assert.Equal(t, 0, resp.QueryResults[1].ResultCount)

	_, err = p.RunSearch(context.Background(), "", SearchTarget{StoreURL: srv.URL}, nil)
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
}

func mustListRuns(t *testing.T, p *Pipeline) []RunSummary {
	t.Helper()
	runs, err := p.Runs.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	return runs
}

func TestPipeline_RejectsPrivateStoreHosts(t *testing.T) {
	mem := kv.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })
	p := NewPipeline(NewRunStore(mem, nil), &llmtest.MockClient{}, nil, Options{}, nil)
	ctx := context.Background()

	for _, raw := range []string{"http://127.0.0.1:8080", "localhost", "http://169.254.169.254/latest", "http://[::1]/"} {
		res, err := p.StartAnalysis(ctx, raw, SourceWeb)
		require.Error(t, err, raw)
		assert.Nil(t, res, raw)
		assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(err), raw)
		assert.True(t, errors.Is(err, fetch.ErrPrivateHost), raw)
	}

	runs, err := p.Runs.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs, "no run is created for a refused host")
}

func TestPipeline_GradeLeavesNoReportWhenCompletionFails(t *testing.T) {
	srv := newShopifyStore(t)
	mem := kv.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })
	store := &completionFailingStore{Store: mem}
	mock := &llmtest.MockClient{Responses: []string{analysisJSON(12), evaluationJSON(80, 78, "Add synonyms")}}
	p := NewPipeline(NewRunStore(store, nil), mock, testFetcher(srv), Options{AllowPrivateHosts: true}, nil)
	ctx := context.Background()

	res, err := p.Grade(ctx, srv.URL, SourceBatch)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Nil(t, res.Report)

	run, err := p.Runs.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Empty(t, run.ReportID)

	written := store.writtenReports()
	require.Len(t, written, 1)
	_, err = p.Runs.GetReport(ctx, written[0])
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "report of a failed run must not be retrievable")
}
