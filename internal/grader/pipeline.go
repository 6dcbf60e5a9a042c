package grader

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/apperr"
	"github.com/xtalsearch/xtal-web/internal/fetch"
	"github.com/xtalsearch/xtal-web/internal/llm"
)

var tracer = otel.Tracer("github.com/xtalsearch/xtal-web/internal/grader")

func startSpan(ctx context.Context, step string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "grader."+step, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Options tunes the pipeline's outbound calls.
type Options struct {
	UseBrowser       bool
	StrictDetection  bool
	DetectionTimeout time.Duration
	QueryTimeout     time.Duration
	QueryInterval    time.Duration
	// AllowPrivateHosts lets runs target localhost and private networks.
	AllowPrivateHosts bool
}

// Pipeline chains detection, analysis, search execution, evaluation and
// persistence against one run. The HTTP flow drives the steps one request at
// a time; Grade runs them all in order.
type Pipeline struct {
	Detector  *Detector
	Analyzer  *Analyzer
	Executor  *QueryExecutor
	Evaluator *Evaluator
	Runs      *RunStore

	StrictDetection   bool
	AllowPrivateHosts bool
	Logger            *zap.Logger
}

// NewPipeline wires the pipeline steps.
func NewPipeline(runs *RunStore, client llm.Client, fetcher *fetch.Client, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fetcher == nil {
		fetcher = fetch.NewClient(opts.AllowPrivateHosts)
	}
	return &Pipeline{
		Detector:          NewDetector(fetcher, opts.DetectionTimeout, opts.UseBrowser, logger),
		Analyzer:          NewAnalyzer(client, logger),
		Executor:          NewQueryExecutor(fetcher, opts.QueryTimeout, opts.QueryInterval, logger),
		Evaluator:         NewEvaluator(client, logger),
		Runs:              runs,
		StrictDetection:   opts.StrictDetection,
		AllowPrivateHosts: opts.AllowPrivateHosts,
		Logger:            logger,
	}
}

// AnalyzeResponse is returned when a run has been started and analyzed.
type AnalyzeResponse struct {
	RunID          string          `json:"runId"`
	StoreURL       string          `json:"storeUrl"`
	Platform       Platform        `json:"platform"`
	StoreName      string          `json:"storeName"`
	StoreType      string          `json:"storeType"`
	Vertical       string          `json:"vertical"`
	SearchURL      string          `json:"searchUrl,omitempty"`
	Queries        []TestQuery     `json:"queries"`
	ProductSamples []ProductSample `json:"productSamples"`
}

// SearchResponse is the executor output for the HTTP flow.
type SearchResponse struct {
	QueryResults  []QueryResult `json:"queryResults"`
	TotalDuration int64         `json:"totalDuration"`
}

// GradeResult is the outcome of a full pipeline run. RunID is set whenever a
// run was created, including on failure.
type GradeResult struct {
	RunID  string  `json:"runId"`
	Report *Report `json:"report,omitempty"`
}

// StartAnalysis creates a run, detects the store and synthesizes the test
// queries. When a run was created the response carries its id even on error.
func (p *Pipeline) StartAnalysis(ctx context.Context, rawURL string, source Source) (_ *AnalyzeResponse, err error) {
	ctx, span := startSpan(ctx, StepAnalyze, attribute.String("grader.source", string(source)))
	defer func() { endSpan(span, err) }()

	storeURL, err := p.normalizeStoreURL(rawURL)
	if err != nil {
		return nil, err
	}
	run, err := p.Runs.CreateRun(ctx, storeURL, source)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("grader.run_id", run.ID), attribute.String("grader.store_url", storeURL))
	resp := &AnalyzeResponse{RunID: run.ID, StoreURL: storeURL}
	log := p.Logger.With(zap.String("run_id", run.ID), zap.String("url", storeURL))
	started := time.Now()

	det, detErr := p.Detector.Detect(ctx, storeURL)
	if detErr != nil {
		if p.StrictDetection {
			step := &Step{Name: StepAnalyze, StartedAt: started, Error: detErr.Error(), DurationMs: time.Since(started).Milliseconds()}
			run.RecordStep(step)
			p.fail(ctx, run, detErr, log)
			return resp, detErr
		}
		log.Warn("store detection failed, continuing with unknown platform", zap.Error(detErr))
		det = Degraded(storeURL)
	}
	run.StoreName = det.Store.Name
	run.Platform = det.Store.Platform

	analysis, err := p.Analyzer.Analyze(ctx, det.Store, det.Samples)
	step := &Step{Name: StepAnalyze, StartedAt: started}
	if analysis != nil {
		step.Prompt = analysis.Prompt
		step.RawOutput = analysis.RawOutput
		step.Attempts = analysis.Attempts
	}
	step.DurationMs = time.Since(started).Milliseconds()
	step.Error = joinErrors(detErr, err)
	if err != nil {
		run.RecordStep(step)
		p.fail(ctx, run, err, log)
		return resp, err
	}

	store := det.Store
	store.StoreType = analysis.StoreType
	store.Vertical = analysis.Vertical
	if analysis.StoreName != "" {
		store.Name = analysis.StoreName
	}
	step.SetParsed(struct {
		Store   StoreInfo       `json:"store"`
		Samples []ProductSample `json:"productSamples"`
		Queries []TestQuery     `json:"queries"`
	}{store, det.Samples, analysis.Queries})
	run.RecordStep(step)
	run.StoreName = store.Name
	if err := p.Runs.UpdateRun(ctx, run); err != nil {
		log.Warn("failed to record analyze step", zap.Error(err))
	}

	resp.Platform = store.Platform
	resp.StoreName = store.Name
	resp.StoreType = store.StoreType
	resp.Vertical = store.Vertical
	resp.SearchURL = store.SearchURL
	resp.Queries = analysis.Queries
	resp.ProductSamples = det.Samples
	return resp, nil
}

// RunSearch executes queries against the store. runID is optional; when set
// the results are recorded on that run.
func (p *Pipeline) RunSearch(ctx context.Context, runID string, target SearchTarget, queries []TestQuery) (_ *SearchResponse, err error) {
	ctx, span := startSpan(ctx, StepSearch, attribute.String("grader.run_id", runID), attribute.Int("grader.queries", len(queries)))
	defer func() { endSpan(span, err) }()

	if len(queries) == 0 {
		return nil, apperr.InvalidInput("at least one query is required")
	}
	storeURL, err := p.normalizeStoreURL(target.StoreURL)
	if err != nil {
		return nil, err
	}
	target.StoreURL = storeURL
	if target.SearchURL != "" && !OnStoreHost(target.SearchURL, storeURL) {
		p.Logger.Warn("ignoring search url on another host",
			zap.String("url", storeURL), zap.String("search_url", target.SearchURL))
		target.SearchURL = ""
	}
	target.Platform = ParsePlatform(string(target.Platform))

	run, err := p.openRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	results, total := p.Executor.RunAll(ctx, target, queries)

	if run != nil {
		step := &Step{Name: StepSearch, StartedAt: started, DurationMs: total.Milliseconds()}
		step.SetParsed(results)
		run.RecordStep(step)
		if err := p.Runs.UpdateRun(ctx, run); err != nil {
			p.Logger.Warn("failed to record search step", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return &SearchResponse{QueryResults: results, TotalDuration: total.Milliseconds()}, nil
}

// RunEvaluation grades query results. An evaluation failure fails the run.
func (p *Pipeline) RunEvaluation(ctx context.Context, runID string, in EvaluationInput) (_ *Report, err error) {
	ctx, span := startSpan(ctx, StepEvaluate, attribute.String("grader.run_id", runID))
	defer func() { endSpan(span, err) }()

	if len(in.QueryResults) == 0 {
		return nil, apperr.InvalidInput("queryResults must not be empty")
	}
	run, err := p.openRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := p.Evaluator.Evaluate(ctx, in)
	if run == nil {
		if err != nil {
			return nil, err
		}
		return &res.Report, nil
	}

	step := &Step{Name: StepEvaluate, StartedAt: started, DurationMs: time.Since(started).Milliseconds()}
	if res != nil {
		step.Prompt = res.Prompt
		step.RawOutput = res.RawOutput
		step.Attempts = res.Attempts
	}
	run.RecordStep(step)
	log := p.Logger.With(zap.String("run_id", run.ID))
	if err != nil {
		step.Error = err.Error()
		p.fail(ctx, run, err, log)
		return nil, err
	}
	step.SetParsed(res.Report)
	if err := p.Runs.UpdateRun(ctx, run); err != nil {
		log.Warn("failed to record evaluate step", zap.Error(err))
	}
	return &res.Report, nil
}

// Save completes the run with draft. Derived fields are recomputed so the
// stored report is always internally consistent.
func (p *Pipeline) Save(ctx context.Context, runID string, draft *Report) (_ *Report, err error) {
	ctx, span := startSpan(ctx, "save", attribute.String("grader.run_id", runID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(runID) == "" {
		return nil, apperr.InvalidInput("runId is required")
	}
	if draft == nil {
		return nil, apperr.InvalidInput("report data is required")
	}
	run, err := p.openRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := *draft
	report.ID = ""
	report.EmailCaptured = false
	report.CreatedAt = time.Time{}
	if report.StoreURL == "" {
		report.StoreURL = run.StoreURL
	}
	if report.StoreName == "" {
		report.StoreName = run.StoreName
	}
	FinalizeReport(&report)

	if err := p.Runs.CompleteRun(ctx, run, &report); err != nil {
		if errors.Is(err, ErrRunTerminal) {
			return nil, apperr.Wrap(apperr.KindInvalidInput, err, "run already finished")
		}
		return nil, err
	}
	p.Logger.Info("report saved",
		zap.String("run_id", run.ID),
		zap.String("report_id", report.ID),
		zap.Int("score", report.OverallScore))
	return &report, nil
}

// Grade runs every step in order against a single run.
func (p *Pipeline) Grade(ctx context.Context, rawURL string, source Source) (*GradeResult, error) {
	analysis, err := p.StartAnalysis(ctx, rawURL, source)
	if err != nil {
		if analysis != nil {
			return &GradeResult{RunID: analysis.RunID}, err
		}
		return nil, err
	}
	result := &GradeResult{RunID: analysis.RunID}

	search, err := p.RunSearch(ctx, analysis.RunID, SearchTarget{
		StoreURL:  analysis.StoreURL,
		Platform:  analysis.Platform,
		SearchURL: analysis.SearchURL,
	}, analysis.Queries)
	if err != nil {
		p.failByID(ctx, analysis.RunID, err)
		return result, err
	}

	draft, err := p.RunEvaluation(ctx, analysis.RunID, EvaluationInput{
		StoreURL:     analysis.StoreURL,
		StoreName:    analysis.StoreName,
		StoreType:    analysis.StoreType,
		Vertical:     analysis.Vertical,
		Platform:     analysis.Platform,
		QueryResults: search.QueryResults,
	})
	if err != nil {
		return result, err
	}

	report, err := p.Save(ctx, analysis.RunID, draft)
	if err != nil {
		p.failByID(ctx, analysis.RunID, err)
		return result, err
	}
	result.Report = report
	return result, nil
}

func (p *Pipeline) normalizeStoreURL(raw string) (string, error) {
	if p.AllowPrivateHosts {
		return NormalizeStoreURL(raw)
	}
	return NormalizePublicStoreURL(raw)
}

// openRun loads runID when set. A finished run cannot be extended.
func (p *Pipeline) openRun(ctx context.Context, runID string) (*Run, error) {
	if runID == "" {
		return nil, nil
	}
	run, err := p.Runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, apperr.Wrap(apperr.KindInvalidInput, ErrRunTerminal, "run already finished")
	}
	return run, nil
}

func (p *Pipeline) fail(ctx context.Context, run *Run, cause error, log *zap.Logger) {
	log.Error("grader run failed", zap.Error(cause))
	if err := p.Runs.FailRun(ctx, run, apperr.PublicMessage(cause)); err != nil {
		log.Warn("failed to mark run failed", zap.Error(err))
	}
}

func (p *Pipeline) failByID(ctx context.Context, runID string, cause error) {
	log := p.Logger.With(zap.String("run_id", runID))
	run, err := p.Runs.GetRun(ctx, runID)
	if err != nil {
		log.Warn("failed to load run to mark it failed", zap.Error(err))
		return
	}
	if run.Status.Terminal() {
		return
	}
	p.fail(ctx, run, cause, log)
}

func joinErrors(errs ...error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	return strings.Join(parts, "; ")
}
