package grader

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/llm"
	"github.com/xtalsearch/xtal-web/internal/prompts"
	"github.com/xtalsearch/xtal-web/internal/schemas"
)

// Query count bounds for a store analysis.
const (
	MinQueries = 10
	MaxQueries = 15
)

// Archetypes are the shopper intents every analysis must cover.
var Archetypes = []string{
	"direct product",
	"category browse",
	"use-case",
	"persona+gift",
	"occasion",
	"vibe/intent-only",
	"budget-constrained",
	"comparison",
	"problem-solving",
	"multi-attribute",
}

// Analysis is the analyzer's parsed output.
type Analysis struct {
	StoreType string      `json:"storeType"`
	Vertical  string      `json:"vertical"`
	StoreName string      `json:"storeName,omitempty"`
	Queries   []TestQuery `json:"queries"`
}

// AnalysisResult carries the analysis plus what is needed for the run log.
type AnalysisResult struct {
	Analysis
	Prompt    string
	RawOutput string
	Attempts  []llm.Attempt
	Duration  time.Duration
}

// Analyzer asks the model to classify a store and write test queries.
type Analyzer struct {
	LLM    llm.Client
	Logger *zap.Logger
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(client llm.Client, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{LLM: client, Logger: logger}
}

// Analyze classifies the store and synthesizes between MinQueries and
// MaxQueries test queries. Malformed output is retried once with a stricter
// instruction; a second failure wraps ErrAnalysisFailed. The result is
// returned alongside the error so the caller can log the attempts.
func (a *Analyzer) Analyze(ctx context.Context, store StoreInfo, samples []ProductSample) (*AnalysisResult, error) {
	prompt, err := BuildAnalysisPrompt(store, samples)
	if err != nil {
		return nil, analysisFailed(err)
	}

	start := time.Now()
	analysis, attempts, err := llm.Generate(ctx, a.LLM, llm.Request[Analysis]{
		Prompt: prompt,
		Strict: strictRetry(prompt),
		Tier:   llm.TierStandard,
		Parse:  ParseAnalysis,
	})
	res := &AnalysisResult{
		Analysis: analysis,
		Prompt:   prompt,
		Attempts: attempts,
		Duration: time.Since(start),
	}
	if len(attempts) > 0 {
		res.RawOutput = attempts[len(attempts)-1].Raw
	}
	if err != nil {
		a.Logger.Warn("store analysis failed",
			zap.String("url", store.URL),
			zap.Int("attempts", len(attempts)),
			zap.Error(err))
		return res, analysisFailed(err)
	}

	a.Logger.Info("store analyzed",
		zap.String("url", store.URL),
		zap.String("vertical", analysis.Vertical),
		zap.Int("queries", len(analysis.Queries)),
		zap.Int("attempts", len(attempts)))
	return res, nil
}

// BuildAnalysisPrompt renders the analyze-store template.
func BuildAnalysisPrompt(store StoreInfo, samples []ProductSample) (string, error) {
	tmpl, err := prompts.Get(prompts.GraderFile, "analyze-store")
	if err != nil {
		return "", err
	}
	sampleJSON := "[]"
	if len(samples) > 0 {
		data, err := json.MarshalIndent(samples, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to encode product samples: %w", err)
		}
		sampleJSON = string(data)
	}
	var archetypes strings.Builder
	for i, a := range Archetypes {
		fmt.Fprintf(&archetypes, "%d. %s\n", i+1, a)
	}
	return prompts.Format(tmpl, map[string]string{
		"StoreURL":       store.URL,
		"Platform":       string(store.Platform),
		"StoreName":      store.Name,
		"ProductSamples": sampleJSON,
		"MinQueries":     strconv.Itoa(MinQueries),
		"MaxQueries":     strconv.Itoa(MaxQueries),
		"Archetypes":     strings.TrimRight(archetypes.String(), "\n"),
	}), nil
}

// ParseAnalysis validates raw against the analysis schema, then deduplicates
// queries and enforces the count bounds. Extra queries are truncated; too few
// is a retryable failure.
func ParseAnalysis(raw string) llm.ParseResult[Analysis] {
	res := llm.DecodeJSON[Analysis](raw, schemas.Validator(schemas.Analysis))
	if res.Status != llm.Parsed {
		return res
	}
	a := res.Value
	a.StoreType = strings.TrimSpace(a.StoreType)
	a.Vertical = strings.TrimSpace(a.Vertical)
	a.StoreName = strings.TrimSpace(a.StoreName)

	seen := make(map[string]bool, len(a.Queries))
	queries := make([]TestQuery, 0, len(a.Queries))
	for _, q := range a.Queries {
		text := strings.Join(strings.Fields(q.Query), " ")
		key := strings.ToLower(text)
		if text == "" || seen[key] {
			continue
		}
		seen[key] = true
		queries = append(queries, TestQuery{Query: text, Category: strings.TrimSpace(q.Category)})
	}
	if len(queries) < MinQueries {
		return llm.Retryable[Analysis](fmt.Errorf("expected at least %d distinct queries, got %d", MinQueries, len(queries)))
	}
	if len(queries) > MaxQueries {
		queries = queries[:MaxQueries]
	}
	a.Queries = queries
	return llm.Ok(a)
}

// strictRetry appends the strict JSON instruction, naming the parse error.
func strictRetry(prompt string) func(error) string {
	return func(err error) string {
		suffix, loadErr := prompts.Get(prompts.GraderFile, "strict-json-suffix")
		if loadErr != nil {
			return prompt
		}
		msg := "unknown error"
		if err != nil {
			msg = err.Error()
		}
		return prompt + prompts.Format(suffix, map[string]string{"Error": msg})
	}
}
