package grader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/llm"
	"github.com/xtalsearch/xtal-web/internal/prompts"
	"github.com/xtalsearch/xtal-web/internal/schemas"
)

// EvaluationInput is everything the evaluator grades.
type EvaluationInput struct {
	StoreURL     string        `json:"storeUrl" validate:"required,url"`
	StoreName    string        `json:"storeName"`
	StoreType    string        `json:"storeType"`
	Vertical     string        `json:"vertical"`
	Platform     Platform      `json:"platform"`
	QueryResults []QueryResult `json:"queryResults" validate:"required,min=1,dive"`
}

type modelDimension struct {
	Key        string  `json:"key"`
	Score      float64 `json:"score"`
	Problem    string  `json:"problem"`
	Suggestion string  `json:"suggestion"`
	Advantage  string  `json:"advantage"`
}

// ModelEvaluation is the evaluator's parsed model output before evidence is applied.
type ModelEvaluation struct {
	Dimensions      []modelDimension `json:"dimensions"`
	OverallScore    *float64         `json:"overallScore"`
	Summary         string           `json:"summary"`
	Recommendations []string         `json:"recommendations"`
}

// EvaluationResult is a draft report plus the run-log details.
type EvaluationResult struct {
	Report    Report
	Prompt    string
	RawOutput string
	Attempts  []llm.Attempt
	Duration  time.Duration
}

// Evaluator scores search results with the model and the measured evidence.
type Evaluator struct {
	LLM    llm.Client
	Logger *zap.Logger
	Now    func() time.Time
}

// NewEvaluator creates an evaluator.
func NewEvaluator(client llm.Client, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{LLM: client, Logger: logger, Now: time.Now}
}

// Evaluate grades the query results. The computed weighted score is
// authoritative; the model's own overall score is kept for comparison only.
func (e *Evaluator) Evaluate(ctx context.Context, in EvaluationInput) (*EvaluationResult, error) {
	prompt, err := BuildEvaluationPrompt(in)
	if err != nil {
		return nil, evaluationFailed(err)
	}

	start := time.Now()
	model, attempts, err := llm.Generate(ctx, e.LLM, llm.Request[ModelEvaluation]{
		Prompt: prompt,
		Strict: strictRetry(prompt),
		Tier:   llm.TierAdvanced,
		Parse:  ParseEvaluation,
	})
	res := &EvaluationResult{Prompt: prompt, Attempts: attempts, Duration: time.Since(start)}
	if len(attempts) > 0 {
		res.RawOutput = attempts[len(attempts)-1].Raw
	}
	if err != nil {
		e.Logger.Warn("search evaluation failed",
			zap.String("url", in.StoreURL),
			zap.Int("attempts", len(attempts)),
			zap.Error(err))
		return res, evaluationFailed(err)
	}

	res.Report = e.buildReport(in, model)
	if res.Report.ScoreDiverged {
		e.Logger.Warn("model overall score diverges from computed score",
			zap.String("url", in.StoreURL),
			zap.Int("computed", res.Report.OverallScore),
			zap.Intp("model", res.Report.LLMOverallScore))
	}
	e.Logger.Info("search evaluated",
		zap.String("url", in.StoreURL),
		zap.Int("score", res.Report.OverallScore),
		zap.String("grade", res.Report.OverallGrade))
	return res, nil
}

func (e *Evaluator) buildReport(in EvaluationInput, model ModelEvaluation) Report {
	dims := make([]DimensionScore, 0, len(model.Dimensions))
	for _, d := range model.Dimensions {
		dims = append(dims, DimensionScore{
			Key:        normalizeDimensionKey(d.Key),
			Score:      ClampScore(d.Score),
			Problem:    strings.TrimSpace(d.Problem),
			Suggestion: strings.TrimSpace(d.Suggestion),
			Advantage:  strings.TrimSpace(d.Advantage),
		})
	}

	report := Report{
		StoreURL:        in.StoreURL,
		StoreName:       in.StoreName,
		Platform:        ParsePlatform(string(in.Platform)),
		StoreType:       in.StoreType,
		Vertical:        in.Vertical,
		Dimensions:      ApplyEvidence(dims, CollectEvidence(in.QueryResults)),
		Recommendations: cleanRecommendations(model.Recommendations),
		Summary:         strings.TrimSpace(model.Summary),
		QueryResults:    in.QueryResults,
		CreatedAt:       e.now(),
	}
	if model.OverallScore != nil {
		v := ClampScore(*model.OverallScore)
		report.LLMOverallScore = &v
	}
	FinalizeReport(&report)
	return report
}

func (e *Evaluator) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

// FinalizeReport recomputes every derived field of report from its dimensions
// and query results: overall score, grade, divergence, revenue impact and
// counts. Missing recommendations and summary are synthesized.
func FinalizeReport(report *Report) {
	if report.QueryResults != nil {
		ev := CollectEvidence(report.QueryResults)
		report.QueryCount = ev.QueryCount
		report.ZeroResultCount = ev.ZeroResultCount
	}
	if report.Dimensions == nil {
		report.Dimensions = []DimensionScore{}
	}
	for i := range report.Dimensions {
		d := &report.Dimensions[i]
		d.Score = ClampScore(float64(d.Score))
		if def, ok := dimensionDef(d.Key); ok {
			d.Label = def.Label
			d.Weight = def.Weight
		}
	}
	report.Platform = ParsePlatform(string(report.Platform))
	report.OverallScore = ComputeOverallScore(report.Dimensions)
	report.OverallGrade = ScoreToGrade(report.OverallScore)
	report.ScoreDiverged = Diverged(report.OverallScore, report.LLMOverallScore)
	report.RevenueImpact = EstimateRevenueImpact(report.OverallScore)
	report.Recommendations = cleanRecommendations(report.Recommendations)
	if len(report.Recommendations) == 0 {
		report.Recommendations = synthesizeRecommendations(report.Dimensions)
	}
	if report.Summary == "" {
		report.Summary = fmt.Sprintf("%s scored %d/100 (grade %s) across %d test searches, %d of which returned no results.",
			nonEmpty(report.StoreName, report.StoreURL), report.OverallScore, report.OverallGrade,
			report.QueryCount, report.ZeroResultCount)
	}
}

// synthesizeRecommendations derives advice from the three weakest dimensions.
func synthesizeRecommendations(dims []DimensionScore) []string {
	weakest := append([]DimensionScore(nil), dims...)
	sort.SliceStable(weakest, func(i, j int) bool { return weakest[i].Score < weakest[j].Score })
	out := make([]string, 0, 3)
	for _, d := range weakest {
		if len(out) == 3 {
			break
		}
		if d.Suggestion != "" {
			out = append(out, d.Suggestion)
			continue
		}
		out = append(out, fmt.Sprintf("Improve %s (currently %d/100).", strings.ToLower(nonEmpty(d.Label, d.Key)), d.Score))
	}
	if len(out) == 0 {
		out = append(out, "Audit on-site search with real shopper queries and fix queries that return nothing.")
	}
	return out
}

func cleanRecommendations(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func normalizeDimensionKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(key)
}

func nonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParseEvaluation validates raw against the evaluation schema and requires at
// least one known dimension.
func ParseEvaluation(raw string) llm.ParseResult[ModelEvaluation] {
	res := llm.DecodeJSON[ModelEvaluation](raw, schemas.Validator(schemas.Evaluation))
	if res.Status != llm.Parsed {
		return res
	}
	for _, d := range res.Value.Dimensions {
		if _, ok := dimensionDef(normalizeDimensionKey(d.Key)); ok {
			return res
		}
	}
	return llm.Retryable[ModelEvaluation](fmt.Errorf("no known dimension keys in response"))
}

// BuildEvaluationPrompt renders the evaluate-search template.
func BuildEvaluationPrompt(in EvaluationInput) (string, error) {
	tmpl, err := prompts.Get(prompts.GraderFile, "evaluate-search")
	if err != nil {
		return "", err
	}

	var results strings.Builder
	for i, r := range in.QueryResults {
		fmt.Fprintf(&results, "%d. %q [%s] results=%d time=%dms", i+1, r.Query, r.Category, r.ResultCount, r.ResponseTime)
		if r.Error != "" {
			fmt.Fprintf(&results, " error=%q", r.Error)
		}
		results.WriteString("\n")
		for _, s := range r.Results {
			results.WriteString("   - " + s.Title)
			if s.Price != "" {
				results.WriteString(" (" + s.Price + ")")
			}
			results.WriteString("\n")
		}
	}

	var dims strings.Builder
	for _, d := range Dimensions {
		fmt.Fprintf(&dims, "- %s: %s (weight %.0f%%)\n", d.Key, d.Label, d.Weight*100)
	}

	return prompts.Format(tmpl, map[string]string{
		"StoreName":    nonEmpty(in.StoreName, in.StoreURL),
		"StoreURL":     in.StoreURL,
		"Platform":     string(in.Platform),
		"StoreType":    nonEmpty(in.StoreType, "unknown"),
		"Vertical":     nonEmpty(in.Vertical, "unknown"),
		"QueryResults": strings.TrimRight(results.String(), "\n"),
		"Dimensions":   strings.TrimRight(dims.String(), "\n"),
	}), nil
}
