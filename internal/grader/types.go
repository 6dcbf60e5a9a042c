// Package grader audits a storefront's on-site search: it detects the
// platform, asks the model for representative shopper queries, runs them
// against the store's own search one at a time, scores the outcome and
// persists the run and its report.
package grader

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/xtalsearch/xtal-web/internal/llm"
)

// Platform is the detected e-commerce platform.
type Platform string

// Platforms
const (
	PlatformShopify     Platform = "shopify"
	PlatformWooCommerce Platform = "woocommerce"
	PlatformBigCommerce Platform = "bigcommerce"
	PlatformCustom      Platform = "custom"
	PlatformUnknown     Platform = "unknown"
)

// ParsePlatform maps any string onto the closed platform set.
func ParsePlatform(s string) Platform {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformShopify, PlatformWooCommerce, PlatformBigCommerce, PlatformCustom:
		return p
	default:
		return PlatformUnknown
	}
}

// Source identifies who started a run.
type Source string

// Sources
const (
	SourceWeb   Source = "web"
	SourceBatch Source = "batch"
	SourceAdmin Source = "admin"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run statuses
const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Step names
const (
	StepAnalyze  = "analyze"
	StepSearch   = "search"
	StepEvaluate = "evaluate"
)

// StoreInfo describes the store under test.
type StoreInfo struct {
	URL       string   `json:"url"`
	Platform  Platform `json:"platform"`
	Name      string   `json:"name"`
	SearchURL string   `json:"searchUrl,omitempty"`
	StoreType string   `json:"storeType,omitempty"`
	Vertical  string   `json:"vertical,omitempty"`
}

// ProductSample is a product scraped from the storefront.
type ProductSample struct {
	Title  string `json:"title"`
	Price  string `json:"price,omitempty"`
	Image  string `json:"image,omitempty"`
	Vendor string `json:"vendor,omitempty"`
}

// TestQuery is a synthesized shopper query tagged with its archetype.
type TestQuery struct {
	Query    string `json:"query" validate:"required"`
	Category string `json:"category"`
}

// ResultSnippet is one search hit shown to the evaluator.
type ResultSnippet struct {
	Title  string `json:"title"`
	Price  string `json:"price,omitempty"`
	Vendor string `json:"vendor,omitempty"`
}

// QueryResult is the outcome of one query. Failed queries keep ResultCount 0
// and carry Error.
type QueryResult struct {
	Query        string          `json:"query"`
	Category     string          `json:"category"`
	ResultCount  int             `json:"resultCount"`
	ResponseTime int64           `json:"responseTime"`
	Results      []ResultSnippet `json:"results"`
	Error        string          `json:"error,omitempty"`
}

// DimensionScore is one graded axis of search quality.
type DimensionScore struct {
	Key        string  `json:"key"`
	Label      string  `json:"label"`
	Score      int     `json:"score"`
	Weight     float64 `json:"weight"`
	Problem    string  `json:"problem,omitempty"`
	Suggestion string  `json:"suggestion,omitempty"`
	Advantage  string  `json:"advantage,omitempty"`
}

// RevenueImpact is the illustrative lost-revenue estimate for a score.
type RevenueImpact struct {
	MonthlyLostRevenue   float64 `json:"monthlyLostRevenue"`
	AnnualLostRevenue    float64 `json:"annualLostRevenue"`
	ImprovementPotential int     `json:"improvementPotential"`
	MinimalLeakage       bool    `json:"minimalLeakage"`
}

// Report is the shareable output of a completed run. Only EmailCaptured
// changes after creation.
type Report struct {
	ID              string           `json:"id"`
	RunID           string           `json:"runId"`
	StoreURL        string           `json:"storeUrl"`
	StoreName       string           `json:"storeName"`
	Platform        Platform         `json:"platform"`
	StoreType       string           `json:"storeType"`
	Vertical        string           `json:"vertical"`
	OverallScore    int              `json:"overallScore"`
	OverallGrade    string           `json:"overallGrade"`
	LLMOverallScore *int             `json:"llmOverallScore,omitempty"`
	ScoreDiverged   bool             `json:"scoreDiverged"`
	Dimensions      []DimensionScore `json:"dimensions"`
	RevenueImpact   RevenueImpact    `json:"revenueImpact"`
	Recommendations []string         `json:"recommendations"`
	Summary         string           `json:"summary"`
	QueryCount      int              `json:"queryCount"`
	ZeroResultCount int              `json:"zeroResultCount"`
	QueryResults    []QueryResult    `json:"queryResults,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	EmailCaptured   bool             `json:"emailCaptured"`
}

// Step is the audit record for one pipeline step.
type Step struct {
	Name       string          `json:"name"`
	Prompt     string          `json:"prompt,omitempty"`
	RawOutput  string          `json:"rawOutput,omitempty"`
	Parsed     json.RawMessage `json:"parsed,omitempty"`
	Attempts   []llm.Attempt   `json:"attempts,omitempty"`
	DurationMs int64           `json:"durationMs"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
}

// SetParsed stores v as the step's parsed output.
func (s *Step) SetParsed(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.Error = "unable to record parsed output: " + err.Error()
		return
	}
	s.Parsed = data
}

// Run is one invocation of the pipeline against a store URL.
type Run struct {
	ID        string           `json:"id"`
	Source    Source           `json:"source"`
	StoreURL  string           `json:"storeUrl"`
	StoreName string           `json:"storeName,omitempty"`
	Platform  Platform         `json:"platform,omitempty"`
	Status    RunStatus        `json:"status"`
	Steps     map[string]*Step `json:"steps"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	ReportID  string           `json:"reportId,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// RecordStep attaches step to the run, replacing any earlier record of the same name.
func (r *Run) RecordStep(step *Step) {
	if r.Steps == nil {
		r.Steps = make(map[string]*Step)
	}
	r.Steps[step.Name] = step
}
