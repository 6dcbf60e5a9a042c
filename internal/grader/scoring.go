package grader

import "math"

// Dimension keys
const (
	DimRelevance           = "relevance"
	DimIntentUnderstanding = "intent_understanding"
	DimZeroResults         = "zero_results"
	DimNaturalLanguage     = "natural_language"
	DimFacetQuality        = "facet_quality"
	DimSpeed               = "speed"
	DimMerchandising       = "merchandising"
)

// DimensionDef is one row of the weight table.
type DimensionDef struct {
	Key    string
	Label  string
	Weight float64
}

// Dimensions is the ordered weight table. Weights sum to 1.0.
var Dimensions = []DimensionDef{
	{DimRelevance, "Result Relevance", 0.25},
	{DimIntentUnderstanding, "Intent Understanding", 0.20},
	{DimZeroResults, "Zero-Result Handling", 0.15},
	{DimNaturalLanguage, "Natural Language Queries", 0.15},
	{DimFacetQuality, "Filters & Facets", 0.10},
	{DimSpeed, "Search Speed", 0.10},
	{DimMerchandising, "Merchandising", 0.05},
}

// Grade thresholds
const (
	GradeAThreshold = 90
	GradeBThreshold = 80
	GradeCThreshold = 70
	GradeDThreshold = 60
)

// ScoreDivergenceTolerance is how far the model's own overall score may drift
// from the computed one before the report is flagged.
const ScoreDivergenceTolerance = 10

func dimensionDef(key string) (DimensionDef, bool) {
	for _, d := range Dimensions {
		if d.Key == key {
			return d, true
		}
	}
	return DimensionDef{}, false
}

// ClampScore rounds v and clamps it to [0, 100].
func ClampScore(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, v))))
}

// ComputeOverallScore is the weighted average of the known dimensions present,
// with weights renormalised over those present. Unknown keys are ignored.
func ComputeOverallScore(dims []DimensionScore) int {
	var sum, weight float64
	for _, d := range dims {
		def, ok := dimensionDef(d.Key)
		if !ok {
			continue
		}
		sum += float64(ClampScore(float64(d.Score))) * def.Weight
		weight += def.Weight
	}
	if weight == 0 {
		return 0
	}
	return ClampScore(sum / weight)
}

// ScoreToGrade maps a score to its letter grade.
func ScoreToGrade(score int) string {
	switch {
	case score >= GradeAThreshold:
		return "A"
	case score >= GradeBThreshold:
		return "B"
	case score >= GradeCThreshold:
		return "C"
	case score >= GradeDThreshold:
		return "D"
	default:
		return "F"
	}
}

// Diverged reports whether the model's overall score is outside tolerance.
func Diverged(computed int, llmScore *int) bool {
	if llmScore == nil {
		return false
	}
	diff := computed - *llmScore
	if diff < 0 {
		diff = -diff
	}
	return diff > ScoreDivergenceTolerance
}

// Evidence summarises the measured query results.
type Evidence struct {
	QueryCount      int
	ZeroResultCount int
	ZeroRate        float64
	// AvgResponseMs averages queries that completed without error; -1 when none did.
	AvgResponseMs float64
}

// CollectEvidence derives Evidence from query results.
func CollectEvidence(results []QueryResult) Evidence {
	ev := Evidence{QueryCount: len(results), AvgResponseMs: -1}
	var total int64
	var timed int
	for _, r := range results {
		if r.ResultCount <= 0 {
			ev.ZeroResultCount++
		}
		if r.Error == "" {
			total += r.ResponseTime
			timed++
		}
	}
	if ev.QueryCount > 0 {
		ev.ZeroRate = float64(ev.ZeroResultCount) / float64(ev.QueryCount)
	}
	if timed > 0 {
		ev.AvgResponseMs = float64(total) / float64(timed)
	}
	return ev
}

// Speed band: at or under fastMs scores 100, at or over slowMs scores 0.
const (
	fastMs = 300.0
	slowMs = 3000.0
)

// SpeedScore converts an average response time to a 0-100 score.
func SpeedScore(avgMs float64) int {
	if avgMs < 0 {
		return 0
	}
	return ClampScore(100 * (slowMs - avgMs) / (slowMs - fastMs))
}

// resultDependent lists dimensions that cannot score well when searches return nothing.
var resultDependent = map[string]bool{
	DimRelevance:           true,
	DimIntentUnderstanding: true,
	DimNaturalLanguage:     true,
	DimFacetQuality:        true,
	DimMerchandising:       true,
}

// ApplyEvidence overrides the measured dimensions, caps result-dependent ones
// by the share of queries that returned anything, fills labels and weights,
// and returns the dimensions in weight-table order. Missing table dimensions
// are added with a neutral problem text.
func ApplyEvidence(dims []DimensionScore, ev Evidence) []DimensionScore {
	byKey := make(map[string]DimensionScore, len(dims))
	for _, d := range dims {
		if _, ok := dimensionDef(d.Key); ok {
			byKey[d.Key] = d
		}
	}

	capScore := ClampScore(100 * (1 - ev.ZeroRate))
	out := make([]DimensionScore, 0, len(Dimensions))
	for _, def := range Dimensions {
		d, ok := byKey[def.Key]
		if !ok {
			d = DimensionScore{Key: def.Key, Score: capScore}
		}
		d.Label = def.Label
		d.Weight = def.Weight
		d.Score = ClampScore(float64(d.Score))

		switch def.Key {
		case DimSpeed:
			d.Score = SpeedScore(ev.AvgResponseMs)
		case DimZeroResults:
			d.Score = capScore
		default:
			if resultDependent[def.Key] && d.Score > capScore {
				d.Score = capScore
			}
		}
		out = append(out, d)
	}
	return out
}
