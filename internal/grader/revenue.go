package grader

// Benchmark inputs for the revenue estimate.
const (
	MinimalLeakageThreshold = 85
	BenchmarkMonthlyRevenue = 50000.0
	SearchRevenueShare      = 0.40
)

type revenueBand struct {
	below   int
	percent int
}

// revenueBands maps a score upper bound (exclusive) to improvement potential.
var revenueBands = []revenueBand{
	{40, 30},
	{55, 22},
	{70, 15},
	{MinimalLeakageThreshold, 8},
}

// EstimateRevenueImpact is a pure function of the overall score.
func EstimateRevenueImpact(score int) RevenueImpact {
	if score >= MinimalLeakageThreshold {
		return RevenueImpact{MinimalLeakage: true}
	}
	percent := revenueBands[len(revenueBands)-1].percent
	for _, band := range revenueBands {
		if score < band.below {
			percent = band.percent
			break
		}
	}
	monthly := BenchmarkMonthlyRevenue * SearchRevenueShare * float64(percent) / 100
	return RevenueImpact{
		MonthlyLostRevenue:   monthly,
		AnnualLostRevenue:    monthly * 12,
		ImprovementPotential: percent,
	}
}
