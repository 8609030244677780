package services

import (
	"math"
	"sort"

	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
)

// Reduce summarises a wells x years matrix into one series per percentile.
// Each year column is reduced independently over its finite values using the
// nearest-rank rule: index round_half_even(p/100 * (n-1)) into the sorted
// column. A year with no finite values yields NaN.
func Reduce(jobID domain.JobID, raw domain.RawResult, percentiles []float64) []domain.PercentileSummary {
	summaries := make([]domain.PercentileSummary, len(percentiles))
	for i, p := range percentiles {
		summaries[i] = domain.PercentileSummary{
			JobID:      jobID,
			Percentile: p,
			Values:     make([]float64, raw.YearCount),
		}
	}

	if raw.YearCount == 0 {
		return summaries
	}

	column := make([]float64, 0, raw.WellCount)
	for year := 0; year < raw.YearCount; year++ {
		column = column[:0]
		for well := 0; well < raw.WellCount; well++ {
			v := raw.At(well, year)
			if math.IsNaN(v) {
				continue
			}
			column = append(column, v)
		}
		sort.Float64s(column)

		for i, p := range percentiles {
			summaries[i].Values[year] = nearestRank(column, p)
		}
	}
	return summaries
}

// nearestRank expects sorted input
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	idx := int(math.RoundToEven(p / 100 * float64(n-1)))
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}
