package domain

// RawResult is a decoded solver reply. Values holds WellCount*YearCount
// numbers, all years of well 0 first, then well 1, and so on.
type RawResult struct {
	WellCount int
	YearCount int
	Values    []float64
}

// At returns the value for a well/year pair
func (r RawResult) At(well, year int) float64 {
	return r.Values[well*r.YearCount+year]
}

// PercentileSummary holds one percentile across wells, one value per simulated year
type PercentileSummary struct {
	JobID      JobID     `json:"job_id"`
	Percentile float64   `json:"percentile"`
	Values     []float64 `json:"values"`
}
