package quality

import "github.com/shaunagostinho/hipotd/internal/types"

// FieldStats summarizes one measured quantity.
type FieldStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

// Report is the full quality picture of a sample sequence.
type Report struct {
	Total           int                    `json:"total"`
	Valid           int                    `json:"valid"`
	Filtered        int                    `json:"filtered"` // Samples passing IsValid
	Outliers        []int                  `json:"outliers"`
	Classifications []Classification       `json:"classifications"`
	Counts          map[Classification]int `json:"counts"`
	Score           float64                `json:"score"`

	Voltage    FieldStats `json:"voltage"`
	Current    FieldStats `json:"current"`
	Resistance FieldStats `json:"resistance"`

	// Smoothed resistance trace, present when a window was requested.
	ResistanceTrend []float64 `json:"resistanceTrend,omitempty"`
}

// Options tunes Analyze.
type Options struct {
	OutlierThreshold    float64
	MovingAverageWindow int
}

// Count tallies classifications by class. Every class is present.
func Count(cls []Classification) map[Classification]int {
	out := make(map[Classification]int, len(Classifications))
	for _, c := range Classifications {
		out[c] = 0
	}
	for _, c := range cls {
		out[c]++
	}
	return out
}

// Analyze runs every check over samples. The score counts samples
// classified Valid against the whole sequence.
func Analyze(samples []types.DataPoint, opts Options) Report {
	cls := ClassifyAll(samples)
	counts := Count(cls)
	outliers := DetectOutliers(samples, opts.OutlierThreshold)
	v, c, r := Series(samples)

	rep := Report{
		Total:           len(samples),
		Valid:           counts[Valid],
		Filtered:        len(FilterValid(samples)),
		Outliers:        outliers,
		Classifications: cls,
		Counts:          counts,
		Score:           Score(counts[Valid], len(outliers), len(samples)),
		Voltage:         FieldStats{Mean: Mean(v), StdDev: StdDev(v)},
		Current:         FieldStats{Mean: Mean(c), StdDev: StdDev(c)},
		Resistance:      FieldStats{Mean: Mean(r), StdDev: StdDev(r)},
	}
	if opts.MovingAverageWindow > 0 {
		rep.ResistanceTrend = MovingAverage(r, opts.MovingAverageWindow)
	}
	return rep
}
