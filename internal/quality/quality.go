// Package quality scores a sequence of measurements independently of the
// instrument that produced them. Every function is pure: inputs are never
// modified and results are freshly allocated.
package quality

import (
	"math"

	"github.com/montanaflynn/stats"

	"github.com/shaunagostinho/hipotd/internal/types"
)

// DefaultOutlierThreshold is the |z| above which a sample is an outlier.
const DefaultOutlierThreshold = 3.0

// Limits used by the validity filter and classifier.
const (
	minValidResistance = 1e-6
	maxValidResistance = 1e15
	minRangeResistance = 1e3
	maxRangeResistance = 1e12
	criticalCurrent    = 0.01 // A
	maxValidDEC        = 100.0
	maxClassifiedDEC   = 50.0
)

// Classification is the per-sample verdict of the classifier.
type Classification int

const (
	Valid Classification = iota
	Error
	OutOfRange
	Critical
	Dead
)

// Classifications lists every value in declaration order.
var Classifications = []Classification{Valid, Error, OutOfRange, Critical, Dead}

func (c Classification) String() string {
	switch c {
	case Valid:
		return "Valid"
	case Error:
		return "Error"
	case OutOfRange:
		return "OutOfRange"
	case Critical:
		return "Critical"
	case Dead:
		return "Dead"
	}
	return "Unknown"
}

func (c Classification) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func allFinite(p types.DataPoint) bool {
	return finite(p.Voltage) && finite(p.Current) && finite(p.Resistance)
}

func anyNegative(p types.DataPoint) bool {
	return p.Voltage < 0 || p.Current < 0 || p.Resistance < 0
}

// DEC is the percentage deviation of the recorded resistance from V/I.
// It is +Inf when voltage or current is zero.
func DEC(p types.DataPoint) float64 {
	if p.Voltage == 0 || p.Current == 0 {
		return math.Inf(1)
	}
	expected := p.Voltage / p.Current
	return math.Abs((expected-p.Resistance)/expected) * 100
}

// DECValues computes DEC for every sample.
func DECValues(samples []types.DataPoint) []float64 {
	out := make([]float64, len(samples))
	for i, p := range samples {
		out[i] = DEC(p)
	}
	return out
}

// IsValid applies the validity filter to one sample.
func IsValid(p types.DataPoint) bool {
	if !allFinite(p) || anyNegative(p) {
		return false
	}
	dec := DEC(p)
	if !finite(dec) || dec > maxValidDEC {
		return false
	}
	return p.Resistance >= minValidResistance && p.Resistance <= maxValidResistance
}

// FilterValid returns the samples passing IsValid, in input order.
func FilterValid(samples []types.DataPoint) []types.DataPoint {
	out := make([]types.DataPoint, 0, len(samples))
	for _, p := range samples {
		if IsValid(p) {
			out = append(out, p)
		}
	}
	return out
}

// Classify returns the first matching class in priority order.
func Classify(p types.DataPoint) Classification {
	switch {
	case p.Voltage == 0 && p.Current == 0 && p.Resistance == 0:
		return Dead
	case !allFinite(p):
		return Error
	case p.Current > criticalCurrent:
		return Critical
	case p.Resistance < minRangeResistance || p.Resistance > maxRangeResistance:
		return OutOfRange
	}
	if dec := DEC(p); finite(dec) && dec > maxClassifiedDEC {
		return Error
	}
	if anyNegative(p) {
		return Error
	}
	return Valid
}

// ClassifyAll classifies each sample; the result is indexed like samples.
func ClassifyAll(samples []types.DataPoint) []Classification {
	out := make([]Classification, len(samples))
	for i, p := range samples {
		out[i] = Classify(p)
	}
	return out
}

func finiteOnly(values []float64) stats.Float64Data {
	out := make(stats.Float64Data, 0, len(values))
	for _, v := range values {
		if finite(v) {
			out = append(out, v)
		}
	}
	return out
}

// Mean averages the finite members of values. Zero if there are none.
func Mean(values []float64) float64 {
	m, err := stats.Mean(finiteOnly(values))
	if err != nil {
		return 0
	}
	return m
}

// StdDev is the population standard deviation of the finite members of
// values. Zero if there are none.
func StdDev(values []float64) float64 {
	sd, err := stats.StandardDeviationPopulation(finiteOnly(values))
	if err != nil {
		return 0
	}
	return sd
}

// ZScores standardizes values against the mean and population standard
// deviation of their finite members. Non-finite members score zero, as does
// every member when the deviation is zero.
func ZScores(values []float64) []float64 {
	out := make([]float64, len(values))
	mean, sd := Mean(values), StdDev(values)
	if sd == 0 {
		return out
	}
	for i, v := range values {
		if finite(v) {
			out[i] = (v - mean) / sd
		}
	}
	return out
}

// Series splits samples into per-field columns.
func Series(samples []types.DataPoint) (voltage, current, resistance []float64) {
	voltage = make([]float64, len(samples))
	current = make([]float64, len(samples))
	resistance = make([]float64, len(samples))
	for i, p := range samples {
		voltage[i], current[i], resistance[i] = p.Voltage, p.Current, p.Resistance
	}
	return voltage, current, resistance
}

// DetectOutliers returns the indexes of samples with any field's |z| above
// threshold. A non-positive threshold uses DefaultOutlierThreshold.
func DetectOutliers(samples []types.DataPoint, threshold float64) []int {
	if threshold <= 0 {
		threshold = DefaultOutlierThreshold
	}
	v, c, r := Series(samples)
	zv, zc, zr := ZScores(v), ZScores(c), ZScores(r)
	out := []int{}
	for i := range samples {
		if math.Abs(zv[i]) > threshold || math.Abs(zc[i]) > threshold || math.Abs(zr[i]) > threshold {
			out = append(out, i)
		}
	}
	return out
}

// Score combines the valid ratio with an outlier penalty, clamped to
// [0, 100]. An empty sequence scores zero.
func Score(valid, outliers, total int) float64 {
	if total <= 0 {
		return 0
	}
	n := float64(total)
	s := 100*float64(valid)/n - 10*float64(outliers)/n
	return math.Min(100, math.Max(0, s))
}

// MovingAverage is a centered average with window/2 members on either side,
// clipped at the ends. Non-finite members are skipped; a window with no
// finite member averages to zero. A non-positive window yields nil.
func MovingAverage(values []float64, window int) []float64 {
	if len(values) == 0 || window <= 0 {
		return nil
	}
	half := window / 2
	out := make([]float64, len(values))
	for i := range values {
		lo := max(0, i-half)
		hi := min(len(values)-1, i+half)
		sum, n := 0.0, 0
		for _, v := range values[lo : hi+1] {
			if finite(v) {
				sum += v
				n++
			}
		}
		if n > 0 {
			out[i] = sum / float64(n)
		}
	}
	return out
}
