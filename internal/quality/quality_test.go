package quality

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/hipotd/internal/types"
)

func dp(v, i, r float64) types.DataPoint {
	return types.DataPoint{Voltage: v, Current: i, Resistance: r}
}

func TestDEC(t *testing.T) {
	assert.Equal(t, 0.0, DEC(dp(10, 0.001, 1e4)))
	assert.InDelta(t, 10.0, DEC(dp(10, 0.001, 9e3)), 1e-9)
	assert.True(t, math.IsInf(DEC(dp(0, 0.001, 1e4)), 1))
	assert.True(t, math.IsInf(DEC(dp(10, 0, 1e4)), 1))
}

func TestClassifyDeadThenValid(t *testing.T) {
	got := ClassifyAll([]types.DataPoint{dp(0, 0, 0), dp(10, 0.001, 1e4)})
	assert.Equal(t, []Classification{Dead, Valid}, got)
}

func TestClassifyPriority(t *testing.T) {
	cases := []struct {
		name string
		p    types.DataPoint
		want Classification
	}{
		{"nan", dp(math.NaN(), 0.001, 1e4), Error},
		{"inf", dp(10, 0.001, math.Inf(1)), Error},
		{"critical beats range", dp(1000, 0.02, 10), Critical},
		{"low resistance", dp(1, 0.001, 999), OutOfRange},
		{"high resistance", dp(500, 1e-10, 2e12), OutOfRange},
		{"dec above 50", dp(10, 0.001, 2e4), Error},
		{"negative voltage", dp(-10, 0.001, 1e4), Error},
		{"zero voltage is not dead", dp(0, 0.001, 1e4), Valid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.p))
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	in := []types.DataPoint{dp(10, 0.001, 1e4), dp(0, 0, 0), dp(5, 0.02, 250)}
	assert.Equal(t, ClassifyAll(in), ClassifyAll(in))
	assert.Equal(t, DetectOutliers(in, 1), DetectOutliers(in, 1))
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid(dp(10, 0.001, 1e4)))
	assert.False(t, IsValid(dp(0, 0, 0)), "infinite DEC")
	assert.False(t, IsValid(dp(10, 0.001, 3e4)), "DEC 200")
	assert.False(t, IsValid(dp(-1, 0.001, 1e4)))
	assert.False(t, IsValid(dp(1e-9, 1e-2, 1e-7)), "resistance below 1e-6")
	assert.False(t, IsValid(dp(math.NaN(), 1, 1)))
}

func TestFilterValidDoesNotMutate(t *testing.T) {
	in := []types.DataPoint{dp(0, 0, 0), dp(10, 0.001, 1e4)}
	orig := append([]types.DataPoint(nil), in...)

	out := FilterValid(in)
	require.Len(t, out, 1)
	assert.Equal(t, in[1], out[0])
	assert.Equal(t, orig, in)
}

func TestStdDevIgnoresNonFinite(t *testing.T) {
	vals := []float64{2, 4, 4, 4, 5, 5, 7, 9, math.NaN(), math.Inf(-1)}
	assert.Equal(t, 5.0, Mean(vals))
	assert.Equal(t, 2.0, StdDev(vals))
	assert.Zero(t, StdDev(nil))
}

func TestZScores(t *testing.T) {
	z := ZScores([]float64{2, 4, 4, 4, 5, 5, 7, 9, math.NaN()})
	assert.Equal(t, -1.5, z[0])
	assert.Equal(t, 2.0, z[7])
	assert.Zero(t, z[8])

	assert.Equal(t, []float64{0, 0, 0}, ZScores([]float64{3, 3, 3}))
}

func TestDetectOutliers(t *testing.T) {
	var samples []types.DataPoint
	for i := 0; i < 20; i++ {
		samples = append(samples, dp(100, 1e-6, 1e8))
	}
	samples = append(samples, dp(1000, 1e-6, 1e8))

	assert.Equal(t, []int{20}, DetectOutliers(samples, 0))
	assert.Empty(t, DetectOutliers(samples, 5))
	assert.Empty(t, DetectOutliers(nil, 3))
}

func TestScore(t *testing.T) {
	assert.Equal(t, 79.0, Score(8, 1, 10))
	assert.Equal(t, 100.0, Score(10, 0, 10))
	assert.Equal(t, 0.0, Score(0, 10, 10))
	assert.Equal(t, 0.0, Score(0, 0, 0))
}

func TestMovingAverage(t *testing.T) {
	got := MovingAverage([]float64{1, 2, 3, 4, 5}, 3)
	assert.Equal(t, []float64{1.5, 2, 3, 4, 4.5}, got)

	got = MovingAverage([]float64{1, math.NaN(), 3}, 3)
	assert.Equal(t, []float64{1, 2, 3}, got)

	assert.Equal(t, []float64{0}, MovingAverage([]float64{math.Inf(1)}, 1))
	assert.Nil(t, MovingAverage([]float64{1}, 0))
}

func TestAnalyze(t *testing.T) {
	samples := []types.DataPoint{dp(0, 0, 0), dp(10, 0.001, 1e4), dp(10, 0.001, 1e4), dp(10, 0.05, 200)}

	rep := Analyze(samples, Options{MovingAverageWindow: 3})
	assert.Equal(t, 4, rep.Total)
	assert.Equal(t, 2, rep.Valid)
	assert.Equal(t, 1, rep.Counts[Dead])
	assert.Equal(t, 1, rep.Counts[Critical])
	assert.Equal(t, 0, rep.Counts[OutOfRange])
	assert.Equal(t, 50.0, rep.Score)
	assert.Len(t, rep.ResistanceTrend, 4)
}
