package sixsigma

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSigmaLevelThresholds(t *testing.T) {
	tests := []struct {
		rate float64
		want int
	}{
		{0, 6},
		{0.00034, 6},
		{0.00035, 5},
		{0.00233, 5},
		{0.0024, 4},
		{0.00621, 4},
		{0.0063, 3},
		{0.06681, 3},
		{0.07, 2},
		{0.30854, 2},
		{0.30855, 1},
		{0.5, 1},
		{4, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SigmaLevel(tt.rate), "rate %v", tt.rate)
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name          string
		value, target float64
		sigma         int
		rate, dpmo    float64
	}{
		{"on target", 100, 100, 6, 0, 0},
		{"half", 50, 100, 1, 0.5, 500000},
		{"over target", 105, 100, 3, 0.05, 50000},
		{"zero target met", 0, 0, 6, 0, 0},
		{"zero target missed", 0.2, 0, 1, 1, 1e6},
		{"far over", 400, 100, 1, 3, 1e6},
		{"negative target", -90, -100, 2, 0.1, 100000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Evaluate(tt.value, tt.target)
			assert.Equal(t, tt.sigma, r.SigmaLevel)
			assert.InDelta(t, tt.rate, r.ErrorRate, 1e-9)
			assert.InDelta(t, tt.dpmo, r.DPMO, 1e-3)
		})
	}
}

func TestTargetScore(t *testing.T) {
	ceiling := Target{Value: 0.05, Bound: BoundMax}
	assert.Equal(t, 6, ceiling.Score(0).SigmaLevel)
	assert.Equal(t, 6, ceiling.Score(0.05).SigmaLevel)
	assert.InDelta(t, 1.0, ceiling.Score(0.1).ErrorRate, 1e-9)

	floor := Target{Value: 2500, Bound: BoundMin}
	assert.Equal(t, 6, floor.Score(3000).SigmaLevel)
	assert.InDelta(t, 0.2, floor.Score(2000).ErrorRate, 1e-9)

	nominal := Target{Value: 100}
	assert.Equal(t, Evaluate(105, 100), nominal.Score(105))
	assert.Equal(t, Evaluate(95, 100), nominal.Score(95))

	assert.True(t, ValidBound(""))
	assert.False(t, ValidBound("sideways"))
}
