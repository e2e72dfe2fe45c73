// Package sixsigma scores quality measurements against declared targets and keeps the sigma time series.
package sixsigma

import "math"

const (
	CategoryPerformance = "performance"
	CategoryDelivery    = "delivery"
	CategoryReliability = "reliability"
	CategoryGeneral     = "general"
)

// Target bounds. A nominal target (the empty bound) counts any deviation as error.
const (
	BoundMax = "max"
	BoundMin = "min"
)

// Target declares the goal value of a named metric.
type Target struct {
	Name     string  `json:"name" koanf:"name"`
	Category string  `json:"category" koanf:"category"`
	Value    float64 `json:"value" koanf:"value"`
	Bound    string  `json:"bound,omitempty" koanf:"bound"`
}

// DefaultTargets are the targets used when configuration declares none.
func DefaultTargets() []Target {
	return []Target{
		{Name: "latency_ms", Category: CategoryPerformance, Value: 2000, Bound: BoundMax},
		{Name: "bitrate_kbps", Category: CategoryDelivery, Value: 2500, Bound: BoundMin},
		{Name: "viewer_drop_rate", Category: CategoryReliability, Value: 0.05, Bound: BoundMax},
	}
}

// ValidBound reports whether b is a known bound.
func ValidBound(b string) bool {
	return b == "" || b == BoundMax || b == BoundMin
}

// Score evaluates value against t. A max bound scores values at or below it as on target and a min bound
// values at or above it; everything else uses the relative deviation of Evaluate.
func (t Target) Score(value float64) Result {
	if (t.Bound == BoundMax && value <= t.Value) || (t.Bound == BoundMin && value >= t.Value) {
		return Evaluate(t.Value, t.Value)
	}
	return Evaluate(value, t.Value)
}

// Result is the score of one measurement.
type Result struct {
	SigmaLevel int
	ErrorRate  float64
	DPMO       float64
}

// thresholds maps the upper bound of an error rate to its sigma level. Must not change.
var thresholds = [...]struct {
	maxErrorRate float64
	sigma        int
}{
	{0.00034, 6},
	{0.00233, 5},
	{0.00621, 4},
	{0.06681, 3},
	{0.30854, 2},
}

// ErrorRate is |value-target|/|target|. A zero target scores 0 when met exactly and 1 otherwise.
func ErrorRate(value, target float64) float64 {
	if target == 0 {
		if value == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(value-target) / math.Abs(target)
}

// SigmaLevel looks up the sigma level of an error rate.
func SigmaLevel(errorRate float64) int {
	for _, t := range thresholds {
		if errorRate <= t.maxErrorRate {
			return t.sigma
		}
	}
	return 1
}

// Evaluate scores value against target. DPMO is capped at one million.
func Evaluate(value, target float64) Result {
	rate := ErrorRate(value, target)
	return Result{
		SigmaLevel: SigmaLevel(rate),
		ErrorRate:  rate,
		DPMO:       math.Min(rate, 1) * 1e6,
	}
}
