package modeling

import (
	"math"
	"sort"

	"github.com/lox/kalbot/internal/models"
)

func normalCDF(x, mu, sigma float64) float64 {
	return 0.5 * (1 + math.Erf((x-mu)/(sigma*math.Sqrt2)))
}

// ProbabilityYes is the raw model probability that a market settles YES,
// given a normal distribution over the observed daily low.
func ProbabilityYes(strike models.Strike, mu, sigma float64) float64 {
	switch strike.Kind {
	case models.StrikeAbove:
		return 1 - normalCDF(strike.Lower, mu, sigma)
	case models.StrikeBelow:
		return normalCDF(strike.Lower, mu, sigma)
	case models.StrikeBetween:
		return normalCDF(strike.Upper, mu, sigma) - normalCDF(strike.Lower, mu, sigma)
	}
	return 0
}

// FitIsotonic fits a monotonic calibration curve to (raw probability,
// outcome) pairs by pool-adjacent-violators. The result maps raw model
// probabilities to observed frequencies while preserving order.
func FitIsotonic(raw []float64, labels []bool) models.CalibrationCurve {
	n := len(raw)
	if n == 0 || n != len(labels) {
		return models.CalibrationCurve{}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return raw[order[a]] < raw[order[b]] })

	type block struct {
		x, y  float64 // weighted means
		count int
	}
	blocks := make([]block, 0, n)
	for _, i := range order {
		y := 0.0
		if labels[i] {
			y = 1.0
		}
		blocks = append(blocks, block{x: raw[i], y: y, count: 1})
		// Pool while the monotonicity constraint is violated.
		for len(blocks) > 1 && blocks[len(blocks)-2].y > blocks[len(blocks)-1].y {
			a, b := blocks[len(blocks)-2], blocks[len(blocks)-1]
			total := a.count + b.count
			merged := block{
				x:     (a.x*float64(a.count) + b.x*float64(b.count)) / float64(total),
				y:     (a.y*float64(a.count) + b.y*float64(b.count)) / float64(total),
				count: total,
			}
			blocks = blocks[:len(blocks)-2]
			blocks = append(blocks, merged)
		}
	}

	curve := models.CalibrationCurve{
		X:       make([]float64, len(blocks)),
		Y:       make([]float64, len(blocks)),
		Support: make([]int, len(blocks)),
	}
	for i, b := range blocks {
		curve.X[i] = b.x
		curve.Y[i] = b.y
		curve.Support[i] = b.count
	}
	return curve
}

// Calibrate maps a raw probability through the curve with linear
// interpolation, clamping outside the fitted range. An empty curve is the
// identity.
func Calibrate(curve models.CalibrationCurve, p float64) float64 {
	if len(curve.X) == 0 {
		return p
	}
	if p <= curve.X[0] {
		return curve.Y[0]
	}
	last := len(curve.X) - 1
	if p >= curve.X[last] {
		return curve.Y[last]
	}
	i := sort.SearchFloat64s(curve.X, p)
	x0, x1 := curve.X[i-1], curve.X[i]
	y0, y1 := curve.Y[i-1], curve.Y[i]
	if x1 == x0 {
		return y0
	}
	return y0 + (y1-y0)*(p-x0)/(x1-x0)
}

// SupportAt returns the sample count behind the calibration curve segment
// nearest to p. Zero for an empty curve.
func SupportAt(curve models.CalibrationCurve, p float64) int {
	if len(curve.X) == 0 {
		return 0
	}
	best := 0
	bestDist := math.Abs(p - curve.X[0])
	for i := 1; i < len(curve.X); i++ {
		if d := math.Abs(p - curve.X[i]); d < bestDist {
			best, bestDist = i, d
		}
	}
	return curve.Support[best]
}

// Brier is the mean squared error of probabilistic predictions against
// binary outcomes. Lower is better.
func Brier(probs []float64, labels []bool) float64 {
	if len(probs) == 0 {
		return 0
	}
	sum := 0.0
	for i, p := range probs {
		y := 0.0
		if labels[i] {
			y = 1.0
		}
		sum += (p - y) * (p - y)
	}
	return sum / float64(len(probs))
}

// LogLoss is the mean negative log-likelihood, with probabilities clamped
// away from 0 and 1.
func LogLoss(probs []float64, labels []bool) float64 {
	if len(probs) == 0 {
		return 0
	}
	const eps = 1e-9
	sum := 0.0
	for i, p := range probs {
		p = math.Min(1-eps, math.Max(eps, p))
		if labels[i] {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum / float64(len(probs))
}
