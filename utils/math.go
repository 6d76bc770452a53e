package utils

import (
	"math"
)

// Square returns x*x.
func Square(x float64) float64 {
	return x * x
}

// NormalizeRadians wraps an angle into the half-open interval (-pi, pi].
func NormalizeRadians(angle float64) float64 {
	angle = math.Mod(angle, 2*math.Pi)
	if angle <= -math.Pi {
		angle += 2 * math.Pi
	} else if angle > math.Pi {
		angle -= 2 * math.Pi
	}
	return angle
}

// AngleDiffRadians returns the signed difference a2-a1 wrapped into (-pi, pi].
func AngleDiffRadians(a1, a2 float64) float64 {
	return NormalizeRadians(a2 - a1)
}

// CeilToInt rounds up and converts to an int, saturating at math.MaxInt for values that do not
// fit (including +Inf). NaN maps to math.MaxInt as well.
func CeilToInt(x float64) int {
	c := math.Ceil(x)
	if math.IsNaN(c) || c >= float64(math.MaxInt) {
		return math.MaxInt
	}
	if c <= float64(math.MinInt) {
		return math.MinInt
	}
	return int(c)
}
