package engine

// Decay arithmetic.
//
// Smart Decay Algorithm:
//   - weight = 0.5 ^ (elapsed_days / half_life_days)
//   - 90-day half-life by default
//   - No floor: a contribution keeps fading toward zero
//   - Negative elapsed time is an error (reordered events or clock skew
//     would otherwise inflate scores)
//   - Applied lazily: stored aggregates carry their own reference time and
//     are fast-forwarded at read time

import (
	"fmt"
	"math"
	"time"
)

// DefaultHalfLifeDays is the time for a contribution to fall to half weight.
const DefaultHalfLifeDays = 90.0

const day = 24 * time.Hour

// DecayFactor returns 0.5^(elapsedDays/halfLifeDays).
func DecayFactor(elapsedDays, halfLifeDays float64) (float64, error) {
	if math.IsNaN(elapsedDays) || elapsedDays < 0 {
		return 0, fmt.Errorf("%w: %v days", ErrNegativeElapsed, elapsedDays)
	}
	if !(halfLifeDays > 0) || math.IsInf(halfLifeDays, 0) {
		return 0, fmt.Errorf("half-life must be positive, got %v", halfLifeDays)
	}
	if elapsedDays == 0 {
		return 1, nil
	}
	return math.Pow(0.5, elapsedDays/halfLifeDays), nil
}

// ElapsedDays returns (to - from) in fractional days. The result is negative
// when to precedes from.
func ElapsedDays(from, to time.Time) float64 {
	return float64(to.Sub(from)) / float64(day)
}
