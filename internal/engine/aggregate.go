package engine

import (
	"math"
	"time"

	"github.com/lazypower/valence/internal/values"
)

// Absorb folds one contribution into an aggregate:
//
//	score' = score × decay(occurred_at − reference_time) + magnitude
//
// An absent aggregate starts at (occurred_at, 0). A contribution older than
// the reference time is rejected with *OutOfOrderError and agg is returned
// unchanged. countBelief controls whether BeliefCount is incremented.
func Absorb(agg values.Aggregate, c Contribution, halfLifeDays float64, countBelief bool) (values.Aggregate, error) {
	if !agg.Exists() {
		agg = values.Aggregate{
			UserID:        c.UserID,
			Value:         c.Value,
			ReferenceTime: c.OccurredAt,
			BeliefCount:   agg.BeliefCount,
		}
	}
	if c.OccurredAt.Before(agg.ReferenceTime) {
		return agg, &OutOfOrderError{
			UserID:        c.UserID,
			Value:         c.Value,
			OccurredAt:    c.OccurredAt,
			ReferenceTime: agg.ReferenceTime,
		}
	}
	if math.IsNaN(c.Magnitude) || c.Magnitude < 0 {
		return agg, &InvariantError{UserID: c.UserID, Value: c.Value, Score: c.Magnitude, Detail: "negative or NaN magnitude"}
	}

	factor, err := DecayFactor(ElapsedDays(agg.ReferenceTime, c.OccurredAt), halfLifeDays)
	if err != nil {
		return agg, err
	}

	next := agg
	next.ReferenceTime = c.OccurredAt
	next.DecayedScore = agg.DecayedScore*factor + c.Magnitude
	if countBelief {
		next.BeliefCount++
	}
	return next, nil
}

// ScoreAt fast-forwards a stored aggregate to asOf without mutating it.
// An absent aggregate scores zero at any time.
func ScoreAt(agg values.Aggregate, asOf time.Time, halfLifeDays float64) (float64, error) {
	if !agg.Exists() {
		return 0, nil
	}
	factor, err := DecayFactor(ElapsedDays(agg.ReferenceTime, asOf), halfLifeDays)
	if err != nil {
		return 0, err
	}
	return agg.DecayedScore * factor, nil
}
