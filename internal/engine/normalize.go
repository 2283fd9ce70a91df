package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lazypower/valence/internal/values"
)

// DefaultMaturityThreshold is the distinct belief count at which a profile
// becomes comparable.
const DefaultMaturityThreshold = 30

// Maturity tiers shown to the user.
const (
	TierNone     = "none"
	TierEmerging = "emerging"
	TierMature   = "mature"
)

// Profile is a user's normalized value distribution at an instant.
//
// Distribution is sum-normalized and nil when HasSignal is false. Intensity
// carries the magnitude that normalization removes.
type Profile struct {
	UserID       string        `json:"user_id"`
	AsOf         time.Time     `json:"as_of"`
	Distribution values.Scores `json:"distribution,omitempty"`
	Raw          values.Scores `json:"raw"`
	Total        float64       `json:"total"`
	Intensity    float64       `json:"intensity"`
	BeliefCount  int           `json:"belief_count"`
	Mature       bool          `json:"mature"`
	HasSignal    bool          `json:"has_signal"`
	Threshold    int           `json:"maturity_threshold"`
}

// Tier returns "none", "emerging" or "mature".
func (p Profile) Tier() string {
	switch {
	case !p.HasSignal:
		return TierNone
	case p.Mature:
		return TierMature
	default:
		return TierEmerging
	}
}

// Normalize turns raw per-value scores into a Profile.
//
// beliefs is the number of distinct contributing beliefs. A negative or NaN
// raw score is an *InvariantError. Zero total mass yields HasSignal=false
// with no distribution rather than a division by zero.
func Normalize(userID string, asOf time.Time, raw values.Scores, beliefs, threshold int) (Profile, error) {
	p := Profile{
		UserID:      userID,
		AsOf:        asOf,
		Raw:         raw.Clone(),
		BeliefCount: beliefs,
		Threshold:   threshold,
	}
	for _, v := range values.All {
		s := raw[v]
		if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 {
			return Profile{}, &InvariantError{UserID: userID, Value: v, Score: s}
		}
		p.Total += s
	}
	if p.Total == 0 {
		return p, nil
	}

	p.HasSignal = true
	p.Distribution = make(values.Scores, values.Count)
	for _, v := range values.All {
		p.Distribution[v] = raw[v] / p.Total
	}
	if beliefs > 0 {
		p.Intensity = p.Total / float64(beliefs)
	}
	p.Mature = beliefs >= threshold
	return p, nil
}

// Ranked returns values ordered by descending share. Ties keep canonical
// order, so the ranking is reproducible.
func (p Profile) Ranked() []values.Value {
	ranked := values.All
	out := ranked[:]
	sort.SliceStable(out, func(i, j int) bool { return p.Distribution[out[i]] > p.Distribution[out[j]] })
	return out
}

// TopValues returns the n highest-share values.
func (p Profile) TopValues(n int) []values.Value {
	return clampN(p.Ranked(), n, false)
}

// BottomValues returns the n lowest-share values, lowest first.
func (p Profile) BottomValues(n int) []values.Value {
	return clampN(p.Ranked(), n, true)
}

func clampN(ranked []values.Value, n int, fromBottom bool) []values.Value {
	if n <= 0 {
		return nil
	}
	if n > len(ranked) {
		n = len(ranked)
	}
	if !fromBottom {
		return append([]values.Value(nil), ranked[:n]...)
	}
	out := make([]values.Value, 0, n)
	for i := len(ranked) - 1; i >= len(ranked)-n; i-- {
		out = append(out, ranked[i])
	}
	return out
}

// Median returns the median share across all ten values.
func (p Profile) Median() float64 {
	vec := p.Distribution.Vector()
	sort.Float64s(vec)
	mid := len(vec) / 2
	if len(vec)%2 == 0 {
		return (vec[mid-1] + vec[mid]) / 2
	}
	return vec[mid]
}

// DimensionScores averages the distribution over each higher-order dimension.
func (p Profile) DimensionScores() map[values.Dimension]float64 {
	out := make(map[values.Dimension]float64, len(values.Dimensions))
	for _, d := range values.Dimensions {
		members := d.Members()
		if len(members) == 0 {
			continue
		}
		var sum float64
		for _, v := range members {
			sum += p.Distribution[v]
		}
		out[d] = sum / float64(len(members))
	}
	return out
}

// Snapshot materializes the profile as an immutable log entry.
func (p Profile) Snapshot(id string) values.Snapshot {
	s := values.Snapshot{
		ID:           id,
		UserID:       p.UserID,
		SnapshotTime: p.AsOf,
		Intensity:    p.Intensity,
		Mature:       p.Mature,
		HasSignal:    p.HasSignal,
		BeliefCount:  p.BeliefCount,
	}
	if p.HasSignal {
		s.Distribution = p.Distribution.Clone()
	}
	return s
}

// ProfileFromSnapshot rebuilds the comparable part of a profile from a
// snapshot. Raw scores are not kept in the log and stay empty.
func ProfileFromSnapshot(s values.Snapshot, threshold int) Profile {
	p := Profile{
		UserID:      s.UserID,
		AsOf:        s.SnapshotTime,
		Intensity:   s.Intensity,
		BeliefCount: s.BeliefCount,
		Mature:      s.Mature,
		HasSignal:   s.HasSignal,
		Threshold:   threshold,
	}
	if s.HasSignal {
		p.Distribution = s.Distribution.Clone()
	}
	return p
}

func (p Profile) String() string {
	return fmt.Sprintf("profile(%s, %s, %d beliefs)", p.UserID, p.Tier(), p.BeliefCount)
}
