package engine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lazypower/valence/internal/values"
)

// DefaultDriftThreshold is the absolute share change reported as notable.
const DefaultDriftThreshold = 0.15

// Shift is one value's change between two snapshots.
type Shift struct {
	Value   values.Value `json:"value"`
	From    float64      `json:"from"`
	To      float64      `json:"to"`
	Delta   float64      `json:"delta"`
	Notable bool         `json:"notable"`
}

// DriftReport describes how a user's distribution moved between snapshots.
type DriftReport struct {
	UserID         string    `json:"user_id"`
	FromSnapshot   string    `json:"from_snapshot"`
	ToSnapshot     string    `json:"to_snapshot"`
	FromTime       time.Time `json:"from_time"`
	ToTime         time.Time `json:"to_time"`
	Shifts         []Shift   `json:"shifts"`
	IntensityDelta float64   `json:"intensity_delta"`
	Threshold      float64   `json:"threshold"`
}

// Notable returns the notable shifts, largest magnitude first.
func (r DriftReport) Notable() []Shift {
	var out []Shift
	for _, s := range r.Shifts {
		if s.Notable {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return math.Abs(out[i].Delta) > math.Abs(out[j].Delta) })
	return out
}

// Drift compares an earlier snapshot s1 with a later s2 of the same user.
// Either snapshot being immature fails with ErrInsufficientData wrapping an
// *ImmatureError.
func Drift(s1, s2 values.Snapshot, threshold float64) (DriftReport, error) {
	if s1.UserID != s2.UserID {
		return DriftReport{}, fmt.Errorf("%w: %s and %s", ErrUserMismatch, s1.UserID, s2.UserID)
	}
	if s2.SnapshotTime.Before(s1.SnapshotTime) {
		return DriftReport{}, fmt.Errorf("%w: from snapshot %s is later than to snapshot %s", ErrInvalidRange, s1.ID, s2.ID)
	}
	for _, s := range []values.Snapshot{s1, s2} {
		if !s.Mature || !s.HasSignal {
			return DriftReport{}, fmt.Errorf("%w: %w", ErrInsufficientData, &ImmatureError{UserID: s.UserID, BeliefCount: s.BeliefCount})
		}
	}
	if threshold <= 0 {
		threshold = DefaultDriftThreshold
	}

	r := DriftReport{
		UserID:         s1.UserID,
		FromSnapshot:   s1.ID,
		ToSnapshot:     s2.ID,
		FromTime:       s1.SnapshotTime,
		ToTime:         s2.SnapshotTime,
		IntensityDelta: s2.Intensity - s1.Intensity,
		Threshold:      threshold,
	}
	for _, v := range values.All {
		from, to := s1.Distribution[v], s2.Distribution[v]
		delta := to - from
		r.Shifts = append(r.Shifts, Shift{
			Value:   v,
			From:    from,
			To:      to,
			Delta:   delta,
			Notable: math.Abs(delta) >= threshold,
		})
	}
	return r, nil
}

// ParseLookback parses a lookback such as "30d", "2w" or any
// time.ParseDuration string. It must be positive.
func ParseLookback(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var d time.Duration
	unit := map[byte]time.Duration{'d': day, 'w': 7 * day}
	if n := len(s); n > 1 && unit[s[n-1]] != 0 {
		count, err := strconv.Atoi(s[:n-1])
		if err != nil {
			return 0, fmt.Errorf("%w: lookback %q", ErrInvalidRange, s)
		}
		d = time.Duration(count) * unit[s[n-1]]
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("%w: lookback %q", ErrInvalidRange, s)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: lookback %q must be positive", ErrInvalidRange, s)
	}
	return d, nil
}
