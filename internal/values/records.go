package values

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Tag weights assigned by the extraction collaborator.
const (
	WeightPrimary   = 1.0
	WeightSecondary = 0.5
)

// MaxTags is the most value tags a single belief may carry.
const MaxTags = 3

// Tag links a belief to one value.
type Tag struct {
	Value             Value   `json:"value"`
	Weight            float64 `json:"weight"`
	MappingConfidence float64 `json:"mapping_confidence"`
}

// BeliefEvent is an extracted, value-tagged belief. The text of the belief is
// never carried here, only its opaque identifier.
type BeliefEvent struct {
	BeliefID         string    `json:"belief_id"`
	UserID           string    `json:"user_id"`
	BeliefConfidence float64   `json:"belief_confidence"`
	OccurredAt       time.Time `json:"occurred_at"`
	Tags             []Tag     `json:"tags"`
}

// Instants the stores can hold. Times are persisted as Unix nanoseconds.
var (
	MinTime = time.Unix(0, math.MinInt64).UTC()
	MaxTime = time.Unix(0, math.MaxInt64).UTC()
)

// Storable reports whether t lies within [MinTime, MaxTime].
func Storable(t time.Time) bool {
	return !t.Before(MinTime) && !t.After(MaxTime)
}

// ErrInvalidEvent is returned by Validate for malformed events.
var ErrInvalidEvent = errors.New("invalid belief event")

// Validate checks the structural contract of a belief event. It does not
// reinterpret tags; confidence values are taken as given.
func (e BeliefEvent) Validate() error {
	if strings.TrimSpace(e.BeliefID) == "" {
		return fmt.Errorf("%w: belief_id required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("%w: user_id required", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at required", ErrInvalidEvent)
	}
	if !Storable(e.OccurredAt) {
		return fmt.Errorf("%w: occurred_at %s outside %d..%d", ErrInvalidEvent,
			e.OccurredAt.Format(time.RFC3339), MinTime.Year(), MaxTime.Year())
	}
	if !unit(e.BeliefConfidence) {
		return fmt.Errorf("%w: belief_confidence %v outside [0,1]", ErrInvalidEvent, e.BeliefConfidence)
	}
	if len(e.Tags) > MaxTags {
		return fmt.Errorf("%w: %d tags, max %d", ErrInvalidEvent, len(e.Tags), MaxTags)
	}
	for _, t := range e.Tags {
		if !t.Value.Valid() {
			return fmt.Errorf("%w: unknown value %q", ErrInvalidEvent, t.Value)
		}
		if t.Weight != WeightPrimary && t.Weight != WeightSecondary {
			return fmt.Errorf("%w: weight %v for %s must be 1.0 or 0.5", ErrInvalidEvent, t.Weight, t.Value)
		}
		if !unit(t.MappingConfidence) {
			return fmt.Errorf("%w: mapping_confidence %v for %s outside [0,1]", ErrInvalidEvent, t.MappingConfidence, t.Value)
		}
	}
	return nil
}

func unit(f float64) bool {
	return !math.IsNaN(f) && f >= 0 && f <= 1
}

// Aggregate is the decayed state kept per (user, value). A zero ReferenceTime
// means no belief has contributed yet.
type Aggregate struct {
	UserID        string
	Value         Value
	ReferenceTime time.Time
	DecayedScore  float64
	BeliefCount   int
}

// Exists reports whether the aggregate has absorbed at least one contribution.
func (a Aggregate) Exists() bool {
	return !a.ReferenceTime.IsZero()
}

// Scores maps values to a score. Absent values read as zero.
type Scores map[Value]float64

// Vector returns the scores in canonical order.
func (s Scores) Vector() []float64 {
	out := make([]float64, Count)
	for i, v := range All {
		out[i] = s[v]
	}
	return out
}

// Sum returns the total across all ten values.
func (s Scores) Sum() float64 {
	var total float64
	for _, v := range All {
		total += s[v]
	}
	return total
}

// Clone returns a copy with every value present.
func (s Scores) Clone() Scores {
	out := make(Scores, Count)
	for _, v := range All {
		out[v] = s[v]
	}
	return out
}

// Snapshot is an immutable, timestamped materialization of a normalized profile.
type Snapshot struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	SnapshotTime time.Time `json:"snapshot_time"`
	Distribution Scores    `json:"distribution"`
	Intensity    float64   `json:"intensity"`
	Mature       bool      `json:"mature"`
	HasSignal    bool      `json:"has_signal"`
	BeliefCount  int       `json:"belief_count"`
}
