package engine

import (
	"sort"
	"time"

	"github.com/lazypower/valence/internal/values"
)

// DefaultMappingCutoff is the minimum mapping confidence for a tag to count.
const DefaultMappingCutoff = 0.4

// Contribution is the undecayed mass one belief adds to one value.
type Contribution struct {
	UserID     string
	BeliefID   string
	Value      values.Value
	Magnitude  float64
	OccurredAt time.Time
}

// Evaluate turns a belief into per-tag contributions. Tags below cutoff are
// dropped. Each surviving tag is scored on its own, so one belief can count
// fully toward several values. No decay is applied here.
func Evaluate(ev values.BeliefEvent, cutoff float64) []Contribution {
	var out []Contribution
	for _, tag := range ev.Tags {
		if tag.MappingConfidence < cutoff {
			continue
		}
		out = append(out, Contribution{
			UserID:     ev.UserID,
			BeliefID:   ev.BeliefID,
			Value:      tag.Value,
			Magnitude:  ev.BeliefConfidence * tag.MappingConfidence * tag.Weight,
			OccurredAt: ev.OccurredAt,
		})
	}
	return out
}

// mergeByValue folds contributions that target the same value into one, so a
// belief that tags a value twice still counts once toward that value's
// belief_count. Output is in canonical value order.
func mergeByValue(cs []Contribution) []Contribution {
	if len(cs) == 0 {
		return nil
	}
	merged := make(map[values.Value]Contribution, len(cs))
	for _, c := range cs {
		if m, ok := merged[c.Value]; ok {
			m.Magnitude += c.Magnitude
			merged[c.Value] = m
			continue
		}
		merged[c.Value] = c
	}
	out := make([]Contribution, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value.Index() < out[j].Value.Index() })
	return out
}
