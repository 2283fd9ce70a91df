package engine

import (
	"math"
	"time"

	"github.com/lazypower/valence/internal/values"
)

// Per-value classification in a comparison.
type Classification string

const (
	Agreement  Classification = "agreement"
	Difference Classification = "difference"
	Neutral    Classification = "neutral"
)

// CompareOptions tunes classification. A TopN below one takes the default.
// The float thresholds honor zero and take the defaults only when negative,
// so start from DefaultCompareOptions when overriding a single field.
type CompareOptions struct {
	TopN           int
	AgreementDelta float64
	BridgingMargin float64
	NearZero       float64
}

// DefaultCompareOptions returns top/bottom 3, agreement within 0.1, and
// bridging at 0.05 above own median against 0.02 or less.
func DefaultCompareOptions() CompareOptions {
	return CompareOptions{
		TopN:           3,
		AgreementDelta: 0.1,
		BridgingMargin: 0.05,
		NearZero:       0.02,
	}
}

func (o CompareOptions) withDefaults() CompareOptions {
	d := DefaultCompareOptions()
	if o.TopN <= 0 {
		o.TopN = d.TopN
	}
	if o.AgreementDelta < 0 {
		o.AgreementDelta = d.AgreementDelta
	}
	if o.BridgingMargin < 0 {
		o.BridgingMargin = d.BridgingMargin
	}
	if o.NearZero < 0 {
		o.NearZero = d.NearZero
	}
	return o
}

// ValueComparison is one row of a comparison.
type ValueComparison struct {
	Value          values.Value   `json:"value"`
	A              float64        `json:"a"`
	B              float64        `json:"b"`
	Delta          float64        `json:"delta"`
	Classification Classification `json:"classification"`
}

// BridgingCandidate is a value one user holds well above their own median
// while the other barely registers it.
type BridgingCandidate struct {
	Value       values.Value `json:"value"`
	HeldBy      string       `json:"held_by"`
	HolderScore float64      `json:"holder_score"`
	OtherScore  float64      `json:"other_score"`
}

// Comparison is the result of comparing two mature profiles.
type Comparison struct {
	UserA              string              `json:"user_a"`
	UserB              string              `json:"user_b"`
	OverallSimilarity  float64             `json:"overall_similarity"`
	IntensityA         float64             `json:"intensity_a"`
	IntensityB         float64             `json:"intensity_b"`
	IntensityGap       float64             `json:"intensity_gap"`
	Values             []ValueComparison   `json:"values"`
	SharedTopValues    []values.Value      `json:"shared_top_values"`
	BridgingCandidates []BridgingCandidate `json:"bridging_candidates"`
	ComparedAt         time.Time           `json:"compared_at,omitempty"`
}

// Agreements lists the values classified as agreement.
func (c Comparison) Agreements() []values.Value { return c.filter(Agreement) }

// Differences lists the values classified as difference.
func (c Comparison) Differences() []values.Value { return c.filter(Difference) }

func (c Comparison) filter(cl Classification) []values.Value {
	var out []values.Value
	for _, vc := range c.Values {
		if vc.Classification == cl {
			out = append(out, vc.Value)
		}
	}
	return out
}

// CompareProfiles compares two profiles. Both must be mature; otherwise the
// error is an *ImmatureError naming the first offending user. The result
// depends only on the two inputs.
func CompareProfiles(a, b Profile, opts CompareOptions) (Comparison, error) {
	for _, p := range []Profile{a, b} {
		if !p.Mature || !p.HasSignal {
			return Comparison{}, &ImmatureError{UserID: p.UserID, BeliefCount: p.BeliefCount, Threshold: p.Threshold}
		}
	}
	opts = opts.withDefaults()

	c := Comparison{
		UserA:             a.UserID,
		UserB:             b.UserID,
		OverallSimilarity: CosineSimilarity(a.Distribution.Vector(), b.Distribution.Vector()),
		IntensityA:        a.Intensity,
		IntensityB:        b.Intensity,
		IntensityGap:      math.Abs(a.Intensity - b.Intensity),
	}

	topA, topB := set(a.TopValues(opts.TopN)), set(b.TopValues(opts.TopN))
	botA, botB := set(a.BottomValues(opts.TopN)), set(b.BottomValues(opts.TopN))
	medA, medB := a.Median(), b.Median()

	for _, v := range values.All {
		sa, sb := a.Distribution[v], b.Distribution[v]
		row := ValueComparison{Value: v, A: sa, B: sb, Delta: sb - sa, Classification: Neutral}
		switch {
		case topA[v] && topB[v] && math.Abs(sa-sb) < opts.AgreementDelta:
			row.Classification = Agreement
		case (topA[v] && botB[v]) || (topB[v] && botA[v]):
			row.Classification = Difference
		}
		c.Values = append(c.Values, row)

		if topA[v] && topB[v] {
			c.SharedTopValues = append(c.SharedTopValues, v)
		}
		switch {
		case sa >= medA+opts.BridgingMargin && sb <= opts.NearZero:
			c.BridgingCandidates = append(c.BridgingCandidates, BridgingCandidate{Value: v, HeldBy: a.UserID, HolderScore: sa, OtherScore: sb})
		case sb >= medB+opts.BridgingMargin && sa <= opts.NearZero:
			c.BridgingCandidates = append(c.BridgingCandidates, BridgingCandidate{Value: v, HeldBy: b.UserID, HolderScore: sb, OtherScore: sa})
		}
	}
	return c, nil
}

func set(vs []values.Value) map[values.Value]bool {
	m := make(map[values.Value]bool, len(vs))
	for _, v := range vs {
		m[v] = true
	}
	return m
}

// CosineSimilarity computes the cosine similarity between two vectors,
// clamped to [0,1]. Identical vectors score exactly 1; mismatched lengths or
// a zero vector score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	identical := true
	var dot, normA, normB float64
	for i := range a {
		if a[i] != b[i] {
			identical = false
		}
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	if identical {
		return 1
	}
	sim := dot / denom
	switch {
	case sim < 0:
		return 0
	case sim > 1:
		return 1
	}
	return sim
}
