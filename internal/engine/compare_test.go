package engine

import (
	"errors"
	"math"
	"testing"

	"github.com/lazypower/valence/internal/values"
)

func profileOf(user string, shares map[values.Value]float64, intensity float64) Profile {
	raw := make(values.Scores, values.Count)
	for v, s := range shares {
		raw[v] = s
	}
	p, err := Normalize(user, t0, raw, 40, DefaultMaturityThreshold)
	if err != nil {
		panic(err)
	}
	p.Intensity = intensity
	return p
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{0.2, 0.3, 0.5}, []float64{0.2, 0.3, 0.5}, 1},
		{"scaled", []float64{1, 2, 3}, []float64{2, 4, 6}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"zero", []float64{0, 0}, []float64{1, 1}, 0},
		{"length mismatch", []float64{1}, []float64{1, 1}, 0},
		{"empty", nil, nil, 0},
		{"negative clamps", []float64{1, 0}, []float64{-1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CosineSimilarity(tt.a, tt.b); !approx(got, tt.want, 1e-12) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompareProfilesClassification(t *testing.T) {
	a := profileOf("a", map[values.Value]float64{
		values.Benevolence:   0.30,
		values.Universalism:  0.25,
		values.SelfDirection: 0.20,
		values.Security:      0.10,
		values.Achievement:   0.10,
		values.Tradition:     0.05,
	}, 0.4)
	b := profileOf("b", map[values.Value]float64{
		values.Benevolence: 0.28,
		values.Achievement: 0.30,
		values.Power:       0.20,
		values.Security:    0.12,
		values.Hedonism:    0.10,
	}, 0.1)

	c, err := CompareProfiles(a, b, DefaultCompareOptions())
	if err != nil {
		t.Fatal(err)
	}

	class := make(map[values.Value]Classification)
	for _, row := range c.Values {
		class[row.Value] = row.Classification
	}
	if class[values.Benevolence] != Agreement {
		t.Errorf("benevolence = %s, want agreement", class[values.Benevolence])
	}
	// a's top-3 self_direction sits in b's bottom-3, b's top-3 power in a's.
	if class[values.SelfDirection] != Difference {
		t.Errorf("self_direction = %s, want difference", class[values.SelfDirection])
	}
	if class[values.Power] != Difference {
		t.Errorf("power = %s, want difference", class[values.Power])
	}
	if class[values.Universalism] != Neutral {
		t.Errorf("universalism = %s, want neutral", class[values.Universalism])
	}
	if class[values.Security] != Neutral {
		t.Errorf("security = %s, want neutral", class[values.Security])
	}

	if len(c.SharedTopValues) != 1 || c.SharedTopValues[0] != values.Benevolence {
		t.Errorf("SharedTopValues = %v", c.SharedTopValues)
	}
	if !approx(c.IntensityGap, 0.3, 1e-12) {
		t.Errorf("IntensityGap = %v", c.IntensityGap)
	}
	if c.OverallSimilarity <= 0 || c.OverallSimilarity >= 1 {
		t.Errorf("similarity = %v", c.OverallSimilarity)
	}

	bridging := make(map[values.Value]string)
	for _, bc := range c.BridgingCandidates {
		bridging[bc.Value] = bc.HeldBy
	}
	if bridging[values.Universalism] != "a" || bridging[values.Power] != "b" {
		t.Errorf("bridging = %+v", c.BridgingCandidates)
	}
	if _, ok := bridging[values.Benevolence]; ok {
		t.Error("shared value reported as bridging")
	}
}

func TestCompareProfilesSymmetricSimilarity(t *testing.T) {
	a := profileOf("a", map[values.Value]float64{values.Power: 3, values.Hedonism: 1}, 0.2)
	b := profileOf("b", map[values.Value]float64{values.Power: 1, values.Tradition: 2}, 0.2)
	ab, _ := CompareProfiles(a, b, DefaultCompareOptions())
	ba, _ := CompareProfiles(b, a, DefaultCompareOptions())
	if ab.OverallSimilarity != ba.OverallSimilarity {
		t.Errorf("asymmetric: %v vs %v", ab.OverallSimilarity, ba.OverallSimilarity)
	}
}

func TestCompareProfilesImmature(t *testing.T) {
	a := profileOf("a", map[values.Value]float64{values.Power: 1}, 0.2)
	b, _ := Normalize("b", t0, values.Scores{values.Power: 1}, 10, DefaultMaturityThreshold)
	_, err := CompareProfiles(a, b, DefaultCompareOptions())
	var imm *ImmatureError
	if !errors.As(err, &imm) || imm.UserID != "b" {
		t.Fatalf("err = %v", err)
	}
	if ImmatureNarrative(imm) == "" {
		t.Error("empty encouragement")
	}

	none, _ := Normalize("c", t0, values.Scores{}, 50, DefaultMaturityThreshold)
	if _, err := CompareProfiles(a, none, DefaultCompareOptions()); !errors.Is(err, ErrProfileImmature) {
		t.Errorf("no-signal: err = %v", err)
	}
}

func TestNormalizeRejectsBadScores(t *testing.T) {
	for _, bad := range []float64{-0.1, math.NaN()} {
		_, err := Normalize("u", t0, values.Scores{values.Power: bad}, 1, 30)
		if !errors.Is(err, ErrInvariantViolation) || Code(err) != CodeInvariant {
			t.Errorf("score %v: err = %v", bad, err)
		}
	}
}

func TestProfileRanking(t *testing.T) {
	p := profileOf("u", map[values.Value]float64{
		values.Power:     5,
		values.Hedonism:  3,
		values.Security:  3,
		values.Tradition: 1,
	}, 0)
	top := p.TopValues(3)
	// Security precedes hedonism on the tie by canonical order.
	want := []values.Value{values.Power, values.Security, values.Hedonism}
	for i := range want {
		if top[i] != want[i] {
			t.Fatalf("TopValues = %v, want %v", top, want)
		}
	}
	bottom := p.BottomValues(2)
	if bottom[0] != values.Stimulation || bottom[1] != values.SelfDirection {
		t.Errorf("BottomValues = %v", bottom)
	}
	if p.Median() != 0 {
		t.Errorf("Median = %v", p.Median())
	}

	dims := p.DimensionScores()
	if !approx(dims[values.SelfEnhancement], (5.0/12)/2, 1e-12) {
		t.Errorf("self-enhancement = %v", dims[values.SelfEnhancement])
	}
	if Narrative(p) == "" {
		t.Error("empty narrative")
	}
}

func TestProfileSnapshotRoundTrip(t *testing.T) {
	p := profileOf("u", map[values.Value]float64{values.Power: 1, values.Security: 1}, 0.3)
	s := p.Snapshot("id1")
	back := ProfileFromSnapshot(s, 30)
	if back.Distribution[values.Power] != 0.5 || back.Intensity != 0.3 || !back.Mature {
		t.Errorf("round trip = %+v", back)
	}
	if s.SnapshotTime != t0 || s.UserID != "u" {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestCompareOptionsHonorZero(t *testing.T) {
	o := CompareOptions{TopN: 0, AgreementDelta: 0, BridgingMargin: 0, NearZero: 0}.withDefaults()
	if o.TopN != 3 {
		t.Errorf("TopN = %d, want default 3", o.TopN)
	}
	if o.AgreementDelta != 0 || o.BridgingMargin != 0 || o.NearZero != 0 {
		t.Errorf("zero thresholds replaced: %+v", o)
	}
	neg := CompareOptions{AgreementDelta: -1, BridgingMargin: -1, NearZero: -1}.withDefaults()
	if neg != DefaultCompareOptions() {
		t.Errorf("negative thresholds = %+v, want defaults", neg)
	}
}
