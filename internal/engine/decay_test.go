package engine

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/lazypower/valence/internal/values"
)

const tol = 1e-9

func approx(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestDecayFactor(t *testing.T) {
	tests := []struct {
		elapsed, halfLife, want float64
	}{
		{0, 90, 1.0},
		{90, 90, 0.5},
		{180, 90, 0.25},
		{30, 90, 0.7937005259840998},
		{45, 45, 0.5},
	}
	for _, tt := range tests {
		got, err := DecayFactor(tt.elapsed, tt.halfLife)
		if err != nil {
			t.Fatalf("DecayFactor(%v, %v): %v", tt.elapsed, tt.halfLife, err)
		}
		if !approx(got, tt.want, tol) {
			t.Errorf("DecayFactor(%v, %v) = %v, want %v", tt.elapsed, tt.halfLife, got, tt.want)
		}
	}
}

func TestDecayFactorMonotonic(t *testing.T) {
	prev := 2.0
	for d := 0.0; d <= 720; d += 7.5 {
		f, err := DecayFactor(d, DefaultHalfLifeDays)
		if err != nil {
			t.Fatal(err)
		}
		if f >= prev {
			t.Fatalf("not strictly decreasing at %v days: %v >= %v", d, f, prev)
		}
		prev = f
	}
}

func TestDecayFactorRejectsNegative(t *testing.T) {
	_, err := DecayFactor(-0.001, 90)
	if !errors.Is(err, ErrNegativeElapsed) {
		t.Errorf("err = %v, want ErrNegativeElapsed", err)
	}
	if _, err := DecayFactor(math.NaN(), 90); !errors.Is(err, ErrNegativeElapsed) {
		t.Errorf("NaN elapsed: err = %v", err)
	}
	if _, err := DecayFactor(10, 0); err == nil {
		t.Error("expected error for zero half-life")
	}
}

func TestElapsedDays(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(36 * time.Hour)
	if got := ElapsedDays(a, b); !approx(got, 1.5, tol) {
		t.Errorf("ElapsedDays = %v, want 1.5", got)
	}
	if got := ElapsedDays(b, a); !approx(got, -1.5, tol) {
		t.Errorf("ElapsedDays reversed = %v, want -1.5", got)
	}
}

// The worked example: belief_confidence 0.8, mapping_confidence 0.9, primary
// achievement and secondary power, expressed 30 days ago.
func TestWorkedExample(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	ev := values.BeliefEvent{
		BeliefID:         "b1",
		UserID:           "u1",
		BeliefConfidence: 0.8,
		OccurredAt:       now.Add(-30 * day),
		Tags: []values.Tag{
			{Value: values.Achievement, Weight: values.WeightPrimary, MappingConfidence: 0.9},
			{Value: values.Power, Weight: values.WeightSecondary, MappingConfidence: 0.9},
		},
	}

	got := map[values.Value]float64{}
	for _, c := range Evaluate(ev, DefaultMappingCutoff) {
		agg, err := Absorb(values.Aggregate{}, c, DefaultHalfLifeDays, true)
		if err != nil {
			t.Fatalf("Absorb: %v", err)
		}
		score, err := ScoreAt(agg, now, DefaultHalfLifeDays)
		if err != nil {
			t.Fatalf("ScoreAt: %v", err)
		}
		got[c.Value] = score
	}

	if !approx(got[values.Achievement], 0.571, 1e-3) {
		t.Errorf("achievement = %v, want ~0.571", got[values.Achievement])
	}
	if !approx(got[values.Power], 0.286, 1e-3) {
		t.Errorf("power = %v, want ~0.286", got[values.Power])
	}
}
