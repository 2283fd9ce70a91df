package engine

import (
	"fmt"
	"strings"
)

// Narrative renders a short plain-text summary of a profile.
func Narrative(p Profile) string {
	if !p.HasSignal {
		return "Nothing captured yet. Keep journaling, and patterns will emerge over time."
	}

	var b strings.Builder
	if !p.Mature {
		fmt.Fprintf(&b, "Your profile is still emerging (%d of %d beliefs). Early patterns:\n", p.BeliefCount, p.Threshold)
	} else {
		b.WriteString("What you seem to value most:\n")
	}

	for i, v := range p.TopValues(3) {
		share := p.Distribution[v]
		if share == 0 {
			break
		}
		def := v.Definition()
		if i == 0 {
			fmt.Fprintf(&b, "  You often come back to %s: %s (%.0f%%).\n", strings.ToLower(def.Name), lowerFirst(def.Description), share*100)
			continue
		}
		fmt.Fprintf(&b, "  %s also matters to you: %s (%.0f%%).\n", def.Name, lowerFirst(def.Description), share*100)
	}
	fmt.Fprintf(&b, "Intensity %.3f per belief across %d beliefs.", p.Intensity, p.BeliefCount)
	return b.String()
}

// DriftNarrative describes the notable shifts in a report, at most three.
// It returns "" when nothing moved past the threshold.
func DriftNarrative(r DriftReport) string {
	notable := r.Notable()
	if len(notable) == 0 {
		return ""
	}
	if len(notable) > 3 {
		notable = notable[:3]
	}

	var b strings.Builder
	b.WriteString("How your values are shifting:\n")
	for _, s := range notable {
		name := s.Value.DisplayName()
		if s.Delta > 0 {
			fmt.Fprintf(&b, "  Your emphasis on %s has increased (%+.0f points).\n", strings.ToLower(name), s.Delta*100)
		} else {
			fmt.Fprintf(&b, "  %s has decreased (%+.0f points).\n", name, s.Delta*100)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ComparisonNarrative summarizes an alignment result.
func ComparisonNarrative(c Comparison) string {
	var b strings.Builder
	pct := int(c.OverallSimilarity * 100)
	switch {
	case c.OverallSimilarity > 0.8:
		fmt.Fprintf(&b, "%d%% aligned: very similar priorities.\n", pct)
	case c.OverallSimilarity > 0.6:
		fmt.Fprintf(&b, "%d%% aligned: shared core values with notable differences.\n", pct)
	case c.OverallSimilarity > 0.4:
		fmt.Fprintf(&b, "%d%% aligned: some common ground, different priorities.\n", pct)
	default:
		fmt.Fprintf(&b, "%d%% aligned: priorities diverge.\n", pct)
	}
	if len(c.SharedTopValues) > 0 {
		names := make([]string, len(c.SharedTopValues))
		for i, v := range c.SharedTopValues {
			names[i] = v.DisplayName()
		}
		fmt.Fprintf(&b, "Shared priorities: %s\n", strings.Join(names, ", "))
	}
	for _, bc := range c.BridgingCandidates {
		fmt.Fprintf(&b, "Worth talking about: %s matters to %s and barely shows up for the other.\n", bc.Value.DisplayName(), bc.HeldBy)
	}
	fmt.Fprintf(&b, "Intensity gap %.3f.", c.IntensityGap)
	return b.String()
}

// ImmatureNarrative turns PROFILE_IMMATURE into encouragement.
func ImmatureNarrative(err *ImmatureError) string {
	if err.Threshold > err.BeliefCount {
		return fmt.Sprintf("Not enough yet to compare %s: %d more beliefs will get there. Keep journaling.",
			err.UserID, err.Threshold-err.BeliefCount)
	}
	return fmt.Sprintf("Not enough yet to compare %s. Keep journaling.", err.UserID)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
