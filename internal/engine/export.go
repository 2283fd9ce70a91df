package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lazypower/valence/internal/values"
)

// ExportSchemaVersion is written into every export. Readers accept any 1.x.
const ExportSchemaVersion = "1.0"

// ExportDocument is a shareable slice of a profile. It carries normalized
// shares for a user-chosen subset of values, never raw beliefs.
type ExportDocument struct {
	ValenceExport   bool                         `json:"valence_export"`
	SchemaVersion   string                       `json:"schema_version"`
	DisplayName     string                       `json:"display_name"`
	ExportedAt      time.Time                    `json:"exported_at"`
	Values          map[values.Value]float64     `json:"values"`
	DimensionScores map[values.Dimension]float64 `json:"dimension_scores"`
	Intensity       float64                      `json:"intensity,omitempty"`
	Mature          bool                         `json:"mature"`
}

// BuildExport packages p for sharing. An empty subset exports all values.
// Dimension scores cover only the exported members of each dimension.
func BuildExport(p Profile, displayName string, subset []values.Value, at time.Time) (ExportDocument, error) {
	if strings.TrimSpace(displayName) == "" {
		return ExportDocument{}, fmt.Errorf("%w: display_name required", ErrInvalidExport)
	}
	if !p.HasSignal {
		return ExportDocument{}, fmt.Errorf("%w: nothing captured yet for %s", ErrNoSignal, p.UserID)
	}
	if len(subset) == 0 {
		subset = values.All[:]
	}

	included := make(map[values.Value]bool, len(subset))
	doc := ExportDocument{
		ValenceExport:   true,
		SchemaVersion:   ExportSchemaVersion,
		DisplayName:     displayName,
		ExportedAt:      at.UTC(),
		Values:          make(map[values.Value]float64, len(subset)),
		DimensionScores: make(map[values.Dimension]float64),
		Intensity:       round3(p.Intensity),
		Mature:          p.Mature,
	}
	for _, v := range subset {
		if !v.Valid() {
			return ExportDocument{}, fmt.Errorf("%w: unknown value %q", ErrInvalidExport, v)
		}
		included[v] = true
		doc.Values[v] = round3(p.Distribution[v])
	}
	for _, d := range values.Dimensions {
		var sum float64
		var n int
		for _, v := range d.Members() {
			if included[v] {
				sum += p.Distribution[v]
				n++
			}
		}
		if n > 0 {
			doc.DimensionScores[d] = round3(sum / float64(n))
		}
	}
	return doc, nil
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

// ParseExport decodes and validates an export document. Unknown values are
// dropped so newer exports remain readable.
func ParseExport(data []byte) (ExportDocument, error) {
	var raw struct {
		ValenceExport   bool                         `json:"valence_export"`
		SchemaVersion   string                       `json:"schema_version"`
		DisplayName     *string                      `json:"display_name"`
		ExportedAt      time.Time                    `json:"exported_at"`
		Values          map[string]float64           `json:"values"`
		DimensionScores map[values.Dimension]float64 `json:"dimension_scores"`
		Intensity       float64                      `json:"intensity"`
		Mature          bool                         `json:"mature"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ExportDocument{}, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	if !raw.ValenceExport {
		return ExportDocument{}, fmt.Errorf("%w: not a valence export", ErrInvalidExport)
	}
	if raw.SchemaVersion == "" {
		raw.SchemaVersion = ExportSchemaVersion
	}
	if !strings.HasPrefix(raw.SchemaVersion, "1.") {
		return ExportDocument{}, fmt.Errorf("%w: unsupported schema_version %q", ErrInvalidExport, raw.SchemaVersion)
	}
	if raw.DisplayName == nil || raw.Values == nil {
		return ExportDocument{}, fmt.Errorf("%w: display_name and values are required", ErrInvalidExport)
	}

	doc := ExportDocument{
		ValenceExport:   true,
		SchemaVersion:   raw.SchemaVersion,
		DisplayName:     *raw.DisplayName,
		ExportedAt:      raw.ExportedAt,
		Values:          make(map[values.Value]float64, len(raw.Values)),
		DimensionScores: raw.DimensionScores,
		Intensity:       raw.Intensity,
		Mature:          raw.Mature,
	}
	for name, share := range raw.Values {
		v, ok := values.Parse(name)
		if !ok {
			continue
		}
		if math.IsNaN(share) || share < 0 || share > 1 {
			return ExportDocument{}, fmt.Errorf("%w: share %v for %s outside [0,1]", ErrInvalidExport, share, v)
		}
		doc.Values[v] = share
	}
	return doc, nil
}

// ImportedUserID labels the imported side of a comparison.
func (d ExportDocument) ImportedUserID() string {
	return "imported:" + d.DisplayName
}

// CompareWithImport compares a live profile with an imported document. The
// local distribution is restricted to the values the document carries, so
// withheld values count for neither side.
func CompareWithImport(local Profile, doc ExportDocument, opts CompareOptions) (Comparison, error) {
	if !local.Mature || !local.HasSignal {
		return Comparison{}, &ImmatureError{UserID: local.UserID, BeliefCount: local.BeliefCount, Threshold: local.Threshold}
	}
	if !doc.Mature {
		return Comparison{}, &ImmatureError{UserID: doc.ImportedUserID()}
	}

	restricted := local
	restricted.Distribution = make(values.Scores, values.Count)
	theirs := Profile{
		UserID:       doc.ImportedUserID(),
		AsOf:         doc.ExportedAt,
		Distribution: make(values.Scores, values.Count),
		Intensity:    doc.Intensity,
		Mature:       true,
		HasSignal:    true,
	}
	for _, v := range values.All {
		share, ok := doc.Values[v]
		if !ok {
			continue
		}
		restricted.Distribution[v] = local.Distribution[v]
		theirs.Distribution[v] = share
	}
	return CompareProfiles(restricted, theirs, opts)
}
