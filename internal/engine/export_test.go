package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/lazypower/valence/internal/values"
)

func TestBuildExportSubset(t *testing.T) {
	p := profileOf("u", map[values.Value]float64{
		values.Benevolence:  2,
		values.Universalism: 1,
		values.Power:        1,
	}, 0.25)
	doc, err := BuildExport(p, "Robin", []values.Value{values.Benevolence, values.Power}, t0)
	if err != nil {
		t.Fatal(err)
	}
	if !doc.ValenceExport || doc.SchemaVersion != ExportSchemaVersion || !doc.Mature {
		t.Errorf("header = %+v", doc)
	}
	if len(doc.Values) != 2 || doc.Values[values.Benevolence] != 0.5 || doc.Values[values.Power] != 0.25 {
		t.Errorf("values = %v", doc.Values)
	}
	if _, ok := doc.Values[values.Universalism]; ok {
		t.Error("withheld value exported")
	}
	// Only benevolence of self-transcendence was exported.
	if doc.DimensionScores[values.SelfTranscendence] != 0.5 {
		t.Errorf("self-transcendence = %v", doc.DimensionScores[values.SelfTranscendence])
	}
	if _, ok := doc.DimensionScores[values.Conservation]; ok {
		t.Error("dimension with no exported members present")
	}

	if _, err := BuildExport(p, " ", nil, t0); !errors.Is(err, ErrInvalidExport) {
		t.Errorf("blank name: err = %v", err)
	}
	if _, err := BuildExport(p, "Robin", []values.Value{"loyalty"}, t0); !errors.Is(err, ErrInvalidExport) {
		t.Errorf("unknown value: err = %v", err)
	}
	empty, _ := Normalize("e", t0, values.Scores{}, 0, 30)
	if _, err := BuildExport(empty, "Robin", nil, t0); !errors.Is(err, ErrNoSignal) {
		t.Errorf("no signal: err = %v", err)
	}
}

func TestParseExport(t *testing.T) {
	p := profileOf("u", map[values.Value]float64{values.Security: 1, values.Tradition: 3}, 0.2)
	doc, _ := BuildExport(p, "Robin", nil, t0)
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseExport(data)
	if err != nil {
		t.Fatalf("ParseExport: %v", err)
	}
	if back.DisplayName != "Robin" || back.Values[values.Tradition] != 0.75 || !back.ExportedAt.Equal(t0) {
		t.Errorf("parsed = %+v", back)
	}

	tests := []struct {
		name string
		json string
		ok   bool
	}{
		{"future minor", `{"valence_export":true,"schema_version":"1.7","display_name":"x","values":{"power":0.4,"loyalty":0.6}}`, true},
		{"missing version", `{"valence_export":true,"display_name":"x","values":{}}`, true},
		{"major bump", `{"valence_export":true,"schema_version":"2.0","display_name":"x","values":{}}`, false},
		{"not an export", `{"schema_version":"1.0","display_name":"x","values":{}}`, false},
		{"no values", `{"valence_export":true,"display_name":"x"}`, false},
		{"no name", `{"valence_export":true,"values":{}}`, false},
		{"share out of range", `{"valence_export":true,"display_name":"x","values":{"power":1.5}}`, false},
		{"garbage", `{`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseExport([]byte(tt.json))
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidExport) {
				t.Fatalf("err = %v, want ErrInvalidExport", err)
			}
			if tt.ok {
				for v := range doc.Values {
					if !v.Valid() {
						t.Errorf("unknown value %q kept", v)
					}
				}
			}
		})
	}
}

func TestCompareWithImportRestrictsToSubset(t *testing.T) {
	local := profileOf("me", map[values.Value]float64{
		values.Benevolence: 1,
		values.Power:       1,
		values.Hedonism:    2,
	}, 0.3)
	doc := ExportDocument{
		ValenceExport: true,
		SchemaVersion: "1.0",
		DisplayName:   "Robin",
		Values:        map[values.Value]float64{values.Benevolence: 0.5, values.Power: 0.5},
		Mature:        true,
	}
	c, err := CompareWithImport(local, doc, DefaultCompareOptions())
	if err != nil {
		t.Fatal(err)
	}
	// Hedonism was not shared, so it does not count against similarity.
	if !approx(c.OverallSimilarity, 1, 1e-12) {
		t.Errorf("similarity = %v, want 1", c.OverallSimilarity)
	}

	doc.Mature = false
	_, err = CompareWithImport(local, doc, DefaultCompareOptions())
	var imm *ImmatureError
	if !errors.As(err, &imm) || imm.UserID != "imported:Robin" {
		t.Errorf("err = %v", err)
	}
}
