package events

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lazypower/valence/internal/values"
)

const sample = `{"belief_id":"b1","user_id":"u1","belief_confidence":0.8,"occurred_at":"2026-03-01T10:00:00Z","tags":[{"value":"achievement","weight":1,"mapping_confidence":0.9},{"value":"power","weight":0.5,"mapping_confidence":0.9}]}
# comment

{"belief_id":"b2","user_id":"u2","belief_confidence":0.6,"occurred_at":"2026-02-27T10:00:00Z","tags":[]}
not json at all
{"belief_id":"b3","user_id":"u1","belief_confidence":0.6,"occurred_at":"2026-02-28T10:00:00Z","tags":[{"value":"loyalty","weight":1,"mapping_confidence":0.9}]}
{"belief_id":"b4","user_id":"u1","belief_confidence":0.7,"occurred_at":"2026-02-26T09:00:00Z","tags":[{"value":"security","weight":1,"mapping_confidence":0.5}]}`

func TestRead(t *testing.T) {
	b, err := Read(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(b.Events) != 3 {
		t.Fatalf("events = %d, want 3", len(b.Events))
	}
	if len(b.Skipped) != 2 {
		t.Fatalf("skipped = %+v", b.Skipped)
	}
	if b.Skipped[0].Line != 5 || b.Skipped[1].Line != 6 {
		t.Errorf("skipped lines = %d, %d", b.Skipped[0].Line, b.Skipped[1].Line)
	}
	for _, s := range b.Skipped {
		if !errors.Is(s.Err, values.ErrInvalidEvent) {
			t.Errorf("line %d: %v", s.Line, s.Err)
		}
	}

	ev := b.Events[0]
	if ev.BeliefID != "b1" || len(ev.Tags) != 2 || ev.Tags[1].Value != values.Power {
		t.Errorf("first event = %+v", ev)
	}
	if !ev.OccurredAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("occurred_at = %v", ev.OccurredAt)
	}
}

func TestForUserAndSort(t *testing.T) {
	b, _ := Read(strings.NewReader(sample))
	mine := ForUser(b.Events, "u1")
	if len(mine) != 2 {
		t.Fatalf("u1 events = %d", len(mine))
	}
	SortByTime(mine)
	if mine[0].BeliefID != "b4" || mine[1].BeliefID != "b1" {
		t.Errorf("order = %s, %s", mine[0].BeliefID, mine[1].BeliefID)
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatal(err)
	}
	b, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(b.Events) != 3 {
		t.Errorf("events = %d", len(b.Events))
	}
	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	b, _ := Read(strings.NewReader(sample))
	var buf bytes.Buffer
	if err := Write(&buf, b.Events); err != nil {
		t.Fatal(err)
	}
	back, err := Read(&buf)
	if err != nil || len(back.Events) != len(b.Events) || len(back.Skipped) != 0 {
		t.Fatalf("round trip = %+v, %v", back, err)
	}
}

func TestParseArray(t *testing.T) {
	single := `{"belief_id":"b1","user_id":"u1","belief_confidence":0.5,"occurred_at":"2026-03-01T10:00:00Z"}`
	evs, err := ParseArray([]byte(single))
	if err != nil || len(evs) != 1 {
		t.Fatalf("single = %v, %v", evs, err)
	}

	arr := "[" + single + "," + strings.Replace(single, `"b1"`, `"b2"`, 1) + "]"
	evs, err = ParseArray([]byte(arr))
	if err != nil || len(evs) != 2 || evs[1].BeliefID != "b2" {
		t.Fatalf("array = %v, %v", evs, err)
	}

	bad := "[" + strings.Replace(single, `0.5`, `2`, 1) + "]"
	if _, err := ParseArray([]byte(bad)); !errors.Is(err, values.ErrInvalidEvent) {
		t.Errorf("invalid element: err = %v", err)
	}
	if _, err := ParseArray([]byte(`{`)); !errors.Is(err, values.ErrInvalidEvent) {
		t.Errorf("garbage: err = %v", err)
	}
}
