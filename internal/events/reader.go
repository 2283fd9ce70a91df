// Package events reads belief events from JSONL files, one event per line.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/lazypower/valence/internal/values"
)

// LineError records a line that could not be turned into a valid event.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// Batch is the result of reading a JSONL stream.
type Batch struct {
	Events  []values.BeliefEvent
	Skipped []LineError
}

// ParseFile reads a JSONL file of belief events.
func ParseFile(path string) (Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return Batch{}, fmt.Errorf("open events: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses belief events from r. Blank lines and lines starting with '#'
// are ignored. Malformed or invalid lines are collected in Skipped rather
// than failing the batch.
func Read(r io.Reader) (Batch, error) {
	var b Batch
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB line buffer

	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ev, err := ParseLine([]byte(line))
		if err != nil {
			b.Skipped = append(b.Skipped, LineError{Line: n, Err: err})
			continue
		}
		b.Events = append(b.Events, ev)
	}

	if err := scanner.Err(); err != nil {
		return b, fmt.Errorf("scan events: %w", err)
	}
	return b, nil
}

// ParseLine decodes and validates one event.
func ParseLine(line []byte) (values.BeliefEvent, error) {
	var ev values.BeliefEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", values.ErrInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}

// ParseArray decodes a single event object or a JSON array of events.
func ParseArray(data []byte) ([]values.BeliefEvent, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var evs []values.BeliefEvent
		if err := json.Unmarshal(data, &evs); err != nil {
			return nil, fmt.Errorf("%w: %v", values.ErrInvalidEvent, err)
		}
		for i, ev := range evs {
			if err := ev.Validate(); err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
		}
		return evs, nil
	}
	ev, err := ParseLine(data)
	if err != nil {
		return nil, err
	}
	return []values.BeliefEvent{ev}, nil
}

// ForUser returns the events belonging to userID.
func ForUser(evs []values.BeliefEvent, userID string) []values.BeliefEvent {
	var out []values.BeliefEvent
	for _, ev := range evs {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out
}

// SortByTime orders events by occurred_at, keeping input order for ties.
func SortByTime(evs []values.BeliefEvent) {
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].OccurredAt.Before(evs[j].OccurredAt) })
}

// Write encodes events as JSONL.
func Write(w io.Writer, evs []values.BeliefEvent) error {
	enc := json.NewEncoder(w)
	for _, ev := range evs {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event %s: %w", ev.BeliefID, err)
		}
	}
	return nil
}
