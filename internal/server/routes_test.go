package server

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/lazypower/valence/internal/engine"
	"github.com/lazypower/valence/internal/values"
)

func TestIngestSingle(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/beliefs", eventJSON("u1", "b1", t0, achiever))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var res engine.IngestResult
	decode(t, w, &res)
	if res.Status != engine.StatusApplied || res.BeliefID != "b1" {
		t.Errorf("result = %+v", res)
	}

	// Redelivery is accepted but changes nothing.
	w = do(t, srv, "POST", "/api/beliefs", eventJSON("u1", "b1", t0, achiever))
	decode(t, w, &res)
	if w.Code != http.StatusOK || res.Status != engine.StatusDuplicate {
		t.Errorf("redelivery: status %d, result %+v", w.Code, res)
	}
}

func TestIngestErrors(t *testing.T) {
	srv := testServer(t)
	do(t, srv, "POST", "/api/beliefs", eventJSON("u1", "b1", t0, achiever))

	tests := []struct {
		name string
		body string
		want int
		code string
	}{
		{"out of order", eventJSON("u1", "b0", t0.Add(-time.Hour), achiever), http.StatusConflict, engine.CodeOutOfOrder},
		{"invalid weight", eventJSON("u1", "b2", t0, `{"value":"power","weight":0.7,"mapping_confidence":0.9}`), http.StatusBadRequest, engine.CodeInvalid},
		{"bad json", `{"belief_id":`, http.StatusBadRequest, engine.CodeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, "POST", "/api/beliefs", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
			var body errorBody
			decode(t, w, &body)
			if body.Code != tt.code || body.Error == "" {
				t.Errorf("body = %+v, want code %s", body, tt.code)
			}
		})
	}
}

func TestIngestBatchReportsPerEvent(t *testing.T) {
	srv := testServer(t)
	batch := "[" +
		eventJSON("u1", "b1", t0.Add(time.Hour), achiever) + "," +
		eventJSON("u1", "b2", t0, achiever) + "," +
		eventJSON("u1", "b3", t0.Add(2*time.Hour), `{"value":"power","weight":1,"mapping_confidence":0.1}`) +
		"]"

	w := do(t, srv, "POST", "/api/beliefs", batch)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Results []ingestItem   `json:"results"`
		Counts  map[string]int `json:"counts"`
	}
	decode(t, w, &resp)
	if len(resp.Results) != 3 {
		t.Fatalf("results = %+v", resp.Results)
	}
	if resp.Results[1].Status != "rejected" || resp.Results[1].Code != engine.CodeOutOfOrder {
		t.Errorf("second = %+v", resp.Results[1])
	}
	if resp.Results[2].Status != engine.StatusNoOp {
		t.Errorf("third = %+v", resp.Results[2])
	}
	if resp.Counts[engine.StatusApplied] != 1 || resp.Counts["rejected"] != 1 {
		t.Errorf("counts = %v", resp.Counts)
	}
}

func TestProfileEndpoint(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "GET", "/api/users/nobody/profile", "")
	var empty profileResponse
	decode(t, w, &empty)
	if w.Code != http.StatusOK || empty.Tier != "none" || empty.HasSignal {
		t.Errorf("empty profile: status %d, %+v", w.Code, empty)
	}

	seedUser(t, srv, "u1", 30, achiever)
	w = do(t, srv, "GET", "/api/users/u1/profile?as_of="+t0.Add(48*time.Hour).Format(time.RFC3339), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var p profileResponse
	decode(t, w, &p)
	if !p.Mature || p.Tier != "mature" || p.BeliefCount != 30 {
		t.Errorf("profile = %+v", p)
	}
	if len(p.TopValues) != 3 || p.TopValues[0] != values.Achievement {
		t.Errorf("top = %v", p.TopValues)
	}
	if p.Narrative == "" {
		t.Error("empty narrative")
	}

	w = do(t, srv, "GET", "/api/users/u1/profile?as_of=yesterday", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad as_of: status = %d", w.Code)
	}
	w = do(t, srv, "GET", "/api/users/u1/profile?as_of="+t0.Format(time.RFC3339), "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("as_of before latest event: status = %d", w.Code)
	}
}

func TestCompareEndpoint(t *testing.T) {
	srv := testServer(t)
	seedUser(t, srv, "a", 30, achiever)
	seedUser(t, srv, "b", 30, carer)
	seedUser(t, srv, "young", 5, carer)

	w := do(t, srv, "GET", "/api/compare?a=a&b=b", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var c comparisonResponse
	decode(t, w, &c)
	if c.UserA != "a" || c.UserB != "b" || len(c.Values) != values.Count {
		t.Errorf("comparison = %+v", c.Comparison)
	}
	if c.OverallSimilarity < 0 || c.OverallSimilarity >= 0.5 {
		t.Errorf("similarity = %v", c.OverallSimilarity)
	}

	w = do(t, srv, "GET", "/api/compare?a=a&b=a", "")
	decode(t, w, &c)
	if c.OverallSimilarity != 1 {
		t.Errorf("self similarity = %v", c.OverallSimilarity)
	}

	w = do(t, srv, "GET", "/api/compare?a=a&b=young", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("immature: status = %d", w.Code)
	}
	var body errorBody
	decode(t, w, &body)
	if body.Code != engine.CodeImmature {
		t.Errorf("immature code = %s", body.Code)
	}

	if w := do(t, srv, "GET", "/api/compare?a=a", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing b: status = %d", w.Code)
	}
}

func TestSnapshotsAndDrift(t *testing.T) {
	srv := testServer(t)
	seedUser(t, srv, "u1", 30, achiever)

	first := t0.Add(48 * time.Hour)
	w := do(t, srv, "POST", "/api/users/u1/snapshots?at="+first.Format(time.RFC3339), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("first snapshot: status %d; %s", w.Code, w.Body.String())
	}
	var s1 struct {
		Snapshot values.Snapshot `json:"snapshot"`
		Created  bool            `json:"created"`
	}
	decode(t, w, &s1)

	// Same day without force returns the existing snapshot.
	w = do(t, srv, "POST", "/api/users/u1/snapshots?at="+first.Add(time.Hour).Format(time.RFC3339), "")
	var again struct {
		Snapshot values.Snapshot `json:"snapshot"`
		Created  bool            `json:"created"`
	}
	decode(t, w, &again)
	if w.Code != http.StatusOK || again.Created || again.Snapshot.ID != s1.Snapshot.ID {
		t.Errorf("same-day snapshot: status %d, %+v", w.Code, again)
	}

	// Shift toward benevolence, then snapshot again.
	for i := 0; i < 40; i++ {
		at := first.Add(time.Duration(i+1) * time.Hour)
		do(t, srv, "POST", "/api/beliefs", eventJSON("u1", fmt.Sprintf("late-%d", i), at, carer))
	}
	second := first.Add(10 * 24 * time.Hour)
	w = do(t, srv, "POST", "/api/users/u1/snapshots?at="+second.Format(time.RFC3339), "")
	var s2 struct {
		Snapshot values.Snapshot `json:"snapshot"`
	}
	decode(t, w, &s2)

	w = do(t, srv, "GET", "/api/users/u1/snapshots", "")
	var list struct {
		Count     int               `json:"count"`
		Snapshots []values.Snapshot `json:"snapshots"`
	}
	decode(t, w, &list)
	if list.Count != 2 || list.Snapshots[0].ID != s1.Snapshot.ID {
		t.Errorf("list = %+v", list)
	}

	// Reversed ids are accepted.
	w = do(t, srv, "GET", "/api/users/u1/drift?from="+s2.Snapshot.ID+"&to="+s1.Snapshot.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("drift: status %d; %s", w.Code, w.Body.String())
	}
	var drift struct {
		Report    engine.DriftReport `json:"report"`
		Notable   []engine.Shift     `json:"notable"`
		Narrative string             `json:"narrative"`
	}
	decode(t, w, &drift)
	if drift.Report.FromSnapshot != s1.Snapshot.ID {
		t.Errorf("from = %s, want %s", drift.Report.FromSnapshot, s1.Snapshot.ID)
	}
	if len(drift.Notable) == 0 || drift.Narrative == "" {
		t.Errorf("expected notable drift, got %+v", drift)
	}

	if w := do(t, srv, "GET", "/api/users/u1/drift?from="+s1.Snapshot.ID+"&to=missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing snapshot: status = %d", w.Code)
	}
	if w := do(t, srv, "GET", "/api/users/other/drift?from="+s1.Snapshot.ID+"&to="+s2.Snapshot.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("other user's snapshots: status = %d", w.Code)
	}
	if w := do(t, srv, "GET", "/api/users/u1/drift?from="+s1.Snapshot.ID, ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing to: status = %d", w.Code)
	}

	// The clock sits at day 60; 50 days back lands between the two snapshots.
	w = do(t, srv, "GET", "/api/users/u1/drift?since=50d", "")
	if w.Code != http.StatusOK {
		t.Fatalf("drift since: status %d; %s", w.Code, w.Body.String())
	}
	decode(t, w, &drift)
	if drift.Report.FromSnapshot != s1.Snapshot.ID || drift.Report.ToSnapshot != s2.Snapshot.ID {
		t.Errorf("since 50d compared %s..%s", drift.Report.FromSnapshot, drift.Report.ToSnapshot)
	}
	if w := do(t, srv, "GET", "/api/users/u1/drift?since=1d", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("since 1d: status = %d", w.Code)
	}
	for _, q := range []string{"since=soon", "since=-3d", "since=7d&from=" + s1.Snapshot.ID + "&to=" + s2.Snapshot.ID} {
		if w := do(t, srv, "GET", "/api/users/u1/drift?"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", q, w.Code)
		}
	}
}

func TestExportAndCompareImport(t *testing.T) {
	srv := testServer(t)
	seedUser(t, srv, "a", 30, achiever)
	seedUser(t, srv, "b", 30, carer)

	w := do(t, srv, "POST", "/api/users/b/export", `{"display_name":"Bea","values":["benevolence","achievement","universalism"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("export: status %d; %s", w.Code, w.Body.String())
	}
	var doc engine.ExportDocument
	decode(t, w, &doc)
	if !doc.ValenceExport || doc.DisplayName != "Bea" || len(doc.Values) != 3 || !doc.Mature {
		t.Errorf("doc = %+v", doc)
	}

	w = do(t, srv, "POST", "/api/users/a/compare-import", w.Body.String())
	if w.Code != http.StatusOK {
		t.Fatalf("compare-import: status %d; %s", w.Code, w.Body.String())
	}
	var c comparisonResponse
	decode(t, w, &c)
	if c.UserB != "imported:Bea" {
		t.Errorf("user_b = %q", c.UserB)
	}
	for _, row := range c.Values {
		if row.Value == values.Power && row.A != 0 {
			t.Errorf("withheld value compared: %+v", row)
		}
	}

	if w := do(t, srv, "POST", "/api/users/a/compare-import", `{"display_name":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("not an export: status = %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/users/a/export", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing display name: status = %d", w.Code)
	}
}
