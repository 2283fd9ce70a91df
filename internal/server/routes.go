package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/valence/internal/engine"
	"github.com/lazypower/valence/internal/values"
)

const maxBodyBytes = 10 << 20

type ingestItem struct {
	engine.IngestResult
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// handleIngest accepts one belief event or an array of them. A single event
// reports failure through the HTTP status; an array is applied in order and
// reports per-event outcomes.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "read body failed")
		return
	}
	body = bytes.TrimSpace(body)

	if len(body) > 0 && body[0] == '[' {
		var evs []values.BeliefEvent
		if err := json.Unmarshal(body, &evs); err != nil {
			badRequest(w, "invalid json")
			return
		}
		items := make([]ingestItem, len(evs))
		counts := map[string]int{}
		for i, ev := range evs {
			res, err := s.eng.Ingest(r.Context(), ev)
			items[i] = ingestItem{IngestResult: res}
			if err != nil {
				items[i].Status = "rejected"
				items[i].Error = err.Error()
				items[i].Code = engine.Code(err)
			}
			counts[items[i].Status]++
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"results": items,
			"counts":  counts,
		})
		return
	}

	var ev values.BeliefEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		badRequest(w, "invalid json")
		return
	}
	res, err := s.eng.Ingest(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status == engine.StatusApplied {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

type profileResponse struct {
	engine.Profile
	Tier            string                       `json:"tier"`
	TopValues       []values.Value               `json:"top_values"`
	BottomValues    []values.Value               `json:"bottom_values"`
	DimensionScores map[values.Dimension]float64 `json:"dimension_scores,omitempty"`
	Narrative       string                       `json:"narrative"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	asOf, err := timeParam(r, "as_of")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	p, err := s.eng.GetProfile(r.Context(), chi.URLParam(r, "userID"), asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n := s.eng.Settings.Compare.TopN
	resp := profileResponse{
		Profile:      p,
		Tier:         p.Tier(),
		TopValues:    p.TopValues(n),
		BottomValues: p.BottomValues(n),
		Narrative:    engine.Narrative(p),
	}
	if p.HasSignal {
		resp.DimensionScores = p.DimensionScores()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) {
	at, err := timeParam(r, "at")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	snap, created, err := s.eng.TakeSnapshot(r.Context(), chi.URLParam(r, "userID"), at, boolParam(r, "force"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"snapshot": snap,
		"created":  created,
	})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	from, err := timeParam(r, "from")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	to, err := timeParam(r, "to")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	snaps, err := s.eng.Snapshots(r.Context(), chi.URLParam(r, "userID"), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []values.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(snaps),
		"snapshots": snaps,
	})
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, since := q.Get("from"), q.Get("to"), q.Get("since")
	var (
		rep engine.DriftReport
		err error
	)
	switch {
	case since != "" && from == "" && to == "":
		lookback, perr := engine.ParseLookback(since)
		if perr != nil {
			badRequest(w, perr.Error())
			return
		}
		rep, err = s.eng.DriftSince(r.Context(), chi.URLParam(r, "userID"), lookback)
	case since == "" && from != "" && to != "":
		rep, err = s.eng.GetDrift(r.Context(), chi.URLParam(r, "userID"), from, to)
	default:
		badRequest(w, "give from and to snapshot ids, or since")
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	notable := rep.Notable()
	if notable == nil {
		notable = []engine.Shift{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":    rep,
		"notable":   notable,
		"narrative": engine.DriftNarrative(rep),
	})
}

type comparisonResponse struct {
	engine.Comparison
	Agreements  []values.Value `json:"agreements"`
	Differences []values.Value `json:"differences"`
	Narrative   string         `json:"narrative"`
}

func newComparisonResponse(c engine.Comparison) comparisonResponse {
	return comparisonResponse{
		Comparison:  c,
		Agreements:  c.Agreements(),
		Differences: c.Differences(),
		Narrative:   engine.ComparisonNarrative(c),
	}
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	a, b := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if a == "" || b == "" {
		badRequest(w, "a and b user ids required")
		return
	}
	asOf, err := timeParam(r, "as_of")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	c, err := s.eng.Compare(r.Context(), a, b, asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newComparisonResponse(c))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string         `json:"display_name"`
		Values      []values.Value `json:"values"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.DisplayName == "" {
		badRequest(w, "display_name required")
		return
	}
	asOf, err := timeParam(r, "as_of")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	doc, err := s.eng.Export(r.Context(), chi.URLParam(r, "userID"), req.DisplayName, req.Values, asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleCompareImport takes an export document as the request body.
func (s *Server) handleCompareImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "read body failed")
		return
	}
	doc, err := engine.ParseExport(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	asOf, err := timeParam(r, "as_of")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	c, err := s.eng.CompareWithImport(r.Context(), chi.URLParam(r, "userID"), doc, asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newComparisonResponse(c))
}
