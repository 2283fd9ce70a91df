package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lazypower/valence/internal/values"
)

func TestNewFallsBackToEnv(t *testing.T) {
	t.Setenv("VALENCE_URL", "http://example.test:9999/")
	if got := New("").URL(); got != "http://example.test:9999" {
		t.Errorf("URL = %q", got)
	}
	if got := New("http://other:1").URL(); got != "http://other:1" {
		t.Errorf("explicit URL = %q", got)
	}

	t.Setenv("VALENCE_URL", "")
	if got := New("").URL(); got != DefaultServerURL {
		t.Errorf("default URL = %q", got)
	}
}

func TestPushBatchesInOrder(t *testing.T) {
	var batches []int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/beliefs" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var evs []values.BeliefEvent
		if err := json.NewDecoder(r.Body).Decode(&evs); err != nil {
			http.Error(w, `{"error":"invalid json","code":"INVALID_REQUEST"}`, http.StatusBadRequest)
			return
		}
		batches = append(batches, len(evs))
		results := make([]PushResult, len(evs))
		for i, ev := range evs {
			results[i] = PushResult{UserID: ev.UserID, BeliefID: ev.BeliefID, Status: "applied"}
		}
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	defer ts.Close()

	evs := make([]values.BeliefEvent, 1203)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range evs {
		evs[i] = values.BeliefEvent{BeliefID: fmt.Sprintf("b%d", i), UserID: "u1", BeliefConfidence: 1, OccurredAt: start.Add(time.Duration(i) * time.Minute)}
	}

	c := New(ts.URL)
	res, err := c.Push(context.Background(), evs)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(res) != len(evs) {
		t.Fatalf("results = %d, want %d", len(res), len(evs))
	}
	if res[1202].BeliefID != "b1202" {
		t.Errorf("last result = %+v", res[1202])
	}
	if len(batches) != 3 || batches[0] != 500 || batches[2] != 203 {
		t.Errorf("batches = %v", batches)
	}
}

func TestStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"out-of-order event","code":"OUT_OF_ORDER_EVENT"}`))
	}))
	defer ts.Close()

	_, err := New(ts.URL).Post(context.Background(), "/api/beliefs", []byte(`{}`))
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Status != http.StatusConflict || !strings.Contains(se.Error(), "OUT_OF_ORDER_EVENT") {
		t.Errorf("StatusError = %v", se)
	}
}

func TestHealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			return
		}
		http.NotFound(w, r)
	}))
	url := ts.URL
	if !New(url).Healthy(context.Background()) {
		t.Error("Healthy = false with server up")
	}
	ts.Close()
	if New(url).Healthy(context.Background()) {
		t.Error("Healthy = true with server down")
	}
}
