// Package client talks to a running valence server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lazypower/valence/internal/values"
)

const (
	DefaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 30 * time.Second

	// pushBatch bounds how many events go in one request.
	pushBatch = 500
)

// Client talks to the valence server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty url falls back to
// VALENCE_URL, then to DefaultServerURL.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("VALENCE_URL")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// URL returns the server base URL.
func (c *Client) URL() string { return c.serverURL }

// Post sends a POST request with JSON body. Returns response body.
func (c *Client) Post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path)
}

// Get sends a GET request. Returns response body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return c.do(req, path)
}

func (c *Client) do(req *http.Request, path string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return data, &StatusError{Method: req.Method, Path: path, Status: resp.StatusCode, Body: data}
	}
	return data, nil
}

// StatusError is returned for responses with a 4xx or 5xx status.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(e.Body, &body) == nil && body.Error != "" {
		return fmt.Sprintf("%s %s: status %d: %s (%s)", e.Method, e.Path, e.Status, body.Error, body.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.Get(ctx, "/api/health")
	return err == nil
}

// PushResult is one event's outcome as reported by the server.
type PushResult struct {
	UserID   string `json:"user_id"`
	BeliefID string `json:"belief_id"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
}

// Push sends events in batches, preserving their order, and returns one
// result per event.
func (c *Client) Push(ctx context.Context, evs []values.BeliefEvent) ([]PushResult, error) {
	out := make([]PushResult, 0, len(evs))
	for start := 0; start < len(evs); start += pushBatch {
		end := min(start+pushBatch, len(evs))
		body, err := json.Marshal(evs[start:end])
		if err != nil {
			return out, fmt.Errorf("marshal events: %w", err)
		}
		data, err := c.Post(ctx, "/api/beliefs", body)
		if err != nil {
			return out, err
		}
		var resp struct {
			Results []PushResult `json:"results"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return out, fmt.Errorf("decode push response: %w", err)
		}
		out = append(out, resp.Results...)
	}
	return out, nil
}
