package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/valence/internal/engine"
	"github.com/lazypower/valence/internal/logger"
)

// Server is the valence HTTP API server.
type Server struct {
	eng     *engine.Engine
	log     *logger.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over eng with the given version string.
func New(eng *engine.Engine, version string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		eng:     eng,
		log:     log,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/beliefs", s.handleIngest)
		r.Get("/compare", s.handleCompare)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/profile", s.handleProfile)
			r.Get("/snapshots", s.handleListSnapshots)
			r.Post("/snapshots", s.handleTakeSnapshot)
			r.Get("/drift", s.handleDrift)
			r.Post("/export", s.handleExport)
			r.Post("/compare-import", s.handleCompareImport)
		})
	})

	s.router = r
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if p, ok := s.eng.Store.(pinger); ok {
		if err := p.PingContext(r.Context()); err != nil {
			dbOK = false
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the wire shape of every API error.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps an engine error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case engine.CodeOutOfOrder:
		return http.StatusConflict
	case engine.CodeImmature, engine.CodeInsufficientData, engine.CodeNoSignal:
		return http.StatusUnprocessableEntity
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := engine.Code(err)
	status := statusFor(code)
	if status >= 500 {
		s.log.Error("server: request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: engine.CodeInvalid})
}
