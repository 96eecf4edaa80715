// Package server exposes the scoring pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"fraudguard/pkg/fraud"
	"fraudguard/pkg/structlog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decider runs the scoring pipeline for one transaction. Implemented by
// *pipeline.Scorer.
type Decider interface {
	Score(ctx context.Context, tx fraud.Transaction, history []fraud.Transaction, agg *fraud.Aggregates) (fraud.Decision, error)
}

// AggregateSource fetches per-user rolling aggregates. Implemented by
// *aggstore.Store; nil means no aggregate backend is configured and builder
// defaults apply.
type AggregateSource interface {
	Fetch(ctx context.Context, userID string, asOf time.Time) (*fraud.Aggregates, error)
}

// Server is the HTTP boundary. Authentication and dashboards live in front of
// it, not in it.
type Server struct {
	decider Decider
	aggs    AggregateSource
	log     *structlog.Logger
	mux     *http.ServeMux
}

// New wires the HTTP routes. aggs may be nil.
func New(decider Decider, aggs AggregateSource, log *structlog.Logger) *Server {
	s := &Server{decider: decider, aggs: aggs, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /score", s.handleScore)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// scoreRequest is the POST /score body: one transaction plus the user's
// recent history ordered oldest first.
type scoreRequest struct {
	Transaction fraud.Transaction   `json:"transaction"`
	History     []fraud.Transaction `json:"history,omitempty"`
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	corrID := r.Header.Get("X-Correlation-ID")
	if corrID == "" {
		corrID = uuid.NewString()
	}
	ctx := structlog.WithCorrelationID(r.Context(), corrID)
	w.Header().Set("X-Correlation-ID", corrID)

	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, corrID, http.StatusBadRequest, "malformed request body")
		return
	}

	var agg *fraud.Aggregates
	if s.aggs != nil {
		fetched, err := s.aggs.Fetch(ctx, req.Transaction.UserID, req.Transaction.Timestamp)
		if err != nil {
			// Aggregates are an enrichment; scoring proceeds on defaults.
			s.log.WithContext(ctx).Warn("aggregate fetch failed", structlog.Fields{"error": err.Error()})
		} else {
			agg = fetched
		}
	}

	decision, err := s.decider.Score(ctx, req.Transaction, req.History, agg)
	if err != nil {
		switch {
		case errors.Is(err, fraud.ErrInvalidInput), errors.Is(err, fraud.ErrUnorderedSequence):
			s.writeError(w, corrID, http.StatusBadRequest, err.Error())
		case errors.Is(err, fraud.ErrEnsembleUnavailable):
			s.writeError(w, corrID, http.StatusServiceUnavailable, "no model available, route to manual review")
		default:
			s.log.WithContext(ctx).Error("scoring failed", structlog.Fields{"error": err.Error()})
			s.writeError(w, corrID, http.StatusInternalServerError, "internal error")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeError(w http.ResponseWriter, corrID string, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg, CorrelationID: corrID})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write response", structlog.Fields{"error": err.Error()})
	}
}
