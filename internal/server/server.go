// Package server exposes the admission filter and spend recorder over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ogulcanaydogan/budgetgate/pkg/admission"
	"github.com/ogulcanaydogan/budgetgate/pkg/deployment"
	"github.com/ogulcanaydogan/budgetgate/pkg/model"
	"github.com/ogulcanaydogan/budgetgate/pkg/tracker"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const maxBodySize = 1 << 20

// Selector evaluates candidate deployments.
type Selector interface {
	Evaluate(ctx context.Context, candidates []model.Deployment) (*admission.Decision, error)
}

// Recorder records spend and reports budget status.
type Recorder interface {
	Record(ctx context.Context, ev model.CompletionEvent) error
	Status(ctx context.Context) ([]model.BudgetStatus, error)
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h at path, typically promhttp.Handler at /metrics.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) { s.mux.Handle("GET "+path, h) }
}

// WithRequestTimeout bounds the work done for each API request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// Server provides health, admission, spend, and budget status endpoints.
type Server struct {
	selector Selector
	recorder Recorder
	mux      *http.ServeMux
	timeout  time.Duration
	logger   *slog.Logger
}

// NewServer creates an API server.
func NewServer(sel Selector, rec Recorder, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		selector: sel,
		recorder: rec,
		mux:      http.NewServeMux(),
		timeout:  10 * time.Second,
		logger:   logger.With("component", "server"),
	}
	s.routes()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /api/v1/select", s.handleSelect)
	s.mux.HandleFunc("POST /api/v1/spend", s.handleSpend)
	s.mux.HandleFunc("GET /api/v1/budgets", s.handleBudgets)
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

type requestIDKey struct{}

// withRequestID assigns a request id when the caller did not send one and
// echoes it in the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type selectRequest struct {
	Deployments []model.Deployment `json:"deployments"`
}

type selectResponse struct {
	RequestID string `json:"request_id"`
	*admission.Decision
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	var req selectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision, err := s.selector.Evaluate(ctx, req.Deployments)
	if err != nil {
		if errors.Is(err, deployment.ErrUnresolvedProvider) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error("evaluate deployments", "request_id", requestID(ctx), "error", err)
		writeError(w, http.StatusServiceUnavailable, "admission unavailable")
		return
	}

	writeJSON(w, http.StatusOK, selectResponse{RequestID: requestID(ctx), Decision: decision})
}

type spendRequest struct {
	Provider  string   `json:"provider"`
	Cost      *float64 `json:"cost"`
	RequestID string   `json:"request_id"`
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	var req spendRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = requestID(ctx)
	}

	ev := model.CompletionEvent{RequestID: req.RequestID, Provider: req.Provider, Cost: req.Cost}
	if err := s.recorder.Record(ctx, ev); err != nil {
		if errors.Is(err, tracker.ErrMissingProvider) ||
			errors.Is(err, tracker.ErrMissingCost) ||
			errors.Is(err, tracker.ErrNegativeCost) ||
			errors.Is(err, tracker.ErrInvalidCost) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("record spend", "request_id", req.RequestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "request_id": req.RequestID})
}

func (s *Server) handleBudgets(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	statuses, err := s.recorder.Status(ctx)
	if err != nil {
		s.logger.Error("budget status", "request_id", requestID(ctx), "error", err)
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}

	writeJSON(w, http.StatusOK, statuses)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
