// Package api exposes the read-only HTTP interface over the stored series.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/cds"
	"github.com/sovrisk/cds-feeder/internal/store"
	"github.com/sovrisk/cds-feeder/internal/telemetry"
)

const (
	defaultLatestN = 10
	maxLatestN     = 1000
	maxQueryLimit  = 10000
	requestBudget  = 30 * time.Second
)

// Server wires HTTP handlers to the storage backend.
type Server struct {
	router chi.Router
	store  store.Store
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(st store.Store, logger *zap.Logger) *Server {
	s := &Server{store: st, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(requestBudget))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1/cds", func(r chi.Router) {
		r.Get("/", s.listObservations)
		r.Get("/latest", s.latestObservations)
		r.Get("/stats", s.seriesStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listObservations(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	observations, err := s.store.Query(r.Context(), q)
	if err != nil {
		s.logger.Error("query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if len(observations) == 0 {
		writeError(w, http.StatusNotFound, "no data in range")
		return
	}
	writeJSON(w, http.StatusOK, toDTOs(observations))
}

func (s *Server) latestObservations(w http.ResponseWriter, r *http.Request) {
	n := defaultLatestN
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = min(parsed, maxLatestN)
	}
	observations, err := s.store.Latest(r.Context(), n)
	if err != nil {
		s.logger.Error("latest query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, toDTOs(observations))
}

func (s *Server) seriesStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(summary))
}

func queryFromParams(r *http.Request) (cds.Query, error) {
	var q cds.Query
	params := r.URL.Query()

	if raw := params.Get("start_date"); raw != "" {
		d, err := cds.ParseDate(raw)
		if err != nil {
			return cds.Query{}, fmt.Errorf("start_date must be YYYY-MM-DD")
		}
		q.Start = &d
	}
	if raw := params.Get("end_date"); raw != "" {
		d, err := cds.ParseDate(raw)
		if err != nil {
			return cds.Query{}, fmt.Errorf("end_date must be YYYY-MM-DD")
		}
		q.End = &d
	}
	if q.Start != nil && q.End != nil && q.Start.After(*q.End) {
		return cds.Query{}, fmt.Errorf("start_date is after end_date")
	}
	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxQueryLimit {
			return cds.Query{}, fmt.Errorf("limit must be an integer between 1 and %d", maxQueryLimit)
		}
		q.Limit = n
	}
	return q, nil
}

// observationDTO is the wire shape of one stored day. Prices are
// rendered as floats for consumers; storage keeps the exact decimals.
type observationDTO struct {
	Date      string   `json:"date"`
	Open      *float64 `json:"open"`
	High      *float64 `json:"high"`
	Low       *float64 `json:"low"`
	Close     float64  `json:"close"`
	ChangePct *float64 `json:"change_pct"`
}

type statsDTO struct {
	TotalRecords  int      `json:"total_records"`
	OldestDate    *string  `json:"oldest_date"`
	LatestDate    *string  `json:"latest_date"`
	LatestClose   *float64 `json:"latest_close"`
	DateRangeDays int      `json:"date_range_days"`
}

func toDTOs(observations []cds.Observation) []observationDTO {
	out := make([]observationDTO, 0, len(observations))
	for _, o := range observations {
		out = append(out, observationDTO{
			Date:      o.Date.String(),
			Open:      nullFloat(o.Open),
			High:      nullFloat(o.High),
			Low:       nullFloat(o.Low),
			Close:     o.Close.InexactFloat64(),
			ChangePct: nullFloat(o.ChangePct),
		})
	}
	return out
}

func toStatsDTO(s cds.SummaryStats) statsDTO {
	dto := statsDTO{TotalRecords: s.TotalRecords, DateRangeDays: s.DateRangeDays}
	if s.TotalRecords == 0 {
		return dto
	}
	oldest := s.OldestDate.String()
	latest := s.LatestDate.String()
	latestClose := s.LatestClose.InexactFloat64()
	dto.OldestDate = &oldest
	dto.LatestDate = &latest
	dto.LatestClose = &latestClose
	return dto
}

func nullFloat(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) // response is already committed
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("took", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
