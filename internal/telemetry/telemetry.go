// Package telemetry exposes Prometheus collectors for the feeder.
package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sovrisk/cds-feeder/internal/cds"
)

// Fetch outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeTerminal  = "terminal"
	OutcomeExhausted = "exhausted"
	OutcomeError     = "error"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	rowsTotal                  *prometheus.CounterVec
	cyclesTotal                *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cds_fetches_total",
				Help: "Total page fetches, labeled by final outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cds_fetch_duration_seconds",
				Help:    "Histogram of successful page fetch latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		)

		rowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cds_rows_total",
				Help: "Rows processed per ingestion cycle, labeled by merge result.",
			},
			[]string{"result"},
		)

		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cds_ingest_cycles_total",
				Help: "Completed ingestion cycles, labeled by status.",
			},
			[]string{"status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records the outcome of one page fetch. Duration is only
// sampled for successful fetches.
func ObserveFetch(outcome string, duration time.Duration) {
	fetchesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		fetchDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveMerge records per-row merge results for one cycle.
func ObserveMerge(stats cds.MergeStats) {
	rowsTotal.WithLabelValues("inserted").Add(float64(stats.Inserted))
	rowsTotal.WithLabelValues("updated").Add(float64(stats.Updated))
	rowsTotal.WithLabelValues("unchanged").Add(float64(stats.Unchanged))
	rowsTotal.WithLabelValues("rejected").Add(float64(stats.Rejected))
}

// ObserveCycle counts one completed ingestion cycle.
func ObserveCycle(status string) {
	cyclesTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
