package fakeplane

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "anvil"
	metricsSubsystem = "devplane"
)

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace, Subsystem: metricsSubsystem, Name: name, Help: help,
	}, labels)
}

var (
	requestsServed = counter("http_requests_total",
		"Requests served, by method, route and status.", "method", "route", "status")

	requestSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "http_request_duration_seconds",
		Help:      "Request latency by method and route.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
	}, []string{"method", "route"})

	jobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "jobs_active",
		Help:      "Simulated jobs whose goroutine is still running.",
	})

	jobsFinished = counter("jobs_finished_total", "Simulated jobs settled, by final state.", "state")

	feedLinesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "feed_lines_dropped_total",
		Help:      "Live log lines a slow tail missed.",
	})
)

func init() {
	prometheus.MustRegister(requestsServed, requestSeconds, jobsActive, jobsFinished, feedLinesDropped)
}

// observe wraps every request with one access log line and the request
// metrics. Routes are labelled by chi pattern, never by raw path; the
// WebSocket route is logged when the socket closes.
func observe(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			status := statusOrOK(ww.Status())
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			requestsServed.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			requestSeconds.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			logger.Info("request",
				"method", r.Method,
				"route", route,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", elapsed.Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// statusOrOK maps the zero status of a handler that wrote nothing to 200.
func statusOrOK(s int) int {
	if s == 0 {
		return http.StatusOK
	}
	return s
}
