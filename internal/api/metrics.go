package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Payload rejection reasons.
const (
	rejectTooLarge   = "too_large"
	rejectUnreadable = "unreadable"
	rejectChecksum   = "checksum_mismatch"
	rejectBadJSON    = "invalid_json"
)

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_api_requests_total",
			Help: "API requests by method, chi route pattern and status code.",
		},
		[]string{"method", "route", "code"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offload_api_request_duration_seconds",
			Help:    "API request latency. Log streams are excluded.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	payloadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_api_payload_rejections_total",
			Help: "Submissions rejected before reaching the engine, by reason.",
		},
		[]string{"reason"},
	)

	logStreamsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "offload_api_log_streams",
			Help: "Server-sent log streams currently open.",
		},
	)
)

func init() {
	prometheus.MustRegister(apiRequestsTotal, apiRequestDuration, payloadRejections, logStreamsOpen)
}

// instrument writes one structured log line and the request metrics for
// every request. Requests are labelled by chi route pattern so task ids do
// not create new series.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)

		apiRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if !isLogStream(ww) {
			apiRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		}

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func isLogStream(w http.ResponseWriter) bool {
	return w.Header().Get("Content-Type") == "text/event-stream"
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
