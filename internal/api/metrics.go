package api

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeroute_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "homeroute_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	agentsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "homeroute_agents_connected",
			Help: "Number of applications with a live agent connection",
		},
	)

	hostsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "homeroute_host_agents_connected",
			Help: "Number of connected host-agents",
		},
	)

	agentMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeroute_agent_messages_total",
			Help: "Agent-plane messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	migrationBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "homeroute_migration_bytes_total",
			Help: "Total container-migration bytes relayed through the control plane",
		},
	)
)

// metricsMiddleware records per-request counters and latency, labeled
// by the chi route pattern rather than the raw path so entity IDs
// don't explode label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so the WebSocket
// upgrade handlers keep working behind this middleware.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routePattern prefers chi's matched pattern; as a fallback it
// collapses UUID path segments into {id}.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	segments := strings.Split(r.URL.Path, "/")
	for i, seg := range segments {
		if len(seg) == 36 && strings.Count(seg, "-") == 4 {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

// metricsHandler serves the Prometheus scrape endpoint.
func metricsHandler() http.Handler { return promhttp.Handler() }
