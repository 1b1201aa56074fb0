package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricHTTPRequestDuration = "http_request_duration_seconds"
	MetricHTTPRequestsTotal   = "http_requests_total"
)

// Metrics holds the HTTP server collectors. Labels are method, route, status
// and code, the rejection code of error responses ("" otherwise).
type Metrics struct {
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
}

var httpLabels = []string{"method", "route", "status", "code"}

// NewMetrics creates unregistered HTTP metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestDuration,
			Help:    "HTTP request duration in seconds, including the gatekeeper checks",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, httpLabels),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "HTTP requests served",
		}, httpLabels),
	}
}

// Register registers the collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns the collectors for registration in tests.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.duration, m.requests}
}

// Observe records one finished request.
func (m *Metrics) Observe(method, route string, status int, code string, d time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
		"code":   code,
	}
	m.duration.With(labels).Observe(d.Seconds())
	m.requests.With(labels).Inc()
}

// knownRoutes are the gatekeeper's own routes, recorded as-is.
var knownRoutes = map[string]bool{
	"/":                    true,
	"/health":              true,
	"/ready":               true,
	"/metrics":             true,
	"/admin/bans":          true,
	"/admin/logs":          true,
	"/admin/alerts":        true,
	"/admin/alerts/counts": true,
	"/admin/alerts/stream": true,
}

// Route maps a request path to a bounded label. Operator routes keep their
// pattern; proxied application paths collapse to their first segment since
// the gatekeeper cannot know the upstream's routes.
func Route(path string) string {
	if knownRoutes[path] {
		return path
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 4 && parts[1] == "admin" && parts[2] == "bans" && parts[3] != "":
		return "/admin/bans/{identity}"
	case len(parts) == 5 && parts[1] == "admin" && parts[2] == "alerts" && parts[4] == "ack":
		return "/admin/alerts/{id}/ack"
	case strings.HasPrefix(path, ProfilingPrefix):
		return ProfilingPrefix + "*"
	case len(parts) > 2 && parts[1] != "":
		return "/" + parts[1] + "/*"
	}
	return path
}

// HTTPMetrics records every request except liveness and readiness probes.
func HTTPMetrics(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)
			m.Observe(r.Method, Route(r.URL.Path), rec.status, rec.code(r.Context()), time.Since(start))
		})
	}
}
