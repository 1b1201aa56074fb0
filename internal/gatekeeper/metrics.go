package gatekeeper

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricDecisions         = "gatekeeper_decisions_total"
	MetricCheckDuration     = "gatekeeper_check_duration_seconds"
	MetricRateLimitRequests = "rate_limit_requests_total"
	MetricRateLimitBlocked  = "rate_limit_blocked_total"
	MetricFailOpen          = "gatekeeper_fail_open_total"
	MetricAutoBans          = "gatekeeper_auto_bans_total"
	MetricCircuitState      = "gatekeeper_circuit_state"
	MetricAlertsSuppressed  = "gatekeeper_alerts_suppressed_total"
)

// Metrics contains Prometheus metrics for request gatekeeping.
// All operations are thread-safe.
type Metrics struct {
	decisions         *prometheus.CounterVec
	checkDuration     prometheus.Histogram
	rateLimitRequests *prometheus.CounterVec
	rateLimitBlocked  *prometheus.CounterVec
	failOpen          *prometheus.CounterVec
	autoBans          prometheus.Counter
	circuitState      prometheus.Gauge
	alertsSuppressed  *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDecisions,
				Help: "Total number of gatekeeper decisions by outcome and rejection code",
			},
			[]string{"outcome", "code"},
		),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricCheckDuration,
			Help:    "Time spent in gatekeeper checks in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		rateLimitRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRateLimitRequests,
				Help: "Total number of rate limit checks by policy",
			},
			[]string{"policy"},
		),
		rateLimitBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRateLimitBlocked,
				Help: "Total number of rate limit violations (blocked requests) by policy",
			},
			[]string{"policy"},
		),
		failOpen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricFailOpen,
				Help: "Total number of checks skipped or failed open by component",
			},
			[]string{"component"},
		),
		autoBans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAutoBans,
			Help: "Total number of bans issued automatically on rate limit violations",
		}),
		circuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricCircuitState,
			Help: "Storage check circuit breaker state (0 closed, 1 open, 2 half-open)",
		}),
		alertsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAlertsSuppressed,
				Help: "Total number of repeat alerts suppressed per identity by kind",
			},
			[]string{"kind"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.decisions,
		m.checkDuration,
		m.rateLimitRequests,
		m.rateLimitBlocked,
		m.failOpen,
		m.autoBans,
		m.circuitState,
		m.alertsSuppressed,
	}
}

func (m *Metrics) observeDecision(d *Decision, seconds float64) {
	if m == nil {
		return
	}
	outcome := "admitted"
	if !d.Admitted() {
		outcome = "rejected"
	}
	m.decisions.WithLabelValues(outcome, d.Code).Inc()
	m.checkDuration.Observe(seconds)
}

func (m *Metrics) incRateLimit(policy string, blocked bool) {
	if m == nil {
		return
	}
	m.rateLimitRequests.WithLabelValues(policy).Inc()
	if blocked {
		m.rateLimitBlocked.WithLabelValues(policy).Inc()
	}
}

func (m *Metrics) incFailOpen(component string) {
	if m != nil {
		m.failOpen.WithLabelValues(component).Inc()
	}
}

func (m *Metrics) incAutoBans() {
	if m != nil {
		m.autoBans.Inc()
	}
}

func (m *Metrics) setCircuitState(s CircuitState) {
	if m != nil {
		m.circuitState.Set(float64(s))
	}
}

func (m *Metrics) incAlertsSuppressed(kind string) {
	if m != nil {
		m.alertsSuppressed.WithLabelValues(kind).Inc()
	}
}
