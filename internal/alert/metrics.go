package alert

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricAlertsRaised      = "gatekeeper_alerts_raised_total"
	MetricAlertSaveFailures = "gatekeeper_alert_save_failures_total"
	MetricNotifyFailures    = "gatekeeper_alert_notify_failures_total"
	MetricStreamClients     = "gatekeeper_alert_stream_clients"
)

// Metrics contains Prometheus metrics for the alert center.
// All operations are thread-safe.
type Metrics struct {
	alertsRaised   *prometheus.CounterVec
	saveFailures   prometheus.Counter
	notifyFailures prometheus.Counter
	streamClients  prometheus.Gauge
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		alertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAlertsRaised,
				Help: "Total number of alerts raised by level",
			},
			[]string{"level"},
		),
		saveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAlertSaveFailures,
			Help: "Total number of alerts that could not be persisted",
		}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNotifyFailures,
			Help: "Total number of failed external alert notifications",
		}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricStreamClients,
			Help: "Number of connected alert stream clients",
		}),
	}
}

// Register registers all metrics with the given registry.
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
		m.alertsRaised,
		m.saveFailures,
		m.notifyFailures,
		m.streamClients,
	}
}

func (m *Metrics) incRaised(level Level) {
	if m != nil {
		m.alertsRaised.WithLabelValues(string(level)).Inc()
	}
}

func (m *Metrics) incSaveFailures() {
	if m != nil {
		m.saveFailures.Inc()
	}
}

func (m *Metrics) incNotifyFailures() {
	if m != nil {
		m.notifyFailures.Inc()
	}
}

// SetStreamClients sets the connected stream client gauge.
func (m *Metrics) SetStreamClients(n int) {
	if m != nil {
		m.streamClients.Set(float64(n))
	}
}
