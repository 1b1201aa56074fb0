// Package jobs runs the periodic maintenance jobs and records their metrics.
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricBackgroundJobsTotal      = "background_jobs_total"
	MetricBackgroundJobsDuration   = "background_jobs_duration_seconds"
	MetricBackgroundJobErrorsTotal = "background_job_errors_total"
	MetricBackgroundJobLastSuccess = "background_job_last_success_timestamp_seconds"
)

// Job types used as metric labels.
const (
	JobTypeBanSweep         = "ban_sweep"
	JobTypeAuditMaintenance = "audit_maintenance"
	JobTypeAlertCleanup     = "alert_cleanup"
	JobTypeRateLimitCleanup = "ratelimit_cleanup"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Error types recorded by Periodic.
const (
	ErrorTypeTask    = "task_error"
	ErrorTypeTimeout = "timeout"
)

// Metrics holds the background job collectors. A stale
// background_job_last_success_timestamp_seconds for audit_maintenance means
// retention is not being enforced.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec
}

// NewMetrics creates unregistered job metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBackgroundJobsTotal,
			Help: "Background job cycles by type and status",
		}, []string{"job_type", "status"}),
		jobsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricBackgroundJobsDuration,
			Help:    "Background job cycle duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"job_type"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBackgroundJobErrorsTotal,
			Help: "Failed background job cycles by type and error type",
		}, []string{"job_type", "error_type"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricBackgroundJobLastSuccess,
			Help: "Unix time of the last successful cycle",
		}, []string{"job_type"}),
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
	return []prometheus.Collector{m.jobsTotal, m.jobsDuration, m.jobErrors, m.lastSuccess}
}

// ObserveRun records one finished cycle. An empty errorType means success.
// A nil *Metrics records nothing.
func (m *Metrics) ObserveRun(jobType string, finished time.Time, took time.Duration, errorType string) {
	if m == nil {
		return
	}
	m.jobsDuration.WithLabelValues(jobType).Observe(took.Seconds())
	if errorType != "" {
		m.jobsTotal.WithLabelValues(jobType, StatusFailure).Inc()
		m.jobErrors.WithLabelValues(jobType, errorType).Inc()
		return
	}
	m.jobsTotal.WithLabelValues(jobType, StatusSuccess).Inc()
	m.lastSuccess.WithLabelValues(jobType).Set(float64(finished.Unix()))
}
