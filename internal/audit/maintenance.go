package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/gatekeeper/internal/jobs"
)

// DefaultMaintenanceInterval is how often retention and rotation run.
const DefaultMaintenanceInterval = time.Hour

// NewMaintenanceJob returns the scheduled job that runs Maintain. Rotation
// only ever happens here, never inline with a write.
func NewMaintenanceJob(m Maintainer, interval time.Duration, logger *slog.Logger, metrics jobs.Reporter) *jobs.Periodic {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return jobs.NewPeriodic(jobs.PeriodicConfig{
		JobType:    jobs.JobTypeAuditMaintenance,
		Interval:   interval,
		Timeout:    5 * time.Minute,
		RunOnStart: true,
		Logger:     logger,
		Metrics:    metrics,
	}, func(ctx context.Context) error {
		report, err := m.Maintain(ctx, time.Now().UTC())
		if report.Removed > 0 || report.Rotated > 0 {
			logger.Info("audit maintenance completed",
				slog.Int("archived", report.Archived),
				slog.Int("removed", report.Removed),
				slog.Int("rotated", report.Rotated))
		}
		return err
	})
}
