package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/gatekeeper/internal/jobs"
)

// DefaultCleanupInterval is how often idle in-memory windows are dropped.
const DefaultCleanupInterval = 5 * time.Minute

// NewCleanupJob returns the periodic job that drops idle windows from store.
func NewCleanupJob(store *InMemoryStore, interval time.Duration, logger *slog.Logger, metrics jobs.Reporter) *jobs.Periodic {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return jobs.NewPeriodic(jobs.PeriodicConfig{
		JobType:  jobs.JobTypeRateLimitCleanup,
		Interval: interval,
		Logger:   logger,
		Metrics:  metrics,
	}, func(context.Context) error {
		if removed := store.Cleanup(); removed > 0 {
			logger.Debug("rate limit windows cleaned up",
				slog.Int("removed", removed),
				slog.Int("remaining", store.Len()))
		}
		return nil
	})
}
