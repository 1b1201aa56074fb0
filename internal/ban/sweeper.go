package ban

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/gatekeeper/internal/jobs"
)

// NewSweeper returns a periodic job that deactivates expired bans so
// List(status=active) stays accurate.
func NewSweeper(store *Store, interval time.Duration, logger *slog.Logger, metrics jobs.Reporter) *jobs.Periodic {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return jobs.NewPeriodic(jobs.PeriodicConfig{
		JobType:  jobs.JobTypeBanSweep,
		Interval: interval,
		Logger:   logger,
		Metrics:  metrics,
	}, func(ctx context.Context) error {
		_, err := store.Sweep(ctx)
		return err
	})
}
