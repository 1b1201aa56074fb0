package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/onnwee/gatekeeper/internal/detect"
	"github.com/onnwee/gatekeeper/internal/jobs"
)

const (
	// DefaultRetention is how long alerts are kept.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultRecentDays is the window used when a query asks for no days.
	DefaultRecentDays = 7
	// DefaultNotifyTimeout bounds a single notification attempt.
	DefaultNotifyTimeout = 10 * time.Second
	// DefaultCleanupInterval is how often expired alerts are removed.
	DefaultCleanupInterval = 24 * time.Hour
)

// Broadcaster receives every persisted alert. *Hub satisfies it.
type Broadcaster interface {
	Broadcast(rec Record)
}

// CenterConfig configures a Center.
type CenterConfig struct {
	// Notifier receives HIGH and CRITICAL alerts. Nil disables notification.
	Notifier Notifier
	// Broadcaster receives every alert. Nil disables streaming.
	Broadcaster   Broadcaster
	NotifyTimeout time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *Metrics
}

// Center raises, stores and distributes alerts.
type Center struct {
	repo          Repository
	notifier      Notifier
	broadcaster   Broadcaster
	notifyTimeout time.Duration
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *Metrics

	wg sync.WaitGroup
}

// NewCenter creates an alert center backed by repo.
func NewCenter(repo Repository, cfg CenterConfig) *Center {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	return &Center{
		repo:          repo,
		notifier:      cfg.Notifier,
		broadcaster:   cfg.Broadcaster,
		notifyTimeout: cfg.NotifyTimeout,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
}

// Raise persists an alert, then notifies for HIGH and CRITICAL levels, then
// broadcasts it. Notification runs in the background and its failure never
// affects the stored alert.
func (c *Center) Raise(ctx context.Context, level Level, title string, details map[string]any) (*Record, error) {
	if !level.Valid() {
		return nil, ErrInvalidLevel
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrInvalidTitle
	}

	rec := Record{
		ID:        uuid.New().String(),
		Timestamp: c.clock.Now().UTC(),
		Level:     level,
		Title:     title,
		Details:   details,
	}
	rec = rec.clone()

	if err := c.repo.Save(context.WithoutCancel(ctx), &rec); err != nil {
		c.metrics.incSaveFailures()
		c.logger.Error("failed to persist alert",
			slog.String("level", string(level)),
			slog.String("title", title),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("save alert: %w", err)
	}
	c.metrics.incRaised(level)

	c.logger.Warn("security alert",
		slog.String("alert_id", rec.ID),
		slog.String("level", string(level)),
		slog.String("title", title))

	if c.notifier != nil && level.Notifiable() {
		c.notify(rec.clone())
	}
	if c.broadcaster != nil {
		c.broadcaster.Broadcast(rec.clone())
	}
	return &rec, nil
}

func (c *Center) notify(rec Record) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.metrics.incNotifyFailures()
				c.logger.Error("alert notifier panicked", slog.Any("panic", r), slog.String("alert_id", rec.ID))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), c.notifyTimeout)
		defer cancel()
		if err := c.notifier.Notify(ctx, rec); err != nil {
			c.metrics.incNotifyFailures()
			c.logger.Warn("alert notification failed",
				slog.String("alert_id", rec.ID),
				slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (c *Center) Wait() {
	c.wg.Wait()
}

// RepeatedAuthFailures raises a HIGH alert for an identity exceeding the
// authentication failure policy.
func (c *Center) RepeatedAuthFailures(ctx context.Context, identity string, failures int, window time.Duration) (*Record, error) {
	return c.Raise(ctx, LevelHigh, "Repeated authentication failures", map[string]any{
		"identity":      identity,
		"failures":      failures,
		"windowSeconds": int(window.Seconds()),
	})
}

// InjectionAttempt raises CRITICAL for SQL injection and HIGH for XSS.
func (c *Center) InjectionAttempt(ctx context.Context, identity, path string, categories detect.Matches, fields []string) (*Record, error) {
	level := LevelHigh
	title := "Cross-site scripting attempt"
	if categories.Has(detect.SQLInjection) {
		level = LevelCritical
		title = "SQL injection attempt"
	}
	names := make([]string, len(categories))
	for i, cat := range categories {
		names[i] = string(cat)
	}
	return c.Raise(ctx, level, title, map[string]any{
		"identity":   identity,
		"path":       path,
		"categories": names,
		"fields":     fields,
	})
}

// NewIPAccess raises a MEDIUM alert when an account is used from an
// address it has not used before.
func (c *Center) NewIPAccess(ctx context.Context, accountID, address string) (*Record, error) {
	return c.Raise(ctx, LevelMedium, "Account accessed from new address", map[string]any{
		"accountId": accountID,
		"identity":  address,
	})
}

// RateLimitExceeded raises a HIGH alert for an identity that exceeded a policy.
func (c *Center) RateLimitExceeded(ctx context.Context, identity, policy string, count, limit int) (*Record, error) {
	return c.Raise(ctx, LevelHigh, "Rate limit exceeded", map[string]any{
		"identity": identity,
		"policy":   policy,
		"count":    count,
		"limit":    limit,
	})
}

// DegradedProtection raises a LOW alert when a protective component fails open.
func (c *Center) DegradedProtection(ctx context.Context, component string, cause error) (*Record, error) {
	details := map[string]any{"component": component}
	if cause != nil {
		details["error"] = cause.Error()
	}
	return c.Raise(ctx, LevelLow, "Protection degraded", details)
}

// AuditWriteFailure raises a MEDIUM alert when an audit event could not be stored.
func (c *Center) AuditWriteFailure(ctx context.Context, eventType string, cause error) (*Record, error) {
	details := map[string]any{"eventType": eventType}
	if cause != nil {
		details["error"] = cause.Error()
	}
	return c.Raise(ctx, LevelMedium, "Audit write failure", details)
}

// Recent returns alerts from the last days days, newest first. An empty
// level matches all levels.
func (c *Center) Recent(ctx context.Context, days int, level Level) ([]Record, error) {
	if level != "" && !level.Valid() {
		return nil, ErrInvalidLevel
	}
	recs, err := c.repo.Since(ctx, c.since(days))
	if err != nil {
		return nil, err
	}
	if level == "" {
		return recs, nil
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Level == level {
			out = append(out, r)
		}
	}
	return out, nil
}

// CountsByLevel counts alerts from the last days days. Every level is present.
func (c *Center) CountsByLevel(ctx context.Context, days int) (map[Level]int, error) {
	recs, err := c.repo.Since(ctx, c.since(days))
	if err != nil {
		return nil, err
	}
	counts := make(map[Level]int, len(Levels))
	for _, l := range Levels {
		counts[l] = 0
	}
	for _, r := range recs {
		counts[r.Level]++
	}
	return counts, nil
}

// Acknowledge marks an alert acknowledged.
func (c *Center) Acknowledge(ctx context.Context, id string) (*Record, error) {
	return c.repo.Acknowledge(ctx, id)
}

// Cleanup removes alerts older than retention.
func (c *Center) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return c.repo.DeleteBefore(ctx, c.clock.Now().UTC().Add(-retention))
}

func (c *Center) since(days int) time.Time {
	if days <= 0 {
		days = DefaultRecentDays
	}
	return c.clock.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
}

// NewCleanupJob returns the periodic job removing alerts older than retention.
func NewCleanupJob(c *Center, retention, interval time.Duration, logger *slog.Logger, metrics jobs.Reporter) *jobs.Periodic {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return jobs.NewPeriodic(jobs.PeriodicConfig{
		JobType:    jobs.JobTypeAlertCleanup,
		Interval:   interval,
		RunOnStart: true,
		Logger:     logger,
		Metrics:    metrics,
	}, func(ctx context.Context) error {
		n, err := c.Cleanup(ctx, retention)
		if n > 0 {
			logger.Info("expired alerts removed", slog.Int("count", n))
		}
		return err
	})
}
