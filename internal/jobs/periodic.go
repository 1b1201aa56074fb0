package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Reporter receives the outcome of every cycle. *Metrics satisfies it; a nil
// Reporter disables reporting.
type Reporter interface {
	ObserveRun(jobType string, finished time.Time, took time.Duration, errorType string)
}

// Task is one cycle of a periodic job.
type Task func(ctx context.Context) error

// DefaultTimeout bounds a single cycle when PeriodicConfig.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// PeriodicConfig configures a Periodic job.
type PeriodicConfig struct {
	// JobType labels metrics and logs (e.g., JobTypeBanSweep).
	JobType string
	// Interval is the duration between cycles.
	Interval time.Duration
	// Timeout bounds each cycle.
	Timeout time.Duration
	// RunOnStart runs one cycle immediately when the job starts.
	RunOnStart bool
	Logger     *slog.Logger
	Metrics    Reporter
	Clock      clock.Clock
}

// Periodic runs a Task on a fixed interval until stopped.
type Periodic struct {
	config PeriodicConfig
	task   Task

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPeriodic creates a periodic job. It does not start until Start is called.
func NewPeriodic(config PeriodicConfig, task Task) *Periodic {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	return &Periodic{config: config, task: task}
}

// Start begins the periodic job.
// Returns immediately; the job runs in a background goroutine.
func (p *Periodic) Start(ctx context.Context) error {
	if p.config.Interval <= 0 {
		return errors.New("jobs: interval must be > 0")
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.run(ctx)
	return nil
}

// Stop signals the job to stop and waits for the current cycle to finish.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()

	close(stopCh)
	<-doneCh

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (p *Periodic) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Periodic) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := p.config.Clock.Ticker(p.config.Interval)
	defer ticker.Stop()

	if p.config.RunOnStart {
		p.RunOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			p.config.Logger.Info("job stopping due to context cancellation", "job_type", p.config.JobType)
			return
		case <-p.stopCh:
			p.config.Logger.Info("job stopping due to stop signal", "job_type", p.config.JobType)
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single cycle under the configured timeout and records
// its outcome. It returns the task's error.
func (p *Periodic) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, p.config.Timeout)
	defer cancel()

	start := p.config.Clock.Now()
	err := p.task(ctx)
	finished := p.config.Clock.Now()

	var errorType string
	if err != nil {
		errorType = ErrorTypeTask
		if errors.Is(err, context.DeadlineExceeded) {
			errorType = ErrorTypeTimeout
		}
		p.config.Logger.Error("job cycle failed",
			"job_type", p.config.JobType,
			"error_type", errorType,
			"error", err)
	}
	if p.config.Metrics != nil {
		p.config.Metrics.ObserveRun(p.config.JobType, finished, finished.Sub(start), errorType)
	}
	return err
}
