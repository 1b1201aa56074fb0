package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ErrorHandler is notified when an event could not be written after the retry.
type ErrorHandler func(ctx context.Context, e *Event, err error)

// LoggerConfig configures a Logger.
type LoggerConfig struct {
	Clock  clock.Clock
	Logger *slog.Logger
	// OnError receives write failures. It must not block for long.
	OnError ErrorHandler
}

// Logger records audit events. Record never fails the caller: a write is
// retried once and a persistent failure is reported to OnError and dropped.
type Logger struct {
	repo   Repository
	config LoggerConfig

	failures atomic.Int64
}

// NewLogger creates an audit logger writing to repo.
func NewLogger(repo Repository, config LoggerConfig) *Logger {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Logger{repo: repo, config: config}
}

// Record writes one event and returns it. The event is returned even when
// the write failed.
func (l *Logger) Record(ctx context.Context, eventType EventType, identity, outcome string, details map[string]any, rc RequestContext) *Event {
	e := &Event{
		ID:            uuid.NewString(),
		Timestamp:     l.config.Clock.Now().UTC(),
		EventType:     eventType,
		Category:      CategoryOf(eventType),
		Identity:      identity,
		Outcome:       outcome,
		Details:       details,
		RequestPath:   rc.Path,
		RequestMethod: rc.Method,
		RequestID:     rc.RequestID,
		UserAgent:     rc.UserAgent,
	}

	// A cancelled request must still be audited.
	ctx = context.WithoutCancel(ctx)

	err := l.append(ctx, e)
	if err != nil {
		err = l.append(ctx, e)
	}
	if err != nil {
		l.failures.Add(1)
		l.config.Logger.Error("audit write failed",
			slog.String("event_type", string(e.EventType)),
			slog.String("event_id", e.ID),
			slog.String("error", err.Error()))
		l.report(ctx, e, err)
	}
	return e
}

func (l *Logger) append(ctx context.Context, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic during append: %v", ErrStorageUnavailable, r)
		}
	}()
	return l.repo.Append(ctx, e)
}

func (l *Logger) report(ctx context.Context, e *Event, err error) {
	if l.config.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.config.Logger.Error("audit error handler panicked", slog.Any("panic", r))
		}
	}()
	l.config.OnError(ctx, e, err)
}

// SetErrorHandler replaces the failure handler. It must be called before
// the logger is shared between goroutines.
func (l *Logger) SetErrorHandler(h ErrorHandler) {
	l.config.OnError = h
}

// Failures returns the number of events dropped after retry.
func (l *Logger) Failures() int64 {
	return l.failures.Load()
}

// Query proxies to the repository.
func (l *Logger) Query(ctx context.Context, q Query) ([]Event, error) {
	return l.repo.Query(ctx, q)
}
