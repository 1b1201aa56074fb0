package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Check states reported per dependency.
const (
	CheckOK            = "ok"
	CheckError         = "error"
	CheckNotConfigured = "not_configured"
)

// Overall states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// DefaultReadyTimeout bounds the whole readiness probe.
const DefaultReadyTimeout = 5 * time.Second

// HealthChecker is a dependency that can report its reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandlersConfig configures the probes. Database and Redis are critical:
// either failing makes the instance unready. Archive and webhook failures only
// degrade the report. Unconfigured checkers pass.
type HealthHandlersConfig struct {
	DBChecker      HealthChecker
	RedisChecker   HealthChecker
	ArchiveChecker HealthChecker
	WebhookChecker HealthChecker
	MetricsEnabled bool
	// Timeout defaults to DefaultReadyTimeout.
	Timeout time.Duration
}

type probe struct {
	name     string
	checker  HealthChecker
	critical bool
}

// HealthHandlers serves /health and /ready.
type HealthHandlers struct {
	probes  []probe
	metrics bool
	timeout time.Duration
	now     func() time.Time
}

// NewHealthHandlers builds the handlers from config.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	h := &HealthHandlers{
		probes: []probe{
			{"database", config.DBChecker, true},
			{"redis", config.RedisChecker, true},
			{"archive", config.ArchiveChecker, false},
			{"alert_webhook", config.WebhookChecker, false},
		},
		metrics: config.MetricsEnabled,
		timeout: config.Timeout,
		now:     time.Now,
	}
	if h.timeout <= 0 {
		h.timeout = DefaultReadyTimeout
	}
	return h
}

// HealthResponse is the body of both probes.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health is the liveness probe: 200 whenever the process can serve.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Fail(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}
	h.write(w, http.StatusOK, StatusHealthy, map[string]string{"runtime": CheckOK})
}

// Ready is the readiness probe. All checks run concurrently under one
// deadline; a critical failure answers 503.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Fail(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	results := make([]string, len(h.probes))
	var wg sync.WaitGroup
	for i, p := range h.probes {
		if p.checker == nil {
			results[i] = CheckNotConfigured
			continue
		}
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			results[i] = CheckOK
			if err := p.checker.HealthCheck(ctx); err != nil {
				slog.WarnContext(ctx, "readiness check failed", "check", p.name, "critical", p.critical, "error", err)
				results[i] = CheckError
			}
		}(i, p)
	}
	wg.Wait()

	checks := make(map[string]string, len(h.probes)+1)
	state, code := StatusHealthy, http.StatusOK
	for i, p := range h.probes {
		checks[p.name] = results[i]
		if results[i] != CheckError {
			continue
		}
		if p.critical {
			state, code = StatusUnhealthy, http.StatusServiceUnavailable
		} else if state == StatusHealthy {
			state = StatusDegraded
		}
	}
	if h.metrics {
		checks["metrics"] = CheckOK
	}
	h.write(w, code, state, checks)
}

func (h *HealthHandlers) write(w http.ResponseWriter, code int, state string, checks map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(HealthResponse{
		Status:    state,
		Checks:    checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}
