package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

var (
	up   = checkerFunc(func(context.Context) error { return nil })
	down = checkerFunc(func(context.Context) error { return errors.New("connection refused") })
)

func probeReady(t *testing.T, h *HealthHandlers) (int, HealthResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	h.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return w.Code, resp
}

func TestHealth(t *testing.T) {
	h := NewHealthHandlers(HealthHandlersConfig{DBChecker: down})
	h.now = func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.FixedZone("CEST", 7200)) }

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("liveness must not depend on checkers, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != StatusHealthy || resp.Checks["runtime"] != CheckOK {
		t.Errorf("unexpected body %+v", resp)
	}
	if resp.Timestamp != "2026-05-04T08:00:00Z" {
		t.Errorf("timestamp = %q, want UTC RFC3339", resp.Timestamp)
	}
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	h := NewHealthHandlers(HealthHandlersConfig{})
	for path, fn := range map[string]http.HandlerFunc{"/health": h.Health, "/ready": h.Ready} {
		w := httptest.NewRecorder()
		fn(w, httptest.NewRequest(http.MethodPost, path, nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d, want 405", path, w.Code)
		}
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		config     HealthHandlersConfig
		wantStatus int
		wantState  string
		wantChecks map[string]string
	}{
		{
			name:       "all up",
			config:     HealthHandlersConfig{DBChecker: up, RedisChecker: up, ArchiveChecker: up, WebhookChecker: up, MetricsEnabled: true},
			wantStatus: http.StatusOK,
			wantState:  StatusHealthy,
			wantChecks: map[string]string{"database": CheckOK, "redis": CheckOK, "archive": CheckOK, "alert_webhook": CheckOK, "metrics": CheckOK},
		},
		{
			name:       "nothing configured",
			wantStatus: http.StatusOK,
			wantState:  StatusHealthy,
			wantChecks: map[string]string{"database": CheckNotConfigured, "redis": CheckNotConfigured, "archive": CheckNotConfigured},
		},
		{
			name:       "database down",
			config:     HealthHandlersConfig{DBChecker: down, RedisChecker: up},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  StatusUnhealthy,
			wantChecks: map[string]string{"database": CheckError, "redis": CheckOK},
		},
		{
			name:       "redis down",
			config:     HealthHandlersConfig{RedisChecker: down},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  StatusUnhealthy,
			wantChecks: map[string]string{"redis": CheckError},
		},
		{
			name:       "webhook down degrades",
			config:     HealthHandlersConfig{DBChecker: up, WebhookChecker: down},
			wantStatus: http.StatusOK,
			wantState:  StatusDegraded,
			wantChecks: map[string]string{"database": CheckOK, "alert_webhook": CheckError},
		},
		{
			name:       "archive down degrades",
			config:     HealthHandlersConfig{ArchiveChecker: down},
			wantStatus: http.StatusOK,
			wantState:  StatusDegraded,
			wantChecks: map[string]string{"archive": CheckError},
		},
		{
			name:       "critical failure outranks degraded",
			config:     HealthHandlersConfig{ArchiveChecker: down, RedisChecker: down},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  StatusUnhealthy,
			wantChecks: map[string]string{"archive": CheckError, "redis": CheckError},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := probeReady(t, NewHealthHandlers(tt.config))
			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			if resp.Status != tt.wantState {
				t.Errorf("state = %q, want %q", resp.Status, tt.wantState)
			}
			for check, want := range tt.wantChecks {
				if resp.Checks[check] != want {
					t.Errorf("checks[%s] = %q, want %q", check, resp.Checks[check], want)
				}
			}
		})
	}
}

func TestReady_Timeout(t *testing.T) {
	hang := checkerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h := NewHealthHandlers(HealthHandlersConfig{DBChecker: hang, RedisChecker: up, Timeout: 20 * time.Millisecond})

	start := time.Now()
	code, resp := probeReady(t, h)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probe took %v, deadline not applied", elapsed)
	}
	if code != http.StatusServiceUnavailable || resp.Checks["database"] != CheckError {
		t.Errorf("code = %d, checks = %v", code, resp.Checks)
	}
}
