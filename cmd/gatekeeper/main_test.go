// Package main contains integration tests for the gatekeeper server.
package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/gatekeeper/internal/auth"
	"github.com/onnwee/gatekeeper/internal/config"
	"github.com/onnwee/gatekeeper/internal/gatekeeper"
	"github.com/onnwee/gatekeeper/internal/middleware"
)

const (
	testSecret       = "supersecret32characterlongvalue!"
	testMetricsToken = "scrape-token"
)

// testConfig returns a configuration with every optional backend disabled.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:                        config.DefaultPort,
		Env:                         "test",
		JWTSecret:                   testSecret,
		AuditDir:                    t.TempDir(),
		AuditRetentionDays:          config.DefaultAuditRetentionDays,
		AuditMaxPartitionMB:         config.DefaultAuditMaxPartitionMB,
		AlertDir:                    t.TempDir(),
		AlertRetentionDays:          config.DefaultAlertRetentionDays,
		BanCacheTTLSeconds:          config.DefaultBanCacheTTLSeconds,
		BanSweepIntervalSeconds:     config.DefaultBanSweepIntervalSeconds,
		DefaultBanMinutes:           config.DefaultBanMinutes,
		CheckBudgetMS:               config.DefaultCheckBudgetMS,
		RateLimitStrict:             true,
		RateLimitAPIRequests:        config.DefaultRateLimitAPIRequests,
		RateLimitAPIWindowSeconds:   config.DefaultRateLimitAPIWindowSeconds,
		RateLimitLoginRequests:      config.DefaultRateLimitLoginRequests,
		RateLimitLoginWindowSeconds: config.DefaultRateLimitLoginWindow,
		LoginPaths:                  []string{"/login"},
		AccountIDHeader:             config.DefaultAccountIDHeader,
		MetricsEnabled:              true,
		MetricsToken:                testMetricsToken,
	}
}

func startApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	t.Cleanup(a.shutdown)
	return a
}

func serve(a *app, method, target, token string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, nil)
	r.RemoteAddr = "198.51.100.7:5555"
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, r)
	return rr
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := auth.NewJWTService(testSecret).GenerateToken("ops@example.com", auth.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return token
}

func TestNewApp_Health(t *testing.T) {
	a := startApp(t, testConfig(t))

	rr := serve(a, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected request ID header")
	}
	if rr.Header().Get(gatekeeper.HeaderRateLimitLimit) != "" {
		t.Error("health checks are exempt from rate limiting")
	}

	rr = serve(a, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready 200 with no backends configured, got %d", rr.Code)
	}
}

func TestNewApp_AdminRequiresToken(t *testing.T) {
	a := startApp(t, testConfig(t))

	if rr := serve(a, http.MethodGet, "/admin/bans", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rr.Code)
	}
	if rr := serve(a, http.MethodGet, "/admin/bans", adminToken(t)); rr.Code != http.StatusOK {
		t.Errorf("expected 200 with admin token, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestNewApp_Metrics(t *testing.T) {
	a := startApp(t, testConfig(t))

	if rr := serve(a, http.MethodGet, "/metrics", ""); rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 without internal token, got %d", rr.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Header.Set(middleware.InternalTokenHeader, testMetricsToken)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, r)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	for _, name := range []string{"gatekeeper_audit_write_failures_total", "go_goroutines"} {
		if !strings.Contains(rr.Body.String(), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestNewApp_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsEnabled = false
	a := startApp(t, cfg)

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Header.Set(middleware.InternalTokenHeader, testMetricsToken)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, r)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 with metrics disabled, got %d", rr.Code)
	}
}

func TestNewApp_NoUpstream(t *testing.T) {
	a := startApp(t, testConfig(t))

	rr := serve(a, http.MethodGet, "/orders", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr.Header().Get(gatekeeper.HeaderRateLimitLimit) != "60" {
		t.Errorf("expected the api policy on admitted requests, got %q", rr.Header().Get(gatekeeper.HeaderRateLimitLimit))
	}
}

func TestNewApp_ProxiesToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("upstream:" + r.URL.Path))
	}))
	defer upstream.Close()

	cfg := testConfig(t)
	cfg.UpstreamURL = upstream.URL
	a := startApp(t, cfg)

	rr := serve(a, http.MethodGet, "/orders/7", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "upstream:/orders/7" {
		t.Errorf("unexpected body %q", rr.Body.String())
	}
}

func TestNewApp_InjectionAuditedAndExported(t *testing.T) {
	a := startApp(t, testConfig(t))

	rr := serve(a, http.MethodGet, "/orders?q=%27+OR+1%3D1+--", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	rr = serve(a, http.MethodGet, "/admin/logs?type=SUSPICIOUS_ACTIVITY", adminToken(t))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from log export, got %d: %s", rr.Code, rr.Body.String())
	}
	var events []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &events); err != nil {
		t.Fatalf("failed to decode export: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 exported event, got %d", len(events))
	}
	if events[0]["identity"] != "198.51.100.7" {
		t.Errorf("identity = %v", events[0]["identity"])
	}
}

// TestGracefulShutdown_InFlightRequests verifies a proxied request in flight
// completes when the server shuts down.
func TestGracefulShutdown_InFlightRequests(t *testing.T) {
	handlerStarted := make(chan struct{})
	handlerCanContinue := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(handlerStarted)
		<-handlerCanContinue
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"completed"}`))
	}))
	defer upstream.Close()

	cfg := testConfig(t)
	cfg.UpstreamURL = upstream.URL
	a := startApp(t, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()

	server := &http.Server{
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serverStopped := make(chan struct{})
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.Errorf("server error: %v", err)
		}
		close(serverStopped)
	}()

	requestDone := make(chan struct{})
	var (
		status int
		body   []byte
	)
	go func() {
		defer close(requestDone)
		resp, err := http.Get("http://" + addr + "/slow")
		if err != nil {
			t.Errorf("request error: %v", err)
			return
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		body, _ = io.ReadAll(resp.Body)
	}()

	select {
	case <-handlerStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream handler failed to start in time")
	}

	shutdownDone := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			t.Errorf("shutdown error: %v", err)
		}
		close(shutdownDone)
	}()

	// Give shutdown a moment to begin
	time.Sleep(50 * time.Millisecond)
	close(handlerCanContinue)

	select {
	case <-requestDone:
	case <-time.After(5 * time.Second):
		t.Fatal("request failed to complete in time")
	}
	select {
	case <-shutdownDone:
	case <-time.After(15 * time.Second):
		t.Fatal("shutdown failed to complete in time")
	}
	<-serverStopped

	if status != http.StatusOK {
		t.Errorf("expected status 200, got %d", status)
	}
	var result map[string]string
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if result["status"] != "completed" {
		t.Errorf("expected status 'completed', got %q", result["status"])
	}
}

func TestApp_StartAndStopJobs(t *testing.T) {
	a := startApp(t, testConfig(t))
	if len(a.jobs) != 4 {
		t.Fatalf("expected 4 background jobs without redis or postgres, got %d", len(a.jobs))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.startJobs(ctx)
	for _, j := range a.jobs {
		if !j.IsRunning() {
			t.Error("expected job to be running")
		}
	}
	for _, j := range a.jobs {
		j.Stop()
	}
	for _, j := range a.jobs {
		if j.IsRunning() {
			t.Error("expected job to be stopped")
		}
	}
}

func TestNewApp_AdminCORS(t *testing.T) {
	cfg := testConfig(t)
	cfg.AdminAllowedOrigins = []string{"https://console.example.com"}
	a := startApp(t, cfg)

	r := httptest.NewRequest(http.MethodOptions, "/admin/bans", nil)
	r.Header.Set("Origin", "https://console.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, r)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://console.example.com" {
		t.Errorf("unexpected Allow-Origin %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}

	r = httptest.NewRequest(http.MethodGet, "/admin/bans", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	r.Header.Set("Authorization", "Bearer "+adminToken(t))
	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, r)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 for unlisted origin, got %d", rr.Code)
	}
}

func TestNewApp_Profiling(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProfilingEnabled = true
	a := startApp(t, cfg)

	if rr := serve(a, http.MethodGet, "/debug/pprof/", ""); rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 without internal token, got %d", rr.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	r.Header.Set(middleware.InternalTokenHeader, testMetricsToken)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, r)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", rr.Code)
	}

	cfg = testConfig(t)
	cfg.ProfilingEnabled = true
	cfg.Env = "production"
	a = startApp(t, cfg)
	r = httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	r.Header.Set(middleware.InternalTokenHeader, testMetricsToken)
	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, r)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 in production, got %d", rr.Code)
	}
}
