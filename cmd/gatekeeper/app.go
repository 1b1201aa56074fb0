package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/gatekeeper/internal/alert"
	"github.com/onnwee/gatekeeper/internal/api"
	"github.com/onnwee/gatekeeper/internal/audit"
	"github.com/onnwee/gatekeeper/internal/auth"
	"github.com/onnwee/gatekeeper/internal/ban"
	"github.com/onnwee/gatekeeper/internal/config"
	"github.com/onnwee/gatekeeper/internal/db"
	"github.com/onnwee/gatekeeper/internal/gatekeeper"
	"github.com/onnwee/gatekeeper/internal/health"
	"github.com/onnwee/gatekeeper/internal/identity"
	"github.com/onnwee/gatekeeper/internal/jobs"
	"github.com/onnwee/gatekeeper/internal/middleware"
	"github.com/onnwee/gatekeeper/internal/ratelimit"
)

const serviceName = "gatekeeper"

// exemptPrefixes are served without running the pipeline.
var exemptPrefixes = []string{"/health", "/ready", "/metrics", "/admin", "/debug/pprof"}

// app holds everything main starts and stops.
type app struct {
	handler    http.Handler
	gatekeeper *gatekeeper.Gatekeeper
	center     *alert.Center
	jobs       []*jobs.Periodic
	registry   *prometheus.Registry
	logger     *slog.Logger

	closers []func() error
}

// newApp wires storage, the audit and alert subsystems, the pipeline and the
// HTTP routes from cfg. Optional backends (Postgres, Redis, the archive and
// the webhook) are only connected when configured.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger, registry: prometheus.NewRegistry()}

	gkMetrics := gatekeeper.NewMetrics()
	alertMetrics := alert.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	httpMetrics := middleware.NewMetrics()

	var (
		dbChecker, redisChecker      api.HealthChecker
		archiveChecker, webhookCheck api.HealthChecker
	)

	// Bans: Postgres when configured, otherwise process memory.
	var banRepo ban.Repository = ban.NewInMemoryRepository()
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		pg := ban.NewPostgresRepository(conn, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			a.close()
			return nil, err
		}
		banRepo = pg
		dbChecker = health.NewDBChecker(conn)
		logger.Info("ban store using postgres")
	}
	bans := ban.NewStore(banRepo, ban.StoreConfig{
		CacheTTL:        time.Duration(cfg.BanCacheTTLSeconds) * time.Second,
		DefaultDuration: time.Duration(cfg.DefaultBanMinutes) * time.Minute,
		Logger:          logger,
	})
	a.jobs = append(a.jobs, ban.NewSweeper(bans, time.Duration(cfg.BanSweepIntervalSeconds)*time.Second, logger, jobMetrics))

	// Rate windows: Redis when configured, otherwise process memory.
	var (
		rateStore   ratelimit.Store
		redisClient redis.UniversalClient
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			// Checks fail open while Redis is down; startup does not block on it.
			logger.Warn("redis unreachable at startup", "error", err)
		}
		cancel()
		redisClient = client
		rateStore = ratelimit.NewRedisStore(client)
		redisChecker = health.NewRedisChecker(client)
		logger.Info("rate limiter using redis")
	} else {
		mem := ratelimit.NewInMemoryStore(ratelimit.InMemoryStoreConfig{Strict: cfg.RateLimitStrict})
		rateStore = mem
		a.jobs = append(a.jobs, ratelimit.NewCleanupJob(mem, ratelimit.DefaultCleanupInterval, logger, jobMetrics))
	}

	// Alerts.
	alertRepo, err := alert.NewFileRepository(cfg.AlertDir)
	if err != nil {
		a.close()
		return nil, err
	}
	var notifiers alert.MultiNotifier
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, alert.NewWebhookNotifier(cfg.AlertWebhookURL, &http.Client{Timeout: 10 * time.Second}))
		webhookCheck = health.NewEndpointChecker(cfg.AlertWebhookURL)
	}
	if redisClient != nil && cfg.AlertRedisChannel != "" {
		notifiers = append(notifiers, alert.NewRedisNotifier(redisClient, cfg.AlertRedisChannel))
	}
	var notifier alert.Notifier
	if len(notifiers) > 0 {
		notifier = notifiers
	}
	hub := alert.NewHub()
	a.center = alert.NewCenter(alertRepo, alert.CenterConfig{
		Notifier:    notifier,
		Broadcaster: hub,
		Logger:      logger,
		Metrics:     alertMetrics,
	})
	a.jobs = append(a.jobs, alert.NewCleanupJob(a.center, cfg.AlertRetention(), alert.DefaultCleanupInterval, logger, jobMetrics))

	// Audit log.
	var archiver audit.Archiver
	if cfg.ArchiveConfigured() {
		s3, err := audit.NewS3Archiver(audit.S3ArchiverConfig{
			Bucket:          cfg.AuditArchiveBucket,
			Prefix:          cfg.AuditArchivePrefix,
			Endpoint:        cfg.AuditArchiveEndpoint,
			Region:          cfg.AuditArchiveRegion,
			AccessKeyID:     cfg.AuditArchiveAccessKeyID,
			SecretAccessKey: cfg.AuditArchiveSecretAccessKey,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		archiver = s3
		archiveChecker = s3
	}
	auditRepo, err := audit.NewFileRepository(audit.FileConfig{
		Dir:               cfg.AuditDir,
		Retention:         cfg.AuditRetention(),
		MaxPartitionBytes: int64(cfg.AuditMaxPartitionMB) << 20,
		Archiver:          archiver,
		Logger:            logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, auditRepo.Close)
	auditLogger := audit.NewLogger(auditRepo, audit.LoggerConfig{
		Logger: logger,
		OnError: func(ctx context.Context, e *audit.Event, err error) {
			if _, alertErr := a.center.AuditWriteFailure(ctx, string(e.EventType), err); alertErr != nil {
				logger.Error("failed to raise audit failure alert", "error", alertErr)
			}
		},
	})
	a.jobs = append(a.jobs, audit.NewMaintenanceJob(auditRepo, audit.DefaultMaintenanceInterval, logger, jobMetrics))

	// Pipeline.
	resolver := &identity.Resolver{Headers: cfg.TrustedProxyHeaders}
	a.gatekeeper, err = gatekeeper.New(gatekeeper.Config{
		Limiter:  ratelimit.NewLimiter(rateStore),
		Bans:     bans,
		Audit:    auditLogger,
		Alerts:   a.center,
		Resolver: resolver,
		Routes: gatekeeper.LoginRoutes(cfg.LoginPaths, ratelimit.Policy{
			Name:   ratelimit.PolicyLogin,
			Limit:  cfg.RateLimitLoginRequests,
			Window: time.Duration(cfg.RateLimitLoginWindowSeconds) * time.Second,
		}),
		DefaultPolicy: ratelimit.Policy{
			Name:   ratelimit.PolicyAPI,
			Limit:  cfg.RateLimitAPIRequests,
			Window: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
		},
		ExemptPrefixes:      exemptPrefixes,
		BanDuration:         time.Duration(cfg.DefaultBanMinutes) * time.Minute,
		Budget:              cfg.CheckBudget(),
		AlertRepeatInterval: time.Duration(cfg.AlertRepeatSeconds) * time.Second,
		Logger:              logger,
		Metrics:             gkMetrics,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	// Routes.
	mux := http.NewServeMux()

	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:      dbChecker,
		RedisChecker:   redisChecker,
		ArchiveChecker: archiveChecker,
		WebhookChecker: webhookCheck,
		MetricsEnabled: cfg.MetricsEnabled,
	})
	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)

	// The operator console may live on another origin; the same allowlist
	// gates CORS and the alert stream upgrade.
	origins := middleware.NewOriginAllowlist(cfg.AdminAllowedOrigins)
	adminMux := http.NewServeMux()
	api.NewAdminHandlers(api.AdminConfig{
		Bans:         bans,
		Audit:        auditLogger,
		Alerts:       a.center,
		Tokens:       auth.NewJWTService(cfg.JWTSecret, auth.WithPreviousSecret(cfg.JWTPreviousSecret)),
		Resolver:     resolver,
		Hub:          hub,
		AlertMetrics: alertMetrics,
		CheckOrigin:  origins.CheckOrigin(),
	}).Register(adminMux)
	mux.Handle("/admin/", middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.AdminAllowedOrigins,
		AllowCredentials: true,
		MaxAge:           600,
	})(adminMux))

	middleware.RegisterProfiling(mux, middleware.ProfilingConfig{
		Enabled:     cfg.ProfilingEnabled,
		Environment: cfg.Env,
		Token:       cfg.MetricsToken,
	})

	if cfg.MetricsEnabled {
		if err := a.registerMetrics(auditLogger, gkMetrics, alertMetrics, jobMetrics, httpMetrics); err != nil {
			a.close()
			return nil, err
		}
		var metricsHandler http.Handler = promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
		if cfg.MetricsToken != "" {
			metricsHandler = middleware.InternalToken(cfg.MetricsToken)(metricsHandler)
		}
		mux.Handle("GET /metrics", metricsHandler)
	}

	if cfg.UpstreamURL != "" {
		upstream, err := url.Parse(cfg.UpstreamURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("invalid UPSTREAM_URL: %w", err)
		}
		mux.Handle("/", a.gatekeeper.NewProxy(gatekeeper.ProxyConfig{
			Upstream:      upstream,
			AccountHeader: cfg.AccountIDHeader,
		}))
		logger.Info("proxying admitted requests", "upstream", upstream.Host)
	} else {
		mux.HandleFunc("/", notFound)
	}

	// Apply middleware: RequestID -> Tracing -> Logging -> HTTPMetrics -> Gatekeeper
	var handler http.Handler = a.gatekeeper.Middleware(mux)
	if cfg.MetricsEnabled {
		handler = middleware.HTTPMetrics(httpMetrics)(handler)
	}
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	a.handler = middleware.RequestID(handler)

	return a, nil
}

func (a *app) registerMetrics(auditLogger *audit.Logger, gk *gatekeeper.Metrics, al *alert.Metrics, jm *jobs.Metrics, hm *middleware.Metrics) error {
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "gatekeeper_audit_write_failures_total",
			Help: "Audit events dropped after a failed retry",
		}, func() float64 { return float64(auditLogger.Failures()) }),
	)
	for _, r := range []interface {
		Register(prometheus.Registerer) error
	}{gk, al, jm, hm} {
		if err := r.Register(a.registry); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return nil
}

func notFound(w http.ResponseWriter, r *http.Request) {
	api.Fail(w, r, api.ErrCodeNotFound, "The requested resource was not found")
}

// startJobs starts every background job. A job that fails to start is logged
// and skipped.
func (a *app) startJobs(ctx context.Context) {
	for _, j := range a.jobs {
		if err := j.Start(ctx); err != nil {
			a.logger.Error("failed to start job", "error", err)
		}
	}
}

// shutdown stops jobs, waits for in-flight alert notifications and releases
// storage. The HTTP server must already be shut down.
func (a *app) shutdown() {
	for _, j := range a.jobs {
		j.Stop()
	}
	if a.center != nil {
		a.center.Wait()
	}
	a.close()
}

func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error releasing resources", "error", err)
	}
}
