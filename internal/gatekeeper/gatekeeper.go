// Package gatekeeper runs the per-request protection pipeline: ban lookup,
// sliding-window rate limiting with automatic bans, and injection pattern
// detection. Every rejection is audited and serious ones raise alerts.
package gatekeeper

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/gatekeeper/internal/alert"
	"github.com/onnwee/gatekeeper/internal/api"
	"github.com/onnwee/gatekeeper/internal/audit"
	"github.com/onnwee/gatekeeper/internal/ban"
	"github.com/onnwee/gatekeeper/internal/detect"
	"github.com/onnwee/gatekeeper/internal/identity"
	"github.com/onnwee/gatekeeper/internal/ratelimit"
	"github.com/onnwee/gatekeeper/internal/tracing"
)

const (
	// DefaultBudget bounds the storage-backed checks of one request.
	DefaultBudget = 50 * time.Millisecond
	// DefaultMaxBodyBytes caps how much of a request body is read for scanning.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultDegradedAlertInterval limits degraded-protection alerts.
	DefaultDegradedAlertInterval = time.Minute
	// DefaultAlertRepeatInterval limits injection and rate limit alerts per identity.
	DefaultAlertRepeatInterval = time.Minute
	// DefaultAlertThrottleKeys bounds the identities remembered for alert throttling.
	DefaultAlertThrottleKeys = 50_000
	// escalationTimeout bounds the ban write issued on a rate limit violation.
	escalationTimeout = 2 * time.Second

	// RateLimitReason is the reason recorded on automatic bans.
	RateLimitReason = "rate limit exceeded"
)

// State is a step of the per-request pipeline.
type State string

const (
	StateReceived         State = "RECEIVED"
	StateIdentityResolved State = "IDENTITY_RESOLVED"
	StateBanChecked       State = "BAN_CHECKED"
	StateRateChecked      State = "RATE_CHECKED"
	StatePatternChecked   State = "PATTERN_CHECKED"
	StateAdmitted         State = "ADMITTED"
	StateRejected         State = "REJECTED"
)

// BanStore is the subset of *ban.Store the pipeline needs.
type BanStore interface {
	IsBanned(ctx context.Context, id string) (*ban.Record, error)
	Ban(ctx context.Context, req ban.BanRequest) (*ban.Record, error)
}

// Auditor records audit events. *audit.Logger satisfies it.
type Auditor interface {
	Record(ctx context.Context, eventType audit.EventType, identity, outcome string, details map[string]any, rc audit.RequestContext) *audit.Event
}

// Alerter raises security alerts. *alert.Center satisfies it.
type Alerter interface {
	RateLimitExceeded(ctx context.Context, identity, policy string, count, limit int) (*alert.Record, error)
	InjectionAttempt(ctx context.Context, identity, path string, categories detect.Matches, fields []string) (*alert.Record, error)
	DegradedProtection(ctx context.Context, component string, cause error) (*alert.Record, error)
	RepeatedAuthFailures(ctx context.Context, identity string, failures int, window time.Duration) (*alert.Record, error)
	NewIPAccess(ctx context.Context, accountID, address string) (*alert.Record, error)
}

// Config configures a Gatekeeper.
type Config struct {
	Limiter  *ratelimit.Limiter
	Bans     BanStore
	Detector detect.Detector
	Audit    Auditor
	Alerts   Alerter
	Resolver *identity.Resolver

	// Routes select the rate policy for a request; the first match wins.
	Routes []RoutePolicy
	// DefaultPolicy applies when no route matches.
	DefaultPolicy ratelimit.Policy
	// AuthFailurePolicy bounds failed logins per address.
	AuthFailurePolicy ratelimit.Policy
	// ExemptPrefixes bypass every check (health, metrics, operator API).
	ExemptPrefixes []string
	// BanDuration is applied to automatic bans. Zero means the ban store default.
	BanDuration time.Duration

	Budget                time.Duration
	MaxBodyBytes          int64
	DegradedAlertInterval time.Duration

	// AlertRepeatInterval is the minimum gap between two injection or rate
	// limit alerts for the same identity. Rejections and audit events are
	// not throttled.
	AlertRepeatInterval time.Duration
	Circuit             CircuitOptions

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

// Gatekeeper admits or rejects requests.
type Gatekeeper struct {
	config       Config
	breaker      *CircuitBreaker
	addresses    *AddressBook
	alertGate    *alertThrottle
	lastDegraded atomic.Int64
}

// New creates a Gatekeeper. Limiter, Bans, Audit and Alerts are required.
func New(cfg Config) (*Gatekeeper, error) {
	if cfg.Limiter == nil || cfg.Bans == nil {
		return nil, errors.New("gatekeeper: limiter and ban store are required")
	}
	if cfg.Audit == nil || cfg.Alerts == nil {
		return nil, errors.New("gatekeeper: audit logger and alert center are required")
	}
	if cfg.Detector == nil {
		cfg.Detector = detect.NewRegexDetector()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = identity.NewResolver()
	}
	if cfg.DefaultPolicy == (ratelimit.Policy{}) {
		cfg.DefaultPolicy = ratelimit.DefaultAPIPolicy()
	}
	if cfg.AuthFailurePolicy == (ratelimit.Policy{}) {
		cfg.AuthFailurePolicy = ratelimit.DefaultAuthFailurePolicy()
	}
	if err := cfg.DefaultPolicy.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.AuthFailurePolicy.Validate(); err != nil {
		return nil, err
	}
	for _, rp := range cfg.Routes {
		if err := rp.Policy.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.DegradedAlertInterval <= 0 {
		cfg.DegradedAlertInterval = DefaultDegradedAlertInterval
	}
	if cfg.AlertRepeatInterval <= 0 {
		cfg.AlertRepeatInterval = DefaultAlertRepeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	g := &Gatekeeper{
		config:    cfg,
		breaker:   NewCircuitBreaker(cfg.Circuit, cfg.Clock),
		addresses: NewAddressBook(DefaultAddressesPerAccount, DefaultTrackedAccounts),
		alertGate: newAlertThrottle(cfg.AlertRepeatInterval, DefaultAlertThrottleKeys),
	}
	g.lastDegraded.Store(-1)
	return g, nil
}

// Request is the input to one pipeline run.
type Request struct {
	Identity identity.Identity
	Method   string
	Path     string
	// Fields are the flattened untrusted inputs to scan, keyed by path
	// (query.q, body.user.name, path).
	Fields map[string]string
	// Policy overrides route selection when set.
	Policy  *ratelimit.Policy
	Context audit.RequestContext
}

// Decision is the outcome of one pipeline run.
type Decision struct {
	// State is StateAdmitted or StateRejected.
	State State
	// Reached is the last state passed before the decision.
	Reached State
	Status  int
	Code    string
	Message string

	Ban     *ban.Record
	Rate    *ratelimit.Result
	Matches detect.Matches
	Fields  []string
	// Degraded is set when a check failed open.
	Degraded bool
}

// Admitted reports whether the request may proceed.
func (d *Decision) Admitted() bool {
	return d.State == StateAdmitted
}

func (d *Decision) reject(status int, code, message string) *Decision {
	d.State = StateRejected
	d.Status = status
	d.Code = code
	d.Message = message
	return d
}

// Policy returns the rate policy that applies to method and path.
func (g *Gatekeeper) Policy(method, path string) ratelimit.Policy {
	for _, rp := range g.config.Routes {
		if rp.Matches(method, path) {
			return rp.Policy
		}
	}
	return g.config.DefaultPolicy
}

// Check runs the pipeline for req. It never returns an error: storage
// failures fail open and are reported through Decision.Degraded.
func (g *Gatekeeper) Check(ctx context.Context, req Request) *Decision {
	start := g.config.Clock.Now()
	d := &Decision{Reached: StateReceived}
	ctx, endSpan := tracing.StartSpan(ctx, "gatekeeper.check")
	defer func() {
		g.config.Metrics.observeDecision(d, g.config.Clock.Since(start).Seconds())
		tracing.SetAttributes(ctx,
			attribute.String("gatekeeper.state", string(d.State)),
			attribute.String("gatekeeper.reached", string(d.Reached)),
			attribute.Bool("gatekeeper.degraded", d.Degraded),
		)
		if d.Code != "" {
			tracing.AddEvent(ctx, "rejected", attribute.String("code", d.Code))
		}
		endSpan(nil)
	}()

	addr := req.Identity.Address
	d.Reached = StateIdentityResolved

	policy := g.Policy(req.Method, req.Path)
	if req.Policy != nil {
		policy = *req.Policy
	}

	if g.breaker.Allow() {
		if rejected := g.storageChecks(ctx, req, policy, d, start); rejected {
			return d
		}
	} else {
		d.Degraded = true
		g.config.Metrics.incFailOpen("circuit")
		g.degraded(ctx, "circuit", errors.New("storage checks skipped while circuit is open"))
		d.Reached = StateRateChecked
	}

	if len(req.Fields) > 0 {
		if byField := g.config.Detector.ClassifyFields(req.Fields); len(byField) > 0 {
			matches, fields := detect.Summarize(byField)
			d.Matches, d.Fields = matches, fields

			if g.allowAlert(alertKindInjection, addr) {
				if _, err := g.config.Alerts.InjectionAttempt(ctx, addr, req.Path, matches, fields); err != nil {
					g.config.Logger.Warn("failed to raise injection alert", slog.String("error", err.Error()))
				}
			}
			g.config.Audit.Record(ctx, audit.EventSuspiciousActivity, addr, audit.OutcomeBlocked, map[string]any{
				"categories": matchNames(matches),
				"fields":     fields,
			}, req.Context)
			return d.reject(http.StatusForbidden, api.ErrCodeSuspiciousInput, "Request contains potentially malicious input")
		}
	}
	d.Reached = StatePatternChecked

	if req.Identity.AccountID != "" {
		g.observeAccountAddress(ctx, req.Identity, req.Context)
	}

	d.State = StateAdmitted
	d.Reached = StateAdmitted
	return d
}

// storageChecks runs the ban and rate checks under the budget. It reports
// whether the request was rejected.
func (g *Gatekeeper) storageChecks(ctx context.Context, req Request, policy ratelimit.Policy, d *Decision, start time.Time) bool {
	addr := req.Identity.Address
	checkCtx, cancel := context.WithTimeout(ctx, g.config.Budget)
	defer cancel()

	failed := false

	rec, err := g.config.Bans.IsBanned(checkCtx, addr)
	if err != nil {
		failed = true
		d.Degraded = true
		g.config.Metrics.incFailOpen("ban")
		g.degraded(ctx, "ban", err)
	} else if rec != nil {
		g.breaker.OnSuccess()
		d.Ban = rec
		g.config.Audit.Record(ctx, audit.EventAccessDeniedBanned, addr, audit.OutcomeBlocked, map[string]any{
			"banId":  rec.ID,
			"reason": rec.Reason,
		}, req.Context)
		d.reject(http.StatusForbidden, api.ErrCodeIPBlocked, "Access denied: "+rec.Reason)
		return true
	}
	d.Reached = StateBanChecked

	res, err := g.checkRate(checkCtx, req.Identity, policy)
	if err != nil {
		failed = true
		d.Degraded = true
		g.config.Metrics.incFailOpen("ratelimit")
		g.degraded(ctx, "ratelimit", err)
	} else {
		d.Rate = &res
		g.config.Metrics.incRateLimit(policy.Name, !res.Allowed)
	}

	if elapsed := g.config.Clock.Since(start); !failed && elapsed > g.config.Budget {
		failed = true
		g.config.Metrics.incFailOpen("budget")
		g.degraded(ctx, "budget", errors.New("checks exceeded budget of "+g.config.Budget.String()))
	}
	if failed {
		g.breaker.OnFailure()
	} else {
		g.breaker.OnSuccess()
	}
	g.config.Metrics.setCircuitState(g.breaker.State())

	if err == nil && !res.Allowed {
		g.escalate(ctx, req, policy, res)
		d.reject(http.StatusTooManyRequests, api.ErrCodeRateLimited, "Too many requests, please try again later")
		return true
	}
	d.Reached = StateRateChecked
	return false
}

// checkRate records the request in every window of the identity and
// returns the tightest result. A rejection in any window rejects.
func (g *Gatekeeper) checkRate(ctx context.Context, id identity.Identity, policy ratelimit.Policy) (ratelimit.Result, error) {
	var tightest ratelimit.Result
	for i, key := range id.Keys() {
		res, err := g.config.Limiter.Check(ctx, key, policy)
		if err != nil {
			return res, err
		}
		if i == 0 || !res.Allowed || (tightest.Allowed && res.Remaining < tightest.Remaining) {
			tightest = res
		}
		if !res.Allowed {
			break
		}
	}
	return tightest, nil
}

// escalate bans an identity that exceeded its policy, raises a HIGH alert
// and audits the violation.
func (g *Gatekeeper) escalate(ctx context.Context, req Request, policy ratelimit.Policy, res ratelimit.Result) {
	addr := req.Identity.Address

	banCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), escalationTimeout)
	defer cancel()

	banned := false
	_, err := g.config.Bans.Ban(banCtx, ban.BanRequest{
		Identity: addr,
		Reason:   RateLimitReason,
		BannedBy: ban.SystemActor,
		Duration: g.config.BanDuration,
		Source:   ban.SourceAuto,
	})
	switch {
	case err == nil:
		banned = true
		g.config.Metrics.incAutoBans()
	case errors.Is(err, ban.ErrAlreadyBanned):
	default:
		g.config.Logger.Error("failed to ban identity after rate limit violation",
			slog.String("identity", addr),
			slog.String("error", err.Error()))
		g.degraded(ctx, "ban", err)
	}

	if g.allowAlert(alertKindRateLimit, addr) {
		if _, err := g.config.Alerts.RateLimitExceeded(ctx, addr, policy.Name, res.Count, res.Limit); err != nil {
			g.config.Logger.Warn("failed to raise rate limit alert", slog.String("error", err.Error()))
		}
	}
	g.config.Audit.Record(ctx, audit.EventRateLimitExceeded, addr, audit.OutcomeBlocked, map[string]any{
		"policy": policy.Name,
		"count":  res.Count,
		"limit":  res.Limit,
		"banned": banned,
	}, req.Context)
}

// degraded raises a LOW alert at most once per DegradedAlertInterval.
func (g *Gatekeeper) degraded(ctx context.Context, component string, cause error) {
	g.config.Logger.Warn("protection degraded, failing open",
		slog.String("component", component),
		slog.String("error", cause.Error()))

	now := g.config.Clock.Now().UnixNano()
	last := g.lastDegraded.Load()
	if last >= 0 && now-last < int64(g.config.DegradedAlertInterval) {
		return
	}
	if !g.lastDegraded.CompareAndSwap(last, now) {
		return
	}
	if _, err := g.config.Alerts.DegradedProtection(ctx, component, cause); err != nil {
		g.config.Logger.Warn("failed to raise degraded protection alert", slog.String("error", err.Error()))
	}
}

// CircuitState returns the storage check breaker state.
func (g *Gatekeeper) CircuitState() CircuitState {
	return g.breaker.State()
}

func matchNames(m detect.Matches) []string {
	out := make([]string, len(m))
	for i, c := range m {
		out[i] = string(c)
	}
	return out
}
