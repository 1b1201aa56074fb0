// Package ratelimit provides per-identity sliding-window rate limiting.
//
// A limiter only reports whether a caller is over its ceiling; escalation
// (banning, alerting) is the caller's decision.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable is returned when the backing store cannot be reached.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Policy defines the ceiling and trailing window for one endpoint class.
// Valid values:
//   - Limit: must be > 0
//   - Window: must be > 0
type Policy struct {
	// Name namespaces the window so one identity has independent windows
	// per endpoint class.
	Name string
	// Limit is the maximum number of requests admitted within Window.
	Limit int
	// Window is the trailing interval over which requests are counted.
	Window time.Duration
}

// Validate checks that the Policy has valid values.
func (p Policy) Validate() error {
	if p.Name == "" {
		return errors.New("policy name must not be empty")
	}
	if p.Limit <= 0 {
		return fmt.Errorf("policy %s: Limit must be > 0 (got %d)", p.Name, p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("policy %s: Window must be > 0 (got %s)", p.Name, p.Window)
	}
	return nil
}

// Policy names used by the gatekeeper.
const (
	PolicyAPI         = "api"
	PolicyLogin       = "login"
	PolicyAuthFailure = "auth_failure"
)

// defaultAPIPolicy is the default generic API limit (60 requests per minute).
var defaultAPIPolicy = Policy{Name: PolicyAPI, Limit: 60, Window: time.Minute}

// defaultLoginPolicy is the default login limit (5 requests per 15 minutes).
var defaultLoginPolicy = Policy{Name: PolicyLogin, Limit: 5, Window: 15 * time.Minute}

// defaultAuthFailurePolicy bounds failed authentications before an alert is raised.
var defaultAuthFailurePolicy = Policy{Name: PolicyAuthFailure, Limit: 5, Window: 15 * time.Minute}

// DefaultAPIPolicy returns a copy of the default generic API policy.
func DefaultAPIPolicy() Policy {
	return defaultAPIPolicy
}

// DefaultLoginPolicy returns a copy of the default login policy.
func DefaultLoginPolicy() Policy {
	return defaultLoginPolicy
}

// DefaultAuthFailurePolicy returns a copy of the default failed-authentication policy.
func DefaultAuthFailurePolicy() Policy {
	return defaultAuthFailurePolicy
}

// Result is the outcome of recording one request against a policy.
type Result struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	// ResetAfter is the time until the oldest counted request leaves the window.
	ResetAfter time.Duration
}

// ResetSeconds returns ResetAfter rounded up to whole seconds, at least 1.
func (r Result) ResetSeconds() int {
	secs := int((r.ResetAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Store records requests in per-key sliding windows.
// This allows for different backends (in-memory, Redis, etc.).
type Store interface {
	// Record prunes the key's window, records the current request if it fits
	// under the policy ceiling and returns the resulting count.
	Record(ctx context.Context, key string, policy Policy) (Result, error)
}

// Limiter checks identities against per-call-site policies.
type Limiter struct {
	store Store
}

// NewLimiter creates a limiter backed by store.
func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store}
}

// Check records a request for key under policy and reports whether it is allowed.
// A store failure is returned to the caller, which decides whether to fail open.
func (l *Limiter) Check(ctx context.Context, key string, policy Policy) (Result, error) {
	if err := policy.Validate(); err != nil {
		return Result{}, err
	}
	res, err := l.store.Record(ctx, key, policy)
	if err != nil {
		return Result{Allowed: true, Limit: policy.Limit, Remaining: policy.Limit}, err
	}
	return res, nil
}

// windowKey namespaces key by policy.
func windowKey(key string, policy Policy) string {
	return policy.Name + ":" + key
}

// buildResult derives a Result from the post-prune count.
func buildResult(allowed bool, count int, policy Policy, resetAfter time.Duration) Result {
	remaining := policy.Limit - count
	if remaining < 0 || !allowed {
		remaining = 0
	}
	if resetAfter <= 0 {
		resetAfter = policy.Window
	}
	return Result{
		Allowed:    allowed,
		Count:      count,
		Limit:      policy.Limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
	}
}
