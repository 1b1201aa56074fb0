package gatekeeper

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/onnwee/gatekeeper/internal/audit"
	"github.com/onnwee/gatekeeper/internal/identity"
	"github.com/onnwee/gatekeeper/internal/ratelimit"
)

const (
	// DefaultAddressesPerAccount is how many recent addresses are remembered per account.
	DefaultAddressesPerAccount = 20
	// DefaultTrackedAccounts bounds AddressBook memory; the least recently
	// seen account is forgotten first.
	DefaultTrackedAccounts = 100_000
)

// AddressBook remembers the recent addresses each account has used.
type AddressBook struct {
	// mu makes the read-modify-write in Observe atomic; the cache is only
	// safe per call.
	mu       sync.Mutex
	perAcct  int
	accounts *lru.Cache[string, []string]
}

// NewAddressBook creates a book remembering up to perAccount addresses for
// each of up to maxAccounts accounts. Non-positive values use the defaults.
func NewAddressBook(perAccount, maxAccounts int) *AddressBook {
	if perAccount <= 0 {
		perAccount = DefaultAddressesPerAccount
	}
	if maxAccounts <= 0 {
		maxAccounts = DefaultTrackedAccounts
	}
	// lru.New only fails on a non-positive size.
	accounts, _ := lru.New[string, []string](maxAccounts)
	return &AddressBook{perAcct: perAccount, accounts: accounts}
}

// Observe records that account used addr. It reports whether addr is new for
// an account that has been seen before; the first address of an account is
// never reported as new.
func (b *AddressBook) Observe(account, addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	addrs, ok := b.accounts.Get(account)
	if !ok {
		b.accounts.Add(account, []string{addr})
		return false
	}
	if slices.Contains(addrs, addr) {
		return false
	}

	next := append(slices.Clone(addrs), addr)
	if len(next) > b.perAcct {
		next = next[len(next)-b.perAcct:]
	}
	b.accounts.Add(account, next)
	return true
}

// Addresses returns the remembered addresses of account, oldest first.
func (b *AddressBook) Addresses(account string) []string {
	addrs, _ := b.accounts.Peek(account)
	return slices.Clone(addrs)
}

// observeAccountAddress raises a MEDIUM alert and audits NEW_IP_ACCESS the
// first time a known account appears from a new address.
func (g *Gatekeeper) observeAccountAddress(ctx context.Context, id identity.Identity, rc audit.RequestContext) {
	if id.AccountID == "" || id.Address == "" {
		return
	}
	if !g.addresses.Observe(id.AccountID, id.Address) {
		return
	}
	if _, err := g.config.Alerts.NewIPAccess(ctx, id.AccountID, id.Address); err != nil {
		g.config.Logger.Warn("failed to raise new address alert", slog.String("error", err.Error()))
	}
	g.config.Audit.Record(ctx, audit.EventNewIPAccess, id.Address, audit.OutcomeSuccess, map[string]any{
		"accountId": id.AccountID,
	}, rc)
}

// RecordAuthFailure audits a failed login and counts it against the auth
// failure policy. Exceeding the policy raises a HIGH alert. The returned
// result reflects the failure window after this attempt.
func (g *Gatekeeper) RecordAuthFailure(ctx context.Context, id identity.Identity, rc audit.RequestContext) ratelimit.Result {
	policy := g.config.AuthFailurePolicy
	res, err := g.config.Limiter.Check(ctx, id.Address, policy)
	if err != nil {
		g.config.Metrics.incFailOpen("ratelimit")
		g.degraded(ctx, "ratelimit", err)
	} else {
		g.config.Metrics.incRateLimit(policy.Name, !res.Allowed)
	}

	details := map[string]any{"failures": res.Count}
	if id.AccountID != "" {
		details["accountId"] = id.AccountID
	}
	g.config.Audit.Record(ctx, audit.EventLoginFailed, id.Address, audit.OutcomeFailure, details, rc)

	if err == nil && !res.Allowed {
		if _, err := g.config.Alerts.RepeatedAuthFailures(ctx, id.Address, res.Count, policy.Window); err != nil {
			g.config.Logger.Warn("failed to raise auth failure alert", slog.String("error", err.Error()))
		}
	}
	return res
}

// RecordAuthSuccess audits a successful login and runs new address detection
// for the account.
func (g *Gatekeeper) RecordAuthSuccess(ctx context.Context, id identity.Identity, rc audit.RequestContext) {
	details := map[string]any{}
	if id.AccountID != "" {
		details["accountId"] = id.AccountID
	}
	g.config.Audit.Record(ctx, audit.EventLoginSucceeded, id.Address, audit.OutcomeSuccess, details, rc)
	g.observeAccountAddress(ctx, id, rc)
}
