package gatekeeper

import (
	"context"
	"fmt"
	"testing"

	"github.com/onnwee/gatekeeper/internal/audit"
	"github.com/onnwee/gatekeeper/internal/identity"
	"github.com/onnwee/gatekeeper/internal/ratelimit"
)

func TestAddressBook_Observe(t *testing.T) {
	b := NewAddressBook(2, 0)

	if b.Observe("acct-1", "203.0.113.1") {
		t.Error("first address of an account must not be new")
	}
	if b.Observe("acct-1", "203.0.113.1") {
		t.Error("repeated address must not be new")
	}
	if !b.Observe("acct-1", "203.0.113.2") {
		t.Error("expected second address to be new")
	}
	if b.Observe("acct-2", "203.0.113.2") {
		t.Error("accounts are tracked independently")
	}

	// The per-account cap forgets the oldest address.
	if !b.Observe("acct-1", "203.0.113.3") {
		t.Error("expected third address to be new")
	}
	if !b.Observe("acct-1", "203.0.113.1") {
		t.Error("expected evicted address to be reported as new again")
	}
}

func TestAddressBook_DefaultCap(t *testing.T) {
	b := NewAddressBook(0, 0)
	if b.perAcct != DefaultAddressesPerAccount {
		t.Errorf("expected default cap %d, got %d", DefaultAddressesPerAccount, b.perAcct)
	}
	b.Observe("acct", "10.0.0.0")
	for i := 1; i <= DefaultAddressesPerAccount; i++ {
		b.Observe("acct", fmt.Sprintf("10.0.0.%d", i))
	}
	addrs := b.Addresses("acct")
	if len(addrs) != DefaultAddressesPerAccount {
		t.Fatalf("expected %d remembered addresses, got %d", DefaultAddressesPerAccount, len(addrs))
	}
	if addrs[0] != "10.0.0.1" {
		t.Errorf("expected the oldest address to be dropped, first is %s", addrs[0])
	}
}

func TestAddressBook_ForgetsLeastRecentAccount(t *testing.T) {
	b := NewAddressBook(5, 2)
	b.Observe("acct-a", "198.51.100.1")
	b.Observe("acct-b", "198.51.100.2")
	// Touch acct-a so acct-b becomes the eviction candidate.
	b.Observe("acct-a", "198.51.100.1")
	b.Observe("acct-c", "198.51.100.3")

	if got := b.Addresses("acct-b"); got != nil {
		t.Errorf("expected acct-b to be forgotten, got %v", got)
	}
	if got := b.Addresses("acct-a"); len(got) != 1 {
		t.Errorf("expected acct-a to be kept, got %v", got)
	}
	// A forgotten account starts over and its next address is not reported.
	if b.Observe("acct-b", "203.0.113.200") {
		t.Error("first address after eviction must not be new")
	}
}

func TestRecordAuthFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := identity.Identity{Address: "203.0.113.90", AccountID: "acct-bob"}

	for i := 1; i <= 5; i++ {
		res := f.gk.RecordAuthFailure(ctx, id, audit.RequestContext{Path: "/login", Method: "POST"})
		if !res.Allowed || res.Count != i {
			t.Fatalf("failure %d: unexpected result %+v", i, res)
		}
	}
	if n := f.alerts.count("auth"); n != 0 {
		t.Fatalf("expected no alert within the policy, got %d", n)
	}

	res := f.gk.RecordAuthFailure(ctx, id, audit.RequestContext{Path: "/login", Method: "POST"})
	if res.Allowed {
		t.Fatal("expected sixth failure to exceed the policy")
	}
	call, ok := f.alerts.last("auth")
	if !ok || call.identity != "203.0.113.90" || call.count != 6 {
		t.Errorf("unexpected auth failure alert %+v", call)
	}

	events := f.events(t, audit.EventLoginFailed)
	if len(events) != 6 {
		t.Fatalf("expected 6 LOGIN_FAILED events, got %d", len(events))
	}
	if events[0].Details["accountId"] != "acct-bob" || events[0].Outcome != audit.OutcomeFailure {
		t.Errorf("unexpected event %+v", events[0])
	}
	if events[0].RequestPath != "/login" {
		t.Errorf("expected request path on event, got %q", events[0].RequestPath)
	}
}

func TestRecordAuthFailure_StoreDown(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Limiter = ratelimit.NewLimiter(failingStore{})
	})

	res := f.gk.RecordAuthFailure(context.Background(), identity.Identity{Address: "203.0.113.91"}, audit.RequestContext{})
	if !res.Allowed {
		t.Error("expected fail-open result")
	}
	if n := len(f.events(t, audit.EventLoginFailed)); n != 1 {
		t.Errorf("failure must still be audited, got %d events", n)
	}
	if n := f.alerts.count("degraded"); n != 1 {
		t.Errorf("expected degraded alert, got %d", n)
	}
}

func TestRecordAuthSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.gk.RecordAuthSuccess(ctx, identity.Identity{Address: "203.0.113.92", AccountID: "acct-carol"}, audit.RequestContext{})
	f.gk.RecordAuthSuccess(ctx, identity.Identity{Address: "198.51.100.92", AccountID: "acct-carol"}, audit.RequestContext{})

	if n := len(f.events(t, audit.EventLoginSucceeded)); n != 2 {
		t.Errorf("expected 2 LOGIN_SUCCESS events, got %d", n)
	}
	call, ok := f.alerts.last("new_ip")
	if !ok || call.identity != "acct-carol" {
		t.Errorf("expected new address alert for acct-carol, got %+v", call)
	}
	if n := len(f.events(t, audit.EventNewIPAccess)); n != 1 {
		t.Errorf("expected 1 NEW_IP_ACCESS event, got %d", n)
	}
}
