package gatekeeper

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	alertKindInjection = "injection"
	alertKindRateLimit = "rate_limit"
)

// alertThrottle remembers when an alert kind was last raised per identity.
// The least recently alerted identity is forgotten first, which at worst
// lets one extra alert through.
type alertThrottle struct {
	interval time.Duration

	mu   sync.Mutex
	last *lru.Cache[string, time.Time]
}

func newAlertThrottle(interval time.Duration, size int) *alertThrottle {
	last, _ := lru.New[string, time.Time](size)
	return &alertThrottle{interval: interval, last: last}
}

// allow reports whether an alert of kind may be raised for identity at now,
// and if so records it.
func (t *alertThrottle) allow(kind, identity string, now time.Time) bool {
	key := kind + "|" + identity

	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last.Get(key); ok && now.Sub(prev) < t.interval {
		return false
	}
	t.last.Add(key, now)
	return true
}

func (g *Gatekeeper) allowAlert(kind, identity string) bool {
	if g.alertGate.allow(kind, identity, g.config.Clock.Now()) {
		return true
	}
	g.config.Metrics.incAlertsSuppressed(kind)
	return false
}
