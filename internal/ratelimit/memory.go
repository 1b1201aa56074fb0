package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// window holds the admitted request instants for one key, oldest first.
type window struct {
	// mu serialises prune-and-append in strict mode only.
	mu     sync.Mutex
	stamps atomic.Pointer[[]time.Time]
	span   time.Duration
	// dead is set under mu once Cleanup has dropped the window from the map.
	dead atomic.Bool
}

// InMemoryStoreConfig configures an InMemoryStore.
type InMemoryStoreConfig struct {
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Strict serialises concurrent requests for the same key so counts are
	// exact. When false, a racing update may be lost and the window
	// under-counts by one, which is acceptable for a heuristic limit.
	Strict bool
}

// InMemoryStore implements Store with per-key sliding windows held in memory.
// Thread-safe for concurrent access.
type InMemoryStore struct {
	clock  clock.Clock
	strict bool

	mu      sync.RWMutex
	windows map[string]*window
}

// NewInMemoryStore creates a new in-memory sliding-window store.
func NewInMemoryStore(cfg InMemoryStoreConfig) *InMemoryStore {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &InMemoryStore{
		clock:   cfg.Clock,
		strict:  cfg.Strict,
		windows: make(map[string]*window),
	}
}

// Record implements Store.
func (s *InMemoryStore) Record(_ context.Context, key string, policy Policy) (Result, error) {
	wk := windowKey(key, policy)
	for {
		if res, ok := s.record(s.window(wk, policy.Window), policy); ok {
			return res, nil
		}
	}
}

// record appends to w. It reports false when Cleanup removed w first, in
// which case the caller retries on a fresh window.
func (s *InMemoryStore) record(w *window, policy Policy) (Result, bool) {
	if s.strict {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.dead.Load() {
			return Result{}, false
		}
	}

	now := s.clock.Now()
	var current []time.Time
	if p := w.stamps.Load(); p != nil {
		current = *p
	}

	kept := prune(current, now.Add(-policy.Window))
	allowed := len(kept) < policy.Limit
	count := len(kept) + 1

	next := make([]time.Time, len(kept), len(kept)+1)
	copy(next, kept)
	if allowed {
		// Rejected requests are not stored, so a window never holds more
		// than Limit entries.
		next = append(next, now)
	}
	w.stamps.Store(&next)
	if !s.strict && w.dead.Load() {
		return Result{}, false
	}

	var resetAfter time.Duration
	if len(next) > 0 {
		resetAfter = next[0].Add(policy.Window).Sub(now)
	}
	return buildResult(allowed, count, policy, resetAfter), true
}

// Count returns the number of requests currently counted for key under policy
// without recording a new one.
func (s *InMemoryStore) Count(key string, policy Policy) int {
	s.mu.RLock()
	w, ok := s.windows[windowKey(key, policy)]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	p := w.stamps.Load()
	if p == nil {
		return 0
	}
	return len(prune(*p, s.clock.Now().Add(-policy.Window)))
}

func (s *InMemoryStore) window(key string, span time.Duration) *window {
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[key]; ok {
		return w
	}
	w = &window{span: span}
	s.windows[key] = w
	return w
}

// Cleanup removes windows whose newest entry has left the window.
// This should be called periodically to bound memory.
// Returns the number of windows removed.
func (s *InMemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for key, w := range s.windows {
		if !w.stale(now) {
			continue
		}
		// Re-check under the window lock so a strict Record in flight
		// either lands first or sees the tombstone and retries.
		w.mu.Lock()
		if w.stale(now) {
			w.dead.Store(true)
			delete(s.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

func (w *window) stale(now time.Time) bool {
	p := w.stamps.Load()
	return p == nil || len(*p) == 0 || !(*p)[len(*p)-1].After(now.Add(-w.span))
}

// Len returns the number of tracked windows.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

// prune returns the suffix of stamps strictly after cutoff. stamps is ordered
// oldest first, so this is a scan bounded by the policy limit.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
