package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrStorageUnavailable wraps failures of the underlying sink.
var ErrStorageUnavailable = errors.New("audit storage unavailable")

// Repository is the append-only event sink. It deliberately has no update
// or delete operations; only Maintain on a Maintainer may remove events,
// and only those past the retention horizon.
type Repository interface {
	// Append durably writes one event.
	Append(ctx context.Context, e *Event) error

	// Query returns matching events sorted newest first.
	Query(ctx context.Context, q Query) ([]Event, error)
}

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	Archived int
	Removed  int
	Rotated  int
}

// Maintainer applies retention and rotation. It must never be called
// inline from a request.
type Maintainer interface {
	Maintain(ctx context.Context, now time.Time) (MaintenanceReport, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu        sync.RWMutex
	events    []Event
	retention time.Duration
}

// NewInMemoryRepository creates a new in-memory audit repository.
// A zero retention keeps events forever.
func NewInMemoryRepository(retention time.Duration) *InMemoryRepository {
	return &InMemoryRepository{retention: retention}
}

// Append implements Repository.
func (r *InMemoryRepository) Append(_ context.Context, e *Event) error {
	r.mu.Lock()
	r.events = append(r.events, e.clone())
	r.mu.Unlock()
	return nil
}

// Query implements Repository.
func (r *InMemoryRepository) Query(_ context.Context, q Query) ([]Event, error) {
	r.mu.RLock()
	var results []Event
	// Iterate in reverse order (newest first)
	for i := len(r.events) - 1; i >= 0; i-- {
		if q.matches(&r.events[i]) {
			results = append(results, r.events[i].clone())
		}
	}
	r.mu.RUnlock()

	sortNewestFirst(results)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// Maintain implements Maintainer by dropping events older than the retention horizon.
func (r *InMemoryRepository) Maintain(_ context.Context, now time.Time) (MaintenanceReport, error) {
	if r.retention <= 0 {
		return MaintenanceReport{}, nil
	}
	cutoff := now.Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.events[:0]
	removed := 0
	for _, e := range r.events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.events = kept
	return MaintenanceReport{Removed: removed}, nil
}

// Len returns the number of stored events.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func sortNewestFirst(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
