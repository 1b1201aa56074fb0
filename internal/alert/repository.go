package alert

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Repository persists alerts.
type Repository interface {
	// Save durably stores a new alert.
	Save(ctx context.Context, rec *Record) error
	// Since returns alerts raised at or after since, newest first.
	Since(ctx context.Context, since time.Time) ([]Record, error)
	// Acknowledge marks an alert acknowledged. Returns ErrNotFound for an unknown id.
	Acknowledge(ctx context.Context, id string) (*Record, error)
	// DeleteBefore removes alerts raised before cutoff and returns how many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu     sync.RWMutex
	alerts []Record
}

// NewInMemoryRepository creates a new in-memory alert repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

// Save implements Repository.
func (r *InMemoryRepository) Save(_ context.Context, rec *Record) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, rec.clone())
	r.mu.Unlock()
	return nil
}

// Since implements Repository.
func (r *InMemoryRepository) Since(_ context.Context, since time.Time) ([]Record, error) {
	r.mu.RLock()
	var out []Record
	for i := len(r.alerts) - 1; i >= 0; i-- {
		if !r.alerts[i].Timestamp.Before(since) {
			out = append(out, r.alerts[i].clone())
		}
	}
	r.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

// Acknowledge implements Repository.
func (r *InMemoryRepository) Acknowledge(_ context.Context, id string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.alerts {
		if r.alerts[i].ID == id {
			r.alerts[i].Acknowledged = true
			c := r.alerts[i].clone()
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// DeleteBefore implements Repository.
func (r *InMemoryRepository) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.alerts[:0]
	removed := 0
	for _, a := range r.alerts {
		if a.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	r.alerts = kept
	return removed, nil
}

func sortNewestFirst(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp.After(recs[j].Timestamp)
	})
}
