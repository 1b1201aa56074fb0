package ban

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Repository persists ban records.
type Repository interface {
	// Insert stores a new active ban. An active ban for the same identity
	// that has already expired is deactivated first; an unexpired one yields
	// ErrAlreadyBanned.
	Insert(ctx context.Context, rec *Record, now time.Time) error

	// Deactivate ends the active, unexpired ban for identity.
	// Returns ErrNotFound if there is none.
	Deactivate(ctx context.Context, identity, unbannedBy string, now time.Time) (*Record, error)

	// ListInEffect returns every active ban not yet expired at now.
	ListInEffect(ctx context.Context, now time.Time) ([]Record, error)

	// List returns a page of bans, newest first, and the total match count.
	List(ctx context.Context, opts ListOptions, now time.Time) ([]Record, int, error)

	// ExpireBefore marks active bans expired at now as inactive.
	// Returns the number of records changed.
	ExpireBefore(ctx context.Context, now time.Time) (int64, error)
}

// InMemoryRepository is an in-memory Repository for tests and development.
// Thread-safe for concurrent access.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records []*Record
}

// NewInMemoryRepository creates a new in-memory ban repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

// Insert implements Repository.
func (r *InMemoryRepository) Insert(_ context.Context, rec *Record, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.records {
		if existing.Identity != rec.Identity || !existing.Active {
			continue
		}
		if !existing.Expired(now) {
			return ErrAlreadyBanned
		}
		existing.Active = false
	}
	r.records = append(r.records, rec.clone())
	return nil
}

// Deactivate implements Repository.
func (r *InMemoryRepository) Deactivate(_ context.Context, identity, unbannedBy string, now time.Time) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.records {
		if existing.Identity == identity && existing.InEffect(now) {
			at := now
			existing.Active = false
			existing.UnbannedBy = unbannedBy
			existing.UnbannedAt = &at
			return existing.clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ListInEffect implements Repository.
func (r *InMemoryRepository) ListInEffect(_ context.Context, now time.Time) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, rec := range r.records {
		if rec.InEffect(now) {
			out = append(out, *rec.clone())
		}
	}
	return out, nil
}

// List implements Repository.
func (r *InMemoryRepository) List(_ context.Context, opts ListOptions, now time.Time) ([]Record, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Record
	for _, rec := range r.records {
		if opts.Status == StatusActive && !rec.InEffect(now) {
			continue
		}
		matched = append(matched, *rec.clone())
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (opts.Page - 1) * opts.PageSize
	if start >= total {
		return []Record{}, total, nil
	}
	end := start + opts.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// ExpireBefore implements Repository.
func (r *InMemoryRepository) ExpireBefore(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, rec := range r.records {
		if rec.Active && rec.Expired(now) {
			rec.Active = false
			n++
		}
	}
	return n, nil
}
