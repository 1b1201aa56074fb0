package ban

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/onnwee/gatekeeper/internal/identity"
)

// Defaults for StoreConfig.
const (
	DefaultCacheTTL      = 60 * time.Second
	DefaultDuration      = 60 * time.Minute
	DefaultSweepInterval = 10 * time.Minute
	// MaxDuration caps timed bans; longer bans should be permanent.
	MaxDuration = 10 * 365 * 24 * time.Hour
)

// SystemActor is the BannedBy value for automatic bans.
const SystemActor = "system"

// StoreConfig configures a Store.
type StoreConfig struct {
	// CacheTTL is how long a snapshot of in-effect bans serves reads.
	CacheTTL time.Duration
	// DefaultDuration applies when a BanRequest has no duration and is not permanent.
	DefaultDuration time.Duration
	Clock           clock.Clock
	Logger          *slog.Logger
}

// snapshot is an immutable view of in-effect bans keyed by identity.
type snapshot struct {
	byIdentity map[string]Record
	loadedAt   time.Time
}

// Store is the ban service used by the gatekeeper and the operator API.
// Safe for concurrent use.
type Store struct {
	repo   Repository
	config StoreConfig

	snap atomic.Pointer[snapshot]
	// gen is bumped on every write so a refresh that raced a write is discarded.
	gen       atomic.Uint64
	refreshMu sync.Mutex
}

// NewStore creates a ban store over repo with an empty cache.
func NewStore(repo Repository, config StoreConfig) *Store {
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.DefaultDuration <= 0 {
		config.DefaultDuration = DefaultDuration
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Store{repo: repo, config: config}
}

// IsBanned returns the ban in effect for id, or nil. An expired record is
// ignored even if the sweep has not yet deactivated it.
func (s *Store) IsBanned(ctx context.Context, id string) (*Record, error) {
	addr, err := identity.NormalizeAddress(id)
	if err != nil {
		return nil, nil
	}

	snap, err := s.current(ctx)
	if err != nil {
		return nil, err
	}

	rec, ok := snap.byIdentity[addr]
	if !ok || !rec.InEffect(s.config.Clock.Now()) {
		return nil, nil
	}
	return rec.clone(), nil
}

// current returns a fresh snapshot, reloading it when stale or invalidated.
func (s *Store) current(ctx context.Context) (*snapshot, error) {
	now := s.config.Clock.Now()
	if snap := s.snap.Load(); snap != nil && now.Sub(snap.loadedAt) < s.config.CacheTTL {
		return snap, nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	now = s.config.Clock.Now()
	if snap := s.snap.Load(); snap != nil && now.Sub(snap.loadedAt) < s.config.CacheTTL {
		return snap, nil
	}

	gen := s.gen.Load()
	recs, err := s.repo.ListInEffect(ctx, now)
	if err != nil {
		return nil, err
	}

	snap := &snapshot{byIdentity: make(map[string]Record, len(recs)), loadedAt: now}
	for _, rec := range recs {
		snap.byIdentity[rec.Identity] = rec
	}
	if s.gen.Load() == gen {
		s.snap.Store(snap)
	}
	return snap, nil
}

// Invalidate drops the cached snapshot so the next read reloads it.
func (s *Store) Invalidate() {
	s.gen.Add(1)
	s.snap.Store(nil)
}

// Ban creates a new active ban. Banning an identity that is already banned
// returns ErrAlreadyBanned; it never extends the existing ban.
func (s *Store) Ban(ctx context.Context, req BanRequest) (*Record, error) {
	addr, err := identity.NormalizeAddress(req.Identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" || len(reason) > MaxReasonLength {
		return nil, ErrInvalidReason
	}
	if req.Duration < 0 || req.Duration > MaxDuration {
		return nil, ErrInvalidDuration
	}

	bannedBy := strings.TrimSpace(req.BannedBy)
	if bannedBy == "" {
		bannedBy = SystemActor
	}
	source := req.Source
	if source == "" {
		source = SourceManual
	}

	now := s.config.Clock.Now().UTC()
	rec := &Record{
		ID:        uuid.NewString(),
		Identity:  addr,
		Reason:    reason,
		CreatedAt: now,
		BannedBy:  bannedBy,
		Source:    source,
		Active:    true,
	}
	if !req.Permanent {
		d := req.Duration
		if d == 0 {
			d = s.config.DefaultDuration
		}
		expires := now.Add(d)
		rec.ExpiresAt = &expires
	}

	if err := s.repo.Insert(ctx, rec, now); err != nil {
		return nil, err
	}
	s.Invalidate()

	s.config.Logger.Info("identity banned",
		slog.String("identity", rec.Identity),
		slog.String("reason", rec.Reason),
		slog.String("banned_by", rec.BannedBy),
		slog.String("source", string(rec.Source)),
		slog.Bool("permanent", rec.Permanent()))
	return rec, nil
}

// Unban ends the active ban for id. Returns ErrNotFound if none is in effect.
func (s *Store) Unban(ctx context.Context, id, unbannedBy string) (*Record, error) {
	addr, err := identity.NormalizeAddress(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	rec, err := s.repo.Deactivate(ctx, addr, unbannedBy, s.config.Clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.Invalidate()

	s.config.Logger.Info("identity unbanned",
		slog.String("identity", rec.Identity),
		slog.String("unbanned_by", unbannedBy))
	return rec, nil
}

// List returns a page of bans, newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) (*Page, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	recs, total, err := s.repo.List(ctx, opts, s.config.Clock.Now())
	if err != nil {
		return nil, err
	}
	return &Page{Bans: recs, Page: opts.Page, PageSize: opts.PageSize, Total: total}, nil
}

// Sweep deactivates expired bans and returns how many were changed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireBefore(ctx, s.config.Clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Invalidate()
		s.config.Logger.Info("expired bans swept", slog.Int64("count", n))
	}
	return n, nil
}

// IsStorageError reports whether err is a repository failure rather than a
// domain outcome.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
