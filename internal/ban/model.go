// Package ban provides the time-bounded block list keyed by network identity.
//
// Reads go through a snapshot cache refreshed on a fixed TTL; writes
// invalidate it synchronously so a ban or unban is visible to the next read
// on the same process.
package ban

import (
	"errors"
	"time"
)

// Sentinel errors for ban operations.
var (
	// ErrAlreadyBanned is returned when banning an identity that has an active ban.
	ErrAlreadyBanned = errors.New("identity is already banned")
	// ErrNotFound is returned when no active ban exists for an identity.
	ErrNotFound = errors.New("ban not found")
	// ErrInvalidIdentity is returned for an empty or malformed identity.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrInvalidReason is returned for an empty or oversized reason.
	ErrInvalidReason = errors.New("invalid ban reason")
	// ErrInvalidDuration is returned for a negative ban duration or one above MaxDuration.
	ErrInvalidDuration = errors.New("invalid ban duration")
	// ErrInvalidListOptions is returned for an unknown status filter.
	ErrInvalidListOptions = errors.New("invalid list options")
	// ErrStorageUnavailable wraps repository failures.
	ErrStorageUnavailable = errors.New("ban storage unavailable")
)

// MaxReasonLength bounds the free-text ban reason.
const MaxReasonLength = 500

// Source records whether a ban was created automatically or by an operator.
type Source string

const (
	SourceAuto   Source = "auto"
	SourceManual Source = "manual"
)

// Status filters List results.
type Status string

const (
	StatusActive Status = "active"
	StatusAll    Status = "all"
)

// Record is a ban on one identity. Only one active record may exist per identity.
type Record struct {
	ID        string     `json:"id"`
	Identity  string     `json:"identity"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt"` // nil means permanent
	BannedBy  string     `json:"bannedBy"`
	Source    Source     `json:"source"`
	Active    bool       `json:"active"`

	UnbannedBy string     `json:"unbannedBy,omitempty"`
	UnbannedAt *time.Time `json:"unbannedAt,omitempty"`
}

// Permanent reports whether the ban never expires.
func (r *Record) Permanent() bool {
	return r.ExpiresAt == nil
}

// Expired reports whether the ban has passed its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// InEffect reports whether the ban blocks requests at now.
func (r *Record) InEffect(now time.Time) bool {
	return r.Active && !r.Expired(now)
}

// clone returns a deep copy so callers cannot mutate stored records.
func (r Record) clone() *Record {
	c := r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.UnbannedAt != nil {
		t := *r.UnbannedAt
		c.UnbannedAt = &t
	}
	return &c
}

// BanRequest describes a new ban.
type BanRequest struct {
	Identity string
	Reason   string
	BannedBy string
	// Duration is ignored when Permanent is set. Zero means the store default.
	Duration  time.Duration
	Permanent bool
	Source    Source
}

// ListOptions controls pagination and filtering for List.
type ListOptions struct {
	Page     int
	PageSize int
	Status   Status
}

// Pagination defaults.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// normalize applies defaults and validates the options.
func (o ListOptions) normalize() (ListOptions, error) {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize < 1 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize > MaxPageSize {
		o.PageSize = MaxPageSize
	}
	switch o.Status {
	case "":
		o.Status = StatusActive
	case StatusActive, StatusAll:
	default:
		return o, ErrInvalidListOptions
	}
	return o, nil
}

// Page is one page of List results, newest first.
type Page struct {
	Bans     []Record `json:"bans"`
	Page     int      `json:"page"`
	PageSize int      `json:"limit"`
	Total    int      `json:"total"`
}
