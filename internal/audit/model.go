// Package audit records security-relevant events in an append-only,
// date-partitioned log for incident response and operator review.
package audit

import (
	"net/http"
	"time"

	"github.com/onnwee/gatekeeper/internal/middleware"
)

// EventType identifies what happened.
type EventType string

// Known event types.
const (
	EventAccessDeniedBanned EventType = "ACCESS_DENIED_BANNED"
	EventRateLimitExceeded  EventType = "RATE_LIMIT_EXCEEDED"
	EventSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"
	EventLoginFailed        EventType = "LOGIN_FAILED"
	EventLoginSucceeded     EventType = "LOGIN_SUCCESS"
	EventNewIPAccess        EventType = "NEW_IP_ACCESS"
	EventIdentityBanned     EventType = "IP_BANNED"
	EventIdentityUnbanned   EventType = "IP_UNBANNED"
	EventProtectionDegraded EventType = "PROTECTION_DEGRADED"
	EventAlertAcknowledged  EventType = "ALERT_ACKNOWLEDGED"
	EventLogsExported       EventType = "LOGS_EXPORTED"
	EventAdminAccess        EventType = "ADMIN_ACCESS"
)

// Category is the logical stream an event is routed to.
type Category string

const (
	CategoryRoutine  Category = "routine"
	CategorySecurity Category = "security"
)

// Categories lists every stream in a stable order.
var Categories = []Category{CategoryRoutine, CategorySecurity}

// classification routes event types to streams. Unlisted types are treated
// as security events.
var classification = map[EventType]Category{
	EventAccessDeniedBanned: CategorySecurity,
	EventRateLimitExceeded:  CategorySecurity,
	EventSuspiciousActivity: CategorySecurity,
	EventLoginFailed:        CategorySecurity,
	EventNewIPAccess:        CategorySecurity,
	EventIdentityBanned:     CategorySecurity,
	EventIdentityUnbanned:   CategorySecurity,
	EventLoginSucceeded:     CategoryRoutine,
	EventProtectionDegraded: CategoryRoutine,
	EventAlertAcknowledged:  CategoryRoutine,
	EventLogsExported:       CategoryRoutine,
	EventAdminAccess:        CategoryRoutine,
}

// CategoryOf returns the stream for an event type.
func CategoryOf(t EventType) Category {
	if c, ok := classification[t]; ok {
		return c
	}
	return CategorySecurity
}

// ValidCategory reports whether c names a known stream.
func ValidCategory(c Category) bool {
	return c == CategoryRoutine || c == CategorySecurity
}

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBlocked = "blocked"
)

// Event is a single audit record. Once written it is never modified.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     EventType      `json:"eventType"`
	Category      Category       `json:"category"`
	Identity      string         `json:"identity"`
	Outcome       string         `json:"outcome"`
	Details       map[string]any `json:"details,omitempty"`
	RequestPath   string         `json:"requestPath,omitempty"`
	RequestMethod string         `json:"requestMethod,omitempty"`
	RequestID     string         `json:"requestId,omitempty"`
	UserAgent     string         `json:"userAgent,omitempty"`
}

// RequestContext carries request metadata onto an event.
type RequestContext struct {
	Path      string
	Method    string
	RequestID string
	UserAgent string
}

// RequestContextFrom extracts request metadata from r.
func RequestContextFrom(r *http.Request) RequestContext {
	if r == nil {
		return RequestContext{}
	}
	return RequestContext{
		Path:      r.URL.Path,
		Method:    r.Method,
		RequestID: middleware.GetRequestID(r.Context()),
		UserAgent: r.UserAgent(),
	}
}

// Query filters events. Zero values mean no filter.
type Query struct {
	Identity  string
	EventType EventType
	Category  Category
	From      time.Time // inclusive
	To        time.Time // inclusive
	// Limit caps the result size (0 = no limit).
	Limit int
}

// matches reports whether e satisfies every filter in q.
func (q Query) matches(e *Event) bool {
	if q.Identity != "" && e.Identity != q.Identity {
		return false
	}
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if q.Category != "" && e.Category != q.Category {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}

// clone copies e including its details map.
func (e Event) clone() Event {
	if e.Details != nil {
		d := make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			d[k] = v
		}
		e.Details = d
	}
	return e
}
