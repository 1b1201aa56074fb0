// Package alert raises severity-leveled security alerts, persists them,
// notifies external targets for serious ones and streams them to dashboards.
package alert

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors for alert operations.
var (
	ErrNotFound           = errors.New("alert not found")
	ErrInvalidLevel       = errors.New("invalid alert level")
	ErrInvalidTitle       = errors.New("alert title cannot be empty")
	ErrStorageUnavailable = errors.New("alert storage unavailable")
)

// Level is an alert severity.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Levels lists every severity from lowest to highest.
var Levels = []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", ErrInvalidLevel
	}
	return l, nil
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return true
	}
	return false
}

// Notifiable reports whether alerts at this level go to external notifiers.
func (l Level) Notifiable() bool {
	return l == LevelHigh || l == LevelCritical
}

// Record is a persisted alert. Acknowledged is its only mutable field.
type Record struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Level        Level          `json:"level"`
	Title        string         `json:"title"`
	Details      map[string]any `json:"details,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
}

func (r Record) clone() Record {
	if r.Details != nil {
		d := make(map[string]any, len(r.Details))
		for k, v := range r.Details {
			d[k] = v
		}
		r.Details = d
	}
	return r
}
