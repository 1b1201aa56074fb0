package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// Defaults applied by CORS when the config leaves them empty.
var (
	DefaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	DefaultCORSHeaders = []string{"Content-Type", "Authorization", RequestIDHeader}
)

// CORSConfig configures cross-origin access to the operator API.
type CORSConfig struct {
	// AllowedOrigins is an explicit allowlist; wildcards are not supported.
	// Empty disables CORS handling.
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	// MaxAge is the preflight cache duration in seconds.
	MaxAge int
}

// OriginAllowlist is a set of exact origins.
type OriginAllowlist map[string]struct{}

// NewOriginAllowlist trims origins and drops blanks.
func NewOriginAllowlist(origins []string) OriginAllowlist {
	set := make(OriginAllowlist, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			set[o] = struct{}{}
		}
	}
	return set
}

// Allows reports whether origin is listed.
func (l OriginAllowlist) Allows(origin string) bool {
	_, ok := l[origin]
	return ok
}

// CheckOrigin returns a websocket origin check using the allowlist. Requests
// without an Origin header are same-origin and pass. An empty allowlist
// returns nil so the upgrader falls back to its own default.
func (l OriginAllowlist) CheckOrigin() func(r *http.Request) bool {
	if len(l) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || l.Allows(origin)
	}
}

// CORS answers preflight requests and sets CORS headers for allowed origins.
// Requests from unlisted origins are rejected with 403; requests without an
// Origin header pass through untouched.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowed := NewOriginAllowlist(cfg.AllowedOrigins)

	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = DefaultCORSMethods
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = DefaultCORSHeaders
	}
	allowMethods := strings.Join(methods, ", ")
	allowHeaders := strings.Join(headers, ", ")

	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed.Allows(origin) {
				http.Error(w, "Origin not allowed", http.StatusForbidden)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Allow-Methods", allowMethods)
			h.Set("Access-Control-Allow-Headers", allowHeaders)

			if r.Method == http.MethodOptions {
				if cfg.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
