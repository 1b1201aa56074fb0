package middleware

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
)

// ProfilingPrefix is the path prefix of the pprof endpoints.
const ProfilingPrefix = "/debug/pprof/"

// ProfilingConfig configures the pprof endpoints.
type ProfilingConfig struct {
	Enabled bool
	// Environment blocks profiling when it names production.
	Environment string
	// Token, when set, is required in the X-Internal-Token header.
	Token string
}

// ProfilingAllowed reports whether cfg permits mounting pprof.
func ProfilingAllowed(cfg ProfilingConfig) bool {
	return cfg.Enabled && cfg.Environment != "production" && cfg.Environment != "prod"
}

// RegisterProfiling mounts the pprof handlers on mux under ProfilingPrefix and
// reports whether it did. Profiling is never mounted in production.
func RegisterProfiling(mux *http.ServeMux, cfg ProfilingConfig) bool {
	if !cfg.Enabled {
		return false
	}
	if !ProfilingAllowed(cfg) {
		slog.Error("refusing to enable profiling in production", "environment", cfg.Environment)
		return false
	}

	guard := InternalToken(cfg.Token)
	mux.Handle("GET "+ProfilingPrefix, guard(http.HandlerFunc(pprof.Index)))
	mux.Handle("GET "+ProfilingPrefix+"cmdline", guard(http.HandlerFunc(pprof.Cmdline)))
	mux.Handle("GET "+ProfilingPrefix+"profile", guard(http.HandlerFunc(pprof.Profile)))
	mux.Handle("GET "+ProfilingPrefix+"symbol", guard(http.HandlerFunc(pprof.Symbol)))
	mux.Handle("POST "+ProfilingPrefix+"symbol", guard(http.HandlerFunc(pprof.Symbol)))
	mux.Handle("GET "+ProfilingPrefix+"trace", guard(http.HandlerFunc(pprof.Trace)))

	slog.Warn("profiling endpoints enabled",
		"environment", cfg.Environment,
		"prefix", ProfilingPrefix,
		"token_protected", cfg.Token != "",
	)
	return true
}
