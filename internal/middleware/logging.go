package middleware

import (
	"log/slog"
	"net/http"
	"os"
	"time"
)

// NewLogger returns a JSON logger in production and a debug-level text
// logger elsewhere.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Logging writes one access log line per request. Rejections (4xx) log at
// warn with their error code, server and upstream failures at error.
//
// A panicking handler produces no line; recovery belongs outside.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int64("size", rec.size),
			}
			ctx := r.Context()
			if id := GetRequestID(ctx); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			if id := GetTraceID(r); id != "" {
				attrs = append(attrs, slog.String("trace_id", id))
			}
			if id := GetAccountID(ctx); id != "" {
				attrs = append(attrs, slog.String("account_id", id))
			}
			if code := rec.code(ctx); code != "" {
				attrs = append(attrs, slog.String("error_code", code))
			}

			level := slog.LevelInfo
			switch {
			case rec.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case rec.status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			logger.LogAttrs(ctx, level, "request completed", attrs...)
		})
	}
}
