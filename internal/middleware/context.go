// Package middleware holds the HTTP middleware shared by the gatekeeper
// server: request IDs, access logging, tracing, HTTP metrics and the small
// guards for internal endpoints.
package middleware

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
)

type (
	requestIDKey struct{}
	accountIDKey struct{}
	errorCodeKey struct{}
)

// GetRequestID returns the request ID from ctx, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// SetRequestID returns a context carrying id as the request ID.
func SetRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// SetAccountID stores the authenticated account in ctx. The operator API sets
// it after verifying a token; identity resolution reads it.
func SetAccountID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, accountIDKey{}, id)
}

// GetAccountID returns the authenticated account from ctx, or "".
func GetAccountID(ctx context.Context) string {
	id, _ := ctx.Value(accountIDKey{}).(string)
	return id
}

// SetErrorCode stores the machine-readable rejection code in ctx.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode returns the rejection code from ctx, or "".
func GetErrorCode(ctx context.Context) string {
	code, _ := ctx.Value(errorCodeKey{}).(string)
	return code
}

// errorCodeRecorder is implemented by the writers of Logging and HTTPMetrics.
type errorCodeRecorder interface {
	recordErrorCode(code string)
}

// UpdateResponseContext copies the error code in ctx onto every recording
// writer wrapped inside w. Handlers call it when they answer with an error
// from a context the outer middleware never sees.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	code := GetErrorCode(ctx)
	if code == "" {
		return
	}
	for w != nil {
		if rec, ok := w.(errorCodeRecorder); ok {
			rec.recordErrorCode(code)
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return
		}
		w = u.Unwrap()
	}
}

// statusRecorder captures what a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	size        int64
	wroteHeader bool
	errorCode   string
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader keeps the first status only, as net/http does.
func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.status = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	n, err := s.ResponseWriter.Write(b)
	s.size += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack lets the alert stream upgrade pass through.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *statusRecorder) recordErrorCode(code string) { s.errorCode = code }

// code returns the recorded rejection code for error statuses, falling back
// to ctx.
func (s *statusRecorder) code(ctx context.Context) string {
	if s.status < http.StatusBadRequest {
		return ""
	}
	if s.errorCode != "" {
		return s.errorCode
	}
	return GetErrorCode(ctx)
}
