// Package api provides the operator HTTP API and its standardized error handling.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/gatekeeper/internal/middleware"
)

// Error codes returned in the "code" field. Rejections by the pipeline use
// ErrCodeIPBlocked, ErrCodeRateLimited and ErrCodeSuspiciousInput.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	ErrCodeAuthFailed        = "AUTH_FAILED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeIPBlocked         = "IP_BLOCKED"
	ErrCodeSuspiciousInput   = "SUSPICIOUS_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeBadGateway        = "BAD_GATEWAY"
)

var codeStatus = map[string]int{
	ErrCodeValidation:        http.StatusBadRequest,
	ErrCodeBadRequest:        http.StatusBadRequest,
	ErrCodeUnsupportedFormat: http.StatusBadRequest,
	ErrCodeAuthFailed:        http.StatusUnauthorized,
	ErrCodeForbidden:         http.StatusForbidden,
	ErrCodeIPBlocked:         http.StatusForbidden,
	ErrCodeSuspiciousInput:   http.StatusForbidden,
	ErrCodeNotFound:          http.StatusNotFound,
	ErrCodeMethodNotAllowed:  http.StatusMethodNotAllowed,
	ErrCodeConflict:          http.StatusConflict,
	ErrCodeRateLimited:       http.StatusTooManyRequests,
	ErrCodeInternal:          http.StatusInternalServerError,
	ErrCodeBadGateway:        http.StatusBadGateway,
}

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"success": false, "error": "...", "code": "..."}
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// WriteError writes a standardized JSON error response.
// It writes the appropriate HTTP status code and returns a JSON error body.
//
// Format: {"success": false, "error": "Error description", "code": "ERROR_CODE"}
//
// The code is logged by the logging middleware for all 4xx and 5xx responses
// when it is stored on ctx with middleware.SetErrorCode.
//
// Example:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "No active ban for identity")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	// Update the context in the response writer if supported (for logging middleware)
	middleware.UpdateResponseContext(w, ctx)

	errResp := ErrorResponse{
		Success: false,
		Error:   message,
		Code:    code,
	}

	data, err := json.Marshal(errResp)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal response", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write response", "error", err)
	}
}

// StatusCodeMapping returns the HTTP status for code; unknown codes are 500.
func StatusCodeMapping(code string) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Fail records code on the request for the access log and writes the error
// envelope with the status mapped from code.
func Fail(w http.ResponseWriter, r *http.Request, code, message string) {
	WriteError(w, middleware.SetErrorCode(r.Context(), code), StatusCodeMapping(code), code, message)
}
