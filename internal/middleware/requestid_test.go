package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"none", "", false},
		{"uuid", "8d0c2c5e-1f7a-4a55-9d3e-0b7d9f0c1a22", true},
		{"trace style", "edge-01:req_42.a", true},
		{"too long", strings.Repeat("a", maxRequestIDLength+1), false},
		{"log injection", "abc\nlevel=ERROR", false},
		{"spaces", "abc def", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/orders", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if got := rr.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("header %q differs from context %q", got, seen)
			}
			if tt.keep {
				if seen != tt.incoming {
					t.Errorf("request ID = %q, want %q", seen, tt.incoming)
				}
				return
			}
			if _, err := uuid.Parse(seen); err != nil {
				t.Errorf("expected a generated UUID, got %q", seen)
			}
		})
	}
}
