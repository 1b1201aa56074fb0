package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec
}

func TestTracing_SpanNames(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/orders", "GET /orders"},
		{http.MethodPatch, "/orders/123", "PATCH /orders/*"},
		{http.MethodDelete, "/admin/bans/203.0.113.9", "DELETE /admin/bans/{identity}"},
		{http.MethodPost, "/admin/alerts/a1/ack", "POST /admin/alerts/{id}/ack"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			rec := newRecorder(t)
			handler := Tracing("gatekeeper-test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			spans := rec.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if spans[0].Name() != tt.want {
				t.Errorf("span name = %q, want %q", spans[0].Name(), tt.want)
			}
		})
	}
}

func TestTracing_RequestIDAttribute(t *testing.T) {
	rec := newRecorder(t)
	handler := RequestID(Tracing("gatekeeper-test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set(RequestIDHeader, "req-77")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "request.id" && kv.Value.AsString() == "req-77" {
			found = true
		}
	}
	if !found {
		t.Error("expected request.id attribute on the server span")
	}
}

func TestTracing_ContinuesCallerTrace(t *testing.T) {
	newRecorder(t)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var got string
	handler := Tracing("gatekeeper-test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetTraceID(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != traceID {
		t.Errorf("trace ID = %q, want %q", got, traceID)
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	if id := GetTraceID(httptest.NewRequest(http.MethodGet, "/", nil)); id != "" {
		t.Errorf("expected empty trace ID, got %q", id)
	}
}
