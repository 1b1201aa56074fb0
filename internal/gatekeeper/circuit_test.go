package gatekeeper

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitOptions{}, nil)
	if cb.opts.FailureThreshold != 5 || cb.opts.OpenDuration != 10*time.Second || cb.opts.HalfOpenMaxCalls != 1 {
		t.Errorf("unexpected defaults %+v", cb.opts)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	clk := clock.NewMock()
	cb := NewCircuitBreaker(CircuitOptions{FailureThreshold: 3, OpenDuration: 5 * time.Second}, clk)

	cb.OnFailure()
	cb.OnFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed below threshold, got %s", cb.State())
	}

	// A success resets the consecutive failure count.
	cb.OnSuccess()
	cb.OnFailure()
	cb.OnFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after reset, got %s", cb.State())
	}

	cb.OnFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	if cb.Allow() {
		t.Error("open breaker must not allow calls")
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clk := clock.NewMock()
	cb := NewCircuitBreaker(CircuitOptions{FailureThreshold: 1, OpenDuration: 5 * time.Second}, clk)

	cb.OnFailure()
	if cb.Allow() {
		t.Fatal("expected open breaker to reject")
	}

	clk.Add(5 * time.Second)
	if !cb.Allow() {
		t.Fatal("expected a probe once the open period elapsed")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	if cb.Allow() {
		t.Error("only one probe may run while half-open")
	}

	// A failed probe reopens the breaker.
	cb.OnFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected reopen after failed probe, got %s", cb.State())
	}

	clk.Add(5 * time.Second)
	if !cb.Allow() {
		t.Fatal("expected a second probe")
	}
	cb.OnSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Error("closed breaker must allow calls")
	}
}

func TestCircuitBreaker_NilSafe(t *testing.T) {
	var cb *CircuitBreaker
	if !cb.Allow() {
		t.Error("nil breaker must allow")
	}
	cb.OnSuccess()
	cb.OnFailure()
}

func TestCircuitState_String(t *testing.T) {
	tests := map[CircuitState]string{
		CircuitClosed:   "closed",
		CircuitOpen:     "open",
		CircuitHalfOpen: "half_open",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
