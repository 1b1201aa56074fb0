package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestWebhookNotifier(t *testing.T) {
	var got Record
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, nil)
	rec := Record{ID: "a1", Level: LevelCritical, Title: "SQL injection attempt", Timestamp: baseTime}
	if err := n.Notify(context.Background(), rec); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.ID != "a1" || got.Level != LevelCritical {
		t.Errorf("posted = %+v", got)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, nil).Notify(context.Background(), Record{ID: "a1"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v, want status error", err)
	}
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) Notify(context.Context, Record) error {
	s.calls++
	return s.err
}

func TestMultiNotifier(t *testing.T) {
	boom := errors.New("boom")
	a, b, c := &stubNotifier{}, &stubNotifier{err: boom}, &stubNotifier{}

	err := MultiNotifier{a, b, c}.Notify(context.Background(), Record{})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if a.calls != 1 || b.calls != 1 || c.calls != 1 {
		t.Error("every notifier should be called despite failures")
	}
	if err := (MultiNotifier{}).Notify(context.Background(), Record{}); err != nil {
		t.Errorf("empty MultiNotifier err = %v", err)
	}
}

func TestRedisNotifier(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	sub := client.Subscribe(ctx, "gatekeeper:alerts:test")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewRedisNotifier(client, "gatekeeper:alerts:test")
	if err := n.Notify(ctx, Record{ID: "r1", Level: LevelHigh, Title: "Rate limit exceeded"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	var got Record
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil || got.ID != "r1" {
		t.Errorf("payload = %s (%v)", msg.Payload, err)
	}
}
