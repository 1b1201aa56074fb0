package health

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

type stubPinger struct {
	reply string
	err   error
}

func (s stubPinger) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult(s.reply, s.err)
}

func TestRedisChecker(t *testing.T) {
	tests := []struct {
		name    string
		pinger  stubPinger
		wantErr bool
	}{
		{name: "pong", pinger: stubPinger{reply: "PONG"}},
		{name: "unreachable", pinger: stubPinger{err: errors.New("dial tcp: connection refused")}, wantErr: true},
		{name: "unexpected reply", pinger: stubPinger{reply: "LOADING"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&RedisChecker{client: tt.pinger}).HealthCheck(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("HealthCheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRedisChecker_CancelledContext(t *testing.T) {
	// Nothing listens on this port; the cancelled context must fail first.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewRedisChecker(client).HealthCheck(ctx); err == nil {
		t.Error("expected an error for a cancelled context")
	}
}
