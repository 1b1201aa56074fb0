// Package health holds the readiness checks for the gatekeeper's backing
// stores and outbound alert endpoints.
package health

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisPinger is satisfied by every go-redis client.
type redisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisChecker reports whether the shared rate window store answers.
type RedisChecker struct {
	client redisPinger
}

// NewRedisChecker returns a checker for the rate window client.
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck expects PONG; a proxy answering anything else is not a usable store.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	reply, err := r.client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	if reply != "PONG" {
		return fmt.Errorf("redis ping: unexpected reply %q", reply)
	}
	return nil
}
