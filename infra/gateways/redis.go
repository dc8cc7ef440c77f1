package gateways

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type RedisHealthChecker struct {
	client redis.UniversalClient
}

func NewRedisHealthChecker(client redis.UniversalClient) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (h *RedisHealthChecker) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}
