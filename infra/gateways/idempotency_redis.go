package gateways

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/protocols"
)

const (
	idempotencyKeyPrefix = "idempotency:reserve-stock:"
	settleTimeout        = 2 * time.Second
)

type idempotencyRedisState struct {
	Status      string                          `json:"status"`
	Fingerprint string                          `json:"fingerprint"`
	Result      *protocols.IdempotencyKeyResult `json:"result,omitempty"`
}

type IdempotencyGatewayRedis struct {
	client redis.UniversalClient
}

func NewIdempotencyGatewayRedis(client redis.UniversalClient) *IdempotencyGatewayRedis {
	return &IdempotencyGatewayRedis{client: client}
}

func (g *IdempotencyGatewayRedis) key(idempotencyKey string) string {
	return idempotencyKeyPrefix + idempotencyKey
}

func (g *IdempotencyGatewayRedis) ReserveIdempotencyKey(ctx context.Context, idempotencyKey string, fingerprint string) (*protocols.IdempotencyKeyResult, error) {
	k := g.key(idempotencyKey)
	processing, _ := json.Marshal(idempotencyRedisState{Status: statusProcessing, Fingerprint: fingerprint})

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		data, err := g.client.Get(ctx, k).Bytes()
		if err == redis.Nil {
			_, err := g.client.SetArgs(ctx, k, processing, redis.SetArgs{Mode: "NX", TTL: idempotencyProcessingTTL}).Result()
			if err == redis.Nil {
				// Lost the race to another request; read what it stored.
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("redis set: %w", err)
			}
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("redis get: %w", err)
		}

		var state idempotencyRedisState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("redis unmarshal: %w", err)
		}
		if state.Fingerprint != fingerprint {
			return nil, domain.ErrIdempotencyKeyReused
		}

		switch state.Status {
		case statusSuccess:
			return state.Result, nil
		case statusProcessing:
			return nil, domain.ErrIdempotencyKeyInFlight
		default:
			if err := g.client.Set(ctx, k, processing, idempotencyProcessingTTL).Err(); err != nil {
				return nil, fmt.Errorf("redis set: %w", err)
			}
			return nil, nil
		}
	}
}

// MarkFailure and MarkSuccess run after the request may already be cancelled or past its
// deadline; the outcome is still written so the key does not stay in processing.
func (g *IdempotencyGatewayRedis) MarkFailure(ctx context.Context, idempotencyKey string) error {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	return g.client.Del(ctx, g.key(idempotencyKey)).Err()
}

func (g *IdempotencyGatewayRedis) MarkSuccess(ctx context.Context, idempotencyKey string, result protocols.IdempotencyKeyResult) error {
	raw, err := json.Marshal(idempotencyRedisState{Status: statusSuccess, Fingerprint: result.Fingerprint, Result: &result})
	if err != nil {
		return err
	}
	ctx, cancel := settleContext(ctx)
	defer cancel()
	return g.client.Set(ctx, g.key(idempotencyKey), raw, idempotencyResultTTL).Err()
}

func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}
