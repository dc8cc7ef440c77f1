package gateways

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/protocols"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestIdempotencyGatewayRedis_Lifecycle(t *testing.T) {
	server, client := newRedis(t)
	g := NewIdempotencyGatewayRedis(client)
	ctx := context.Background()
	key := idempotencyKeyPrefix + "k1"

	result, err := g.ReserveIdempotencyKey(ctx, "k1", "fp-1")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, idempotencyProcessingTTL, server.TTL(key))

	_, err = g.ReserveIdempotencyKey(ctx, "k1", "fp-1")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyInFlight)

	stored := protocols.IdempotencyKeyResult{Success: true, OrderId: "O1", Fingerprint: "fp-1", ReservationIds: []string{"r1", "r2"}}
	require.NoError(t, g.MarkSuccess(ctx, "k1", stored))
	assert.Equal(t, idempotencyResultTTL, server.TTL(key))

	result, err = g.ReserveIdempotencyKey(ctx, "k1", "fp-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, stored, *result)

	_, err = g.ReserveIdempotencyKey(ctx, "k2", "fp-2")
	require.NoError(t, err)
	require.NoError(t, g.MarkFailure(ctx, "k2"))
	assert.False(t, server.Exists(idempotencyKeyPrefix+"k2"))
}

func TestIdempotencyGatewayRedis_KeyBoundToFirstRequest(t *testing.T) {
	_, client := newRedis(t)
	g := NewIdempotencyGatewayRedis(client)
	ctx := context.Background()

	_, err := g.ReserveIdempotencyKey(ctx, "k", "order-1")
	require.NoError(t, err)
	_, err = g.ReserveIdempotencyKey(ctx, "k", "order-2")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyReused)

	require.NoError(t, g.MarkSuccess(ctx, "k", protocols.IdempotencyKeyResult{Success: true, OrderId: "O1", Fingerprint: "order-1", ReservationIds: []string{"r1"}}))
	result, err := g.ReserveIdempotencyKey(ctx, "k", "order-2")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyReused)
	assert.Nil(t, result)
}

func TestIdempotencyGatewayRedis_OutcomeRecordedAfterCancel(t *testing.T) {
	server, client := newRedis(t)
	g := NewIdempotencyGatewayRedis(client)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := g.ReserveIdempotencyKey(ctx, "failed", "fp")
	require.NoError(t, err)
	_, err = g.ReserveIdempotencyKey(ctx, "succeeded", "fp")
	require.NoError(t, err)
	cancel()

	require.NoError(t, g.MarkFailure(ctx, "failed"))
	result, err := g.ReserveIdempotencyKey(context.Background(), "failed", "fp")
	require.NoError(t, err, "a retry after a cancelled request must not see the key in flight")
	assert.Nil(t, result)

	require.NoError(t, g.MarkSuccess(ctx, "succeeded", protocols.IdempotencyKeyResult{Success: true, Fingerprint: "fp", ReservationIds: []string{"r1"}}))
	raw, err := server.Get(idempotencyKeyPrefix + "succeeded")
	require.NoError(t, err)
	var state idempotencyRedisState
	require.NoError(t, json.Unmarshal([]byte(raw), &state))
	assert.Equal(t, statusSuccess, state.Status)
}

func TestIdempotencyGatewayRedis_AbandonedMarkerExpires(t *testing.T) {
	server, client := newRedis(t)
	g := NewIdempotencyGatewayRedis(client)
	ctx := context.Background()

	_, err := g.ReserveIdempotencyKey(ctx, "k", "fp")
	require.NoError(t, err)

	server.FastForward(idempotencyProcessingTTL + time.Second)
	result, err := g.ReserveIdempotencyKey(ctx, "k", "fp")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestIdempotencyGatewayRedis_UnknownStatusIsTakenOver(t *testing.T) {
	server, client := newRedis(t)
	g := NewIdempotencyGatewayRedis(client)

	raw, _ := json.Marshal(idempotencyRedisState{Status: "failed", Fingerprint: "fp"})
	require.NoError(t, server.Set(idempotencyKeyPrefix+"k", string(raw)))

	result, err := g.ReserveIdempotencyKey(context.Background(), "k", "fp")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, idempotencyProcessingTTL, server.TTL(idempotencyKeyPrefix+"k"))
}

func TestRunLockRedis(t *testing.T) {
	server, client := newRedis(t)
	first := NewRunLockRedis(client, "sweep")
	second := NewRunLockRedis(client, "sweep")
	ctx := context.Background()

	release, ok, err := first.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, server.TTL("lock:sweep"))

	_, ok, err = second.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "the lock is held by the first instance")

	release()
	assert.False(t, server.Exists("lock:sweep"))

	_, ok, err = second.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunLockRedis_ReleaseKeepsLockTakenOverByAnother(t *testing.T) {
	server, client := newRedis(t)
	first := NewRunLockRedis(client, "sweep")
	second := NewRunLockRedis(client, "sweep")
	ctx := context.Background()

	releaseFirst, ok, err := first.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	server.FastForward(2 * time.Second)
	_, ok, err = second.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	releaseFirst()
	assert.True(t, server.Exists("lock:sweep"), "a stale holder must not release the new holder's lock")
}

func TestRunLockRedis_ServerError(t *testing.T) {
	server, client := newRedis(t)
	server.SetError("LOADING")

	_, ok, err := NewRunLockRedis(client, "sweep").Acquire(context.Background(), time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestRedisHealthChecker(t *testing.T) {
	server, client := newRedis(t)
	checker := NewRedisHealthChecker(client)

	assert.NoError(t, checker.Ping(context.Background()))
	server.Close()
	assert.Error(t, checker.Ping(context.Background()))
}
