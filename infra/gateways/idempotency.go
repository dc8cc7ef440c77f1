package gateways

import (
	"context"
	"sync"
	"time"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/protocols"
)

const (
	statusProcessing = "processing"
	statusSuccess    = "success"

	// A processing marker only has to outlive one request, retries included. It expires on
	// its own when the outcome could not be recorded, so the key is usable again.
	idempotencyProcessingTTL = time.Minute
	idempotencyResultTTL     = 24 * time.Hour
)

type IdempotencyGatewayMemory struct {
	mutex           sync.Mutex
	idempotencyKeys map[string]*IdempotencyState
	now             func() time.Time
}

type IdempotencyState struct {
	Status      string
	Fingerprint string
	Result      *protocols.IdempotencyKeyResult
	ExpiresAt   time.Time
}

func NewIdempotencyGatewayMemory() *IdempotencyGatewayMemory {
	return &IdempotencyGatewayMemory{
		idempotencyKeys: make(map[string]*IdempotencyState),
		now:             time.Now,
	}
}

func (g *IdempotencyGatewayMemory) ReserveIdempotencyKey(ctx context.Context, idempotencyKey string, fingerprint string) (*protocols.IdempotencyKeyResult, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	now := g.now()
	if state, exists := g.idempotencyKeys[idempotencyKey]; exists && now.Before(state.ExpiresAt) {
		if state.Fingerprint != fingerprint {
			return nil, domain.ErrIdempotencyKeyReused
		}
		switch state.Status {
		case statusSuccess:
			return state.Result, nil
		case statusProcessing:
			return nil, domain.ErrIdempotencyKeyInFlight
		}
	}

	g.idempotencyKeys[idempotencyKey] = &IdempotencyState{
		Status:      statusProcessing,
		Fingerprint: fingerprint,
		ExpiresAt:   now.Add(idempotencyProcessingTTL),
	}
	return nil, nil
}

func (g *IdempotencyGatewayMemory) MarkFailure(ctx context.Context, idempotencyKey string) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.idempotencyKeys, idempotencyKey)
	return nil
}

func (g *IdempotencyGatewayMemory) MarkSuccess(ctx context.Context, idempotencyKey string, result protocols.IdempotencyKeyResult) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.idempotencyKeys[idempotencyKey] = &IdempotencyState{
		Status:      statusSuccess,
		Fingerprint: result.Fingerprint,
		Result:      &result,
		ExpiresAt:   g.now().Add(idempotencyResultTTL),
	}
	return nil
}
