package protocols

import "context"

type IdempotencyKeyResult struct {
	Success        bool     `json:"success"`
	OrderId        string   `json:"orderId"`
	Fingerprint    string   `json:"fingerprint"`
	ReservationIds []string `json:"reservationIds,omitempty"`
}

// IdempotencyGateway remembers which request a key was first used for. The fingerprint
// identifies that request: reusing the key with another fingerprint fails with
// domain.ErrIdempotencyKeyReused instead of replaying someone else's result.
type IdempotencyGateway interface {
	ReserveIdempotencyKey(ctx context.Context, idempotencyKey string, fingerprint string) (*IdempotencyKeyResult, error)
	MarkFailure(ctx context.Context, idempotencyKey string) error
	MarkSuccess(ctx context.Context, idempotencyKey string, result IdempotencyKeyResult) error
}
