package release

import (
	"context"
	"errors"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/domain/reservation"
	"github.com/giovaniif/e-commerce/inventory/protocols"
	"github.com/giovaniif/e-commerce/inventory/use_cases/retry"
)

// Reverser undoes one reservation: the row is deleted and its quantity moves from
// reserved back to on-hand, in one transaction. Explicit release and the expiry sweep
// both go through it.
type Reverser struct {
	transactor protocols.Transactor
	sleeper    protocols.Sleeper
	policy     retry.Policy
}

func NewReverser(transactor protocols.Transactor, sleeper protocols.Sleeper, policy retry.Policy) *Reverser {
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy
	}
	return &Reverser{
		transactor: transactor,
		sleeper:    sleeper,
		policy:     policy,
	}
}

// Reverse returns released=false without error when the reservation was already removed,
// which makes a second release of the same hold a no-op.
func (r *Reverser) Reverse(ctx context.Context, res reservation.Reservation) (bool, error) {
	released := false
	err := retry.WithBackoff(ctx, func() error {
		return r.transactor.WithinTransaction(ctx, func(ctx context.Context, tx protocols.Tx) error {
			released = false
			err := tx.Reservations().DeleteReservation(ctx, res.Id)
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			if _, err := tx.Ledger().AdjustStock(ctx, res.ProductId, res.Quantity, -res.Quantity); err != nil {
				return err
			}
			released = true
			return nil
		})
	}, r.policy, r.sleeper)
	if err != nil {
		return false, err
	}
	return released, nil
}
