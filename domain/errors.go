package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrInvalidState           = errors.New("invalid state")
	ErrTransactionConflict    = errors.New("transaction conflict")
	ErrReservationFailed      = errors.New("reservation failed")
	ErrIdempotencyKeyInFlight = errors.New("idempotency key is already being processed")
	ErrIdempotencyKeyReused   = errors.New("idempotency key was already used for a different request")
)

func NewNotFoundError(details string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, details)
}

func NewInsufficientStockError(productId string) error {
	return fmt.Errorf("%w for product %s", ErrInsufficientStock, productId)
}

func NewInvalidArgumentError(details string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, details)
}

func NewInvalidStateError(details string) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, details)
}

func NewTransactionConflictError(cause error) error {
	return fmt.Errorf("%w: %w", ErrTransactionConflict, cause)
}

// IsRetriable returns true if the error is a transaction conflict, so running the whole
// transaction again makes sense.
func IsRetriable(err error) bool {
	return err != nil && errors.Is(err, ErrTransactionConflict)
}
