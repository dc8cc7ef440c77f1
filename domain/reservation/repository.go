package reservation

import (
	"context"
	"time"
)

type Store interface {
	CreateReservation(ctx context.Context, productId string, orderId string, quantity int32, ttl time.Duration) (*Reservation, error)
	FindByOrder(ctx context.Context, orderId string) ([]Reservation, error)
	// DeleteReservation returns domain.ErrNotFound when the row is already gone.
	DeleteReservation(ctx context.Context, reservationId string) error
	FindExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}
