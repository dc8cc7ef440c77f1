package reservation

import (
	"time"

	"github.com/google/uuid"

	"github.com/giovaniif/e-commerce/inventory/domain"
)

type Status string

const (
	StatusActive          Status = "active"
	StatusReleased        Status = "released"
	StatusExpiredReleased Status = "expired_released"
)

// Reservation is a time-boxed hold of Quantity units of a product for an order.
type Reservation struct {
	Id        string
	ProductId string
	OrderId   string
	Quantity  int32
	ExpiresAt time.Time
	CreatedAt time.Time
}

func New(productId string, orderId string, quantity int32, ttl time.Duration, now time.Time) (*Reservation, error) {
	if productId == "" {
		return nil, domain.NewInvalidArgumentError("productId is required")
	}
	if orderId == "" {
		return nil, domain.NewInvalidArgumentError("orderId is required")
	}
	if quantity <= 0 {
		return nil, domain.NewInvalidArgumentError("quantity must be positive")
	}
	if ttl <= 0 {
		return nil, domain.NewInvalidArgumentError("ttl must be positive")
	}
	return &Reservation{
		Id:        uuid.NewString(),
		ProductId: productId,
		OrderId:   orderId,
		Quantity:  quantity,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}, nil
}

func (r *Reservation) IsExpired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}
