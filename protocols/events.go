package protocols

import (
	"context"
	"time"

	"github.com/giovaniif/e-commerce/inventory/domain/reservation"
)

const (
	EventStockReserved      = "stock.reserved"
	EventStockReleased      = "stock.released"
	EventReservationExpired = "stock.reservation_expired"
)

type InventoryEvent struct {
	Type          string             `json:"type"`
	Status        reservation.Status `json:"status"`
	ReservationId string             `json:"reservationId"`
	OrderId       string             `json:"orderId"`
	ProductId     string             `json:"productId"`
	Quantity      int32              `json:"quantity"`
	OccurredAt    time.Time          `json:"occurredAt"`
}

type EventPublisher interface {
	Publish(ctx context.Context, events ...InventoryEvent) error
}
