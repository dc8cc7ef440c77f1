package gateways

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/giovaniif/e-commerce/inventory/protocols"
)

// EventPublisherLog is used when no broker is configured: events only reach the log.
type EventPublisherLog struct{}

func NewEventPublisherLog() *EventPublisherLog {
	return &EventPublisherLog{}
}

func (p *EventPublisherLog) Publish(ctx context.Context, events ...protocols.InventoryEvent) error {
	logger := zerolog.Ctx(ctx)
	for _, event := range events {
		logger.Debug().
			Str("event_type", event.Type).
			Str("reservation_id", event.ReservationId).
			Str("product_id", event.ProductId).
			Int32("quantity", event.Quantity).
			Msg("inventory event")
	}
	return nil
}
