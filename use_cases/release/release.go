package release

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/domain/reservation"
	"github.com/giovaniif/e-commerce/inventory/protocols"
)

var tracer = otel.Tracer("inventory/release")

type Release struct {
	reservationStore reservation.Store
	reverser         *Reverser
	publisher        protocols.EventPublisher
	metrics          protocols.InventoryMetrics
	clock            protocols.Clock
}

func NewRelease(reservationStore reservation.Store, reverser *Reverser, publisher protocols.EventPublisher, metrics protocols.InventoryMetrics, clock protocols.Clock) *Release {
	return &Release{
		reservationStore: reservationStore,
		reverser:         reverser,
		publisher:        publisher,
		metrics:          metrics,
		clock:            clock,
	}
}

// Release returns every hold of the order to on-hand stock. Each hold is released on its
// own: a failing one is reported and the others still go through. The returned error
// joins the per-hold failures; Output is valid either way.
func (r *Release) Release(ctx context.Context, input Input) (Output, error) {
	ctx, span := tracer.Start(ctx, "release.Release")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", input.OrderId))
	logger := zerolog.Ctx(ctx).With().Str("order_id", input.OrderId).Logger()

	if input.OrderId == "" {
		return Output{}, domain.NewInvalidArgumentError("orderId is required")
	}

	reservations, err := r.reservationStore.FindByOrder(ctx, input.OrderId)
	if err != nil {
		return Output{}, err
	}

	var (
		output   Output
		failures []error
		events   []protocols.InventoryEvent
	)
	for _, res := range reservations {
		released, err := r.reverser.Reverse(ctx, res)
		if err != nil {
			output.Failed++
			failures = append(failures, fmt.Errorf("reservation %s of product %s: %w", res.Id, res.ProductId, err))
			logger.Error().Err(err).Str("reservation_id", res.Id).Str("product_id", res.ProductId).Msg("failed to release reservation")
			continue
		}
		if !released {
			continue
		}
		output.Released++
		events = append(events, protocols.InventoryEvent{
			Type:          protocols.EventStockReleased,
			Status:        reservation.StatusReleased,
			ReservationId: res.Id,
			OrderId:       res.OrderId,
			ProductId:     res.ProductId,
			Quantity:      res.Quantity,
			OccurredAt:    r.clock.Now(),
		})
	}

	if output.Released > 0 {
		r.metrics.ReservationsReleased(protocols.TriggerRelease, output.Released)
		if err := r.publisher.Publish(ctx, events...); err != nil {
			logger.Error().Err(err).Msg("failed to publish release events")
		}
	}
	logger.Info().Int("released", output.Released).Int("failed", output.Failed).Msg("stock released")

	if len(failures) > 0 {
		return output, fmt.Errorf("released %d of %d reservations: %w", output.Released, output.Released+output.Failed, errors.Join(failures...))
	}
	return output, nil
}

type Input struct {
	OrderId string
}

type Output struct {
	Released int
	Failed   int
}
