package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giovaniif/e-commerce/inventory/domain/reservation"
	"github.com/giovaniif/e-commerce/inventory/protocols"
	"github.com/giovaniif/e-commerce/inventory/use_cases/release"
)

const (
	DefaultInterval  = 5 * time.Minute
	DefaultBatchSize = 500
)

var tracer = otel.Tracer("inventory/sweep")

type Sweeper struct {
	reservationStore reservation.Store
	reverser         *release.Reverser
	lock             protocols.RunLock
	clock            protocols.Clock
	publisher        protocols.EventPublisher
	metrics          protocols.InventoryMetrics
	options          Options
}

type Options struct {
	Interval  time.Duration
	BatchSize int
}

func NewSweeper(reservationStore reservation.Store, reverser *release.Reverser, lock protocols.RunLock, clock protocols.Clock, publisher protocols.EventPublisher, metrics protocols.InventoryMetrics, options Options) *Sweeper {
	if options.Interval <= 0 {
		options.Interval = DefaultInterval
	}
	if options.BatchSize <= 0 {
		options.BatchSize = DefaultBatchSize
	}
	return &Sweeper{
		reservationStore: reservationStore,
		reverser:         reverser,
		lock:             lock,
		clock:            clock,
		publisher:        publisher,
		metrics:          metrics,
		options:          options,
	}
}

// Start sweeps once right away and then on every tick until ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	logger.Info().Dur("interval", s.options.Interval).Msg("expiry sweeper started")

	ticker := time.NewTicker(s.options.Interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep releases the reservations whose expiresAt has passed. Failures are logged and
// counted, never returned: nobody waits on a sweep.
func (s *Sweeper) Sweep(ctx context.Context) Output {
	ctx, span := tracer.Start(ctx, "sweep.Sweep")
	defer span.End()
	logger := zerolog.Ctx(ctx)
	started := s.clock.Now()

	unlock, ok, err := s.lock.Acquire(ctx, s.options.Interval)
	if err != nil {
		logger.Error().Err(err).Msg("failed to acquire sweep lock")
		return Output{Skipped: true}
	}
	if !ok {
		logger.Debug().Msg("sweep already running on another instance")
		return Output{Skipped: true}
	}
	defer unlock()

	var output Output
	// A hold that failed stays expired and comes back at the head of every later page;
	// it is tried once per run.
	failed := make(map[string]struct{})
	for {
		expired, err := s.reservationStore.FindExpired(ctx, s.clock.Now(), s.options.BatchSize)
		if err != nil {
			logger.Error().Err(err).Msg("failed to find expired reservations")
			break
		}

		sweptInBatch := 0
		events := make([]protocols.InventoryEvent, 0, len(expired))
		for _, res := range expired {
			if _, ok := failed[res.Id]; ok {
				continue
			}
			released, err := s.reverser.Reverse(ctx, res)
			if err != nil {
				failed[res.Id] = struct{}{}
				output.Failed++
				logger.Error().Err(err).Str("reservation_id", res.Id).Str("product_id", res.ProductId).Str("order_id", res.OrderId).Msg("failed to release expired reservation")
				continue
			}
			if !released {
				continue
			}
			sweptInBatch++
			events = append(events, protocols.InventoryEvent{
				Type:          protocols.EventReservationExpired,
				Status:        reservation.StatusExpiredReleased,
				ReservationId: res.Id,
				OrderId:       res.OrderId,
				ProductId:     res.ProductId,
				Quantity:      res.Quantity,
				OccurredAt:    s.clock.Now(),
			})
		}
		output.Swept += sweptInBatch
		if len(events) > 0 {
			if err := s.publisher.Publish(ctx, events...); err != nil {
				logger.Error().Err(err).Msg("failed to publish expiry events")
			}
		}

		if len(expired) < s.options.BatchSize || sweptInBatch == 0 || ctx.Err() != nil {
			break
		}
	}

	if output.Swept > 0 {
		s.metrics.ReservationsReleased(protocols.TriggerExpiry, output.Swept)
		logger.Info().Int("swept", output.Swept).Msg("cleaned up expired stock reservations")
	}
	if output.Failed > 0 {
		logger.Warn().Int("failed", output.Failed).Msg("some expired reservations could not be released")
	}
	s.metrics.SweepCompleted(output.Swept, output.Failed, s.clock.Now().Sub(started))
	span.SetAttributes(attribute.Int("sweep.swept", output.Swept), attribute.Int("sweep.failed", output.Failed))

	return output
}

type Output struct {
	Swept   int
	Failed  int
	Skipped bool
}
