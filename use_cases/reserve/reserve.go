package reserve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/domain/reservation"
	"github.com/giovaniif/e-commerce/inventory/domain/stock"
	"github.com/giovaniif/e-commerce/inventory/protocols"
	"github.com/giovaniif/e-commerce/inventory/use_cases/retry"
)

const (
	DefaultTTL = 30 * time.Minute
	MaxTTL     = 7 * 24 * time.Hour
)

var tracer = otel.Tracer("inventory/reserve")

type Reserve struct {
	transactor         protocols.Transactor
	idempotencyGateway protocols.IdempotencyGateway
	publisher          protocols.EventPublisher
	metrics            protocols.InventoryMetrics
	sleeper            protocols.Sleeper
	options            Options
}

type Options struct {
	DefaultTTL  time.Duration
	RetryPolicy retry.Policy
}

func NewReserve(transactor protocols.Transactor, idempotencyGateway protocols.IdempotencyGateway, publisher protocols.EventPublisher, metrics protocols.InventoryMetrics, sleeper protocols.Sleeper, options Options) *Reserve {
	if options.DefaultTTL <= 0 {
		options.DefaultTTL = DefaultTTL
	}
	if options.RetryPolicy.MaxAttempts <= 0 {
		options.RetryPolicy = retry.DefaultPolicy
	}
	return &Reserve{
		transactor:         transactor,
		idempotencyGateway: idempotencyGateway,
		publisher:          publisher,
		metrics:            metrics,
		sleeper:            sleeper,
		options:            options,
	}
}

// Reserve holds stock for every item of the order or for none of them.
func (r *Reserve) Reserve(ctx context.Context, input Input) (Output, error) {
	ctx, span := tracer.Start(ctx, "reserve.Reserve")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", input.OrderId), attribute.Int("items.count", len(input.Items)))
	logger := zerolog.Ctx(ctx).With().Str("order_id", input.OrderId).Logger()

	items, err := mergeItems(input)
	if err != nil {
		r.metrics.ReservationFailed(failureReason(err))
		return Output{}, err
	}
	ttl := input.TTL
	if ttl <= 0 {
		ttl = r.options.DefaultTTL
	}
	fingerprint := requestFingerprint(input.OrderId, items)

	if input.IdempotencyKey != "" {
		result, err := r.idempotencyGateway.ReserveIdempotencyKey(ctx, input.IdempotencyKey, fingerprint)
		if err != nil {
			if errors.Is(err, domain.ErrIdempotencyKeyReused) {
				r.metrics.ReservationFailed(failureReason(err))
				logger.Warn().Str("idempotency_key", input.IdempotencyKey).Msg("idempotency key reused for a different request")
			}
			return Output{}, err
		}
		if result != nil {
			logger.Info().Str("idempotency_key", input.IdempotencyKey).Msg("replaying stored reservation")
			return Output{ReservationIds: result.ReservationIds, Replayed: true}, nil
		}
	}

	var reservations []reservation.Reservation
	err = retry.WithBackoff(ctx, func() error {
		created, err := r.reserveAll(ctx, input.OrderId, items, ttl)
		if err != nil {
			return err
		}
		reservations = created
		return nil
	}, r.options.RetryPolicy, r.sleeper)

	if err != nil {
		if domain.IsRetriable(err) {
			err = fmt.Errorf("%w: %w", domain.ErrReservationFailed, err)
		}
		if input.IdempotencyKey != "" {
			if markErr := r.idempotencyGateway.MarkFailure(ctx, input.IdempotencyKey); markErr != nil {
				logger.Error().Err(markErr).Msg("failed to mark idempotency key as failed")
			}
		}
		r.metrics.ReservationFailed(failureReason(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Err(err).Msg("stock reservation failed")
		return Output{}, err
	}

	output := Output{Reservations: reservations, ReservationIds: make([]string, 0, len(reservations))}
	events := make([]protocols.InventoryEvent, 0, len(reservations))
	for _, res := range reservations {
		output.ReservationIds = append(output.ReservationIds, res.Id)
		events = append(events, protocols.InventoryEvent{
			Type:          protocols.EventStockReserved,
			Status:        reservation.StatusActive,
			ReservationId: res.Id,
			OrderId:       res.OrderId,
			ProductId:     res.ProductId,
			Quantity:      res.Quantity,
			OccurredAt:    res.CreatedAt,
		})
	}

	if input.IdempotencyKey != "" {
		result := protocols.IdempotencyKeyResult{
			Success:        true,
			OrderId:        input.OrderId,
			Fingerprint:    fingerprint,
			ReservationIds: output.ReservationIds,
		}
		if err := r.idempotencyGateway.MarkSuccess(ctx, input.IdempotencyKey, result); err != nil {
			logger.Error().Err(err).Msg("failed to mark idempotency key as succeeded")
		}
	}

	r.metrics.ReservationsCreated(len(reservations))
	if err := r.publisher.Publish(ctx, events...); err != nil {
		logger.Error().Err(err).Msg("failed to publish reservation events")
	}
	logger.Info().Int("reservations", len(reservations)).Dur("ttl", ttl).Msg("stock reserved")

	return output, nil
}

func (r *Reserve) reserveAll(ctx context.Context, orderId string, items []Item, ttl time.Duration) ([]reservation.Reservation, error) {
	var created []reservation.Reservation
	err := r.transactor.WithinTransaction(ctx, func(ctx context.Context, tx protocols.Tx) error {
		created = nil

		for _, item := range items {
			record, err := tx.Ledger().GetStock(ctx, item.ProductId)
			if errors.Is(err, domain.ErrNotFound) {
				return domain.NewInsufficientStockError(item.ProductId)
			}
			if err != nil {
				return err
			}
			if !record.CanReserve(item.Quantity) {
				return domain.NewInsufficientStockError(item.ProductId)
			}
		}

		for _, item := range items {
			if _, err := tx.Ledger().AdjustStock(ctx, item.ProductId, -item.Quantity, item.Quantity); err != nil {
				return err
			}
			res, err := tx.Reservations().CreateReservation(ctx, item.ProductId, orderId, item.Quantity, ttl)
			if err != nil {
				return err
			}
			created = append(created, *res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// mergeItems validates the request and folds repeated products into one line,
// keeping the order in which products first appear.
func mergeItems(input Input) ([]Item, error) {
	if input.OrderId == "" {
		return nil, domain.NewInvalidArgumentError("orderId is required")
	}
	if len(input.Items) == 0 {
		return nil, domain.NewInvalidArgumentError("at least one item is required")
	}
	if input.TTL > MaxTTL {
		return nil, domain.NewInvalidArgumentError("ttl must not exceed " + MaxTTL.String())
	}

	totals := make(map[string]int64, len(input.Items))
	order := make([]string, 0, len(input.Items))
	for _, item := range input.Items {
		if err := stock.ValidateLine(item.ProductId, item.Quantity); err != nil {
			return nil, err
		}
		if _, ok := totals[item.ProductId]; !ok {
			order = append(order, item.ProductId)
		}
		totals[item.ProductId] += int64(item.Quantity)
		if totals[item.ProductId] > math.MaxInt32 {
			return nil, domain.NewInvalidArgumentError("total quantity too large for product " + item.ProductId)
		}
	}

	merged := make([]Item, 0, len(order))
	for _, productId := range order {
		merged = append(merged, Item{ProductId: productId, Quantity: int32(totals[productId])})
	}
	return merged, nil
}

// requestFingerprint identifies what a reservation request asks for, independent of the
// order its lines were sent in.
func requestFingerprint(orderId string, items []Item) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, item.ProductId+"="+strconv.FormatInt(int64(item.Quantity), 10))
	}
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(orderId + "\n" + strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, domain.ErrIdempotencyKeyReused):
		return "idempotency_key_reused"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrReservationFailed):
		return "conflict"
	default:
		return "error"
	}
}

type Item struct {
	ProductId string
	Quantity  int32
}

type Input struct {
	Items          []Item
	OrderId        string
	TTL            time.Duration
	IdempotencyKey string
}

type Output struct {
	Reservations   []reservation.Reservation
	ReservationIds []string
	Replayed       bool
}
