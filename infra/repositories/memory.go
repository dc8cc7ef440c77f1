package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/domain/reservation"
	"github.com/giovaniif/e-commerce/inventory/domain/stock"
	"github.com/giovaniif/e-commerce/inventory/protocols"
)

// MemoryRepository keeps the ledger and the reservations in process memory. Transactions
// are serialized by a single mutex and rolled back by restoring a snapshot.
type MemoryRepository struct {
	mutex sync.Mutex
	state *memoryState
}

type memoryState struct {
	clock        protocols.Clock
	records      map[string]stock.Record
	reservations map[string]reservation.Reservation
}

func NewMemoryRepository(clock protocols.Clock) *MemoryRepository {
	return &MemoryRepository{
		state: &memoryState{
			clock:        clock,
			records:      make(map[string]stock.Record),
			reservations: make(map[string]reservation.Reservation),
		},
	}
}

func (r *MemoryRepository) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx protocols.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	snapshot := r.state.clone()
	if err := fn(ctx, r.state); err != nil {
		r.state = snapshot
		return err
	}
	return nil
}

func (r *MemoryRepository) GetStock(ctx context.Context, productId string) (*stock.Record, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state.GetStock(ctx, productId)
}

func (r *MemoryRepository) AdjustStock(ctx context.Context, productId string, onHandDelta int32, reservedDelta int32) (*stock.Record, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state.AdjustStock(ctx, productId, onHandDelta, reservedDelta)
}

func (r *MemoryRepository) SeedStock(ctx context.Context, records []stock.Record) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, record := range records {
		if _, ok := r.state.records[record.ProductId]; ok {
			continue
		}
		if record.LastUpdated.IsZero() {
			record.LastUpdated = r.state.clock.Now()
		}
		r.state.records[record.ProductId] = record
	}
	return nil
}

func (r *MemoryRepository) CreateReservation(ctx context.Context, productId string, orderId string, quantity int32, ttl time.Duration) (*reservation.Reservation, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state.CreateReservation(ctx, productId, orderId, quantity, ttl)
}

func (r *MemoryRepository) FindByOrder(ctx context.Context, orderId string) ([]reservation.Reservation, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state.FindByOrder(ctx, orderId)
}

func (r *MemoryRepository) DeleteReservation(ctx context.Context, reservationId string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state.DeleteReservation(ctx, reservationId)
}

func (r *MemoryRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]reservation.Reservation, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state.FindExpired(ctx, now, limit)
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

func (s *memoryState) Ledger() stock.Ledger            { return s }
func (s *memoryState) Reservations() reservation.Store { return s }

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		clock:        s.clock,
		records:      make(map[string]stock.Record, len(s.records)),
		reservations: make(map[string]reservation.Reservation, len(s.reservations)),
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	return c
}

func (s *memoryState) GetStock(ctx context.Context, productId string) (*stock.Record, error) {
	record, ok := s.records[productId]
	if !ok {
		return nil, domain.NewNotFoundError("stock record for product " + productId)
	}
	return &record, nil
}

func (s *memoryState) AdjustStock(ctx context.Context, productId string, onHandDelta int32, reservedDelta int32) (*stock.Record, error) {
	record, ok := s.records[productId]
	if !ok {
		return nil, domain.NewNotFoundError("stock record for product " + productId)
	}
	adjusted, err := record.Adjusted(onHandDelta, reservedDelta, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.records[productId] = adjusted
	return &adjusted, nil
}

func (s *memoryState) CreateReservation(ctx context.Context, productId string, orderId string, quantity int32, ttl time.Duration) (*reservation.Reservation, error) {
	res, err := reservation.New(productId, orderId, quantity, ttl, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.reservations[res.Id] = *res
	return res, nil
}

func (s *memoryState) FindByOrder(ctx context.Context, orderId string) ([]reservation.Reservation, error) {
	var found []reservation.Reservation
	for _, res := range s.reservations {
		if res.OrderId == orderId {
			found = append(found, res)
		}
	}
	sortByCreation(found)
	return found, nil
}

func (s *memoryState) DeleteReservation(ctx context.Context, reservationId string) error {
	if _, ok := s.reservations[reservationId]; !ok {
		return domain.NewNotFoundError("reservation " + reservationId)
	}
	delete(s.reservations, reservationId)
	return nil
}

func (s *memoryState) FindExpired(ctx context.Context, now time.Time, limit int) ([]reservation.Reservation, error) {
	var expired []reservation.Reservation
	for _, res := range s.reservations {
		if res.IsExpired(now) {
			expired = append(expired, res)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func sortByCreation(reservations []reservation.Reservation) {
	sort.Slice(reservations, func(i, j int) bool {
		if reservations[i].CreatedAt.Equal(reservations[j].CreatedAt) {
			return reservations[i].Id < reservations[j].Id
		}
		return reservations[i].CreatedAt.Before(reservations[j].CreatedAt)
	})
}
