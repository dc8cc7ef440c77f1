package stock

import (
	"math"
	"time"

	"github.com/giovaniif/e-commerce/inventory/domain"
)

const (
	DefaultReorderLevel int32 = 10
	DefaultMaxStock     int32 = 1000
)

// Record is the ledger entry of one product. OnHand is what new reservations can take,
// Reserved is what outstanding reservations hold.
type Record struct {
	ProductId    string
	OnHand       int32
	Reserved     int32
	ReorderLevel int32
	MaxStock     int32
	LastUpdated  time.Time
}

func NewRecord(productId string, onHand int32, now time.Time) Record {
	return Record{
		ProductId:    productId,
		OnHand:       onHand,
		ReorderLevel: DefaultReorderLevel,
		MaxStock:     DefaultMaxStock,
		LastUpdated:  now,
	}
}

func (r *Record) CanReserve(quantity int32) bool {
	return r.OnHand >= quantity
}

// Total is the physical stock. Reservation and release never change it.
func (r *Record) Total() int32 {
	return r.OnHand + r.Reserved
}

// Adjusted returns a copy of the record with both deltas applied, or an error if the
// result would break the ledger invariants.
func (r Record) Adjusted(onHandDelta, reservedDelta int32, now time.Time) (Record, error) {
	onHand := int64(r.OnHand) + int64(onHandDelta)
	reserved := int64(r.Reserved) + int64(reservedDelta)
	if onHand < 0 {
		return r, domain.NewInsufficientStockError(r.ProductId)
	}
	if reserved < 0 {
		return r, domain.NewInvalidStateError("reserved stock of product " + r.ProductId + " would go negative")
	}
	if onHand > math.MaxInt32 || reserved > math.MaxInt32 {
		return r, domain.NewInvalidStateError("stock of product " + r.ProductId + " would overflow")
	}
	r.OnHand = int32(onHand)
	r.Reserved = int32(reserved)
	r.LastUpdated = now
	return r, nil
}

// ValidateLine rejects a requested line before any stock is read.
func ValidateLine(productId string, quantity int32) error {
	if productId == "" {
		return domain.NewInvalidArgumentError("productId is required")
	}
	if quantity <= 0 {
		return domain.NewInvalidArgumentError("quantity must be positive for product " + productId)
	}
	return nil
}
