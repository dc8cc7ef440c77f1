package protocols

import (
	"context"

	"github.com/giovaniif/e-commerce/inventory/domain/reservation"
	"github.com/giovaniif/e-commerce/inventory/domain/stock"
)

// Tx exposes the ledger and reservation store bound to one open transaction.
type Tx interface {
	Ledger() stock.Ledger
	Reservations() reservation.Store
}

// Transactor runs fn inside a transaction spanning the ledger and the reservation store.
// The transaction commits when fn returns nil and rolls back otherwise. Write conflicts
// are reported as domain.ErrTransactionConflict.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
