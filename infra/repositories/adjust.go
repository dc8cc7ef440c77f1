package repositories

import (
	"errors"
	"time"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/domain/stock"
)

// rejectedAdjust explains why a conditional stock update matched no row, given the record
// as re-read afterwards. If the deltas would still apply, a concurrent writer moved the
// counters in between and the caller should retry.
func rejectedAdjust(current *stock.Record, onHandDelta int32, reservedDelta int32, now time.Time) error {
	if _, err := current.Adjusted(onHandDelta, reservedDelta, now); err != nil {
		return err
	}
	return domain.NewTransactionConflictError(errors.New("stock of product " + current.ProductId + " changed during adjust"))
}
