package check

import (
	"context"
	"errors"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/domain/stock"
)

type Check struct {
	ledger stock.Ledger
}

func NewCheck(ledger stock.Ledger) *Check {
	return &Check{
		ledger: ledger,
	}
}

// Check reports, item by item, whether on-hand stock covers the requested quantity.
// Nothing is locked; the answer can be stale by the time the caller reserves.
func (c *Check) Check(ctx context.Context, input Input) (Output, error) {
	if len(input.Items) == 0 {
		return Output{}, domain.NewInvalidArgumentError("at least one item is required")
	}
	for _, item := range input.Items {
		if err := stock.ValidateLine(item.ProductId, item.Quantity); err != nil {
			return Output{}, err
		}
	}

	output := Output{
		AllInStock: true,
		Items:      make([]ItemAvailability, 0, len(input.Items)),
	}

	for _, item := range input.Items {
		availability := ItemAvailability{
			ProductId:         item.ProductId,
			RequestedQuantity: item.Quantity,
		}

		record, err := c.ledger.GetStock(ctx, item.ProductId)
		switch {
		case err == nil:
			availability.AvailableQuantity = record.OnHand
			availability.Reserved = record.Reserved
			availability.InStock = record.CanReserve(item.Quantity)
		case errors.Is(err, domain.ErrNotFound):
		default:
			return Output{}, err
		}

		if !availability.InStock {
			output.AllInStock = false
		}
		output.Items = append(output.Items, availability)
	}

	return output, nil
}

type Item struct {
	ProductId string
	Quantity  int32
}

type Input struct {
	Items []Item
}

type ItemAvailability struct {
	ProductId         string
	RequestedQuantity int32
	AvailableQuantity int32
	InStock           bool
	Reserved          int32
}

type Output struct {
	AllInStock bool
	Items      []ItemAvailability
}
