package stock

import "context"

type Ledger interface {
	GetStock(ctx context.Context, productId string) (*Record, error)
	AdjustStock(ctx context.Context, productId string, onHandDelta int32, reservedDelta int32) (*Record, error)
}

// Seeder inserts the given records when no record exists for their product yet.
type Seeder interface {
	SeedStock(ctx context.Context, records []Record) error
}
