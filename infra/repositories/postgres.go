package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/domain/reservation"
	"github.com/giovaniif/e-commerce/inventory/domain/stock"
	"github.com/giovaniif/e-commerce/inventory/protocols"
)

const (
	serializationFailure pq.ErrorCode = "40001"
	deadlockDetected     pq.ErrorCode = "40P01"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS stock_records (
	product_id    TEXT PRIMARY KEY,
	on_hand       INTEGER NOT NULL CHECK (on_hand >= 0),
	reserved      INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
	reorder_level INTEGER NOT NULL DEFAULT 10,
	max_stock     INTEGER NOT NULL DEFAULT 1000,
	last_updated  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS stock_reservations (
	id         TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES stock_records (product_id),
	order_id   TEXT NOT NULL,
	quantity   INTEGER NOT NULL CHECK (quantity > 0),
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS stock_reservations_order_id_idx ON stock_reservations (order_id);
CREATE INDEX IF NOT EXISTS stock_reservations_expires_at_idx ON stock_reservations (expires_at);
`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresRepository runs every call on the pool, or on the open *sql.Tx when reached
// through WithinTransaction. Inside a transaction stock rows are read FOR UPDATE, which
// serializes concurrent reservations of the same product.
type PostgresRepository struct {
	db    *sql.DB
	q     querier
	inTx  bool
	clock protocols.Clock
}

func NewPostgresRepository(db *sql.DB, clock protocols.Clock) *PostgresRepository {
	return &PostgresRepository{db: db, q: db, clock: clock}
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, postgresSchema); err != nil {
		return pkgerrors.Wrap(err, "migrate inventory schema")
	}
	return nil
}

func (r *PostgresRepository) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx protocols.Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return postgresError(pkgerrors.Wrap(err, "begin transaction"))
	}
	txRepository := &PostgresRepository{db: r.db, q: sqlTx, inTx: true, clock: r.clock}

	if err := fn(ctx, txRepository); err != nil {
		_ = sqlTx.Rollback()
		return postgresError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return postgresError(pkgerrors.Wrap(err, "commit transaction"))
	}
	return nil
}

func (r *PostgresRepository) Ledger() stock.Ledger            { return r }
func (r *PostgresRepository) Reservations() reservation.Store { return r }

func (r *PostgresRepository) GetStock(ctx context.Context, productId string) (*stock.Record, error) {
	query := `SELECT product_id, on_hand, reserved, reorder_level, max_stock, last_updated
		FROM stock_records WHERE product_id = $1`
	if r.inTx {
		query += " FOR UPDATE"
	}
	var record stock.Record
	err := r.q.QueryRowContext(ctx, query, productId).Scan(
		&record.ProductId, &record.OnHand, &record.Reserved,
		&record.ReorderLevel, &record.MaxStock, &record.LastUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("stock record for product " + productId)
	}
	if err != nil {
		return nil, postgresError(pkgerrors.Wrapf(err, "select stock of product %s", productId))
	}
	return &record, nil
}

func (r *PostgresRepository) AdjustStock(ctx context.Context, productId string, onHandDelta int32, reservedDelta int32) (*stock.Record, error) {
	var record stock.Record
	err := r.q.QueryRowContext(ctx, `
		UPDATE stock_records
		SET on_hand = on_hand + $2, reserved = reserved + $3, last_updated = $4
		WHERE product_id = $1 AND on_hand + $2 >= 0 AND reserved + $3 >= 0
		RETURNING product_id, on_hand, reserved, reorder_level, max_stock, last_updated`,
		productId, onHandDelta, reservedDelta, r.clock.Now(),
	).Scan(
		&record.ProductId, &record.OnHand, &record.Reserved,
		&record.ReorderLevel, &record.MaxStock, &record.LastUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := r.GetStock(ctx, productId)
		if err != nil {
			return nil, err
		}
		return nil, rejectedAdjust(current, onHandDelta, reservedDelta, r.clock.Now())
	}
	if err != nil {
		return nil, postgresError(pkgerrors.Wrapf(err, "update stock of product %s", productId))
	}
	return &record, nil
}

func (r *PostgresRepository) SeedStock(ctx context.Context, records []stock.Record) error {
	for _, record := range records {
		lastUpdated := record.LastUpdated
		if lastUpdated.IsZero() {
			lastUpdated = r.clock.Now()
		}
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO stock_records (product_id, on_hand, reserved, reorder_level, max_stock, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (product_id) DO NOTHING`,
			record.ProductId, record.OnHand, record.Reserved, record.ReorderLevel, record.MaxStock, lastUpdated,
		)
		if err != nil {
			return pkgerrors.Wrapf(err, "seed stock of product %s", record.ProductId)
		}
	}
	return nil
}

func (r *PostgresRepository) CreateReservation(ctx context.Context, productId string, orderId string, quantity int32, ttl time.Duration) (*reservation.Reservation, error) {
	res, err := reservation.New(productId, orderId, quantity, ttl, r.clock.Now())
	if err != nil {
		return nil, err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO stock_reservations (id, product_id, order_id, quantity, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		res.Id, res.ProductId, res.OrderId, res.Quantity, res.ExpiresAt, res.CreatedAt,
	)
	if err != nil {
		return nil, postgresError(pkgerrors.Wrapf(err, "insert reservation of product %s", productId))
	}
	return res, nil
}

func (r *PostgresRepository) FindByOrder(ctx context.Context, orderId string) ([]reservation.Reservation, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, product_id, order_id, quantity, expires_at, created_at
		FROM stock_reservations WHERE order_id = $1 ORDER BY created_at, id`, orderId)
	if err != nil {
		return nil, postgresError(pkgerrors.Wrapf(err, "select reservations of order %s", orderId))
	}
	return scanReservations(rows)
}

func (r *PostgresRepository) DeleteReservation(ctx context.Context, reservationId string) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM stock_reservations WHERE id = $1`, reservationId)
	if err != nil {
		return postgresError(pkgerrors.Wrapf(err, "delete reservation %s", reservationId))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return domain.NewNotFoundError("reservation " + reservationId)
	}
	return nil
}

func (r *PostgresRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]reservation.Reservation, error) {
	query := `SELECT id, product_id, order_id, quantity, expires_at, created_at
		FROM stock_reservations WHERE expires_at < $1 ORDER BY expires_at`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, postgresError(pkgerrors.Wrap(err, "select expired reservations"))
	}
	return scanReservations(rows)
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func scanReservations(rows *sql.Rows) ([]reservation.Reservation, error) {
	defer rows.Close()
	var found []reservation.Reservation
	for rows.Next() {
		var res reservation.Reservation
		if err := rows.Scan(&res.Id, &res.ProductId, &res.OrderId, &res.Quantity, &res.ExpiresAt, &res.CreatedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "scan reservation")
		}
		found = append(found, res)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "iterate reservations")
	}
	return found, nil
}

func postgresError(err error) error {
	if err == nil || domain.IsRetriable(err) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == serializationFailure || pqErr.Code == deadlockDetected) {
		return domain.NewTransactionConflictError(err)
	}
	return err
}
