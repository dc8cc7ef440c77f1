package repositories

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/domain/reservation"
	"github.com/giovaniif/e-commerce/inventory/domain/stock"
	"github.com/giovaniif/e-commerce/inventory/infra/gateways"
	"github.com/giovaniif/e-commerce/inventory/protocols"
	"github.com/giovaniif/e-commerce/inventory/use_cases/check"
	"github.com/giovaniif/e-commerce/inventory/use_cases/release"
	"github.com/giovaniif/e-commerce/inventory/use_cases/reserve"
	"github.com/giovaniif/e-commerce/inventory/use_cases/retry"
	"github.com/giovaniif/e-commerce/inventory/use_cases/sweep"
)

// backend is what every storage implementation offers the use cases.
type backend interface {
	protocols.Transactor
	stock.Ledger
	stock.Seeder
	reservation.Store
}

// backendFactory returns an empty backend for one test.
type backendFactory func(t *testing.T, clock protocols.Clock) backend

// runBackendSuite checks one backend against the ledger and store contracts and the
// engine properties: conservation, atomicity, idempotent release, expiry equivalence
// and no overcommit under concurrency.
func runBackendSuite(t *testing.T, newBackend backendFactory) {
	tests := map[string]func(t *testing.T, newBackend backendFactory){
		"AdjustStock":                           testAdjustStock,
		"SeedDoesNotOverwrite":                  testSeedDoesNotOverwrite,
		"ReservationStore":                      testReservationStore,
		"TransactionRollsBackEverything":        testTransactionRollsBackEverything,
		"Scenario":                              testScenario,
		"ReserveIsAllOrNothing":                 testReserveIsAllOrNothing,
		"ReleaseIsIdempotent":                   testReleaseIsIdempotent,
		"ExpiryMatchesExplicitRelease":          testExpiryMatchesExplicitRelease,
		"SweepLeavesActiveHolds":                testSweepLeavesActiveHolds,
		"ConcurrentReservationsNeverOvercommit": testConcurrentReservationsNeverOvercommit,
		"InvariantsHoldUnderMixedLoad":          testInvariantsHoldUnderMixedLoad,
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) { test(t, newBackend) })
	}
}

type manualClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type nopMetrics struct{}

func (nopMetrics) ReservationsCreated(count int)                                {}
func (nopMetrics) ReservationsReleased(trigger string, count int)               {}
func (nopMetrics) ReservationFailed(reason string)                              {}
func (nopMetrics) SweepCompleted(swept int, failed int, duration time.Duration) {}

type engine struct {
	clock   *manualClock
	repo    backend
	check   *check.Check
	reserve *reserve.Reserve
	release *release.Release
	sweeper *sweep.Sweeper
}

func newEngine(t *testing.T, newBackend backendFactory, records ...stock.Record) *engine {
	t.Helper()
	clock := newManualClock()
	repo := newBackend(t, clock)
	require.NoError(t, repo.SeedStock(context.Background(), records))

	policy := retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	sleeper := gateways.NewSleeper()
	publisher := gateways.NewEventPublisherLog()
	reverser := release.NewReverser(repo, sleeper, policy)
	return &engine{
		clock:   clock,
		repo:    repo,
		check:   check.NewCheck(repo),
		reserve: reserve.NewReserve(repo, gateways.NewIdempotencyGatewayMemory(), publisher, nopMetrics{}, sleeper, reserve.Options{RetryPolicy: policy}),
		release: release.NewRelease(repo, reverser, publisher, nopMetrics{}, clock),
		sweeper: sweep.NewSweeper(repo, reverser, gateways.NewRunLockMemory(), clock, publisher, nopMetrics{}, sweep.Options{Interval: time.Minute, BatchSize: 10}),
	}
}

func (e *engine) record(t *testing.T, productId string) stock.Record {
	t.Helper()
	record, err := e.repo.GetStock(context.Background(), productId)
	require.NoError(t, err)
	return *record
}

func (e *engine) assertInvariants(t *testing.T, totals map[string]int32) {
	t.Helper()
	for productId, total := range totals {
		record := e.record(t, productId)
		assert.GreaterOrEqual(t, record.OnHand, int32(0), productId)
		assert.GreaterOrEqual(t, record.Reserved, int32(0), productId)
		assert.Equal(t, total, record.Total(), "total stock of %s changed", productId)
	}
}

func testAdjustStock(t *testing.T, newBackend backendFactory) {
	clock := newManualClock()
	repo := newBackend(t, clock)
	ctx := context.Background()
	require.NoError(t, repo.SeedStock(ctx, []stock.Record{stock.NewRecord("P1", 10, clock.Now())}))

	clock.Advance(time.Minute)
	record, err := repo.AdjustStock(ctx, "P1", -4, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(6), record.OnHand)
	assert.Equal(t, int32(4), record.Reserved)
	assert.True(t, clock.Now().Equal(record.LastUpdated), "lastUpdated %v, want %v", record.LastUpdated, clock.Now())

	_, err = repo.AdjustStock(ctx, "P1", -7, 7)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = repo.AdjustStock(ctx, "P1", 5, -5)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = repo.AdjustStock(ctx, "missing", 1, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	record, err = repo.GetStock(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int32(6), record.OnHand, "rejected adjustments must leave the record untouched")
	assert.Equal(t, int32(4), record.Reserved)
}

func testSeedDoesNotOverwrite(t *testing.T, newBackend backendFactory) {
	clock := newManualClock()
	repo := newBackend(t, clock)
	ctx := context.Background()

	require.NoError(t, repo.SeedStock(ctx, []stock.Record{stock.NewRecord("P1", 10, clock.Now())}))
	_, err := repo.AdjustStock(ctx, "P1", -3, 3)
	require.NoError(t, err)
	require.NoError(t, repo.SeedStock(ctx, []stock.Record{stock.NewRecord("P1", 50, clock.Now())}))

	record, err := repo.GetStock(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int32(7), record.OnHand)
	assert.Equal(t, int32(3), record.Reserved)
}

func testReservationStore(t *testing.T, newBackend backendFactory) {
	clock := newManualClock()
	repo := newBackend(t, clock)
	ctx := context.Background()
	require.NoError(t, repo.SeedStock(ctx, []stock.Record{
		stock.NewRecord("P1", 10, clock.Now()),
		stock.NewRecord("P2", 10, clock.Now()),
	}))

	_, err := repo.CreateReservation(ctx, "P1", "O1", 0, time.Minute)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	first, err := repo.CreateReservation(ctx, "P1", "O1", 2, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(10*time.Minute), first.ExpiresAt)
	clock.Advance(time.Second)
	second, err := repo.CreateReservation(ctx, "P2", "O1", 1, time.Minute)
	require.NoError(t, err)
	_, err = repo.CreateReservation(ctx, "P1", "O2", 1, time.Hour)
	require.NoError(t, err)

	byOrder, err := repo.FindByOrder(ctx, "O1")
	require.NoError(t, err)
	require.Len(t, byOrder, 2)
	assert.Equal(t, first.Id, byOrder[0].Id)
	assert.Equal(t, second.Id, byOrder[1].Id)
	assert.Equal(t, int32(2), byOrder[0].Quantity)

	expired, err := repo.FindExpired(ctx, clock.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, expired, "a reservation expiring exactly now is not expired yet")

	expired, err = repo.FindExpired(ctx, clock.Now().Add(11*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, second.Id, expired[0].Id, "oldest expiry first")

	expired, err = repo.FindExpired(ctx, clock.Now().Add(11*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	require.NoError(t, repo.DeleteReservation(ctx, first.Id))
	assert.ErrorIs(t, repo.DeleteReservation(ctx, first.Id), domain.ErrNotFound)
}

func testTransactionRollsBackEverything(t *testing.T, newBackend backendFactory) {
	clock := newManualClock()
	repo := newBackend(t, clock)
	ctx := context.Background()
	require.NoError(t, repo.SeedStock(ctx, []stock.Record{stock.NewRecord("P1", 10, clock.Now())}))

	boom := errors.New("boom")
	err := repo.WithinTransaction(ctx, func(ctx context.Context, tx protocols.Tx) error {
		if _, err := tx.Ledger().AdjustStock(ctx, "P1", -5, 5); err != nil {
			return err
		}
		if _, err := tx.Reservations().CreateReservation(ctx, "P1", "O1", 5, time.Minute); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	record, err := repo.GetStock(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int32(10), record.OnHand)
	assert.Equal(t, int32(0), record.Reserved)
	reservations, err := repo.FindByOrder(ctx, "O1")
	require.NoError(t, err)
	assert.Empty(t, reservations)
}

func testScenario(t *testing.T, newBackend backendFactory) {
	ctx := context.Background()
	e := newEngine(t, newBackend, stock.NewRecord("P1", 10, time.Now()))

	out, err := e.reserve.Reserve(ctx, reserve.Input{
		Items:   []reserve.Item{{ProductId: "P1", Quantity: 4}},
		OrderId: "O1",
		TTL:     30 * time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, out.Reservations, 1)
	assert.Equal(t, "P1", out.Reservations[0].ProductId)
	assert.Equal(t, "O1", out.Reservations[0].OrderId)
	assert.Equal(t, int32(4), out.Reservations[0].Quantity)

	record := e.record(t, "P1")
	assert.Equal(t, int32(6), record.OnHand)
	assert.Equal(t, int32(4), record.Reserved)

	report, err := e.check.Check(ctx, check.Input{Items: []check.Item{{ProductId: "P1", Quantity: 6}}})
	require.NoError(t, err)
	assert.True(t, report.Items[0].InStock)
	assert.True(t, report.AllInStock)

	report, err = e.check.Check(ctx, check.Input{Items: []check.Item{{ProductId: "P1", Quantity: 7}}})
	require.NoError(t, err)
	assert.False(t, report.Items[0].InStock)
	assert.False(t, report.AllInStock)

	released, err := e.release.Release(ctx, release.Input{OrderId: "O1"})
	require.NoError(t, err)
	assert.Equal(t, 1, released.Released)

	record = e.record(t, "P1")
	assert.Equal(t, int32(10), record.OnHand)
	assert.Equal(t, int32(0), record.Reserved)
	reservations, err := e.repo.FindByOrder(ctx, "O1")
	require.NoError(t, err)
	assert.Empty(t, reservations)
}

func testReserveIsAllOrNothing(t *testing.T, newBackend backendFactory) {
	ctx := context.Background()
	e := newEngine(t, newBackend, stock.NewRecord("A", 10, time.Now()), stock.NewRecord("B", 3, time.Now()))

	_, err := e.reserve.Reserve(ctx, reserve.Input{
		Items:   []reserve.Item{{ProductId: "A", Quantity: 5}, {ProductId: "B", Quantity: 5}},
		OrderId: "O1",
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Contains(t, err.Error(), "B")

	assert.Equal(t, int32(10), e.record(t, "A").OnHand)
	assert.Equal(t, int32(0), e.record(t, "A").Reserved)
	reservations, err := e.repo.FindByOrder(ctx, "O1")
	require.NoError(t, err)
	assert.Empty(t, reservations)
}

func testReleaseIsIdempotent(t *testing.T, newBackend backendFactory) {
	ctx := context.Background()
	e := newEngine(t, newBackend, stock.NewRecord("P1", 10, time.Now()), stock.NewRecord("P2", 10, time.Now()))

	_, err := e.reserve.Reserve(ctx, reserve.Input{
		Items:   []reserve.Item{{ProductId: "P1", Quantity: 2}, {ProductId: "P2", Quantity: 3}},
		OrderId: "O1",
	})
	require.NoError(t, err)

	first, err := e.release.Release(ctx, release.Input{OrderId: "O1"})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Released)
	afterFirst := []stock.Record{e.record(t, "P1"), e.record(t, "P2")}

	second, err := e.release.Release(ctx, release.Input{OrderId: "O1"})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Released)
	assert.Equal(t, afterFirst, []stock.Record{e.record(t, "P1"), e.record(t, "P2")})
}

func testExpiryMatchesExplicitRelease(t *testing.T, newBackend backendFactory) {
	ctx := context.Background()
	e := newEngine(t, newBackend, stock.NewRecord("P1", 10, time.Now()), stock.NewRecord("P2", 10, time.Now()))

	for orderId, productId := range map[string]string{"explicit": "P1", "expired": "P2"} {
		_, err := e.reserve.Reserve(ctx, reserve.Input{
			Items:   []reserve.Item{{ProductId: productId, Quantity: 4}},
			OrderId: orderId,
			TTL:     time.Minute,
		})
		require.NoError(t, err)
	}
	e.clock.Advance(2 * time.Minute)

	released, err := e.release.Release(ctx, release.Input{OrderId: "explicit"})
	require.NoError(t, err)
	assert.Equal(t, 1, released.Released)
	output := e.sweeper.Sweep(ctx)
	assert.Equal(t, 1, output.Swept, "the explicitly released hold is not swept again")

	explicit, expired := e.record(t, "P1"), e.record(t, "P2")
	assert.Equal(t, explicit.OnHand, expired.OnHand)
	assert.Equal(t, explicit.Reserved, expired.Reserved)

	// The swept hold is gone, so a late explicit release finds nothing.
	late, err := e.release.Release(ctx, release.Input{OrderId: "expired"})
	require.NoError(t, err)
	assert.Equal(t, 0, late.Released)
}

func testSweepLeavesActiveHolds(t *testing.T, newBackend backendFactory) {
	ctx := context.Background()
	e := newEngine(t, newBackend, stock.NewRecord("P1", 10, time.Now()))

	_, err := e.reserve.Reserve(ctx, reserve.Input{Items: []reserve.Item{{ProductId: "P1", Quantity: 2}}, OrderId: "short", TTL: time.Minute})
	require.NoError(t, err)
	_, err = e.reserve.Reserve(ctx, reserve.Input{Items: []reserve.Item{{ProductId: "P1", Quantity: 3}}, OrderId: "long", TTL: time.Hour})
	require.NoError(t, err)

	e.clock.Advance(5 * time.Minute)
	output := e.sweeper.Sweep(ctx)
	assert.Equal(t, 1, output.Swept)

	record := e.record(t, "P1")
	assert.Equal(t, int32(7), record.OnHand)
	assert.Equal(t, int32(3), record.Reserved)
}

func testConcurrentReservationsNeverOvercommit(t *testing.T, newBackend backendFactory) {
	ctx := context.Background()
	e := newEngine(t, newBackend, stock.NewRecord("P1", 10, time.Now()))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.reserve.Reserve(ctx, reserve.Input{
				Items:   []reserve.Item{{ProductId: "P1", Quantity: 7}},
				OrderId: fmt.Sprintf("O%d", i),
			})
		}(i)
	}
	wg.Wait()

	successes, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, insufficient)

	record := e.record(t, "P1")
	assert.Equal(t, int32(3), record.OnHand)
	assert.Equal(t, int32(7), record.Reserved)
}

func testInvariantsHoldUnderMixedLoad(t *testing.T, newBackend backendFactory) {
	ctx := context.Background()
	e := newEngine(t, newBackend, stock.NewRecord("P1", 20, time.Now()), stock.NewRecord("P2", 15, time.Now()))
	totals := map[string]int32{"P1": 20, "P2": 15}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orderId := fmt.Sprintf("O%d", i)
			_, _ = e.reserve.Reserve(ctx, reserve.Input{
				Items:   []reserve.Item{{ProductId: "P1", Quantity: int32(i%4 + 1)}, {ProductId: "P2", Quantity: int32(i%3 + 1)}},
				OrderId: orderId,
				TTL:     time.Duration(i%2+1) * time.Minute,
			})
			if i%3 == 0 {
				_, _ = e.release.Release(ctx, release.Input{OrderId: orderId})
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			e.sweeper.Sweep(ctx)
		}
	}()
	wg.Wait()
	e.assertInvariants(t, totals)

	e.clock.Advance(time.Hour)
	e.sweeper.Sweep(ctx)
	e.assertInvariants(t, totals)
	for productId, total := range totals {
		record := e.record(t, productId)
		assert.Equal(t, total, record.OnHand, "every hold of %s should be back on hand", productId)
		assert.Equal(t, int32(0), record.Reserved)
	}
}
