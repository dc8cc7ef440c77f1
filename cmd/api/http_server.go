package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/giovaniif/e-commerce/inventory/domain/reservation"
	"github.com/giovaniif/e-commerce/inventory/domain/stock"
	"github.com/giovaniif/e-commerce/inventory/infra/config"
	"github.com/giovaniif/e-commerce/inventory/infra/gateways"
	"github.com/giovaniif/e-commerce/inventory/infra/logging"
	"github.com/giovaniif/e-commerce/inventory/infra/loki"
	"github.com/giovaniif/e-commerce/inventory/infra/metrics"
	"github.com/giovaniif/e-commerce/inventory/infra/repositories"
	"github.com/giovaniif/e-commerce/inventory/infra/tracing"
	"github.com/giovaniif/e-commerce/inventory/protocols"
	"github.com/giovaniif/e-commerce/inventory/use_cases/check"
	"github.com/giovaniif/e-commerce/inventory/use_cases/release"
	"github.com/giovaniif/e-commerce/inventory/use_cases/reserve"
	"github.com/giovaniif/e-commerce/inventory/use_cases/retry"
	"github.com/giovaniif/e-commerce/inventory/use_cases/sweep"
)

const shutdownTimeout = 15 * time.Second

// backend is what every store driver provides: the ledger, the reservation store and a
// transaction spanning both.
type backend interface {
	protocols.Transactor
	protocols.HealthChecker
	stock.Ledger
	stock.Seeder
	reservation.Store
}

func StartServer() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}

	var logWriters []io.Writer
	if lokiWriter := loki.NewWriter(cfg.LokiURL, map[string]string{"job": "inventory", "service": cfg.Service, "store": cfg.Store.Driver}); lokiWriter != nil {
		defer lokiWriter.Close()
		logWriters = append(logWriters, lokiWriter)
	}
	logger := logging.New(cfg.Service, cfg.LogLevel, logWriters...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	shutdownTracing, err := tracing.Init(ctx, cfg.Service, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
	} else if shutdownTracing != nil {
		defer shutdownTracing(context.Background())
	}

	clock := gateways.NewSystemClock()
	store, closeStore, err := openBackend(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.SeedStock(ctx, cfg.SeedRecords(clock.Now())); err != nil {
		return fmt.Errorf("seed stock: %w", err)
	}

	var (
		idempotencyGateway protocols.IdempotencyGateway = gateways.NewIdempotencyGatewayMemory()
		sweepLock          protocols.RunLock            = gateways.NewRunLockMemory()
		redisHealth        protocols.HealthChecker
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis ping failed, using in-memory idempotency and sweep lock")
		} else {
			idempotencyGateway = gateways.NewIdempotencyGatewayRedis(rdb)
			sweepLock = gateways.NewRunLockRedis(rdb, "inventory:sweep")
			logger.Info().Msg("reservation idempotency and sweep lock: redis")
		}
		redisHealth = gateways.NewRedisHealthChecker(rdb)
	} else {
		logger.Info().Msg("reservation idempotency: in-memory (set REDIS_ADDR for redis)")
	}

	var publisher protocols.EventPublisher = gateways.NewEventPublisherLog()
	if len(cfg.Kafka.Brokers) > 0 {
		writer := gateways.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer writer.Close()
		publisher = gateways.NewEventPublisherKafka(writer)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing inventory events to kafka")
	}

	inventoryMetrics := metrics.NewInventoryMetrics()
	sleeper := gateways.NewSleeper()
	retryPolicy := retry.Policy{MaxAttempts: cfg.Reservation.MaxRetries, BaseDelay: cfg.Reservation.RetryBaseDelay}
	reverser := release.NewReverser(store, sleeper, retryPolicy)

	handlers := &Handlers{
		Check: check.NewCheck(store),
		Reserve: reserve.NewReserve(store, idempotencyGateway, publisher, inventoryMetrics, sleeper, reserve.Options{
			DefaultTTL:  cfg.Reservation.TTL,
			RetryPolicy: retryPolicy,
		}),
		Release:        release.NewRelease(store, reverser, publisher, inventoryMetrics, clock),
		Ledger:         store,
		Store:          store,
		Redis:          redisHealth,
		Service:        cfg.Service,
		StartedAt:      time.Now(),
		RequestTimeout: cfg.Reservation.RequestTimeout,
	}
	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(handlers, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Sweep.Enabled {
		sweeper := sweep.NewSweeper(store, reverser, sweepLock, clock, publisher, inventoryMetrics, sweep.Options{
			Interval:  cfg.Sweep.Interval,
			BatchSize: cfg.Sweep.BatchSize,
		})
		g.Go(func() error {
			return sweeper.Start(gctx)
		})
	}
	g.Go(func() error {
		logger.Info().Int("port", cfg.Port).Str("driver", cfg.Store.Driver).Msg("inventory service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down")
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openBackend(ctx context.Context, cfg config.Config, clock protocols.Clock, logger zerolog.Logger) (backend, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Store.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }
		repo := repositories.NewMongoRepository(client, cfg.Store.MongoDatabase, clock)
		if err := repo.EnsureIndexes(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
		logger.Info().Str("database", cfg.Store.MongoDatabase).Msg("connected to mongodb")
		return repo, closeFn, nil

	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		closeFn := func() { _ = db.Close() }
		repo := repositories.NewPostgresRepository(db, clock)
		if err := repo.Migrate(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
		logger.Info().Msg("connected to postgres")
		return repo, closeFn, nil

	default:
		logger.Warn().Msg("using in-memory store: reservations are lost on restart")
		return repositories.NewMemoryRepository(clock), func() {}, nil
	}
}
