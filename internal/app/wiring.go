// Package app wires configuration, stores and services for the ledger
// binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"stock-ledger/internal/config"
	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/kafka"
	"stock-ledger/internal/rabbitmq"
	redisStore "stock-ledger/internal/redis"
	"stock-ledger/internal/repository"
	"stock-ledger/internal/service"
)

// SetupLogging configures structured logging
func SetupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsProduction() {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", cfg.ServiceName).Str("instance", cfg.InstanceID).Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// Stores holds the persistence behind the services
type Stores struct {
	Stock        interfaces.StockStore
	Movements    interfaces.MovementLog
	Outbox       interfaces.MovementOutbox
	Reservations interfaces.ReservationStore
	Idempotency  interfaces.IdempotencyStore

	closers []func() error
}

// Close releases every connection opened by OpenStores
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// OpenStores builds the configured store backends
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	stores := &Stores{}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		mem := repository.NewMemoryStore()
		stores.Stock, stores.Movements, stores.Outbox, stores.Reservations = mem, mem, mem, mem
		if cfg.IdempotencyBackend == config.BackendMemory {
			stores.Idempotency = mem
		}
		log.Warn().Msg("Using in-memory store, state is lost on restart")

	case config.BackendPostgres:
		db, err := initializeDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		stores.closers = append(stores.closers, db.Close)

		stockRepo := repository.NewStockRepository(db)
		stores.Stock, stores.Movements = stockRepo, stockRepo
		stores.Outbox = repository.NewOutboxRepository(db)
		stores.Reservations = repository.NewReservationRepository(db)
		if cfg.IdempotencyBackend == config.BackendPostgres {
			stores.Idempotency = repository.NewIdempotencyRepository(db)
		}
	}

	if cfg.IdempotencyBackend == config.BackendRedis {
		client, err := initializeRedis(ctx, cfg)
		if err != nil {
			_ = stores.Close()
			return nil, err
		}
		stores.closers = append(stores.closers, client.Close)
		stores.Idempotency = redisStore.NewIdempotencyStore(client, cfg.RedisKeyPrefix)
	}

	if stores.Idempotency == nil {
		_ = stores.Close()
		return nil, fmt.Errorf("idempotency backend %q is not available with store backend %q", cfg.IdempotencyBackend, cfg.StoreBackend)
	}
	return stores, nil
}

// initializeDatabase sets up, tests and migrates the database connection
func initializeDatabase(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Int("max_conns", cfg.DatabaseMaxConns).Msg("Database connection established")
	return db, nil
}

// initializeRedis connects to Redis with cluster support
func initializeRedis(ctx context.Context, cfg *config.Config) (goredis.UniversalClient, error) {
	client := redisStore.NewUniversalClient(redisStore.Options{
		Addrs:       cfg.RedisAddrs,
		Password:    cfg.RedisPassword,
		ClusterMode: cfg.RedisClusterMode,
		PoolSize:    cfg.RedisPoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Strs("addrs", cfg.RedisAddrs).Bool("cluster", cfg.RedisClusterMode).Msg("Redis connection established")
	return client, nil
}

// NewCache connects the reader's snapshot cache
func NewCache(ctx context.Context, cfg *config.Config) (*redisStore.CacheClient, error) {
	client, err := initializeRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return redisStore.NewCacheClient(client, cfg.RedisTTL, cfg.RedisKeyPrefix), nil
}

// NewPublisher creates the configured event sink
func NewPublisher(cfg *config.Config) (interfaces.MessagePublisher, error) {
	switch cfg.EventSink {
	case config.SinkKafka:
		log.Info().Strs("kafka_brokers", cfg.KafkaBrokers).Msg("Initializing Kafka publisher")
		return kafka.NewPublisher(cfg.KafkaBrokers, kafka.Topics{
			Movements: cfg.KafkaMovementsTopic,
			State:     cfg.KafkaStateTopic,
			Alerts:    cfg.KafkaAlertsTopic,
		}), nil
	case config.SinkRabbitMQ:
		return rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQExchange)
	default:
		log.Warn().Msg("No event sink configured, events are only logged")
		return service.LogPublisher{}, nil
	}
}

// Services holds the ledger's domain services
type Services struct {
	Ledger       *service.Ledger
	Idempotency  *service.Idempotency
	Reservations *service.ReservationManager
	Supply       *service.RestockProcessor
	Monitor      *service.LowStockMonitor
}

// NewServices builds the domain services from configuration
func NewServices(cfg *config.Config, stores *Stores, publisher interfaces.MessagePublisher) (*Services, error) {
	clock := service.SystemClock{}

	ledger, err := service.NewLedger(stores.Stock, stores.Movements, clock, service.LedgerConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	})
	if err != nil {
		return nil, err
	}

	idem, err := service.NewIdempotency(stores.Idempotency, clock, cfg.IdempotencyRetention)
	if err != nil {
		return nil, err
	}

	reservations, err := service.NewReservationManager(ledger, stores.Reservations, idem, clock, service.ReservationConfig{
		OperationTimeout:    cfg.OperationTimeout,
		CompensationTimeout: cfg.CompensationTimeout,
		RepairBatchSize:     cfg.RepairBatchSize,
	})
	if err != nil {
		return nil, err
	}

	supply, err := service.NewRestockProcessor(ledger, idem, service.SupplyConfig{
		MaxBulkItems:    cfg.MaxBulkItems,
		BulkConcurrency: cfg.BulkConcurrency,
	})
	if err != nil {
		return nil, err
	}

	monitor, err := service.NewLowStockMonitor(ledger, publisher, clock, service.MonitorConfig{
		DefaultThreshold: cfg.LowStockDefaultThreshold,
		PageSize:         cfg.LowStockPageSize,
		Interval:         cfg.LowStockInterval,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("retry_max_attempts", cfg.RetryMaxAttempts).
		Dur("operation_timeout", cfg.OperationTimeout).
		Dur("idempotency_retention", cfg.IdempotencyRetention).
		Int64("low_stock_threshold", cfg.LowStockDefaultThreshold).
		Msg("Service configuration loaded")

	return &Services{
		Ledger:       ledger,
		Idempotency:  idem,
		Reservations: reservations,
		Supply:       supply,
		Monitor:      monitor,
	}, nil
}

// NewRelay builds the outbox relay
func NewRelay(cfg *config.Config, stores *Stores, ledger service.StockGetter, publisher interfaces.MessagePublisher) (*service.Relay, error) {
	return service.NewRelay(stores.Outbox, ledger, publisher, service.RelayConfig{
		LockKey:      cfg.OutboxLockKey,
		BatchSize:    cfg.OutboxBatchSize,
		PollInterval: cfg.OutboxPollInterval,
		SinkName:     cfg.EventSink,
	})
}
