package main

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"stock-ledger/internal/api"
	"stock-ledger/internal/app"
	"stock-ledger/internal/config"
	"stock-ledger/internal/kafka"
	"stock-ledger/internal/service"
)

// The reader serves availability from the Redis snapshot cache, kept fresh by
// the state topic, and falls back to the store on a miss.
func main() {
	cfg := config.LoadConfig()
	app.SetupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().Msg("Starting Stock Reader Service...")

	ctx, stop := app.SignalContext()
	defer stop()

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open stores")
	}
	defer stores.Close()

	cache, err := app.NewCache(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect cache")
	}
	defer cache.Close()

	ledger, err := service.NewLedger(stores.Stock, stores.Movements, service.SystemClock{}, service.LedgerConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create ledger")
	}

	monitor, err := service.NewLowStockMonitor(ledger, nil, service.SystemClock{}, service.MonitorConfig{
		DefaultThreshold: cfg.LowStockDefaultThreshold,
		PageSize:         cfg.LowStockPageSize,
		Interval:         cfg.LowStockInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create low-stock monitor")
	}

	reader := service.NewStockReader(cache, ledger)
	handler := api.NewReaderHandler(reader, monitor, cfg.ServiceName+"-reader")
	server := app.NewServer(cfg, handler.SetupReaderRoutes())

	deregister := app.Register(cfg, cfg.ServiceName+"-reader")
	defer deregister()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.ServeUntilDone(gctx, server) })

	if cfg.EventSink == config.SinkKafka {
		consumer := kafka.NewStateConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, cfg.KafkaStateTopic)
		defer consumer.Close()
		g.Go(func() error { return consumer.Consume(gctx, reader) })
	} else {
		log.Warn().Str("sink", cfg.EventSink).Msg("No state stream to consume, cache entries refresh on expiry")
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Stock Reader Service stopped with error")
		return
	}
	log.Info().Msg("Stock Reader Service stopped")
}
