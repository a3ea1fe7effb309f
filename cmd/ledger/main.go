package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"stock-ledger/internal/api"
	"stock-ledger/internal/app"
	"stock-ledger/internal/config"
	"stock-ledger/internal/service"
)

func main() {
	cfg := config.LoadConfig()
	app.SetupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("environment", cfg.Environment).
		Str("store", cfg.StoreBackend).
		Str("idempotency", cfg.IdempotencyBackend).
		Str("sink", cfg.EventSink).
		Msg("Starting Stock Ledger Service...")

	ctx, stop := app.SignalContext()
	defer stop()

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open stores")
	}
	defer stores.Close()

	publisher, err := app.NewPublisher(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create event publisher")
	}
	defer publisher.Close()

	services, err := app.NewServices(cfg, stores, publisher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create services")
	}

	handler := api.NewLedgerHandler(services.Ledger, services.Reservations, services.Supply, services.Monitor, cfg.ServiceName)
	server := app.NewServer(cfg, handler.SetupRoutes())

	deregister := app.Register(cfg, cfg.ServiceName)
	defer deregister()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.ServeUntilDone(gctx, server) })
	g.Go(func() error {
		service.RunEvery(gctx, cfg.RepairInterval, "pending reservation repair", func(ctx context.Context) error {
			_, err := services.Reservations.RepairStale(ctx, cfg.PendingRepairAfter)
			return err
		})
		return nil
	})
	g.Go(func() error {
		service.RunEvery(gctx, cfg.IdempotencySweepInterval, "idempotency sweep", func(ctx context.Context) error {
			_, err := services.Idempotency.Sweep(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error { return services.Monitor.Run(gctx) })

	// The memory outbox lives in this process, so nothing else can relay it.
	if cfg.StoreBackend == config.BackendMemory {
		relay, err := app.NewRelay(cfg, stores, services.Ledger, publisher)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create relay")
		}
		g.Go(func() error { return relay.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Stock Ledger Service stopped with error")
		return
	}
	log.Info().Msg("Stock Ledger Service stopped")
}
