package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"stock-ledger/internal/app"
	"stock-ledger/internal/config"
	"stock-ledger/internal/service"
)

// The relay publishes the Postgres movement log. Any number of replicas may
// run; the advisory lock lets one publish at a time.
func main() {
	cfg := config.LoadConfig()
	app.SetupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.StoreBackend != config.BackendPostgres {
		log.Fatal().Str("store", cfg.StoreBackend).Msg("The relay requires STORE_BACKEND=postgres")
	}

	log.Info().Str("sink", cfg.EventSink).Msg("Starting Movement Relay...")

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

	ledger, err := service.NewLedger(stores.Stock, stores.Movements, service.SystemClock{}, service.LedgerConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create ledger")
	}

	relay, err := app.NewRelay(cfg, stores, ledger, publisher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create relay")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy", "service": cfg.ServiceName + "-relay"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	server := app.NewServer(cfg, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.ServeUntilDone(gctx, server) })
	g.Go(func() error { return relay.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Movement Relay stopped with error")
		return
	}
	log.Info().Msg("Movement Relay stopped")
}
