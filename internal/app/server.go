package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"stock-ledger/internal/config"
	"stock-ledger/internal/discovery"
)

const shutdownTimeout = 30 * time.Second

// NewServer creates the HTTP server for a router
func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ServeUntilDone serves until ctx is done and then shuts the server down
// gracefully.
func ServeUntilDone(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}
	return nil
}

// SignalContext is cancelled on SIGINT or SIGTERM
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Register registers the instance with Consul when CONSUL_ADDR is set. The
// returned func deregisters it.
func Register(cfg *config.Config, name string) func() {
	if cfg.ConsulAddr == "" {
		return func() {}
	}

	client, err := discovery.NewConsulClient(cfg.ConsulAddr)
	if err != nil {
		log.Warn().Err(err).Msg("Consul unavailable, skipping registration")
		return func() {}
	}

	port, err := strconv.Atoi(cfg.ServerPort)
	if err != nil {
		log.Warn().Err(err).Str("port", cfg.ServerPort).Msg("Invalid server port, skipping registration")
		return func() {}
	}

	id := name + "-" + cfg.InstanceID
	if err := client.Register(discovery.ServiceConfig{
		Name:    name,
		ID:      id,
		Address: cfg.ServerAddr,
		Port:    port,
		Tags:    []string{cfg.Environment},
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to register with Consul")
		return func() {}
	}

	return func() {
		if err := client.Deregister(id); err != nil {
			log.Warn().Err(err).Msg("Failed to deregister from Consul")
		}
	}
}
