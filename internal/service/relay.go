package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/metrics"
	"stock-ledger/internal/models"
)

// RelayConfig holds outbox relay settings
type RelayConfig struct {
	LockKey      int64
	BatchSize    int
	PollInterval time.Duration
	SinkName     string
}

// Validate validates the relay configuration
func (c RelayConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	return nil
}

// Relay publishes committed movements to the event sink in sequence order,
// followed by a state snapshot of each product touched. Only the holder of the
// relay lock publishes, so a movement is never relayed by two processes at once.
type Relay struct {
	outbox    interfaces.MovementOutbox
	ledger    StockGetter
	publisher interfaces.MessagePublisher
	config    RelayConfig
}

// NewRelay creates a new outbox relay
func NewRelay(outbox interfaces.MovementOutbox, ledger StockGetter, publisher interfaces.MessagePublisher, config RelayConfig) (*Relay, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay configuration: %w", err)
	}
	if config.SinkName == "" {
		config.SinkName = "unknown"
	}
	return &Relay{outbox: outbox, ledger: ledger, publisher: publisher, config: config}, nil
}

// Run polls the outbox until ctx is done
func (r *Relay) Run(ctx context.Context) error {
	log.Info().
		Int64("lock_key", r.config.LockKey).
		Int("batch_size", r.config.BatchSize).
		Dur("poll_interval", r.config.PollInterval).
		Str("sink", r.config.SinkName).
		Msg("Starting movement relay")

	RunEvery(ctx, r.config.PollInterval, "movement relay", func(ctx context.Context) error {
		_, err := r.RelayOnce(ctx)
		return err
	})
	return nil
}

// RelayOnce publishes one batch and returns the number of movements marked
// published. A failed publish stops the batch so later movements of the same
// product are never delivered ahead of it.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	acquired, err := r.outbox.TryAcquireRelayLock(ctx, r.config.LockKey)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire relay lock: %w", err)
	}
	if !acquired {
		log.Debug().Msg("Relay lock held by another process, skipping batch")
		return 0, nil
	}
	defer func() {
		if err := r.outbox.ReleaseRelayLock(context.WithoutCancel(ctx), r.config.LockKey); err != nil {
			log.Error().Err(err).Msg("Failed to release relay lock")
		}
	}()

	movements, err := r.outbox.FetchUnpublished(ctx, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch unpublished movements: %w", err)
	}
	if len(movements) == 0 {
		return 0, nil
	}

	published := make([]int64, 0, len(movements))
	touched := make(map[string]bool)
	for i := range movements {
		movement := &movements[i]
		if err := r.publisher.PublishMovement(ctx, movement); err != nil {
			log.Error().Err(err).
				Int64("sequence_id", movement.SequenceID).
				Str("product_id", movement.ProductID).
				Msg("Failed to publish movement")
			if recErr := r.outbox.RecordPublishFailure(ctx, movement.SequenceID, err.Error()); recErr != nil {
				log.Error().Err(recErr).Int64("sequence_id", movement.SequenceID).Msg("Failed to record publish failure")
			}
			break
		}
		published = append(published, movement.SequenceID)
		touched[movement.ProductID] = true
	}

	for productID := range touched {
		r.publishState(ctx, productID)
	}

	if err := r.outbox.MarkPublished(ctx, published); err != nil {
		return 0, fmt.Errorf("failed to mark movements published: %w", err)
	}
	metrics.RelayPublished(r.config.SinkName, len(published))

	if len(published) > 0 {
		log.Info().
			Int("published_count", len(published)).
			Int("total_count", len(movements)).
			Msg("Movement batch relayed")
	}
	return len(published), nil
}

func (r *Relay) publishState(ctx context.Context, productID string) {
	rec, err := r.ledger.Get(ctx, productID)
	if err != nil {
		if !models.IsNotFoundError(err) {
			log.Warn().Err(err).Str("product_id", productID).Msg("Failed to read stock for state snapshot")
		}
		return
	}
	if err := r.publisher.PublishState(ctx, models.NewStockState(rec)); err != nil {
		log.Warn().Err(err).Str("product_id", productID).Msg("Failed to publish stock state")
	}
}

// RunEvery calls fn once per interval until ctx is done. Errors are logged and
// the loop keeps going.
func RunEvery(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Str("task", name).Dur("interval", interval).Msg("Starting periodic task")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("task", name).Msg("Stopping periodic task")
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Error().Err(err).Str("task", name).Msg("Periodic task failed")
			}
		}
	}
}
