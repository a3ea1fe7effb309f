package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/models"
)

// LogPublisher stands in for an event sink when none is configured. Every
// event is logged at debug level and reported as delivered.
type LogPublisher struct{}

func (LogPublisher) PublishMovement(ctx context.Context, movement *models.MovementRecord) error {
	log.Debug().
		Int64("sequence_id", movement.SequenceID).
		Str("product_id", movement.ProductID).
		Str("kind", string(movement.Kind)).
		Int64("delta", movement.Delta).
		Msg("Movement")
	return nil
}

func (LogPublisher) PublishState(ctx context.Context, state *models.StockState) error {
	log.Debug().Str("product_id", state.ProductID).Int64("version", state.Version).Msg("Stock state")
	return nil
}

func (LogPublisher) PublishLowStock(ctx context.Context, alert *models.LowStockAlert) error {
	log.Info().
		Str("product_id", alert.ProductID).
		Int64("available_quantity", alert.AvailableQuantity).
		Int64("threshold", alert.Threshold).
		Msg("Low stock")
	return nil
}

func (LogPublisher) Close() error { return nil }

var _ interfaces.MessagePublisher = LogPublisher{}
