package interfaces

import (
	"context"

	"stock-ledger/internal/models"
)

// MessagePublisher defines the contract for publishing ledger events
type MessagePublisher interface {
	PublishMovement(ctx context.Context, movement *models.MovementRecord) error
	PublishState(ctx context.Context, state *models.StockState) error
	PublishLowStock(ctx context.Context, alert *models.LowStockAlert) error
	Close() error
}

// StateHandler consumes stock state snapshots
type StateHandler interface {
	HandleState(ctx context.Context, state *models.StockState) error
}
