package interfaces

import (
	"context"
	"iter"
	"time"

	"stock-ledger/internal/models"
)

// Clock supplies timestamps and idempotency expiry
type Clock interface {
	Now() time.Time
}

// StockLedger is the per-product quantity ledger
type StockLedger interface {
	Get(ctx context.Context, productID string) (*models.StockRecord, error)
	ApplyDelta(ctx context.Context, delta models.Delta) (*models.StockRecord, error)
	ListBelowThreshold(ctx context.Context, threshold int64) ([]models.StockRecord, error)
	Movements(ctx context.Context, filter models.MovementFilter) ([]models.MovementRecord, error)
	Verify(ctx context.Context, productID string) (*models.ReplayReport, error)
	Remove(ctx context.Context, productID string, expectedVersion int64) error
}

// ReservationService orchestrates multi-product holds
type ReservationService interface {
	Reserve(ctx context.Context, orderID, idempotencyKey string, lines []models.ReservationLine) (*models.Reservation, error)
	Release(ctx context.Context, orderID string) (*models.Reservation, error)
	Commit(ctx context.Context, orderID string) (*models.Reservation, error)
	Get(ctx context.Context, orderID string) (*models.Reservation, error)
}

// SupplyService applies restocks and corrections
type SupplyService interface {
	Restock(ctx context.Context, productID string, quantity int64, supplier, idempotencyKey string) (*models.StockRecord, error)
	BulkAdjust(ctx context.Context, items []models.BulkItem, idempotencyKey string) (*models.BulkResult, error)
	SetTotal(ctx context.Context, productID string, total int64, idempotencyKey string) (*models.StockRecord, error)
	Provision(ctx context.Context, productID string, total int64, idempotencyKey string) (*models.StockRecord, error)
}

// LowStockScanner is the read-only low-stock scan
type LowStockScanner interface {
	Scan(ctx context.Context, threshold int64) iter.Seq2[models.StockRecord, error]
	ScanFrom(ctx context.Context, threshold int64, afterProductID string) iter.Seq2[models.StockRecord, error]
}

// StockReader serves cached availability
type StockReader interface {
	GetAvailability(ctx context.Context, productID string) (*models.StockResponse, error)
}
