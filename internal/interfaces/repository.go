package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"

	"stock-ledger/internal/models"
)

// StockStore is the durable record store behind the ledger. It exposes only
// get, compare-and-set and append semantics.
type StockStore interface {
	// GetStock returns a NotFoundError when the product has no record.
	GetStock(ctx context.Context, productID string) (*models.StockRecord, error)

	// CompareAndSwapStock writes next if the stored version equals
	// expectedVersion (0 creates the record) and appends movement in the same
	// atomic step. It returns a VersionConflictError on mismatch and
	// models.ErrDuplicateOperation when movement.OperationID was seen before.
	CompareAndSwapStock(ctx context.Context, next *models.StockRecord, expectedVersion int64, movement *models.MovementRecord) (*models.StockRecord, error)

	// DeleteStock removes a record with no reserved quantity.
	DeleteStock(ctx context.Context, productID string, expectedVersion int64) error

	// ListStock pages through records ordered by product id.
	ListStock(ctx context.Context, afterProductID string, limit int) ([]models.StockRecord, error)

	// ListBelowThreshold returns records with available < threshold ordered by product id.
	ListBelowThreshold(ctx context.Context, threshold int64, afterProductID string, limit int) ([]models.StockRecord, error)

	// FindOperation returns the movement recorded under operationID, or nil
	// when no such movement exists.
	FindOperation(ctx context.Context, operationID string) (*models.MovementRecord, error)
}

// MovementLog is the read side of the append-only movement log
type MovementLog interface {
	ListMovements(ctx context.Context, filter models.MovementFilter) ([]models.MovementRecord, error)
}

// MovementOutbox relays unpublished movements to an event sink
type MovementOutbox interface {
	TryAcquireRelayLock(ctx context.Context, lockKey int64) (bool, error)
	ReleaseRelayLock(ctx context.Context, lockKey int64) error
	FetchUnpublished(ctx context.Context, limit int) ([]models.MovementRecord, error)
	MarkPublished(ctx context.Context, sequenceIDs []int64) error
	RecordPublishFailure(ctx context.Context, sequenceID int64, lastError string) error
}

// ReservationStore persists reservations
type ReservationStore interface {
	GetReservation(ctx context.Context, orderID string) (*models.Reservation, error)
	// CreateReservation fails with ALREADY_EXISTS when the order id is taken.
	CreateReservation(ctx context.Context, reservation *models.Reservation) error
	// UpdateReservationStatus moves the reservation created by reservationID
	// from -> to. A ConflictError is returned when the stored status is not
	// from or the order now belongs to another reservation id.
	UpdateReservationStatus(ctx context.Context, orderID string, reservationID uuid.UUID, from, to models.ReservationStatus, at time.Time) (*models.Reservation, error)
	// DeleteReservation removes a Pending reservation created by reservationID.
	DeleteReservation(ctx context.Context, orderID string, reservationID uuid.UUID) error
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Reservation, error)
}

// IdempotencyStore maps caller keys to previously produced results
type IdempotencyStore interface {
	// GetIdempotencyEntry returns nil, nil on a miss.
	GetIdempotencyEntry(ctx context.Context, key string) (*models.IdempotencyEntry, error)
	// SaveIdempotencyEntry keeps the first entry stored under a key.
	SaveIdempotencyEntry(ctx context.Context, entry *models.IdempotencyEntry) error
	DeleteExpiredIdempotencyEntries(ctx context.Context, now time.Time) (int64, error)
}

// CacheRepository defines the contract for the stock snapshot cache
type CacheRepository interface {
	GetStock(ctx context.Context, productID string) (*models.StockRecord, error)
	SetStock(ctx context.Context, record *models.StockRecord) error
	DeleteStock(ctx context.Context, productID string) error
	UpdateStockFromState(ctx context.Context, state *models.StockState) error
	Close() error
}
