package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"stock-ledger/internal/models"
)

const stockComponent = "stock-repository"

const stockColumns = `product_id, total_quantity, reserved_quantity, version, updated_at`

const movementColumns = `sequence_id, product_id, delta, kind, reference_id,
	COALESCE(operation_id, '') AS operation_id, metadata, created_at`

// StockRepository handles database operations for stock records and the
// movement log
type StockRepository struct {
	db *sqlx.DB
}

// NewStockRepository creates a new stock repository
func NewStockRepository(db *sqlx.DB) *StockRepository {
	return &StockRepository{db: db}
}

// GetStock retrieves the stock record of a product
func (r *StockRepository) GetStock(ctx context.Context, productID string) (*models.StockRecord, error) {
	var rec models.StockRecord
	query := `SELECT ` + stockColumns + ` FROM stock WHERE product_id = $1`

	err := r.db.GetContext(ctx, &rec, query, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewNotFoundError("Stock", productID)
		}
		log.Error().Err(err).Str("product_id", productID).Msg("Failed to get stock")
		return nil, classify(stockComponent, "get stock", err)
	}

	return &rec, nil
}

// CompareAndSwapStock appends the movement and writes the new record in one
// transaction. The movement insert runs first so that a duplicate operation id
// aborts before the record is touched.
func (r *StockRepository) CompareAndSwapStock(ctx context.Context, next *models.StockRecord, expectedVersion int64, movement *models.MovementRecord) (*models.StockRecord, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(stockComponent, "begin transaction", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Error().Err(err).Msg("Failed to rollback transaction")
		}
	}()

	var sequenceID int64
	insertMovement := `
		INSERT INTO stock_movements (product_id, delta, kind, reference_id, operation_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (operation_id) DO NOTHING
		RETURNING sequence_id
	`
	err = tx.QueryRowxContext(ctx, insertMovement,
		movement.ProductID, movement.Delta, movement.Kind, movement.ReferenceID,
		movement.OperationID, movement.Metadata, movement.Timestamp,
	).Scan(&sequenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrDuplicateOperation
	}
	if err != nil {
		log.Error().Err(err).Str("product_id", movement.ProductID).Str("kind", string(movement.Kind)).Msg("Failed to append movement")
		return nil, classify(stockComponent, "append movement", err)
	}

	var stored models.StockRecord
	if expectedVersion == 0 {
		err = tx.GetContext(ctx, &stored, `
			INSERT INTO stock (product_id, total_quantity, reserved_quantity, version, updated_at)
			VALUES ($1, $2, $3, 1, $4)
			ON CONFLICT (product_id) DO NOTHING
			RETURNING `+stockColumns,
			next.ProductID, next.TotalQuantity, next.ReservedQuantity, movement.Timestamp)
	} else {
		err = tx.GetContext(ctx, &stored, `
			UPDATE stock
			SET total_quantity = $2, reserved_quantity = $3, version = version + 1, updated_at = $4
			WHERE product_id = $1 AND version = $5
			RETURNING `+stockColumns,
			next.ProductID, next.TotalQuantity, next.ReservedQuantity, movement.Timestamp, expectedVersion)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.versionConflict(ctx, tx, next.ProductID, expectedVersion)
	}
	if err != nil {
		log.Error().Err(err).Str("product_id", next.ProductID).Msg("Failed to write stock record")
		return nil, classify(stockComponent, "write stock", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(stockComponent, "commit transaction", err)
	}

	movement.SequenceID = sequenceID
	return &stored, nil
}

func (r *StockRepository) versionConflict(ctx context.Context, tx *sqlx.Tx, productID string, expected int64) error {
	var actual int64
	err := tx.GetContext(ctx, &actual, `SELECT version FROM stock WHERE product_id = $1`, productID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return classify(stockComponent, "read version", err)
	}
	log.Debug().
		Str("product_id", productID).
		Int64("expected_version", expected).
		Int64("actual_version", actual).
		Msg("Optimistic lock failed: stock version mismatch")
	return &models.VersionConflictError{ProductID: productID, Expected: expected, Actual: actual}
}

// DeleteStock removes a product whose reserved quantity is zero
func (r *StockRepository) DeleteStock(ctx context.Context, productID string, expectedVersion int64) error {
	current, err := r.GetStock(ctx, productID)
	if err != nil {
		return err
	}
	if current.ReservedQuantity > 0 {
		return models.NewBusinessError(models.ErrorCodeStockHeld,
			fmt.Sprintf("product '%s' still has %d reserved", productID, current.ReservedQuantity), nil)
	}

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM stock WHERE product_id = $1 AND version = $2 AND reserved_quantity = 0`,
		productID, expectedVersion)
	if err != nil {
		log.Error().Err(err).Str("product_id", productID).Msg("Failed to delete stock")
		return classify(stockComponent, "delete stock", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classify(stockComponent, "get affected rows", err)
	}
	if rowsAffected == 0 {
		latest, err := r.GetStock(ctx, productID)
		if err != nil {
			return err
		}
		if latest.ReservedQuantity > 0 {
			return models.NewBusinessError(models.ErrorCodeStockHeld,
				fmt.Sprintf("product '%s' still has %d reserved", productID, latest.ReservedQuantity), nil)
		}
		return &models.VersionConflictError{ProductID: productID, Expected: expectedVersion, Actual: latest.Version}
	}

	log.Info().Str("product_id", productID).Int64("version", expectedVersion).Msg("Stock record removed")
	return nil
}

// ListStock pages through stock records ordered by product id
func (r *StockRepository) ListStock(ctx context.Context, afterProductID string, limit int) ([]models.StockRecord, error) {
	query := `SELECT ` + stockColumns + ` FROM stock
			  WHERE product_id > $1
			  ORDER BY product_id ASC
			  LIMIT $2`

	records := make([]models.StockRecord, 0)
	if err := r.db.SelectContext(ctx, &records, query, afterProductID, nullableLimit(limit)); err != nil {
		log.Error().Err(err).Str("after", afterProductID).Msg("Failed to list stock")
		return nil, classify(stockComponent, "list stock", err)
	}
	return records, nil
}

// ListBelowThreshold returns records whose available quantity is under threshold
func (r *StockRepository) ListBelowThreshold(ctx context.Context, threshold int64, afterProductID string, limit int) ([]models.StockRecord, error) {
	query := `SELECT ` + stockColumns + ` FROM stock
			  WHERE total_quantity - reserved_quantity < $1 AND product_id > $2
			  ORDER BY product_id ASC
			  LIMIT $3`

	records := make([]models.StockRecord, 0)
	if err := r.db.SelectContext(ctx, &records, query, threshold, afterProductID, nullableLimit(limit)); err != nil {
		log.Error().Err(err).Int64("threshold", threshold).Msg("Failed to list low stock")
		return nil, classify(stockComponent, "list low stock", err)
	}
	return records, nil
}

// FindOperation returns the movement recorded under an operation id, or nil
func (r *StockRepository) FindOperation(ctx context.Context, operationID string) (*models.MovementRecord, error) {
	var movement models.MovementRecord
	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE operation_id = $1`

	err := r.db.GetContext(ctx, &movement, query, operationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		log.Error().Err(err).Str("operation_id", operationID).Msg("Failed to find operation")
		return nil, classify(stockComponent, "find operation", err)
	}
	return &movement, nil
}

// ListMovements reads the movement log in sequence order
func (r *StockRepository) ListMovements(ctx context.Context, filter models.MovementFilter) ([]models.MovementRecord, error) {
	query := `SELECT ` + movementColumns + ` FROM stock_movements
			  WHERE sequence_id > $1
			    AND ($2 = '' OR product_id = $2)
			    AND ($3 = '' OR reference_id = $3)
			  ORDER BY sequence_id ASC
			  LIMIT $4`

	movements := make([]models.MovementRecord, 0)
	err := r.db.SelectContext(ctx, &movements, query,
		filter.AfterSequence, filter.ProductID, filter.ReferenceID, nullableLimit(filter.Limit))
	if err != nil {
		log.Error().Err(err).Str("product_id", filter.ProductID).Msg("Failed to list movements")
		return nil, classify(stockComponent, "list movements", err)
	}
	return movements, nil
}

// nullableLimit maps "no limit" to NULL, which Postgres treats as LIMIT ALL.
func nullableLimit(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}
