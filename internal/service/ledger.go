package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/metrics"
	"stock-ledger/internal/models"
)

// SystemClock is the wall clock in UTC
type SystemClock struct{}

// Now returns the current UTC time
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// LedgerConfig holds the optimistic concurrency retry policy
type LedgerConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Validate validates the ledger configuration
func (c LedgerConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %v", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max delay %v is below base delay %v", c.MaxDelay, c.BaseDelay)
	}
	return nil
}

// Mutation builds the delta to apply from the latest committed record. A nil
// delta means there is nothing to change.
type Mutation func(current *models.StockRecord) (*models.Delta, error)

// Ledger is the per-product quantity ledger. All writes go through a single
// version-checked compare-and-swap on the store.
type Ledger struct {
	store     interfaces.StockStore
	movements interfaces.MovementLog
	clock     interfaces.Clock
	config    LedgerConfig
}

// NewLedger creates a new ledger with dependency injection and validation
func NewLedger(store interfaces.StockStore, movements interfaces.MovementLog, clock interfaces.Clock, config LedgerConfig) (*Ledger, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ledger configuration: %w", err)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{store: store, movements: movements, clock: clock, config: config}, nil
}

// Get returns the stored record of a product
func (l *Ledger) Get(ctx context.Context, productID string) (*models.StockRecord, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, models.NewValidationError("product_id", "product id is required", productID)
	}
	return l.store.GetStock(ctx, productID)
}

// ApplyDelta checks the invariant against the stored record, applies the delta
// if the stored version equals delta.ExpectedVersion and appends one movement.
// An ExpectedVersion of 0 creates the record.
func (l *Ledger) ApplyDelta(ctx context.Context, delta models.Delta) (*models.StockRecord, error) {
	if strings.TrimSpace(delta.ProductID) == "" {
		return nil, models.NewValidationError("product_id", "product id is required", delta.ProductID)
	}
	if !delta.Consistent() {
		return nil, models.NewValidationError("kind",
			fmt.Sprintf("deltas (total %d, reserved %d) do not match movement kind %s", delta.TotalDelta, delta.ReservedDelta, delta.Kind),
			delta.Kind)
	}

	current, err := l.current(ctx, delta.ProductID)
	if err != nil {
		return nil, err
	}
	if current.Version != delta.ExpectedVersion {
		return nil, &models.VersionConflictError{ProductID: delta.ProductID, Expected: delta.ExpectedVersion, Actual: current.Version}
	}
	if err := checkInvariant(current, delta); err != nil {
		return nil, err
	}

	next := &models.StockRecord{
		ProductID:        delta.ProductID,
		TotalQuantity:    current.TotalQuantity + delta.TotalDelta,
		ReservedQuantity: current.ReservedQuantity + delta.ReservedDelta,
	}
	movement := &models.MovementRecord{
		ProductID:   delta.ProductID,
		Delta:       delta.Signed(),
		Kind:        delta.Kind,
		ReferenceID: delta.ReferenceID,
		OperationID: delta.OperationID,
		Metadata:    delta.Metadata,
		Timestamp:   l.clock.Now(),
	}

	rec, err := l.store.CompareAndSwapStock(ctx, next, delta.ExpectedVersion, movement)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("product_id", rec.ProductID).
		Str("kind", string(delta.Kind)).
		Int64("delta", movement.Delta).
		Str("reference_id", delta.ReferenceID).
		Int64("version", rec.Version).
		Int64("sequence_id", movement.SequenceID).
		Msg("Stock movement applied")

	return rec, nil
}

// Update re-reads the record, builds a delta with mutate and applies it,
// retrying with exponential backoff while the compare-and-swap loses to a
// concurrent writer. It gives up with VersionConflictExhaustedError.
func (l *Ledger) Update(ctx context.Context, productID string, mutate Mutation) (*models.StockRecord, error) {
	for attempt := 0; attempt < l.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := l.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		current, err := l.current(ctx, productID)
		if err != nil {
			return nil, err
		}
		delta, err := mutate(current)
		if err != nil {
			return nil, err
		}
		if delta == nil {
			return current, nil
		}
		delta.ProductID = productID
		delta.ExpectedVersion = current.Version

		rec, err := l.ApplyDelta(ctx, *delta)
		if err == nil {
			return rec, nil
		}
		if !models.IsVersionConflict(err) {
			return nil, err
		}

		metrics.VersionConflict()
		log.Debug().
			Str("product_id", productID).
			Int("attempt", attempt+1).
			Int("max_attempts", l.config.MaxAttempts).
			Msg("Version conflict, retrying with backoff")
	}

	log.Warn().Str("product_id", productID).Int("attempts", l.config.MaxAttempts).Msg("Version conflict retries exhausted")
	return nil, &models.VersionConflictExhaustedError{ProductID: productID, Attempts: l.config.MaxAttempts}
}

func (l *Ledger) backoff(ctx context.Context, attempt int) error {
	delay := l.config.BaseDelay << (attempt - 1)
	if delay <= 0 || delay > l.config.MaxDelay {
		delay = l.config.MaxDelay
	}
	select {
	case <-ctx.Done():
		return models.NewStorageError("ledger", "retry interrupted", ctx.Err())
	case <-time.After(delay):
		return nil
	}
}

// current returns the stored record, or an empty version-0 record for a
// product that does not exist yet.
func (l *Ledger) current(ctx context.Context, productID string) (*models.StockRecord, error) {
	rec, err := l.store.GetStock(ctx, productID)
	if models.IsNotFoundError(err) {
		return &models.StockRecord{ProductID: productID}, nil
	}
	return rec, err
}

// FindOperation returns the movement recorded under operationID, or nil
func (l *Ledger) FindOperation(ctx context.Context, operationID string) (*models.MovementRecord, error) {
	return l.store.FindOperation(ctx, operationID)
}

// ListBelowThreshold returns every record with available < threshold, ordered by product id
func (l *Ledger) ListBelowThreshold(ctx context.Context, threshold int64) ([]models.StockRecord, error) {
	return l.BelowThresholdPage(ctx, threshold, "", 0)
}

// BelowThresholdPage returns at most limit records after afterProductID
func (l *Ledger) BelowThresholdPage(ctx context.Context, threshold int64, afterProductID string, limit int) ([]models.StockRecord, error) {
	if threshold < 0 {
		return nil, models.NewValidationError("threshold", "threshold must not be negative", threshold)
	}
	return l.store.ListBelowThreshold(ctx, threshold, afterProductID, limit)
}

// Movements reads the movement log
func (l *Ledger) Movements(ctx context.Context, filter models.MovementFilter) ([]models.MovementRecord, error) {
	if filter.Limit < 0 || filter.AfterSequence < 0 {
		return nil, models.NewValidationError("limit", "limit and after must not be negative", filter.Limit)
	}
	return l.movements.ListMovements(ctx, filter)
}

// Remove deletes a product that holds no reservations. The remaining total is
// first written off with a BulkAdjust movement so the log still replays to
// zero if the product is created again later.
func (l *Ledger) Remove(ctx context.Context, productID string, expectedVersion int64) error {
	started := time.Now()
	var err error
	defer func() { metrics.ObserveOperation("remove", started, err) }()

	var rec *models.StockRecord
	rec, err = l.Update(ctx, productID, func(current *models.StockRecord) (*models.Delta, error) {
		if !current.Exists() {
			return nil, models.NewNotFoundError("Stock", productID)
		}
		if current.ReservedQuantity > 0 {
			return nil, models.NewBusinessError(models.ErrorCodeStockHeld,
				fmt.Sprintf("product '%s' still has %d reserved", productID, current.ReservedQuantity), nil)
		}
		if current.Version != expectedVersion {
			return nil, &models.VersionConflictError{ProductID: productID, Expected: expectedVersion, Actual: current.Version}
		}
		if current.TotalQuantity == 0 {
			return nil, nil
		}
		return &models.Delta{
			Kind:        models.MovementKindBulkAdjust,
			TotalDelta:  -current.TotalQuantity,
			ReferenceID: "remove",
			Metadata:    models.Metadata{"source": "remove"},
		}, nil
	})
	if err != nil {
		return err
	}

	if err = l.store.DeleteStock(ctx, productID, rec.Version); err != nil {
		return err
	}
	log.Info().Str("product_id", productID).Int64("version", rec.Version).Msg("Product removed from ledger")
	return nil
}

// Verify rebuilds a product's quantities from its movement log and compares
// them with the stored record.
func (l *Ledger) Verify(ctx context.Context, productID string) (*models.ReplayReport, error) {
	rec, err := l.Get(ctx, productID)
	if err != nil {
		return nil, err
	}

	var state Checkpoint
	count := 0
	for {
		page, err := l.movements.ListMovements(ctx, models.MovementFilter{
			ProductID:     productID,
			AfterSequence: state.Sequence,
			Limit:         verifyPageSize,
		})
		if err != nil {
			return nil, err
		}
		state = Replay(state, page)
		count += len(page)
		if len(page) < verifyPageSize {
			break
		}
	}

	report := &models.ReplayReport{
		ProductID:        productID,
		StoredTotal:      rec.TotalQuantity,
		StoredReserved:   rec.ReservedQuantity,
		ReplayedTotal:    state.TotalQuantity,
		ReplayedReserved: state.ReservedQuantity,
		Movements:        count,
		LastSequence:     state.Sequence,
	}
	report.Consistent = report.StoredTotal == report.ReplayedTotal && report.StoredReserved == report.ReplayedReserved
	if !report.Consistent {
		log.Error().
			Str("product_id", productID).
			Int64("stored_total", report.StoredTotal).
			Int64("replayed_total", report.ReplayedTotal).
			Int64("stored_reserved", report.StoredReserved).
			Int64("replayed_reserved", report.ReplayedReserved).
			Msg("Stock record drifted from its movement log")
	}
	return report, nil
}

const verifyPageSize = 500

// checkInvariant enforces 0 <= reserved <= total on the post-delta state.
func checkInvariant(current *models.StockRecord, delta models.Delta) error {
	total := current.TotalQuantity + delta.TotalDelta
	reserved := current.ReservedQuantity + delta.ReservedDelta

	switch {
	case total < 0:
		return models.NewInvalidQuantityError(
			fmt.Sprintf("total quantity of '%s' would become %d", delta.ProductID, total), total)
	case reserved < 0:
		return models.NewInvalidQuantityError(
			fmt.Sprintf("release of %d exceeds reserved %d for '%s'", -delta.ReservedDelta, current.ReservedQuantity, delta.ProductID),
			delta.ReservedDelta)
	case reserved > total && delta.ReservedDelta > 0:
		return &models.InsufficientStockError{
			ProductID: delta.ProductID,
			Requested: delta.ReservedDelta,
			Available: current.Available(),
		}
	case reserved > total:
		return newBelowReservedError(delta.ProductID, total, reserved)
	}
	return nil
}

func newBelowReservedError(productID string, total, reserved int64) error {
	return models.NewBusinessError(models.ErrorCodeInvalidQuantity,
		fmt.Sprintf("total %d for '%s' is below reserved %d", total, productID, reserved),
		map[string]any{"reason": models.RejectReasonBelowReserved, "reserved": reserved})
}

func isBelowReserved(err error) bool {
	var be *models.BusinessError
	if !errors.As(err, &be) {
		return false
	}
	details, ok := be.Details.(map[string]any)
	return ok && details["reason"] == models.RejectReasonBelowReserved
}
