package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/metrics"
	"stock-ledger/internal/models"
)

// SupplyConfig holds restock and bulk adjustment limits
type SupplyConfig struct {
	MaxBulkItems    int
	BulkConcurrency int
}

// Validate validates the supply configuration
func (c SupplyConfig) Validate() error {
	if c.MaxBulkItems < 1 {
		return fmt.Errorf("max bulk items must be positive, got %d", c.MaxBulkItems)
	}
	if c.BulkConcurrency < 1 {
		return fmt.Errorf("bulk concurrency must be positive, got %d", c.BulkConcurrency)
	}
	return nil
}

// RestockProcessor applies supply increases and total corrections. Every item
// is its own atomic ledger update.
type RestockProcessor struct {
	ledger *Ledger
	idem   *Idempotency
	config SupplyConfig
}

// NewRestockProcessor creates a new restock processor
func NewRestockProcessor(ledger *Ledger, idem *Idempotency, config SupplyConfig) (*RestockProcessor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid supply configuration: %w", err)
	}
	return &RestockProcessor{ledger: ledger, idem: idem, config: config}, nil
}

// Restock adds quantity to a product's total, creating the record if needed.
func (p *RestockProcessor) Restock(ctx context.Context, productID string, quantity int64, supplier, idempotencyKey string) (result *models.StockRecord, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation(models.OperationRestock, started, err) }()

	if strings.TrimSpace(productID) == "" {
		return nil, models.NewValidationError("product_id", "product id is required", productID)
	}
	if quantity <= 0 {
		return nil, models.NewInvalidQuantityError(fmt.Sprintf("restock quantity must be positive, got %d", quantity), quantity)
	}

	var cached models.StockRecord
	if hit, err := p.idem.Lookup(ctx, idempotencyKey, models.OperationRestock, &cached); err != nil || hit {
		return orCached(&cached, err)
	}

	metadata := models.Metadata{}
	if supplier != "" {
		metadata["supplier"] = supplier
	}
	rec, err := p.apply(ctx, productID, supplyOperation("restock", idempotencyKey, ""), func(*models.StockRecord) (*models.Delta, error) {
		return &models.Delta{
			Kind:        models.MovementKindRestock,
			TotalDelta:  quantity,
			ReferenceID: referenceOr(idempotencyKey, "restock"),
			Metadata:    metadata,
		}, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("product_id", productID).Int64("quantity", quantity).Msg("Restock failed")
		return nil, err
	}

	log.Info().
		Str("product_id", productID).
		Int64("quantity", quantity).
		Str("supplier", supplier).
		Str("idempotency_key", idempotencyKey).
		Int64("version", rec.Version).
		Msg("Stock restocked")

	p.idem.remember(ctx, idempotencyKey, models.OperationRestock, rec)
	return rec, nil
}

// Provision explicitly creates a product with an initial total.
func (p *RestockProcessor) Provision(ctx context.Context, productID string, total int64, idempotencyKey string) (result *models.StockRecord, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation(models.OperationProvision, started, err) }()

	if strings.TrimSpace(productID) == "" {
		return nil, models.NewValidationError("product_id", "product id is required", productID)
	}
	if total < 0 {
		return nil, models.NewInvalidQuantityError(fmt.Sprintf("initial total must not be negative, got %d", total), total)
	}

	var cached models.StockRecord
	if hit, err := p.idem.Lookup(ctx, idempotencyKey, models.OperationProvision, &cached); err != nil || hit {
		return orCached(&cached, err)
	}

	rec, err := p.apply(ctx, productID, supplyOperation("provision", idempotencyKey, ""), func(current *models.StockRecord) (*models.Delta, error) {
		if current.Exists() {
			return nil, models.NewBusinessError(models.ErrorCodeAlreadyExists,
				fmt.Sprintf("product '%s' already exists", productID),
				map[string]any{"product_id": productID, "version": current.Version})
		}
		return &models.Delta{
			Kind:        models.MovementKindRestock,
			TotalDelta:  total,
			ReferenceID: referenceOr(idempotencyKey, "provision"),
			Metadata:    models.Metadata{"source": models.OperationProvision},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("product_id", productID).Int64("total", total).Msg("Product provisioned")
	p.idem.remember(ctx, idempotencyKey, models.OperationProvision, rec)
	return rec, nil
}

// SetTotal overwrites one product's total, with the same rules as a single
// bulk adjustment item but reporting failures as errors.
func (p *RestockProcessor) SetTotal(ctx context.Context, productID string, total int64, idempotencyKey string) (result *models.StockRecord, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation(models.OperationSetTotal, started, err) }()

	if strings.TrimSpace(productID) == "" {
		return nil, models.NewValidationError("product_id", "product id is required", productID)
	}
	if total < 0 {
		return nil, models.NewInvalidQuantityError(fmt.Sprintf("total must not be negative, got %d", total), total)
	}

	var cached models.StockRecord
	if hit, err := p.idem.Lookup(ctx, idempotencyKey, models.OperationSetTotal, &cached); err != nil || hit {
		return orCached(&cached, err)
	}

	rec, err := p.apply(ctx, productID, supplyOperation("bulk", idempotencyKey, productID),
		setTotal(productID, total, referenceOr(idempotencyKey, models.OperationSetTotal)))
	if err != nil {
		return nil, err
	}

	p.idem.remember(ctx, idempotencyKey, models.OperationSetTotal, rec)
	return rec, nil
}

// BulkAdjust sets the total of every item independently. A rejected item never
// aborts the batch; the result accounts for each item in input order.
func (p *RestockProcessor) BulkAdjust(ctx context.Context, items []models.BulkItem, idempotencyKey string) (result *models.BulkResult, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation(models.OperationBulkAdjust, started, err) }()

	if len(items) == 0 {
		return nil, models.NewValidationError("items", "at least one item is required", nil)
	}
	if len(items) > p.config.MaxBulkItems {
		return nil, models.NewValidationError("items",
			fmt.Sprintf("at most %d items per batch, got %d", p.config.MaxBulkItems, len(items)), len(items))
	}

	var cached models.BulkResult
	hit, err := p.idem.Lookup(ctx, idempotencyKey, models.OperationBulkAdjust, &cached)
	if err != nil {
		return nil, err
	}
	if hit {
		return &cached, nil
	}

	result = &models.BulkResult{IdempotencyKey: idempotencyKey, Items: make([]models.BulkItemResult, len(items))}
	seen := make(map[string]bool, len(items))
	reference := referenceOr(idempotencyKey, models.OperationBulkAdjust)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.BulkConcurrency)
	for i, item := range items {
		slot := &result.Items[i]
		slot.ProductID = item.ProductID

		if reason := precheck(item, seen); reason != "" {
			reject(slot, reason, false)
			continue
		}
		seen[item.ProductID] = true

		g.Go(func() error {
			rec, err := p.apply(gctx, item.ProductID, supplyOperation("bulk", idempotencyKey, item.ProductID),
				setTotal(item.ProductID, item.NewTotal, reference))
			if err != nil {
				reason, retryable := rejectionOf(err)
				reject(slot, reason, retryable)
				log.Warn().Err(err).Str("product_id", item.ProductID).Str("reason", reason).Msg("Bulk item rejected")
				return nil
			}
			slot.Outcome = models.BulkOutcomeApplied
			slot.Record = rec
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range result.Items {
		if item.Outcome == models.BulkOutcomeApplied {
			result.Applied++
		} else {
			result.Rejected++
		}
	}

	log.Info().
		Str("idempotency_key", idempotencyKey).
		Int("items", len(items)).
		Int("applied", result.Applied).
		Int("rejected", result.Rejected).
		Msg("Bulk adjustment processed")

	// Transient rejections must be re-attempted by a retry with the same key.
	if !result.HasRetryable() {
		p.idem.remember(ctx, idempotencyKey, models.OperationBulkAdjust, result)
	}
	return result, nil
}

// apply runs one supply mutation under an operation id. A duplicate id means an
// earlier attempt with the same key already landed, so the current record is
// returned as the result.
func (p *RestockProcessor) apply(ctx context.Context, productID, operationID string, mutate Mutation) (*models.StockRecord, error) {
	rec, err := p.ledger.Update(ctx, productID, func(current *models.StockRecord) (*models.Delta, error) {
		delta, err := mutate(current)
		if delta != nil {
			delta.OperationID = operationID
		}
		return delta, err
	})
	if errors.Is(err, models.ErrDuplicateOperation) {
		return p.ledger.Get(ctx, productID)
	}
	return rec, err
}

func setTotal(productID string, total int64, reference string) Mutation {
	return func(current *models.StockRecord) (*models.Delta, error) {
		if total < current.ReservedQuantity {
			return nil, newBelowReservedError(productID, total, current.ReservedQuantity)
		}
		change := total - current.TotalQuantity
		if change == 0 && current.Exists() {
			return nil, nil
		}
		return &models.Delta{
			Kind:        models.MovementKindBulkAdjust,
			TotalDelta:  change,
			ReferenceID: reference,
		}, nil
	}
}

func precheck(item models.BulkItem, seen map[string]bool) string {
	switch {
	case strings.TrimSpace(item.ProductID) == "":
		return models.RejectReasonInvalidProductID
	case seen[item.ProductID]:
		return models.RejectReasonDuplicate
	case item.NewTotal < 0:
		return models.RejectReasonNegative
	}
	return ""
}

func rejectionOf(err error) (reason string, retryable bool) {
	switch {
	case isBelowReserved(err):
		return models.RejectReasonBelowReserved, false
	case models.CodeOf(err) == models.ErrorCodeVersionConflictExhausted:
		return models.RejectReasonConflict, true
	case models.IsRetryable(err), models.IsSystemError(err):
		return models.RejectReasonStorageUnavailable, true
	default:
		return strings.ToLower(string(models.CodeOf(err))), false
	}
}

func reject(slot *models.BulkItemResult, reason string, retryable bool) {
	slot.Outcome = models.BulkOutcomeRejected
	slot.Reason = reason
	slot.Retryable = retryable
}

// supplyOperation derives the operation id of a keyed supply change. Calls
// without a key are not deduplicated.
func supplyOperation(prefix, idempotencyKey, productID string) string {
	if idempotencyKey == "" {
		return ""
	}
	if productID == "" {
		return prefix + ":" + idempotencyKey
	}
	return prefix + ":" + idempotencyKey + ":" + productID
}

func referenceOr(idempotencyKey, fallback string) string {
	if idempotencyKey != "" {
		return idempotencyKey
	}
	return fallback
}

func orCached(cached *models.StockRecord, err error) (*models.StockRecord, error) {
	if err != nil {
		return nil, err
	}
	return cached, nil
}

var _ interfaces.SupplyService = (*RestockProcessor)(nil)
