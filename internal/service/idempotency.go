package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/metrics"
	"stock-ledger/internal/models"
)

// Idempotency records the result of a mutating call under the caller's key
// and answers retries from it until the retention window passes.
type Idempotency struct {
	store     interfaces.IdempotencyStore
	clock     interfaces.Clock
	retention time.Duration
}

// NewIdempotency creates the idempotency layer
func NewIdempotency(store interfaces.IdempotencyStore, clock interfaces.Clock, retention time.Duration) (*Idempotency, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("idempotency retention must be positive, got %v", retention)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Idempotency{store: store, clock: clock, retention: retention}, nil
}

// Lookup decodes the stored result for key into dst. It reports false on a
// miss or an expired entry, and fails with IDEMPOTENCY_KEY_REUSED when the key
// was used for a different kind of operation.
func (i *Idempotency) Lookup(ctx context.Context, key, operationKind string, dst any) (bool, error) {
	if key == "" {
		return false, nil
	}

	entry, err := i.store.GetIdempotencyEntry(ctx, key)
	if err != nil {
		return false, err
	}
	if entry == nil || entry.Expired(i.clock.Now()) {
		return false, nil
	}
	if entry.OperationKind != operationKind {
		return false, models.NewBusinessError(models.ErrorCodeIdempotencyKeyReused,
			fmt.Sprintf("idempotency key '%s' was already used for %s", key, entry.OperationKind),
			map[string]string{"idempotency_key": key, "operation_kind": entry.OperationKind})
	}
	if err := json.Unmarshal(entry.ResultSnapshot, dst); err != nil {
		return false, fmt.Errorf("failed to decode stored result for key '%s': %w", key, err)
	}

	metrics.ObserveReplay()
	log.Debug().Str("idempotency_key", key).Str("operation", operationKind).Msg("Answered from idempotency store")
	return true, nil
}

// Remember stores result under key. Failures are returned; callers decide
// whether a lost entry matters.
func (i *Idempotency) Remember(ctx context.Context, key, operationKind string, result any) error {
	if key == "" {
		return nil
	}

	snapshot, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result for key '%s': %w", key, err)
	}

	now := i.clock.Now()
	return i.store.SaveIdempotencyEntry(ctx, &models.IdempotencyEntry{
		Key:            key,
		OperationKind:  operationKind,
		ResultSnapshot: snapshot,
		CreatedAt:      now,
		ExpiresAt:      now.Add(i.retention),
	})
}

// remember is Remember with the failure logged instead of returned. The
// operation already took effect, so the caller still gets its result.
func (i *Idempotency) remember(ctx context.Context, key, operationKind string, result any) {
	if err := i.Remember(ctx, key, operationKind, result); err != nil {
		log.Warn().Err(err).Str("idempotency_key", key).Str("operation", operationKind).Msg("Failed to record idempotency result")
	}
}

// Sweep deletes entries past their retention window
func (i *Idempotency) Sweep(ctx context.Context) (int64, error) {
	deleted, err := i.store.DeleteExpiredIdempotencyEntries(ctx, i.clock.Now())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Evicted expired idempotency keys")
	}
	return deleted, nil
}
