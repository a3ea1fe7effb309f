package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-ledger/internal/models"
	"stock-ledger/internal/repository"
	"stock-ledger/internal/service"
)

func TestRestock_CreatesAndRecordsSupplier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec, err := f.supply.Restock(ctx, "P1", 5, "acme", "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.TotalQuantity)
	assert.Equal(t, int64(1), rec.Version)

	movements := f.movements(t, "P1")
	require.Len(t, movements, 1)
	assert.Equal(t, models.MovementKindRestock, movements[0].Kind)
	assert.Equal(t, "acme", movements[0].Metadata["supplier"])
}

func TestRestock_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.supply.Restock(ctx, "P1", 0, "", "")
	assert.Equal(t, models.ErrorCodeInvalidQuantity, models.CodeOf(err))

	_, err = f.supply.Restock(ctx, "", 3, "", "")
	assert.True(t, models.IsValidationError(err))
}

func TestRestock_SameKeyAppliesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.supply.Restock(ctx, "P1", 5, "", "r1")
	require.NoError(t, err)
	second, err := f.supply.Restock(ctx, "P1", 5, "", "r1")
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, int64(5), f.stock(t, "P1").TotalQuantity)
	assert.Len(t, f.movements(t, "P1"), 1)
}

func TestRestock_SameKeyWithoutStoredResultIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.SetFault(func(op, key string) error {
		if op == repository.OpSaveIdempotency {
			return errors.New("idempotency store down")
		}
		return nil
	})

	_, err := f.supply.Restock(ctx, "P1", 5, "", "r1")
	require.NoError(t, err)
	again, err := f.supply.Restock(ctx, "P1", 5, "", "r1")
	require.NoError(t, err)

	assert.Equal(t, int64(5), again.TotalQuantity)
	assert.Len(t, f.movements(t, "P1"), 1)
}

func TestRestock_KeyReusedForAnotherOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.supply.Restock(ctx, "P1", 5, "", "shared")
	require.NoError(t, err)

	_, err = f.supply.BulkAdjust(ctx, []models.BulkItem{{ProductID: "P1", NewTotal: 1}}, "shared")
	assert.Equal(t, models.ErrorCodeIdempotencyKeyReused, models.CodeOf(err))
	assert.Equal(t, int64(5), f.stock(t, "P1").TotalQuantity)
}

func TestProvision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec, err := f.supply.Provision(ctx, "P1", 0, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, int64(0), rec.TotalQuantity)

	_, err = f.supply.Provision(ctx, "P1", 10, "")
	assert.Equal(t, models.ErrorCodeAlreadyExists, models.CodeOf(err))

	_, err = f.supply.Provision(ctx, "P2", -1, "")
	assert.Equal(t, models.ErrorCodeInvalidQuantity, models.CodeOf(err))
}

func TestSetTotal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provision(t, "P1", 10)

	_, err := f.reservations.Reserve(ctx, "O1", "k1", []models.ReservationLine{line("P1", 4)})
	require.NoError(t, err)

	_, err = f.supply.SetTotal(ctx, "P1", 3, "")
	assert.Equal(t, models.ErrorCodeInvalidQuantity, models.CodeOf(err))

	rec, err := f.supply.SetTotal(ctx, "P1", 20, "")
	require.NoError(t, err)
	assert.Equal(t, int64(20), rec.TotalQuantity)
	assert.Equal(t, int64(4), rec.ReservedQuantity)

	unchanged, err := f.supply.SetTotal(ctx, "P1", 20, "")
	require.NoError(t, err)
	assert.Equal(t, rec.Version, unchanged.Version)

	movements := f.movements(t, "P1")
	last := movements[len(movements)-1]
	assert.Equal(t, models.MovementKindBulkAdjust, last.Kind)
	assert.Equal(t, int64(10), last.Delta)
}

func TestBulkAdjust_RejectsItemsIndependently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provision(t, "P1", 50)

	result, err := f.supply.BulkAdjust(ctx, []models.BulkItem{
		{ProductID: "P1", NewTotal: 200},
		{ProductID: "P2", NewTotal: -5},
	}, "b1")
	require.NoError(t, err)

	require.Len(t, result.Items, 2)
	assert.Equal(t, models.BulkOutcomeApplied, result.Items[0].Outcome)
	assert.Equal(t, int64(200), result.Items[0].Record.TotalQuantity)
	assert.Equal(t, models.BulkOutcomeRejected, result.Items[1].Outcome)
	assert.Equal(t, models.RejectReasonNegative, result.Items[1].Reason)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 1, result.Rejected)

	assert.Equal(t, int64(200), f.stock(t, "P1").TotalQuantity)
	_, err = f.ledger.Get(ctx, "P2")
	assert.True(t, models.IsNotFoundError(err))

	cached, err := f.supply.BulkAdjust(ctx, []models.BulkItem{{ProductID: "P1", NewTotal: 1}}, "b1")
	require.NoError(t, err)
	assert.Equal(t, result.Applied, cached.Applied)
	assert.Equal(t, int64(200), f.stock(t, "P1").TotalQuantity)
}

func TestBulkAdjust_RejectionReasons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provision(t, "P1", 10)
	f.provision(t, "P3", 10)
	_, err := f.reservations.Reserve(ctx, "O1", "k1", []models.ReservationLine{line("P3", 6)})
	require.NoError(t, err)

	result, err := f.supply.BulkAdjust(ctx, []models.BulkItem{
		{ProductID: " ", NewTotal: 1},
		{ProductID: "P1", NewTotal: 5},
		{ProductID: "P1", NewTotal: 6},
		{ProductID: "P3", NewTotal: 2},
		{ProductID: "P4", NewTotal: 7},
	}, "")
	require.NoError(t, err)

	reasons := make([]string, len(result.Items))
	for i, item := range result.Items {
		reasons[i] = item.Reason
	}
	assert.Equal(t, []string{
		models.RejectReasonInvalidProductID,
		"",
		models.RejectReasonDuplicate,
		models.RejectReasonBelowReserved,
		"",
	}, reasons)
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 3, result.Rejected)
	assert.False(t, result.HasRetryable())

	assert.Equal(t, int64(5), f.stock(t, "P1").TotalQuantity)
	assert.Equal(t, int64(10), f.stock(t, "P3").TotalQuantity)
	assert.Equal(t, int64(7), f.stock(t, "P4").TotalQuantity)
}

func TestBulkAdjust_TransientRejectionIsRetriedWithSameKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provision(t, "P1", 1)
	f.provision(t, "P2", 1)
	f.store.SetFault(failCASFor("P1"))

	items := []models.BulkItem{{ProductID: "P1", NewTotal: 10}, {ProductID: "P2", NewTotal: 20}}
	result, err := f.supply.BulkAdjust(ctx, items, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.RejectReasonStorageUnavailable, result.Items[0].Reason)
	assert.True(t, result.Items[0].Retryable)
	assert.True(t, result.HasRetryable())

	f.store.SetFault(nil)
	retried, err := f.supply.BulkAdjust(ctx, items, "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, retried.Applied)

	assert.Equal(t, int64(10), f.stock(t, "P1").TotalQuantity)
	assert.Equal(t, int64(20), f.stock(t, "P2").TotalQuantity)
	assert.Len(t, f.movements(t, "P2"), 2)
}

func TestBulkAdjust_BatchLimits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.supply.BulkAdjust(ctx, nil, "")
	assert.True(t, models.IsValidationError(err))

	items := make([]models.BulkItem, 11)
	for i := range items {
		items[i] = models.BulkItem{ProductID: "P", NewTotal: 1}
	}
	_, err = f.supply.BulkAdjust(ctx, items, "")
	assert.True(t, models.IsValidationError(err))
}

func TestSupplyConfig_Validate(t *testing.T) {
	assert.Error(t, service.SupplyConfig{MaxBulkItems: 0, BulkConcurrency: 1}.Validate())
	assert.Error(t, service.SupplyConfig{MaxBulkItems: 1, BulkConcurrency: 0}.Validate())
	assert.NoError(t, service.SupplyConfig{MaxBulkItems: 1, BulkConcurrency: 1}.Validate())
}
