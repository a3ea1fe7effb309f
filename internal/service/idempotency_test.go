package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-ledger/internal/models"
	"stock-ledger/internal/repository"
	"stock-ledger/internal/service"
)

func TestIdempotency_RememberLookupExpire(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	clock := newFakeClock()
	idem, err := service.NewIdempotency(store, clock, time.Hour)
	require.NoError(t, err)

	rec := models.StockRecord{ProductID: "P1", TotalQuantity: 3, Version: 2}
	require.NoError(t, idem.Remember(ctx, "k1", models.OperationRestock, rec))

	var got models.StockRecord
	hit, err := idem.Lookup(ctx, "k1", models.OperationRestock, &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, rec.ProductID, got.ProductID)
	assert.Equal(t, rec.Version, got.Version)

	_, err = idem.Lookup(ctx, "k1", models.OperationReserve, &got)
	assert.Equal(t, models.ErrorCodeIdempotencyKeyReused, models.CodeOf(err))

	clock.Advance(time.Hour)
	hit, err = idem.Lookup(ctx, "k1", models.OperationRestock, &got)
	require.NoError(t, err)
	assert.False(t, hit)

	deleted, err := idem.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestIdempotency_EmptyKeyIsNeverStored(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	idem, err := service.NewIdempotency(store, newFakeClock(), time.Hour)
	require.NoError(t, err)

	require.NoError(t, idem.Remember(ctx, "", models.OperationRestock, "ignored"))

	var dst string
	hit, err := idem.Lookup(ctx, "", models.OperationRestock, &dst)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestIdempotency_FirstLiveEntryWins(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	idem, err := service.NewIdempotency(store, newFakeClock(), time.Hour)
	require.NoError(t, err)

	require.NoError(t, idem.Remember(ctx, "k1", models.OperationSetTotal, 1))
	require.NoError(t, idem.Remember(ctx, "k1", models.OperationSetTotal, 2))

	var got int
	hit, err := idem.Lookup(ctx, "k1", models.OperationSetTotal, &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 1, got)
}

func TestIdempotency_RequiresRetention(t *testing.T) {
	_, err := service.NewIdempotency(repository.NewMemoryStore(), nil, 0)
	assert.Error(t, err)
}
