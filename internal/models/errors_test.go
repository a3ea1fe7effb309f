package models_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-ledger/internal/models"
)

func TestCodeOf_WalksWrappedChain(t *testing.T) {
	base := &models.InsufficientStockError{ProductID: "B", Requested: 2, Available: 0}
	wrapped := fmt.Errorf("reserve failed: %w", base)

	assert.Equal(t, models.ErrorCodeInsufficientStock, models.CodeOf(wrapped))

	var target *models.InsufficientStockError
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "B", target.ProductID)
}

func TestCodeOf_UntypedErrorIsInternal(t *testing.T) {
	assert.Equal(t, models.ErrorCodeInternalError, models.CodeOf(errors.New("boom")))
	assert.Equal(t, models.ErrorCode(""), models.CodeOf(nil))
}

func TestCodeOf_OutermostTypedErrorWins(t *testing.T) {
	err := &models.IncompleteError{
		OrderID: "O1",
		Status:  models.ReservationStatusPending,
		Cause:   models.NewStorageError("stock-store", "connection refused", errors.New("dial tcp")),
	}

	assert.Equal(t, models.ErrorCodeIncompleteOperation, models.CodeOf(err))
	assert.True(t, models.IsSystemError(err))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"version conflict", &models.VersionConflictError{ProductID: "A"}, true},
		{"exhausted", &models.VersionConflictExhaustedError{ProductID: "A", Attempts: 5}, true},
		{"storage", models.NewStorageError("db", "down", nil), true},
		{"incomplete", &models.IncompleteError{OrderID: "O1"}, true},
		{"insufficient", &models.InsufficientStockError{ProductID: "A"}, false},
		{"invalid quantity", models.NewInvalidQuantityError("quantity must be positive", 0), false},
		{"not found", models.NewNotFoundError("Reservation", "O1"), false},
		{"plain", errors.New("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, models.IsRetryable(tt.err))
		})
	}
}

func TestAlreadyTerminalError_CarriesStatus(t *testing.T) {
	r := &models.Reservation{OrderID: "O1", Status: models.ReservationStatusCommitted}

	err := models.NewAlreadyTerminalError(r)

	assert.Equal(t, models.ErrorCodeAlreadyTerminal, models.CodeOf(err))
	assert.Contains(t, err.Error(), "COMMITTED")
}

func TestMovementKind_Effect(t *testing.T) {
	total, reserved := models.MovementKindCommit.Effect(-3)
	assert.Equal(t, int64(-3), total)
	assert.Equal(t, int64(-3), reserved)

	total, reserved = models.MovementKindRelease.Effect(-2)
	assert.Equal(t, int64(0), total)
	assert.Equal(t, int64(-2), reserved)

	total, reserved = models.MovementKindRestock.Effect(7)
	assert.Equal(t, int64(7), total)
	assert.Equal(t, int64(0), reserved)
}

func TestDelta_Consistent(t *testing.T) {
	ok := models.Delta{Kind: models.MovementKindReserve, ReservedDelta: 4}
	assert.True(t, ok.Consistent())

	bad := models.Delta{Kind: models.MovementKindReserve, ReservedDelta: 4, TotalDelta: 1}
	assert.False(t, bad.Consistent())

	commit := models.Delta{Kind: models.MovementKindCommit, ReservedDelta: -2, TotalDelta: -2}
	assert.True(t, commit.Consistent())

	unknown := models.Delta{Kind: "TELEPORT", TotalDelta: 1}
	assert.False(t, unknown.Consistent())
}

func TestReservationLines_ScanRoundTrip(t *testing.T) {
	lines := models.ReservationLines{{ProductID: "A", Quantity: 3}, {ProductID: "B", Quantity: 1}}

	raw, err := lines.Value()
	require.NoError(t, err)

	var scanned models.ReservationLines
	require.NoError(t, scanned.Scan(raw))
	assert.Equal(t, lines, scanned)

	var fromNil models.ReservationLines
	require.NoError(t, fromNil.Scan(nil))
	assert.Nil(t, fromNil)

	assert.Error(t, scanned.Scan(42))
}

func TestStockRecord_Available(t *testing.T) {
	rec := models.StockRecord{ProductID: "P1", TotalQuantity: 100, ReservedQuantity: 85, Version: 3}

	assert.Equal(t, int64(15), rec.Available())
	assert.True(t, rec.Exists())
	assert.False(t, models.StockRecord{ProductID: "new"}.Exists())

	state := models.NewStockState(&rec)
	assert.Equal(t, int64(15), state.AvailableQuantity)
	assert.Equal(t, rec, *state.Record())
}
