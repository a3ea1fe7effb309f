package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"stock-ledger/internal/models"
)

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, outcomeOf(nil))
	assert.Equal(t, OutcomeRejected, outcomeOf(&models.InsufficientStockError{ProductID: "P1"}))
	assert.Equal(t, OutcomeFailed, outcomeOf(models.NewStorageError("db", "down", errors.New("eof"))))
	assert.Equal(t, OutcomeFailed, outcomeOf(errors.New("boom")))
}

func TestObserveOperation_CountsByOutcome(t *testing.T) {
	before := testutil.ToFloat64(operationsTotal.WithLabelValues("metrics_test", OutcomeRejected))

	ObserveOperation("metrics_test", time.Now(), models.NewInvalidQuantityError("bad", -1))

	after := testutil.ToFloat64(operationsTotal.WithLabelValues("metrics_test", OutcomeRejected))
	assert.Equal(t, before+1, after)
}

func TestSetLowStockItems(t *testing.T) {
	SetLowStockItems(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(lowStockItems))
}
