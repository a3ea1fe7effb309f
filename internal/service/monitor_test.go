package service_test

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/models"
	"stock-ledger/internal/repository"
	"stock-ledger/internal/service"
)

func newMonitor(t *testing.T, f *fixture, publisher interfaces.MessagePublisher) *service.LowStockMonitor {
	t.Helper()
	monitor, err := service.NewLowStockMonitor(f.ledger, publisher, f.clock, service.MonitorConfig{
		DefaultThreshold: 10,
		PageSize:         2,
		Interval:         time.Minute,
	})
	require.NoError(t, err)
	return monitor
}

// seedCatalog deja P1, P3 y P5 por debajo de 10 disponibles
func seedCatalog(t *testing.T, f *fixture) {
	t.Helper()
	for productID, total := range map[string]int64{"P1": 1, "P2": 20, "P3": 3, "P4": 30, "P5": 5} {
		f.provision(t, productID, total)
	}
}

func scanIDs(t *testing.T, seq iter.Seq2[models.StockRecord, error]) []string {
	t.Helper()
	ids := make([]string, 0)
	for rec, err := range seq {
		require.NoError(t, err)
		ids = append(ids, rec.ProductID)
	}
	return ids
}

func TestLowStockMonitor_ScanPagesInProductOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedCatalog(t, f)
	monitor := newMonitor(t, f, nil)

	assert.Equal(t, []string{"P1", "P3", "P5"}, scanIDs(t, monitor.Scan(ctx, 10)))
	assert.Equal(t, []string{"P3", "P5"}, scanIDs(t, monitor.ScanFrom(ctx, 10, "P1")))
	assert.Empty(t, scanIDs(t, monitor.Scan(ctx, 0)))
}

func TestLowStockMonitor_ScanCountsReservedStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedCatalog(t, f)
	monitor := newMonitor(t, f, nil)

	_, err := f.reservations.Reserve(ctx, "O1", "k1", []models.ReservationLine{line("P2", 15)})
	require.NoError(t, err)

	assert.Equal(t, []string{"P1", "P2", "P3", "P5"}, scanIDs(t, monitor.Scan(ctx, 10)))
}

func TestLowStockMonitor_ScanStopsWhenConsumerStops(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedCatalog(t, f)
	monitor := newMonitor(t, f, nil)

	var first string
	for rec, err := range monitor.Scan(ctx, 10) {
		require.NoError(t, err)
		first = rec.ProductID
		break
	}
	assert.Equal(t, "P1", first)
}

func TestLowStockMonitor_ScanSurfacesStoreErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedCatalog(t, f)
	monitor := newMonitor(t, f, nil)
	f.store.SetFault(func(op, key string) error {
		if op == repository.OpListStock {
			return errors.New("replica lagging")
		}
		return nil
	})

	var got error
	for _, err := range monitor.Scan(ctx, 10) {
		got = err
	}
	assert.Equal(t, models.ErrorCodeStorageUnavailable, models.CodeOf(got))
}

func TestLowStockMonitor_Page(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedCatalog(t, f)
	monitor := newMonitor(t, f, nil)

	items, next, err := monitor.Page(ctx, 10, "", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "P3", next)

	items, next, err = monitor.Page(ctx, 10, next, 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "P5", items[0].ProductID)
	assert.Empty(t, next)

	items, next, err = monitor.Page(ctx, 10, "", 3)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Empty(t, next)

	_, _, err = monitor.Page(ctx, -1, "", 3)
	assert.True(t, models.IsValidationError(err))
}

func TestLowStockMonitor_PageRejectsNonPositiveLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedCatalog(t, f)
	monitor := newMonitor(t, f, nil)

	for _, limit := range []int{0, -1} {
		items, next, err := monitor.Page(ctx, 10, "", limit)
		require.Error(t, err)
		assert.True(t, models.IsValidationError(err))
		assert.Nil(t, items)
		assert.Empty(t, next)
	}
}

func TestLowStockMonitor_TickPublishesAlerts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedCatalog(t, f)

	publisher := new(MockPublisher)
	publisher.On("PublishLowStock", mock.Anything, mock.MatchedBy(func(a *models.LowStockAlert) bool {
		return a.ProductID == "P3"
	})).Return(errors.New("broker down"))
	publisher.On("PublishLowStock", mock.Anything, mock.MatchedBy(func(a *models.LowStockAlert) bool {
		return a.Threshold == 10 && a.AvailableQuantity < 10 && a.DetectedAt.Equal(f.clock.Now())
	})).Return(nil)

	found, err := newMonitor(t, f, publisher).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, found)
	publisher.AssertNumberOfCalls(t, "PublishLowStock", 3)
}

func TestLowStockMonitor_TickWithoutPublisher(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)

	found, err := newMonitor(t, f, nil).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, found)
}

func TestMonitorConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		config service.MonitorConfig
		valid  bool
	}{
		{"valid", service.MonitorConfig{DefaultThreshold: 0, PageSize: 1, Interval: time.Second}, true},
		{"negative threshold", service.MonitorConfig{DefaultThreshold: -1, PageSize: 1, Interval: time.Second}, false},
		{"zero page size", service.MonitorConfig{PageSize: 0, Interval: time.Second}, false},
		{"zero interval", service.MonitorConfig{PageSize: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
