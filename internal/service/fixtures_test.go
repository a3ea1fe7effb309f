package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stock-ledger/internal/models"
	"stock-ledger/internal/repository"
	"stock-ledger/internal/service"
)

// fakeClock es un reloj controlado por el test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixture wires every service over one MemoryStore
type fixture struct {
	store        *repository.MemoryStore
	clock        *fakeClock
	ledger       *service.Ledger
	idem         *service.Idempotency
	reservations *service.ReservationManager
	supply       *service.RestockProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := repository.NewMemoryStore()
	clock := newFakeClock()

	ledger, err := service.NewLedger(store, store, clock, service.LedgerConfig{
		MaxAttempts: 50,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
	require.NoError(t, err)

	idem, err := service.NewIdempotency(store, clock, time.Hour)
	require.NoError(t, err)

	reservations, err := service.NewReservationManager(ledger, store, idem, clock, service.ReservationConfig{
		OperationTimeout:    5 * time.Second,
		CompensationTimeout: 5 * time.Second,
		RepairBatchSize:     10,
	})
	require.NoError(t, err)

	supply, err := service.NewRestockProcessor(ledger, idem, service.SupplyConfig{
		MaxBulkItems:    10,
		BulkConcurrency: 4,
	})
	require.NoError(t, err)

	return &fixture{
		store:        store,
		clock:        clock,
		ledger:       ledger,
		idem:         idem,
		reservations: reservations,
		supply:       supply,
	}
}

// provision creates a product through the ledger so its movement log replays
func (f *fixture) provision(t *testing.T, productID string, total int64) {
	t.Helper()
	_, err := f.supply.Provision(context.Background(), productID, total, "")
	require.NoError(t, err)
}

func (f *fixture) stock(t *testing.T, productID string) *models.StockRecord {
	t.Helper()
	rec, err := f.ledger.Get(context.Background(), productID)
	require.NoError(t, err)
	return rec
}

func (f *fixture) movements(t *testing.T, productID string) []models.MovementRecord {
	t.Helper()
	out, err := f.ledger.Movements(context.Background(), models.MovementFilter{ProductID: productID})
	require.NoError(t, err)
	return out
}

func kinds(movements []models.MovementRecord) []models.MovementKind {
	out := make([]models.MovementKind, len(movements))
	for i, m := range movements {
		out[i] = m.Kind
	}
	return out
}

func line(productID string, quantity int64) models.ReservationLine {
	return models.ReservationLine{ProductID: productID, Quantity: quantity}
}

// MockPublisher implementa MessagePublisher para testing
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishMovement(ctx context.Context, movement *models.MovementRecord) error {
	args := m.Called(ctx, movement)
	return args.Error(0)
}

func (m *MockPublisher) PublishState(ctx context.Context, state *models.StockState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockPublisher) PublishLowStock(ctx context.Context, alert *models.LowStockAlert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}
