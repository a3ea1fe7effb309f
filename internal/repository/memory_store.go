package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stock-ledger/internal/models"
)

// Operation names passed to a FaultFunc
const (
	OpGetStock          = "get_stock"
	OpCompareAndSwap    = "cas_stock"
	OpDeleteStock       = "delete_stock"
	OpListStock         = "list_stock"
	OpFindOperation     = "find_operation"
	OpListMovements     = "list_movements"
	OpGetReservation    = "get_reservation"
	OpCreateReservation = "create_reservation"
	OpUpdateReservation = "update_reservation"
	OpDeleteReservation = "delete_reservation"
	OpGetIdempotency    = "get_idempotency"
	OpSaveIdempotency   = "save_idempotency"
)

// FaultFunc lets callers inject storage failures. key is the product id,
// order id or idempotency key the operation targets. Untyped errors are
// wrapped as STORAGE_UNAVAILABLE; typed ledger errors pass through.
type FaultFunc func(op, key string) error

// MemoryStore is a process-local implementation of every store contract.
// It backs STORE_BACKEND=memory and the service tests.
type MemoryStore struct {
	mu sync.RWMutex

	stock        map[string]models.StockRecord
	movements    []models.MovementRecord
	operations   map[string]int64
	published    map[int64]bool
	attempts     map[int64]int
	reservations map[string]models.Reservation
	idempotency  map[string]models.IdempotencyEntry
	nextSequence int64
	relayLocked  bool

	fault FaultFunc
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stock:        make(map[string]models.StockRecord),
		operations:   make(map[string]int64),
		published:    make(map[int64]bool),
		attempts:     make(map[int64]int),
		reservations: make(map[string]models.Reservation),
		idempotency:  make(map[string]models.IdempotencyEntry),
	}
}

// SetFault installs (or clears, with nil) a fault injection hook.
func (s *MemoryStore) SetFault(fault FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fault
}

// SeedStock writes records directly, without movements. Fixtures only.
func (s *MemoryStore) SeedStock(records ...models.StockRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.Version == 0 {
			rec.Version = 1
		}
		s.stock[rec.ProductID] = rec
	}
}

func (s *MemoryStore) injected(op, key string) error {
	s.mu.RLock()
	fault := s.fault
	s.mu.RUnlock()
	if fault == nil {
		return nil
	}
	err := fault(op, key)
	if err == nil || models.CodeOf(err) != models.ErrorCodeInternalError {
		return err
	}
	return models.NewStorageError("memory-store", fmt.Sprintf("%s failed", op), err)
}

// GetStock retrieves a stock record by product id
func (s *MemoryStore) GetStock(ctx context.Context, productID string) (*models.StockRecord, error) {
	if err := s.injected(OpGetStock, productID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.stock[productID]
	if !ok {
		return nil, models.NewNotFoundError("Stock", productID)
	}
	return &rec, nil
}

// CompareAndSwapStock applies next when the stored version matches
func (s *MemoryStore) CompareAndSwapStock(ctx context.Context, next *models.StockRecord, expectedVersion int64, movement *models.MovementRecord) (*models.StockRecord, error) {
	if err := s.injected(OpCompareAndSwap, next.ProductID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, models.NewStorageError("memory-store", "compare-and-swap cancelled", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if movement.OperationID != "" {
		if _, seen := s.operations[movement.OperationID]; seen {
			return nil, models.ErrDuplicateOperation
		}
	}

	current, exists := s.stock[next.ProductID]
	var actual int64
	if exists {
		actual = current.Version
	}
	if actual != expectedVersion {
		return nil, &models.VersionConflictError{ProductID: next.ProductID, Expected: expectedVersion, Actual: actual}
	}
	if next.TotalQuantity < 0 || next.ReservedQuantity < 0 || next.ReservedQuantity > next.TotalQuantity {
		return nil, fmt.Errorf("stock invariant violated for product '%s': total %d reserved %d",
			next.ProductID, next.TotalQuantity, next.ReservedQuantity)
	}

	s.nextSequence++
	entry := *movement
	entry.SequenceID = s.nextSequence
	entry.Metadata = maps.Clone(movement.Metadata)
	s.movements = append(s.movements, entry)
	if entry.OperationID != "" {
		s.operations[entry.OperationID] = entry.SequenceID
	}

	stored := models.StockRecord{
		ProductID:        next.ProductID,
		TotalQuantity:    next.TotalQuantity,
		ReservedQuantity: next.ReservedQuantity,
		Version:          expectedVersion + 1,
		UpdatedAt:        movement.Timestamp,
	}
	s.stock[next.ProductID] = stored
	movement.SequenceID = entry.SequenceID

	return &stored, nil
}

// DeleteStock removes a record that holds no reservations
func (s *MemoryStore) DeleteStock(ctx context.Context, productID string, expectedVersion int64) error {
	if err := s.injected(OpDeleteStock, productID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.stock[productID]
	if !ok {
		return models.NewNotFoundError("Stock", productID)
	}
	if current.ReservedQuantity > 0 {
		return models.NewBusinessError(models.ErrorCodeStockHeld,
			fmt.Sprintf("product '%s' still has %d reserved", productID, current.ReservedQuantity), nil)
	}
	if current.Version != expectedVersion {
		return &models.VersionConflictError{ProductID: productID, Expected: expectedVersion, Actual: current.Version}
	}
	delete(s.stock, productID)
	return nil
}

// ListStock pages through records ordered by product id
func (s *MemoryStore) ListStock(ctx context.Context, afterProductID string, limit int) ([]models.StockRecord, error) {
	return s.listStock(afterProductID, limit, func(models.StockRecord) bool { return true })
}

// ListBelowThreshold returns records whose available quantity is under threshold
func (s *MemoryStore) ListBelowThreshold(ctx context.Context, threshold int64, afterProductID string, limit int) ([]models.StockRecord, error) {
	return s.listStock(afterProductID, limit, func(rec models.StockRecord) bool {
		return rec.Available() < threshold
	})
}

func (s *MemoryStore) listStock(after string, limit int, keep func(models.StockRecord) bool) ([]models.StockRecord, error) {
	if err := s.injected(OpListStock, after); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(s.stock))
	records := make([]models.StockRecord, 0)
	for _, id := range ids {
		if id <= after {
			continue
		}
		rec := s.stock[id]
		if !keep(rec) {
			continue
		}
		records = append(records, rec)
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

// FindOperation returns the movement appended under an operation id
func (s *MemoryStore) FindOperation(ctx context.Context, operationID string) (*models.MovementRecord, error) {
	if err := s.injected(OpFindOperation, operationID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq, ok := s.operations[operationID]
	if !ok {
		return nil, nil
	}
	m := s.movements[seq-1]
	m.Metadata = maps.Clone(m.Metadata)
	return &m, nil
}

// ListMovements reads the movement log in sequence order
func (s *MemoryStore) ListMovements(ctx context.Context, filter models.MovementFilter) ([]models.MovementRecord, error) {
	if err := s.injected(OpListMovements, filter.ProductID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.MovementRecord, 0)
	for _, m := range s.movements {
		if m.SequenceID <= filter.AfterSequence {
			continue
		}
		if filter.ProductID != "" && m.ProductID != filter.ProductID {
			continue
		}
		if filter.ReferenceID != "" && m.ReferenceID != filter.ReferenceID {
			continue
		}
		m.Metadata = maps.Clone(m.Metadata)
		out = append(out, m)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// TryAcquireRelayLock emulates the advisory lock of the SQL outbox
func (s *MemoryStore) TryAcquireRelayLock(ctx context.Context, lockKey int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relayLocked {
		return false, nil
	}
	s.relayLocked = true
	return true, nil
}

// ReleaseRelayLock releases the emulated advisory lock
func (s *MemoryStore) ReleaseRelayLock(ctx context.Context, lockKey int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.relayLocked {
		log.Warn().Int64("lock_key", lockKey).Msg("Relay lock was not held when trying to release")
	}
	s.relayLocked = false
	return nil
}

// FetchUnpublished returns movements not yet relayed, oldest first
func (s *MemoryStore) FetchUnpublished(ctx context.Context, limit int) ([]models.MovementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.MovementRecord, 0)
	for _, m := range s.movements {
		if s.published[m.SequenceID] {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkPublished flags movements as relayed
func (s *MemoryStore) MarkPublished(ctx context.Context, sequenceIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sequenceIDs {
		s.published[id] = true
	}
	return nil
}

// RecordPublishFailure counts a failed relay attempt
func (s *MemoryStore) RecordPublishFailure(ctx context.Context, sequenceID int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[sequenceID]++
	return nil
}

// PublishAttempts returns how many relay attempts failed for a movement.
func (s *MemoryStore) PublishAttempts(sequenceID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts[sequenceID]
}

// GetReservation retrieves a reservation by order id
func (s *MemoryStore) GetReservation(ctx context.Context, orderID string) (*models.Reservation, error) {
	if err := s.injected(OpGetReservation, orderID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[orderID]
	if !ok {
		return nil, models.NewNotFoundError("Reservation", orderID)
	}
	return cloneReservation(r), nil
}

// CreateReservation stores a new reservation
func (s *MemoryStore) CreateReservation(ctx context.Context, reservation *models.Reservation) error {
	if err := s.injected(OpCreateReservation, reservation.OrderID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reservations[reservation.OrderID]; exists {
		return models.NewBusinessError(models.ErrorCodeAlreadyExists,
			fmt.Sprintf("reservation for order '%s' already exists", reservation.OrderID), nil)
	}
	s.reservations[reservation.OrderID] = *cloneReservation(*reservation)
	return nil
}

// UpdateReservationStatus performs a status compare-and-set
func (s *MemoryStore) UpdateReservationStatus(ctx context.Context, orderID string, reservationID uuid.UUID, from, to models.ReservationStatus, at time.Time) (*models.Reservation, error) {
	if err := s.injected(OpUpdateReservation, orderID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[orderID]
	if !ok {
		return nil, models.NewNotFoundError("Reservation", orderID)
	}
	if r.ReservationID != reservationID {
		return nil, replacedConflict(orderID, r.ReservationID)
	}
	if r.Status != from {
		return nil, models.NewConflictError(models.ErrorCodeStatusConflict, "reservation "+orderID,
			fmt.Sprintf("status is %s, expected %s", r.Status, from))
	}
	r.Status = to
	r.UpdatedAt = at
	s.reservations[orderID] = r
	return cloneReservation(r), nil
}

// DeleteReservation removes a Pending reservation
func (s *MemoryStore) DeleteReservation(ctx context.Context, orderID string, reservationID uuid.UUID) error {
	if err := s.injected(OpDeleteReservation, orderID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[orderID]
	if !ok {
		return nil
	}
	if r.ReservationID != reservationID || r.Status != models.ReservationStatusPending {
		return models.NewConflictError(models.ErrorCodeStatusConflict, "reservation "+orderID,
			"only the pending attempt that created it can remove it")
	}
	delete(s.reservations, orderID)
	return nil
}

// ListPendingBefore returns Pending reservations created before the cutoff
func (s *MemoryStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Reservation, 0)
	for _, r := range s.reservations {
		if r.Status == models.ReservationStatusPending && r.CreatedAt.Before(before) {
			out = append(out, *cloneReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetIdempotencyEntry returns the entry stored under key, or nil
func (s *MemoryStore) GetIdempotencyEntry(ctx context.Context, key string) (*models.IdempotencyEntry, error) {
	if err := s.injected(OpGetIdempotency, key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.idempotency[key]
	if !ok {
		return nil, nil
	}
	e.ResultSnapshot = slices.Clone(e.ResultSnapshot)
	return &e, nil
}

// SaveIdempotencyEntry keeps the first live entry for a key
func (s *MemoryStore) SaveIdempotencyEntry(ctx context.Context, entry *models.IdempotencyEntry) error {
	if err := s.injected(OpSaveIdempotency, entry.Key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.idempotency[entry.Key]; ok && !existing.Expired(entry.CreatedAt) {
		return nil
	}
	e := *entry
	e.ResultSnapshot = slices.Clone(entry.ResultSnapshot)
	s.idempotency[entry.Key] = e
	return nil
}

// DeleteExpiredIdempotencyEntries evicts entries past their retention
func (s *MemoryStore) DeleteExpiredIdempotencyEntries(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, e := range s.idempotency {
		if e.Expired(now) {
			delete(s.idempotency, key)
			n++
		}
	}
	return n, nil
}

func cloneReservation(r models.Reservation) *models.Reservation {
	r.Lines = slices.Clone(r.Lines)
	return &r
}
