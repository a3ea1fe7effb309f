package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/metrics"
	"stock-ledger/internal/models"
)

// ReservationConfig holds reservation deadlines and repair batching
type ReservationConfig struct {
	OperationTimeout    time.Duration // applied when the caller set no deadline
	CompensationTimeout time.Duration
	RepairBatchSize     int
}

// Validate validates the reservation configuration
func (c ReservationConfig) Validate() error {
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive, got %v", c.OperationTimeout)
	}
	if c.CompensationTimeout <= 0 {
		return fmt.Errorf("compensation timeout must be positive, got %v", c.CompensationTimeout)
	}
	if c.RepairBatchSize < 1 {
		return fmt.Errorf("repair batch size must be positive, got %d", c.RepairBatchSize)
	}
	return nil
}

// ReservationManager places and settles multi-product holds. Each line is an
// independent compare-and-swap on the ledger; all-or-nothing behaviour comes
// from compensating the lines already held when a later one fails.
type ReservationManager struct {
	ledger *Ledger
	store  interfaces.ReservationStore
	idem   *Idempotency
	clock  interfaces.Clock
	config ReservationConfig
}

// NewReservationManager creates a new reservation manager
func NewReservationManager(ledger *Ledger, store interfaces.ReservationStore, idem *Idempotency, clock interfaces.Clock, config ReservationConfig) (*ReservationManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reservation configuration: %w", err)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &ReservationManager{ledger: ledger, store: store, idem: idem, clock: clock, config: config}, nil
}

// Reserve holds every line for orderID or none of them.
func (m *ReservationManager) Reserve(ctx context.Context, orderID, idempotencyKey string, lines []models.ReservationLine) (result *models.Reservation, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation(models.OperationReserve, started, err) }()

	if strings.TrimSpace(orderID) == "" {
		return nil, models.NewValidationError("order_id", "order id is required", orderID)
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, models.NewValidationError("idempotency_key", "idempotency key is required", idempotencyKey)
	}
	merged, err := normalizeLines(lines)
	if err != nil {
		return nil, err
	}

	ctx, cancel := m.withDeadline(ctx)
	defer cancel()

	var cached models.Reservation
	hit, err := m.idem.Lookup(ctx, idempotencyKey, models.OperationReserve, &cached)
	if err != nil {
		return nil, err
	}
	if hit {
		return &cached, nil
	}

	r, err := m.begin(ctx, orderID, idempotencyKey, merged)
	if err != nil {
		return nil, err
	}
	if r.Status != models.ReservationStatusPending {
		m.idem.remember(ctx, idempotencyKey, models.OperationReserve, r)
		return r, nil
	}

	return m.hold(ctx, r)
}

// begin persists a Pending reservation, or picks up the one a previous
// attempt with the same key left behind.
func (m *ReservationManager) begin(ctx context.Context, orderID, key string, lines models.ReservationLines) (*models.Reservation, error) {
	now := m.clock.Now()
	r := &models.Reservation{
		OrderID:        orderID,
		ReservationID:  uuid.New(),
		Status:         models.ReservationStatusPending,
		Lines:          lines,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := m.store.CreateReservation(ctx, r)
	if err == nil {
		return r, nil
	}
	if models.CodeOf(err) != models.ErrorCodeAlreadyExists {
		return nil, err
	}

	existing, err := m.store.GetReservation(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing.IdempotencyKey != key {
		return nil, models.NewBusinessError(models.ErrorCodeAlreadyExists,
			fmt.Sprintf("reservation for order '%s' already exists", orderID),
			map[string]any{"order_id": orderID, "status": existing.Status})
	}
	if existing.Status != models.ReservationStatusPending {
		return existing, nil
	}

	rolledBack, err := m.settled(ctx, existing)
	if err != nil {
		return nil, err
	}
	if !rolledBack {
		log.Info().
			Str("order_id", orderID).
			Str("reservation_id", existing.ReservationID.String()).
			Msg("Resuming pending reservation")
		return existing, nil
	}

	// The earlier attempt was compensated but its record survived; start over.
	if err := m.store.DeleteReservation(ctx, orderID, existing.ReservationID); err != nil {
		return nil, err
	}
	if err := m.store.CreateReservation(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (m *ReservationManager) hold(ctx context.Context, r *models.Reservation) (*models.Reservation, error) {
	held := make([]string, 0, len(r.Lines))
	for _, line := range r.Lines {
		if err := ctx.Err(); err != nil {
			return nil, m.incomplete(r, held, err)
		}

		err := m.applyLine(ctx, r, line, models.MovementKindReserve)
		if err == nil {
			held = append(held, line.ProductID)
			continue
		}
		if ctx.Err() != nil || models.CodeOf(err) == models.ErrorCodeStorageUnavailable {
			return nil, m.incomplete(r, held, err)
		}
		return nil, m.abort(ctx, r, err)
	}

	active, err := m.store.UpdateReservationStatus(ctx, r.OrderID, r.ReservationID,
		models.ReservationStatusPending, models.ReservationStatusActive, m.clock.Now())
	if models.IsNotFoundError(err) {
		return nil, m.abort(ctx, r, models.NewConflictError(models.ErrorCodeStatusConflict,
			"reservation "+r.OrderID, "pending reservation was removed by repair"))
	}
	if models.IsConflictError(err) {
		latest, getErr := m.store.GetReservation(ctx, r.OrderID)
		if getErr == nil && latest.ReservationID != r.ReservationID {
			// Repair removed this attempt and a re-drive recreated the order.
			return nil, m.abort(ctx, r, err)
		}
		// A concurrent re-drive with the same key got there first.
		if getErr == nil && latest.Status == models.ReservationStatusActive {
			return latest, nil
		}
	}
	if err != nil {
		return nil, m.incomplete(r, held, err)
	}

	log.Info().
		Str("order_id", active.OrderID).
		Str("reservation_id", active.ReservationID.String()).
		Str("idempotency_key", active.IdempotencyKey).
		Int("lines", len(active.Lines)).
		Msg("Reservation active")

	m.idem.remember(ctx, active.IdempotencyKey, models.OperationReserve, active)
	return active, nil
}

func (m *ReservationManager) incomplete(r *models.Reservation, held []string, cause error) error {
	log.Warn().
		Err(cause).
		Str("order_id", r.OrderID).
		Strs("held", held).
		Msg("Reservation left pending, caller must re-drive with the same key")
	return &models.IncompleteError{
		OrderID: r.OrderID,
		Status:  models.ReservationStatusPending,
		Applied: held,
		Cause:   cause,
	}
}

// abort compensates every held line with a deadline detached from the
// caller's, then removes the Pending record so the order id can be reused.
func (m *ReservationManager) abort(ctx context.Context, r *models.Reservation, cause error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.CompensationTimeout)
	defer cancel()

	if err := m.compensate(cctx, r); err != nil {
		log.Error().Err(err).Str("order_id", r.OrderID).Msg("Compensation failed, reservation left pending")
		return &models.IncompleteError{
			OrderID: r.OrderID,
			Status:  models.ReservationStatusPending,
			Cause:   errors.Join(cause, err),
		}
	}
	if err := m.store.DeleteReservation(cctx, r.OrderID, r.ReservationID); err != nil {
		log.Warn().Err(err).Str("order_id", r.OrderID).Msg("Failed to remove rolled back reservation")
	}

	log.Warn().Err(cause).Str("order_id", r.OrderID).Msg("Reservation rolled back")
	return cause
}

// compensate releases every line of r whose hold was applied. Lines already
// settled are skipped by operation id.
func (m *ReservationManager) compensate(ctx context.Context, r *models.Reservation) error {
	var errs []error
	released := 0
	for _, line := range r.Lines {
		hold, err := m.ledger.FindOperation(ctx, lineOperation(models.MovementKindReserve, r.ReservationID, line.ProductID))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if hold == nil {
			continue
		}
		if err := m.applyLine(ctx, r, line, models.MovementKindRelease); err != nil {
			errs = append(errs, err)
			continue
		}
		released++
	}
	metrics.Compensated(released)
	return errors.Join(errs...)
}

// settled reports whether any line of r has been released or committed.
func (m *ReservationManager) settled(ctx context.Context, r *models.Reservation) (bool, error) {
	for _, line := range r.Lines {
		prior, err := m.ledger.FindOperation(ctx, lineOperation(models.MovementKindRelease, r.ReservationID, line.ProductID))
		if err != nil {
			return false, err
		}
		if prior != nil {
			return true, nil
		}
	}
	return false, nil
}

// Release returns the held quantities of an Active reservation. Releasing a
// Released reservation is a no-op.
func (m *ReservationManager) Release(ctx context.Context, orderID string) (result *models.Reservation, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("release", started, err) }()

	r, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case models.ReservationStatusReleased:
		return r, nil
	case models.ReservationStatusCommitted:
		return nil, models.NewAlreadyTerminalError(r)
	case models.ReservationStatusPending:
		return nil, inProgress(r)
	}

	ctx, cancel := m.withDeadline(ctx)
	defer cancel()
	return m.settle(ctx, r, models.MovementKindRelease, models.ReservationStatusReleased)
}

// Commit consumes the held quantities of an Active reservation. Committing a
// Committed reservation is a no-op.
func (m *ReservationManager) Commit(ctx context.Context, orderID string) (result *models.Reservation, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("commit", started, err) }()

	r, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case models.ReservationStatusCommitted:
		return r, nil
	case models.ReservationStatusReleased:
		return nil, models.NewAlreadyTerminalError(r)
	case models.ReservationStatusPending:
		return nil, inProgress(r)
	}

	ctx, cancel := m.withDeadline(ctx)
	defer cancel()
	return m.settle(ctx, r, models.MovementKindCommit, models.ReservationStatusCommitted)
}

// settle applies kind to every line, then moves the reservation to its
// terminal status. On a storage failure the reservation stays Active and a
// retry re-attempts only the lines not yet settled.
func (m *ReservationManager) settle(ctx context.Context, r *models.Reservation, kind models.MovementKind, to models.ReservationStatus) (*models.Reservation, error) {
	done := make([]string, 0, len(r.Lines))
	for _, line := range r.Lines {
		if err := m.applyLine(ctx, r, line, kind); err != nil {
			log.Error().
				Err(err).
				Str("order_id", r.OrderID).
				Str("product_id", line.ProductID).
				Strs("settled", done).
				Msgf("Failed to %s reservation line", strings.ToLower(string(kind)))
			return nil, err
		}
		done = append(done, line.ProductID)
	}

	updated, err := m.store.UpdateReservationStatus(ctx, r.OrderID, r.ReservationID, models.ReservationStatusActive, to, m.clock.Now())
	if err == nil {
		log.Info().Str("order_id", r.OrderID).Str("status", string(to)).Msg("Reservation settled")
		return updated, nil
	}
	if !models.IsConflictError(err) {
		return nil, err
	}

	latest, getErr := m.store.GetReservation(ctx, r.OrderID)
	if getErr != nil {
		return nil, getErr
	}
	if latest.Status == to {
		return latest, nil
	}
	return nil, models.NewAlreadyTerminalError(latest)
}

// applyLine records one line movement exactly once. A slot already taken by
// the same kind counts as success; one taken by another kind means a racing
// release or commit won it.
func (m *ReservationManager) applyLine(ctx context.Context, r *models.Reservation, line models.ReservationLine, kind models.MovementKind) error {
	op := lineOperation(kind, r.ReservationID, line.ProductID)

	prior, err := m.ledger.FindOperation(ctx, op)
	if err != nil {
		return err
	}
	if prior != nil {
		return slotTaken(r, prior, kind)
	}

	_, err = m.ledger.Update(ctx, line.ProductID, func(*models.StockRecord) (*models.Delta, error) {
		delta := lineDelta(r, line, kind, op)
		return &delta, nil
	})
	if errors.Is(err, models.ErrDuplicateOperation) {
		prior, err = m.ledger.FindOperation(ctx, op)
		if err != nil {
			return err
		}
		if prior != nil {
			return slotTaken(r, prior, kind)
		}
		return nil
	}
	return err
}

func slotTaken(r *models.Reservation, prior *models.MovementRecord, kind models.MovementKind) error {
	if prior.Kind == kind {
		return nil
	}
	return models.NewBusinessError(models.ErrorCodeAlreadyTerminal,
		fmt.Sprintf("reservation '%s' is already being settled by %s", r.OrderID, prior.Kind),
		map[string]any{"order_id": r.OrderID, "settled_by": prior.Kind})
}

// lineOperation names the operation slot of a reservation line. Release,
// commit and compensation share the settle slot.
func lineOperation(kind models.MovementKind, reservationID uuid.UUID, productID string) string {
	slot := "settle"
	if kind == models.MovementKindReserve {
		slot = "reserve"
	}
	return fmt.Sprintf("%s:%s:%s", slot, reservationID, productID)
}

func lineDelta(r *models.Reservation, line models.ReservationLine, kind models.MovementKind, op string) models.Delta {
	delta := models.Delta{
		Kind:        kind,
		ReferenceID: r.OrderID,
		OperationID: op,
		Metadata:    models.Metadata{"reservation_id": r.ReservationID.String()},
	}
	switch kind {
	case models.MovementKindReserve:
		delta.ReservedDelta = line.Quantity
	case models.MovementKindRelease:
		delta.ReservedDelta = -line.Quantity
	case models.MovementKindCommit:
		delta.TotalDelta = -line.Quantity
		delta.ReservedDelta = -line.Quantity
	}
	return delta
}

// Get returns the reservation of an order
func (m *ReservationManager) Get(ctx context.Context, orderID string) (*models.Reservation, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, models.NewValidationError("order_id", "order id is required", orderID)
	}
	return m.store.GetReservation(ctx, orderID)
}

// RepairStale compensates and removes Pending reservations created more than
// olderThan ago. It returns how many were repaired.
func (m *ReservationManager) RepairStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.clock.Now().Add(-olderThan)
	stale, err := m.store.ListPendingBefore(ctx, cutoff, m.config.RepairBatchSize)
	if err != nil {
		return 0, err
	}

	var errs []error
	repaired := 0
	for i := range stale {
		r := &stale[i]
		if err := m.compensate(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", r.OrderID, err))
			continue
		}
		if err := m.store.DeleteReservation(ctx, r.OrderID, r.ReservationID); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", r.OrderID, err))
			continue
		}
		repaired++
		log.Warn().
			Str("order_id", r.OrderID).
			Str("reservation_id", r.ReservationID.String()).
			Time("created_at", r.CreatedAt).
			Msg("Repaired abandoned pending reservation")
	}

	return repaired, errors.Join(errs...)
}

func (m *ReservationManager) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.config.OperationTimeout)
}

func inProgress(r *models.Reservation) error {
	return models.NewConflictError(models.ErrorCodeReservationInProgress, "reservation "+r.OrderID,
		"reservation is still pending, retry reserve with the same idempotency key")
}

// normalizeLines merges duplicate products by summing and sorts by product
// id, which fixes the order every reservation touches products in.
func normalizeLines(lines []models.ReservationLine) (models.ReservationLines, error) {
	if len(lines) == 0 {
		return nil, models.NewValidationError("lines", "at least one line is required", nil)
	}

	totals := make(map[string]int64, len(lines))
	for i, line := range lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return nil, models.NewValidationError(fmt.Sprintf("lines[%d].product_id", i), "product id is required", line.ProductID)
		}
		if line.Quantity <= 0 {
			return nil, models.NewInvalidQuantityError(
				fmt.Sprintf("quantity for '%s' must be positive, got %d", line.ProductID, line.Quantity), line.Quantity)
		}
		totals[line.ProductID] += line.Quantity
	}

	merged := make(models.ReservationLines, 0, len(totals))
	for _, productID := range slices.Sorted(maps.Keys(totals)) {
		merged = append(merged, models.ReservationLine{ProductID: productID, Quantity: totals[productID]})
	}
	return merged, nil
}
