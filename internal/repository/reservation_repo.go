package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"stock-ledger/internal/models"
)

const reservationComponent = "reservation-repository"

const reservationColumns = `order_id, reservation_id, status, lines, idempotency_key, created_at, updated_at`

// ReservationRepository handles database operations for reservations
type ReservationRepository struct {
	db *sqlx.DB
}

// NewReservationRepository creates a new reservation repository
func NewReservationRepository(db *sqlx.DB) *ReservationRepository {
	return &ReservationRepository{db: db}
}

// GetReservation retrieves a reservation by order id
func (r *ReservationRepository) GetReservation(ctx context.Context, orderID string) (*models.Reservation, error) {
	var reservation models.Reservation
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE order_id = $1`

	err := r.db.GetContext(ctx, &reservation, query, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewNotFoundError("Reservation", orderID)
		}
		log.Error().Err(err).Str("order_id", orderID).Msg("Failed to get reservation")
		return nil, classify(reservationComponent, "get reservation", err)
	}

	return &reservation, nil
}

// CreateReservation creates a new reservation
func (r *ReservationRepository) CreateReservation(ctx context.Context, reservation *models.Reservation) error {
	query := `INSERT INTO reservations (` + reservationColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)
			  ON CONFLICT (order_id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query,
		reservation.OrderID, reservation.ReservationID, reservation.Status, reservation.Lines,
		reservation.IdempotencyKey, reservation.CreatedAt, reservation.UpdatedAt)
	if err != nil {
		log.Error().Err(err).Str("order_id", reservation.OrderID).Msg("Failed to create reservation")
		return classify(reservationComponent, "create reservation", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return models.NewBusinessError(models.ErrorCodeAlreadyExists,
			fmt.Sprintf("reservation for order '%s' already exists", reservation.OrderID), nil)
	}

	return nil
}

// UpdateReservationStatus moves a reservation from one status to another.
// Only the attempt that created the row, identified by reservationID, may
// move it.
func (r *ReservationRepository) UpdateReservationStatus(ctx context.Context, orderID string, reservationID uuid.UUID, from, to models.ReservationStatus, at time.Time) (*models.Reservation, error) {
	var reservation models.Reservation
	query := `UPDATE reservations
			  SET status = $4, updated_at = $5
			  WHERE order_id = $1 AND reservation_id = $2 AND status = $3
			  RETURNING ` + reservationColumns

	err := r.db.GetContext(ctx, &reservation, query, orderID, reservationID, from, to, at)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := r.GetReservation(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		if current.ReservationID != reservationID {
			return nil, replacedConflict(orderID, current.ReservationID)
		}
		return nil, models.NewConflictError(models.ErrorCodeStatusConflict, "reservation "+orderID,
			fmt.Sprintf("status is %s, expected %s", current.Status, from))
	}
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID).Str("to", string(to)).Msg("Failed to update reservation status")
		return nil, classify(reservationComponent, "update reservation status", err)
	}

	return &reservation, nil
}

// DeleteReservation removes a Pending reservation created by reservationID
func (r *ReservationRepository) DeleteReservation(ctx context.Context, orderID string, reservationID uuid.UUID) error {
	query := `DELETE FROM reservations
			  WHERE order_id = $1 AND reservation_id = $2 AND status = $3`

	result, err := r.db.ExecContext(ctx, query, orderID, reservationID, models.ReservationStatusPending)
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("Failed to delete reservation")
		return classify(reservationComponent, "delete reservation", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		_, getErr := r.GetReservation(ctx, orderID)
		if models.IsNotFoundError(getErr) {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		return models.NewConflictError(models.ErrorCodeStatusConflict, "reservation "+orderID,
			"only the pending attempt that created it can remove it")
	}

	return nil
}

// ListPendingBefore returns Pending reservations created before the cutoff
func (r *ReservationRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations
			  WHERE status = $1 AND created_at < $2
			  ORDER BY created_at ASC
			  LIMIT $3`

	reservations := make([]models.Reservation, 0)
	err := r.db.SelectContext(ctx, &reservations, query, models.ReservationStatusPending, before, nullableLimit(limit))
	if err != nil {
		log.Error().Err(err).Time("before", before).Msg("Failed to list pending reservations")
		return nil, classify(reservationComponent, "list pending reservations", err)
	}

	return reservations, nil
}

// replacedConflict reports a reservation row that was removed and recreated by
// another attempt for the same order.
func replacedConflict(orderID string, current uuid.UUID) error {
	return models.NewConflictError(models.ErrorCodeStatusConflict, "reservation "+orderID,
		fmt.Sprintf("order now belongs to reservation %s", current))
}
