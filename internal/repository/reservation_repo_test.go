package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-ledger/internal/models"
	"stock-ledger/internal/repository"
)

var reservationCols = []string{"order_id", "reservation_id", "status", "lines", "idempotency_key", "created_at", "updated_at"}

func reservationRows(orderID string, rid uuid.UUID, status models.ReservationStatus) *sqlmock.Rows {
	return sqlmock.NewRows(reservationCols).
		AddRow(orderID, rid.String(), string(status), []byte(`[{"product_id":"A","quantity":2}]`), "k1", pgNow, pgNow)
}

const flipStatus = "WHERE order_id = $1 AND reservation_id = $2 AND status = $3"

func TestReservationRepository_UpdateStatus(t *testing.T) {
	rid := uuid.New()

	t.Run("flips matching attempt", func(t *testing.T) {
		db, mock := newSQLMock(t)
		repo := repository.NewReservationRepository(db)

		mock.ExpectQuery(q(flipStatus)).
			WithArgs("O1", rid, models.ReservationStatusPending, models.ReservationStatusActive, pgNow).
			WillReturnRows(reservationRows("O1", rid, models.ReservationStatusActive))

		r, err := repo.UpdateReservationStatus(context.Background(), "O1", rid,
			models.ReservationStatusPending, models.ReservationStatusActive, pgNow)
		require.NoError(t, err)
		assert.Equal(t, rid, r.ReservationID)
		assert.Equal(t, models.ReservationStatusActive, r.Status)
		assert.Equal(t, models.ReservationLines{{ProductID: "A", Quantity: 2}}, r.Lines)
	})

	t.Run("stale status", func(t *testing.T) {
		db, mock := newSQLMock(t)
		repo := repository.NewReservationRepository(db)

		mock.ExpectQuery(q(flipStatus)).WillReturnRows(sqlmock.NewRows(reservationCols))
		mock.ExpectQuery(q("FROM reservations WHERE order_id = $1")).
			WithArgs("O1").
			WillReturnRows(reservationRows("O1", rid, models.ReservationStatusReleased))

		_, err := repo.UpdateReservationStatus(context.Background(), "O1", rid,
			models.ReservationStatusPending, models.ReservationStatusActive, pgNow)
		assert.Equal(t, models.ErrorCodeStatusConflict, models.CodeOf(err))
		assert.Contains(t, err.Error(), "status is RELEASED")
	})

	t.Run("order recreated by another attempt", func(t *testing.T) {
		db, mock := newSQLMock(t)
		repo := repository.NewReservationRepository(db)
		other := uuid.New()

		// misma orden y mismo estado, pero otro reservation_id
		mock.ExpectQuery(q(flipStatus)).WillReturnRows(sqlmock.NewRows(reservationCols))
		mock.ExpectQuery(q("FROM reservations WHERE order_id = $1")).
			WillReturnRows(reservationRows("O1", other, models.ReservationStatusPending))

		_, err := repo.UpdateReservationStatus(context.Background(), "O1", rid,
			models.ReservationStatusPending, models.ReservationStatusActive, pgNow)
		assert.Equal(t, models.ErrorCodeStatusConflict, models.CodeOf(err))
		assert.Contains(t, err.Error(), other.String())
	})

	t.Run("missing row", func(t *testing.T) {
		db, mock := newSQLMock(t)
		repo := repository.NewReservationRepository(db)

		mock.ExpectQuery(q(flipStatus)).WillReturnRows(sqlmock.NewRows(reservationCols))
		mock.ExpectQuery(q("FROM reservations WHERE order_id = $1")).
			WillReturnRows(sqlmock.NewRows(reservationCols))

		_, err := repo.UpdateReservationStatus(context.Background(), "O1", rid,
			models.ReservationStatusPending, models.ReservationStatusActive, pgNow)
		assert.True(t, models.IsNotFoundError(err))
	})

	t.Run("driver error", func(t *testing.T) {
		db, mock := newSQLMock(t)
		repo := repository.NewReservationRepository(db)

		mock.ExpectQuery(q(flipStatus)).WillReturnError(errors.New("broken pipe"))

		_, err := repo.UpdateReservationStatus(context.Background(), "O1", rid,
			models.ReservationStatusActive, models.ReservationStatusReleased, pgNow)
		assert.Equal(t, models.ErrorCodeStorageUnavailable, models.CodeOf(err))
	})
}

func TestReservationRepository_CreateReservation(t *testing.T) {
	rid := uuid.New()
	reservation := &models.Reservation{
		OrderID:        "O1",
		ReservationID:  rid,
		Status:         models.ReservationStatusPending,
		Lines:          models.ReservationLines{{ProductID: "A", Quantity: 2}},
		IdempotencyKey: "k1",
		CreatedAt:      pgNow,
		UpdatedAt:      pgNow,
	}

	t.Run("inserted", func(t *testing.T) {
		db, mock := newSQLMock(t)
		repo := repository.NewReservationRepository(db)

		mock.ExpectExec("(?s)" + q("INSERT INTO reservations") + ".*" + q("ON CONFLICT (order_id) DO NOTHING")).
			WithArgs("O1", rid, models.ReservationStatusPending, `[{"product_id":"A","quantity":2}]`, "k1", pgNow, pgNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.CreateReservation(context.Background(), reservation))
	})

	t.Run("order already reserved", func(t *testing.T) {
		db, mock := newSQLMock(t)
		repo := repository.NewReservationRepository(db)

		mock.ExpectExec(q("INSERT INTO reservations")).WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.CreateReservation(context.Background(), reservation)
		assert.Equal(t, models.ErrorCodeAlreadyExists, models.CodeOf(err))
	})
}

func TestReservationRepository_DeleteReservation(t *testing.T) {
	rid := uuid.New()
	deletePending := "(?s)" + q("DELETE FROM reservations") + ".*" + q(flipStatus)

	t.Run("deleted", func(t *testing.T) {
		db, mock := newSQLMock(t)
		repo := repository.NewReservationRepository(db)

		mock.ExpectExec(deletePending).
			WithArgs("O1", rid, models.ReservationStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.DeleteReservation(context.Background(), "O1", rid))
	})

	t.Run("already gone", func(t *testing.T) {
		db, mock := newSQLMock(t)
		repo := repository.NewReservationRepository(db)

		mock.ExpectExec(deletePending).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("FROM reservations WHERE order_id = $1")).
			WillReturnRows(sqlmock.NewRows(reservationCols))

		assert.NoError(t, repo.DeleteReservation(context.Background(), "O1", rid))
	})

	t.Run("row moved on", func(t *testing.T) {
		db, mock := newSQLMock(t)
		repo := repository.NewReservationRepository(db)

		mock.ExpectExec(deletePending).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("FROM reservations WHERE order_id = $1")).
			WillReturnRows(reservationRows("O1", rid, models.ReservationStatusActive))

		err := repo.DeleteReservation(context.Background(), "O1", rid)
		assert.Equal(t, models.ErrorCodeStatusConflict, models.CodeOf(err))
	})
}

func TestReservationRepository_ListPendingBefore(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := repository.NewReservationRepository(db)
	cutoff := pgNow.Add(-15 * time.Minute)

	mock.ExpectQuery(q("WHERE status = $1 AND created_at < $2")).
		WithArgs(models.ReservationStatusPending, cutoff, int64(10)).
		WillReturnRows(reservationRows("O1", uuid.New(), models.ReservationStatusPending))

	pending, err := repo.ListPendingBefore(context.Background(), cutoff, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "O1", pending[0].OrderID)
	assert.Equal(t, "k1", pending[0].IdempotencyKey)
}
