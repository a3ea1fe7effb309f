package repository_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-ledger/internal/models"
	"stock-ledger/internal/repository"
)

const relayLockKey int64 = 7311

func TestOutboxRepository_RelayLock(t *testing.T) {
	t.Run("acquire and release on the same connection", func(t *testing.T) {
		db, mock := newSQLMock(t)
		repo := repository.NewOutboxRepository(db)

		mock.ExpectQuery(q("SELECT pg_try_advisory_lock($1)")).
			WithArgs(relayLockKey).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
		mock.ExpectQuery(q("SELECT pg_advisory_unlock($1)")).
			WithArgs(relayLockKey).
			WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

		acquired, err := repo.TryAcquireRelayLock(context.Background(), relayLockKey)
		require.NoError(t, err)
		assert.True(t, acquired)
		assert.NoError(t, repo.ReleaseRelayLock(context.Background(), relayLockKey))
	})

	t.Run("held by another relay", func(t *testing.T) {
		db, mock := newSQLMock(t)
		repo := repository.NewOutboxRepository(db)

		mock.ExpectQuery(q("SELECT pg_try_advisory_lock($1)")).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

		acquired, err := repo.TryAcquireRelayLock(context.Background(), relayLockKey)
		require.NoError(t, err)
		assert.False(t, acquired)

		// sin lock no hay nada que liberar, no se espera ninguna query
		assert.NoError(t, repo.ReleaseRelayLock(context.Background(), relayLockKey))
	})

	t.Run("lock query fails", func(t *testing.T) {
		db, mock := newSQLMock(t)
		repo := repository.NewOutboxRepository(db)

		mock.ExpectQuery(q("SELECT pg_try_advisory_lock($1)")).WillReturnError(errors.New("terminating connection"))

		acquired, err := repo.TryAcquireRelayLock(context.Background(), relayLockKey)
		assert.False(t, acquired)
		assert.Equal(t, models.ErrorCodeStorageUnavailable, models.CodeOf(err))
	})
}

func TestOutboxRepository_FetchUnpublished(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := repository.NewOutboxRepository(db)

	cols := []string{"sequence_id", "product_id", "delta", "kind", "reference_id", "operation_id", "metadata", "created_at"}
	mock.ExpectQuery("(?s)" + q("WHERE published_at IS NULL") + ".*" + q("ORDER BY sequence_id ASC")).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), "P1", int64(5), "RESERVE", "O1", "reserve:r1:P1", []byte(`{}`), pgNow).
			AddRow(int64(2), "P1", int64(10), "RESTOCK", "S1", "", []byte(`{"supplier":"acme"}`), pgNow))

	movements, err := repo.FetchUnpublished(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, models.MovementKindReserve, movements[0].Kind)
	assert.Equal(t, "reserve:r1:P1", movements[0].OperationID)
	assert.Equal(t, int64(2), movements[1].SequenceID)
	assert.Equal(t, "acme", movements[1].Metadata["supplier"])
}

func TestOutboxRepository_MarkPublished(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := repository.NewOutboxRepository(db)

	mock.ExpectExec(q("WHERE sequence_id = ANY($1)")).
		WithArgs("{1,2}").
		WillReturnResult(sqlmock.NewResult(0, 2))

	assert.NoError(t, repo.MarkPublished(context.Background(), []int64{1, 2}))
	// un lote vacío no toca la base
	assert.NoError(t, repo.MarkPublished(context.Background(), nil))
}

func TestOutboxRepository_RecordPublishFailure(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := repository.NewOutboxRepository(db)
	bump := q("SET publish_attempts = publish_attempts + 1")

	mock.ExpectExec(bump).
		WithArgs(int64(3), "broker unavailable").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(bump).
		WillReturnError(errors.New("connection reset by peer"))

	assert.NoError(t, repo.RecordPublishFailure(context.Background(), 3, "broker unavailable"))

	err := repo.RecordPublishFailure(context.Background(), 3, "broker unavailable")
	assert.Equal(t, models.ErrorCodeStorageUnavailable, models.CodeOf(err))
}
