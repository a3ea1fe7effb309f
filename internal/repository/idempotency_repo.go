package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"stock-ledger/internal/models"
)

const idempotencyComponent = "idempotency-repository"

// IdempotencyRepository persists idempotency keys next to the ledger tables
type IdempotencyRepository struct {
	db *sqlx.DB
}

// NewIdempotencyRepository creates a new idempotency repository
func NewIdempotencyRepository(db *sqlx.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

type idempotencyRow struct {
	Key           string    `db:"key"`
	OperationKind string    `db:"operation_kind"`
	Result        []byte    `db:"result"`
	CreatedAt     time.Time `db:"created_at"`
	ExpiresAt     time.Time `db:"expires_at"`
}

// GetIdempotencyEntry returns the entry stored under key, or nil when absent
func (r *IdempotencyRepository) GetIdempotencyEntry(ctx context.Context, key string) (*models.IdempotencyEntry, error) {
	var row idempotencyRow
	query := `SELECT key, operation_kind, result, created_at, expires_at
			  FROM idempotency_keys WHERE key = $1`

	err := r.db.GetContext(ctx, &row, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		log.Error().Err(err).Str("idempotency_key", key).Msg("Failed to get idempotency key")
		return nil, classify(idempotencyComponent, "get idempotency key", err)
	}

	return &models.IdempotencyEntry{
		Key:            row.Key,
		OperationKind:  row.OperationKind,
		ResultSnapshot: row.Result,
		CreatedAt:      row.CreatedAt,
		ExpiresAt:      row.ExpiresAt,
	}, nil
}

// SaveIdempotencyEntry stores the entry unless a live one already exists
func (r *IdempotencyRepository) SaveIdempotencyEntry(ctx context.Context, entry *models.IdempotencyEntry) error {
	query := `INSERT INTO idempotency_keys (key, operation_kind, result, created_at, expires_at)
			  VALUES ($1, $2, $3, $4, $5)
			  ON CONFLICT (key) DO UPDATE
			  SET operation_kind = EXCLUDED.operation_kind,
			      result = EXCLUDED.result,
			      created_at = EXCLUDED.created_at,
			      expires_at = EXCLUDED.expires_at
			  WHERE idempotency_keys.expires_at <= EXCLUDED.created_at`

	_, err := r.db.ExecContext(ctx, query,
		entry.Key, entry.OperationKind, string(entry.ResultSnapshot), entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		log.Error().Err(err).Str("idempotency_key", entry.Key).Msg("Failed to save idempotency key")
		return classify(idempotencyComponent, "save idempotency key", err)
	}

	return nil
}

// DeleteExpiredIdempotencyEntries evicts keys past their retention window
func (r *IdempotencyRepository) DeleteExpiredIdempotencyEntries(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to delete expired idempotency keys")
		return 0, classify(idempotencyComponent, "delete expired idempotency keys", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, classify(idempotencyComponent, "get affected rows", err)
	}
	return deleted, nil
}
