package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stock (
		product_id        TEXT PRIMARY KEY,
		total_quantity    BIGINT NOT NULL CHECK (total_quantity >= 0),
		reserved_quantity BIGINT NOT NULL DEFAULT 0 CHECK (reserved_quantity >= 0),
		version           BIGINT NOT NULL DEFAULT 1,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT stock_reserved_within_total CHECK (reserved_quantity <= total_quantity)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_movements (
		sequence_id      BIGSERIAL PRIMARY KEY,
		product_id       TEXT NOT NULL,
		delta            BIGINT NOT NULL,
		kind             TEXT NOT NULL,
		reference_id     TEXT NOT NULL DEFAULT '',
		operation_id     TEXT UNIQUE,
		metadata         JSONB NOT NULL DEFAULT '{}',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		published_at     TIMESTAMPTZ,
		publish_attempts INT NOT NULL DEFAULT 0,
		last_error       TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_movements_product ON stock_movements (product_id, sequence_id)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_movements_reference ON stock_movements (reference_id)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_movements_unpublished ON stock_movements (sequence_id) WHERE published_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS reservations (
		order_id        TEXT PRIMARY KEY,
		reservation_id  UUID NOT NULL,
		status          TEXT NOT NULL,
		lines           JSONB NOT NULL,
		idempotency_key TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_pending ON reservations (created_at) WHERE status = 'PENDING'`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key            TEXT PRIMARY KEY,
		operation_kind TEXT NOT NULL,
		result         JSONB NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		expires_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires ON idempotency_keys (expires_at)`,
}

// Migrate creates the ledger tables when they do not exist yet
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.Error().Err(err).Msg("Failed to apply schema statement")
			return classify("schema", "apply schema", err)
		}
	}
	log.Info().Int("statements", len(schema)).Msg("Database schema is up to date")
	return nil
}
