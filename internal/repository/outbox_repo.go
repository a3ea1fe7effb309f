package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"stock-ledger/internal/models"
)

const outboxComponent = "outbox-repository"

// OutboxRepository relays the movement log with advisory locking. The
// movement table doubles as the outbox: a row is pending until published_at
// is set.
type OutboxRepository struct {
	db *sqlx.DB

	// Advisory locks are session scoped, so the lock and its release must
	// run on the same pooled connection.
	mu   sync.Mutex
	conn *sqlx.Conn
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// TryAcquireRelayLock attempts to acquire a PostgreSQL advisory lock.
// Returns true if lock was acquired, false if another relay has it.
func (r *OutboxRepository) TryAcquireRelayLock(ctx context.Context, lockKey int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		conn, err := r.db.Connx(ctx)
		if err != nil {
			return false, classify(outboxComponent, "reserve lock connection", err)
		}
		r.conn = conn
	}

	var acquired bool
	err := r.conn.QueryRowxContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&acquired)
	if err != nil {
		log.Error().Err(err).Int64("lock_key", lockKey).Msg("Failed to acquire advisory lock")
		r.dropConn()
		return false, classify(outboxComponent, "acquire advisory lock", err)
	}

	if acquired {
		log.Debug().Int64("lock_key", lockKey).Msg("Successfully acquired relay advisory lock")
	} else {
		log.Debug().Int64("lock_key", lockKey).Msg("Advisory lock already held by another relay")
		r.dropConn()
	}

	return acquired, nil
}

// ReleaseRelayLock releases the PostgreSQL advisory lock
func (r *OutboxRepository) ReleaseRelayLock(ctx context.Context, lockKey int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		log.Warn().Int64("lock_key", lockKey).Msg("Advisory lock was not held when trying to release")
		return nil
	}
	defer r.dropConn()

	var released bool
	err := r.conn.QueryRowxContext(ctx, "SELECT pg_advisory_unlock($1)", lockKey).Scan(&released)
	if err != nil {
		log.Error().Err(err).Int64("lock_key", lockKey).Msg("Failed to release advisory lock")
		return classify(outboxComponent, "release advisory lock", err)
	}

	if released {
		log.Debug().Int64("lock_key", lockKey).Msg("Successfully released relay advisory lock")
	} else {
		log.Warn().Int64("lock_key", lockKey).Msg("Advisory lock was not held when trying to release")
	}

	return nil
}

func (r *OutboxRepository) dropConn() {
	if r.conn == nil {
		return
	}
	if err := r.conn.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to return lock connection to pool")
	}
	r.conn = nil
}

// FetchUnpublished fetches unpublished movements in sequence order
func (r *OutboxRepository) FetchUnpublished(ctx context.Context, limit int) ([]models.MovementRecord, error) {
	query := `
		SELECT ` + movementColumns + `
		FROM stock_movements
		WHERE published_at IS NULL
		ORDER BY sequence_id ASC
		LIMIT $1
	`

	movements := make([]models.MovementRecord, 0, limit)
	if err := r.db.SelectContext(ctx, &movements, query, limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return movements, nil
		}
		log.Error().Err(err).Msg("Failed to query unpublished movements")
		return nil, classify(outboxComponent, "query unpublished movements", err)
	}

	log.Debug().Int("count", len(movements)).Msg("Fetched movements for relay")
	return movements, nil
}

// MarkPublished marks movements as successfully published
func (r *OutboxRepository) MarkPublished(ctx context.Context, sequenceIDs []int64) error {
	if len(sequenceIDs) == 0 {
		return nil
	}

	query := `
		UPDATE stock_movements
		SET published_at = NOW()
		WHERE sequence_id = ANY($1)
	`

	result, err := r.db.ExecContext(ctx, query, pq.Array(sequenceIDs))
	if err != nil {
		log.Error().Err(err).Ints64("sequence_ids", sequenceIDs).Msg("Failed to mark movements as published")
		return classify(outboxComponent, "mark movements published", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	log.Info().
		Int("count", len(sequenceIDs)).
		Int64("rows_affected", rowsAffected).
		Msg("Marked movements as published")

	return nil
}

// RecordPublishFailure increments the publish attempts counter and records the error
func (r *OutboxRepository) RecordPublishFailure(ctx context.Context, sequenceID int64, lastError string) error {
	query := `
		UPDATE stock_movements
		SET publish_attempts = publish_attempts + 1,
		    last_error = $2
		WHERE sequence_id = $1
	`

	result, err := r.db.ExecContext(ctx, query, sequenceID, lastError)
	if err != nil {
		log.Error().Err(err).Int64("sequence_id", sequenceID).Msg("Failed to increment publish attempts")
		return classify(outboxComponent, "increment publish attempts", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rowsAffected == 0 {
		log.Warn().Int64("sequence_id", sequenceID).Msg("No movement found to increment attempts")
	} else {
		log.Debug().Int64("sequence_id", sequenceID).Str("error", lastError).Msg("Incremented publish attempts")
	}

	return nil
}
