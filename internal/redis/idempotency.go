package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/models"
)

const idempotencyComponent = "redis-idempotency"

// IdempotencyStore keeps idempotency entries in Redis. Retention is enforced
// by key expiry, so there is nothing to sweep.
type IdempotencyStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewIdempotencyStore creates a Redis idempotency store
func NewIdempotencyStore(client redis.UniversalClient, keyPrefix string) *IdempotencyStore {
	return &IdempotencyStore{client: client, keyPrefix: keyPrefix}
}

// GetIdempotencyEntry returns nil, nil on a miss
func (s *IdempotencyStore) GetIdempotencyEntry(ctx context.Context, key string) (*models.IdempotencyEntry, error) {
	val, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		log.Error().Err(err).Str("idempotency_key", key).Msg("Failed to get idempotency entry")
		return nil, models.NewStorageError(idempotencyComponent, "get entry", err)
	}

	var entry models.IdempotencyEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency entry: %w", err)
	}
	return &entry, nil
}

// SaveIdempotencyEntry stores the entry only if the key is free
func (s *IdempotencyStore) SaveIdempotencyEntry(ctx context.Context, entry *models.IdempotencyEntry) error {
	ttl := entry.ExpiresAt.Sub(entry.CreatedAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency entry: %w", err)
	}

	stored, err := s.client.SetNX(ctx, s.entryKey(entry.Key), data, ttl).Result()
	if err != nil {
		log.Error().Err(err).Str("idempotency_key", entry.Key).Msg("Failed to save idempotency entry")
		return models.NewStorageError(idempotencyComponent, "save entry", err)
	}
	if !stored {
		log.Debug().Str("idempotency_key", entry.Key).Msg("Idempotency key already recorded")
	}
	return nil
}

// DeleteExpiredIdempotencyEntries is a no-op: Redis expires keys itself.
func (s *IdempotencyStore) DeleteExpiredIdempotencyEntries(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *IdempotencyStore) entryKey(key string) string {
	return fmt.Sprintf("%sidem:%s", s.keyPrefix, key)
}

var _ interfaces.IdempotencyStore = (*IdempotencyStore)(nil)
