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

// setIfNewer writes the snapshot unless the cached one carries the same or a
// higher version. Snapshots may arrive out of order after a consumer
// rebalance.
const setIfNewer = `
local current = redis.call('GET', KEYS[1])
if current then
	local ok, decoded = pcall(cjson.decode, current)
	if ok and decoded['version'] and tonumber(decoded['version']) >= tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`

// CacheClient wraps Redis client for stock snapshot caching with cluster support
type CacheClient struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
}

// Options configures the Redis connection
type Options struct {
	Addrs       []string
	Password    string
	ClusterMode bool
	PoolSize    int
}

// NewUniversalClient creates a single-node or cluster client
func NewUniversalClient(opts Options) redis.UniversalClient {
	if opts.ClusterMode {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:          opts.Addrs,
			Password:       opts.Password,
			MaxRetries:     3,
			PoolSize:       opts.PoolSize,
			MinIdleConns:   5,
			PoolTimeout:    30 * time.Second,
			MaxRedirects:   8,
			RouteByLatency: true,
		})
	}

	addr := "localhost:6379"
	if len(opts.Addrs) > 0 {
		addr = opts.Addrs[0]
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       0,
		PoolSize: opts.PoolSize,
	})
}

// NewCacheClient creates a new Redis cache client
func NewCacheClient(client redis.UniversalClient, ttl time.Duration, keyPrefix string) *CacheClient {
	return &CacheClient{
		client:    client,
		ttl:       ttl,
		keyPrefix: keyPrefix,
	}
}

// GetStock retrieves a cached stock record; a miss returns nil, nil
func (c *CacheClient) GetStock(ctx context.Context, productID string) (*models.StockRecord, error) {
	val, err := c.client.Get(ctx, c.stockKey(productID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		log.Error().Err(err).Str("product_id", productID).Msg("Failed to get stock from cache")
		return nil, fmt.Errorf("failed to get stock from cache: %w", err)
	}

	var rec models.StockRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		log.Error().Err(err).Str("product_id", productID).Msg("Failed to unmarshal cached stock")
		return nil, fmt.Errorf("failed to unmarshal cached stock: %w", err)
	}

	log.Debug().Str("product_id", productID).Msg("Cache hit for stock")
	return &rec, nil
}

// SetStock stores a stock record in cache
func (c *CacheClient) SetStock(ctx context.Context, record *models.StockRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal stock: %w", err)
	}

	if err := c.client.Set(ctx, c.stockKey(record.ProductID), data, c.ttl).Err(); err != nil {
		log.Error().Err(err).Str("product_id", record.ProductID).Msg("Failed to set stock in cache")
		return fmt.Errorf("failed to set stock in cache: %w", err)
	}

	log.Debug().Str("product_id", record.ProductID).Int64("version", record.Version).Msg("Cached stock")
	return nil
}

// DeleteStock removes a product from cache
func (c *CacheClient) DeleteStock(ctx context.Context, productID string) error {
	if err := c.client.Del(ctx, c.stockKey(productID)).Err(); err != nil {
		log.Error().Err(err).Str("product_id", productID).Msg("Failed to delete stock from cache")
		return fmt.Errorf("failed to delete stock from cache: %w", err)
	}

	log.Debug().Str("product_id", productID).Msg("Deleted stock from cache")
	return nil
}

// UpdateStockFromState caches a state snapshot if it is newer than the
// cached one
func (c *CacheClient) UpdateStockFromState(ctx context.Context, state *models.StockState) error {
	data, err := json.Marshal(state.Record())
	if err != nil {
		return fmt.Errorf("failed to marshal stock: %w", err)
	}

	written, err := c.client.Eval(ctx, setIfNewer, []string{c.stockKey(state.ProductID)},
		string(data), state.Version, c.ttl.Milliseconds()).Int64()
	if err != nil {
		log.Error().Err(err).Str("product_id", state.ProductID).Msg("Failed to apply state to cache")
		return fmt.Errorf("failed to apply state to cache: %w", err)
	}

	if written == 0 {
		log.Debug().Str("product_id", state.ProductID).Int64("version", state.Version).Msg("Ignored stale state snapshot")
	}
	return nil
}

// Ping checks if Redis is available
func (c *CacheClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *CacheClient) Close() error {
	return c.client.Close()
}

func (c *CacheClient) stockKey(productID string) string {
	return fmt.Sprintf("%sstock:%s", c.keyPrefix, productID)
}

var _ interfaces.CacheRepository = (*CacheClient)(nil)
