package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/models"
)

const cacheWriteTimeout = 5 * time.Second

// StockGetter is the part of the ledger the reader falls back to
type StockGetter interface {
	Get(ctx context.Context, productID string) (*models.StockRecord, error)
}

// StockReader serves availability from the snapshot cache and falls back to
// the ledger on a miss. Concurrent misses for one product share a single
// ledger read.
type StockReader struct {
	cache  interfaces.CacheRepository
	ledger StockGetter
	group  singleflight.Group
}

// NewStockReader creates a new cache-first reader
func NewStockReader(cache interfaces.CacheRepository, ledger StockGetter) *StockReader {
	return &StockReader{cache: cache, ledger: ledger}
}

// GetAvailability returns stock availability, checking cache first
func (r *StockReader) GetAvailability(ctx context.Context, productID string) (*models.StockResponse, error) {
	rec, err := r.cache.GetStock(ctx, productID)
	if err != nil {
		log.Error().Err(err).Str("product_id", productID).Msg("Cache error, falling back to ledger")
	}
	if rec != nil {
		resp := models.NewStockResponse(rec)
		resp.CacheHit = true
		return resp, nil
	}

	v, err, shared := r.group.Do(productID, func() (any, error) {
		rec, err := r.ledger.Get(ctx, productID)
		if err != nil {
			return nil, err
		}
		r.fill(ctx, rec)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("product_id", productID).Bool("shared", shared).Msg("Cache miss served from ledger")
	return models.NewStockResponse(v.(*models.StockRecord)), nil
}

// HandleState applies a state snapshot consumed from the event stream
func (r *StockReader) HandleState(ctx context.Context, state *models.StockState) error {
	if err := r.cache.UpdateStockFromState(ctx, state); err != nil {
		log.Error().Err(err).Str("product_id", state.ProductID).Msg("Failed to apply stock state")
		return err
	}
	log.Debug().Str("product_id", state.ProductID).Int64("version", state.Version).Msg("Stock state applied")
	return nil
}

func (r *StockReader) fill(ctx context.Context, rec *models.StockRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()

	if err := r.cache.SetStock(ctx, rec); err != nil {
		log.Error().Err(err).Str("product_id", rec.ProductID).Msg("Failed to update cache")
	}
}

var (
	_ interfaces.StockReader  = (*StockReader)(nil)
	_ interfaces.StateHandler = (*StockReader)(nil)
)
