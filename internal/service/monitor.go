package service

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog/log"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/metrics"
	"stock-ledger/internal/models"
)

// MonitorConfig holds low-stock scan settings
type MonitorConfig struct {
	DefaultThreshold int64
	PageSize         int
	Interval         time.Duration
}

// Validate validates the monitor configuration
func (c MonitorConfig) Validate() error {
	if c.DefaultThreshold < 0 {
		return fmt.Errorf("default threshold must not be negative, got %d", c.DefaultThreshold)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	return nil
}

// LowStockMonitor scans committed stock records for products whose available
// quantity is under a threshold. It never writes.
type LowStockMonitor struct {
	ledger    *Ledger
	publisher interfaces.MessagePublisher
	clock     interfaces.Clock
	config    MonitorConfig
}

// NewLowStockMonitor creates a new monitor. publisher may be nil when alerts
// are not needed.
func NewLowStockMonitor(ledger *Ledger, publisher interfaces.MessagePublisher, clock interfaces.Clock, config MonitorConfig) (*LowStockMonitor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor configuration: %w", err)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &LowStockMonitor{ledger: ledger, publisher: publisher, clock: clock, config: config}, nil
}

// DefaultThreshold is used when a caller supplies none
func (m *LowStockMonitor) DefaultThreshold() int64 { return m.config.DefaultThreshold }

// Scan lazily yields every record with available < threshold in product id
// order, one page at a time.
func (m *LowStockMonitor) Scan(ctx context.Context, threshold int64) iter.Seq2[models.StockRecord, error] {
	return m.ScanFrom(ctx, threshold, "")
}

// ScanFrom resumes a scan after afterProductID.
func (m *LowStockMonitor) ScanFrom(ctx context.Context, threshold int64, afterProductID string) iter.Seq2[models.StockRecord, error] {
	return func(yield func(models.StockRecord, error) bool) {
		after := afterProductID
		for {
			page, err := m.ledger.BelowThresholdPage(ctx, threshold, after, m.config.PageSize)
			if err != nil {
				yield(models.StockRecord{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < m.config.PageSize {
				return
			}
			after = page[len(page)-1].ProductID
		}
	}
}

// Page collects at most limit items of a scan and returns the product id to
// resume from, empty when the scan is exhausted.
func (m *LowStockMonitor) Page(ctx context.Context, threshold int64, afterProductID string, limit int) ([]models.StockRecord, string, error) {
	if limit < 1 {
		return nil, "", models.NewValidationError("limit", "limit must be positive", limit)
	}
	items := make([]models.StockRecord, 0, limit)
	for rec, err := range m.ScanFrom(ctx, threshold, afterProductID) {
		if err != nil {
			return nil, "", err
		}
		if len(items) == limit {
			return items, items[len(items)-1].ProductID, nil
		}
		items = append(items, rec)
	}
	return items, "", nil
}

// Run publishes a LowStockAlert for every item under the default threshold
// once per interval until ctx is done.
func (m *LowStockMonitor) Run(ctx context.Context) error {
	log.Info().
		Int64("threshold", m.config.DefaultThreshold).
		Dur("interval", m.config.Interval).
		Msg("Starting low-stock monitor")

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Low-stock monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("Low-stock scan failed")
			}
		}
	}
}

// Tick runs one scan and publishes its alerts. It returns the number of
// products found under the threshold.
func (m *LowStockMonitor) Tick(ctx context.Context) (int, error) {
	threshold := m.config.DefaultThreshold
	detected := m.clock.Now()
	found := 0

	for rec, err := range m.Scan(ctx, threshold) {
		if err != nil {
			return found, err
		}
		found++
		if m.publisher == nil {
			continue
		}
		alert := &models.LowStockAlert{
			ProductID:         rec.ProductID,
			AvailableQuantity: rec.Available(),
			Threshold:         threshold,
			Version:           rec.Version,
			DetectedAt:        detected,
		}
		if err := m.publisher.PublishLowStock(ctx, alert); err != nil {
			log.Warn().Err(err).Str("product_id", rec.ProductID).Msg("Failed to publish low-stock alert")
		}
	}

	metrics.SetLowStockItems(found)
	log.Debug().Int("items", found).Int64("threshold", threshold).Msg("Low-stock scan complete")
	return found, nil
}

var _ interfaces.LowStockScanner = (*LowStockMonitor)(nil)
