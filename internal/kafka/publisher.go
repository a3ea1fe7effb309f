package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/models"
)

// Header keys carried by every ledger message
const (
	HeaderEventType  = "event-type"
	HeaderProductID  = "product-id"
	HeaderSequenceID = "sequence-id"
)

// Event types
const (
	EventTypeMovement = "stock.movement"
	EventTypeState    = "stock.state"
	EventTypeLowStock = "stock.low_stock"
)

// messageWriter is the part of kafka.Writer the publisher needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher handles publishing ledger events to Kafka
type Publisher struct {
	movementsWriter messageWriter
	stateWriter     messageWriter
	alertsWriter    messageWriter
}

// Topics names the three ledger topics
type Topics struct {
	Movements string
	State     string
	Alerts    string
}

// NewPublisher creates a new Kafka publisher
func NewPublisher(brokers []string, topics Topics) *Publisher {
	return &Publisher{
		movementsWriter: newWriter(brokers, topics.Movements),
		stateWriter:     newWriter(brokers, topics.State),
		alertsWriter:    newWriter(brokers, topics.Alerts),
	}
}

// Hash balancer routes every message keyed by one product to the same
// partition, preserving per-product order.
func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,

		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    1,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
	}
}

// PublishMovement publishes one movement log entry
func (p *Publisher) PublishMovement(ctx context.Context, movement *models.MovementRecord) error {
	data, err := json.Marshal(movement)
	if err != nil {
		return fmt.Errorf("failed to marshal movement: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(movement.ProductID),
		Value: data,
		Time:  movement.Timestamp,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(EventTypeMovement)},
			{Key: HeaderProductID, Value: []byte(movement.ProductID)},
			{Key: HeaderSequenceID, Value: []byte(strconv.FormatInt(movement.SequenceID, 10))},
		},
	}

	if err := p.movementsWriter.WriteMessages(ctx, message); err != nil {
		log.Error().Err(err).
			Str("product_id", movement.ProductID).
			Int64("sequence_id", movement.SequenceID).
			Msg("Failed to publish movement")
		return fmt.Errorf("failed to publish movement: %w", err)
	}

	log.Debug().
		Str("product_id", movement.ProductID).
		Str("kind", string(movement.Kind)).
		Int64("sequence_id", movement.SequenceID).
		Msg("Published movement")
	return nil
}

// PublishState publishes a stock snapshot to the state topic
func (p *Publisher) PublishState(ctx context.Context, state *models.StockState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(state.ProductID),
		Value: data,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(EventTypeState)},
			{Key: HeaderProductID, Value: []byte(state.ProductID)},
		},
	}

	if err := p.stateWriter.WriteMessages(ctx, message); err != nil {
		log.Error().Err(err).Str("product_id", state.ProductID).Msg("Failed to publish state")
		return fmt.Errorf("failed to publish state: %w", err)
	}

	log.Debug().
		Str("product_id", state.ProductID).
		Int64("available_quantity", state.AvailableQuantity).
		Int64("reserved_quantity", state.ReservedQuantity).
		Int64("version", state.Version).
		Msg("Published state")
	return nil
}

// PublishLowStock publishes a low-stock alert
func (p *Publisher) PublishLowStock(ctx context.Context, alert *models.LowStockAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal low-stock alert: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(alert.ProductID),
		Value: data,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(EventTypeLowStock)},
			{Key: HeaderProductID, Value: []byte(alert.ProductID)},
		},
	}

	if err := p.alertsWriter.WriteMessages(ctx, message); err != nil {
		log.Error().Err(err).Str("product_id", alert.ProductID).Msg("Failed to publish low-stock alert")
		return fmt.Errorf("failed to publish low-stock alert: %w", err)
	}
	return nil
}

// Close closes the Kafka writers
func (p *Publisher) Close() error {
	var errs []error
	if err := p.movementsWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close movements writer: %w", err))
	}
	if err := p.stateWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close state writer: %w", err))
	}
	if err := p.alertsWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close alerts writer: %w", err))
	}
	return errors.Join(errs...)
}

var _ interfaces.MessagePublisher = (*Publisher)(nil)
