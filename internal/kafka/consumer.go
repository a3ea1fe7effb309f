package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/models"
)

// messageReader is the part of kafka.Reader the consumer needs
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StateConsumer feeds stock state snapshots to a handler, typically the
// reader's cache.
type StateConsumer struct {
	reader  messageReader
	backoff time.Duration
}

// NewStateConsumer creates a new Kafka consumer for the state topic
func NewStateConsumer(brokers []string, consumerGroup, stateTopic string) *StateConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   stateTopic,
		GroupID: consumerGroup,

		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		MaxWait:        time.Second,

		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error().Msgf("Kafka state reader error: "+msg, args...)
		}),
	})

	return &StateConsumer{reader: reader, backoff: time.Second}
}

// Consume processes state messages until ctx is done. A snapshot that fails
// to apply is still committed: the next snapshot of the product supersedes it.
func (c *StateConsumer) Consume(ctx context.Context, handler interfaces.StateHandler) error {
	log.Info().Msg("Starting to consume stock state updates")

	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.Info().Msg("Stopping state consumption")
				return nil
			}
			log.Error().Err(err).Msg("Failed to fetch state message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		var state models.StockState
		if err := json.Unmarshal(message.Value, &state); err != nil {
			log.Error().Err(err).
				Str("topic", message.Topic).
				Int("partition", message.Partition).
				Int64("offset", message.Offset).
				Msg("Failed to unmarshal state")
		} else if err := handler.HandleState(ctx, &state); err != nil {
			log.Error().Err(err).Str("product_id", state.ProductID).Msg("Failed to handle state update")
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			log.Error().Err(err).Msg("Failed to commit state message")
		}
	}
}

// Close closes the Kafka reader
func (c *StateConsumer) Close() error {
	return c.reader.Close()
}
