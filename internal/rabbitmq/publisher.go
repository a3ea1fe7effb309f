// Package rabbitmq publishes ledger events to a topic exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/models"
)

const (
	ExchangeType = "topic"

	RoutingKeyLowStock = "alert.low_stock"
)

// channel is the part of amqp.Channel the publisher needs
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends movements, state snapshots and alerts to one durable
// topic exchange. Routing keys: movement.<kind>, state.<product>,
// alert.low_stock.
type Publisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
}

// Dial connects to RabbitMQ and declares the exchange, retrying while the
// broker starts up.
func Dial(url, exchange string) (*Publisher, error) {
	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Failed to connect to RabbitMQ")
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,     // name
		ExchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("could not declare exchange: %w", err)
	}

	log.Info().Str("exchange", exchange).Msg("Connected to RabbitMQ")
	return &Publisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// PublishMovement publishes one movement log entry
func (p *Publisher) PublishMovement(ctx context.Context, movement *models.MovementRecord) error {
	headers := amqp.Table{
		"product-id":  movement.ProductID,
		"sequence-id": strconv.FormatInt(movement.SequenceID, 10),
	}
	return p.publish(ctx, "movement."+strings.ToLower(string(movement.Kind)), movement, headers)
}

// PublishState publishes a stock snapshot
func (p *Publisher) PublishState(ctx context.Context, state *models.StockState) error {
	return p.publish(ctx, "state."+state.ProductID, state, amqp.Table{"product-id": state.ProductID})
}

// PublishLowStock publishes a low-stock alert
func (p *Publisher) PublishLowStock(ctx context.Context, alert *models.LowStockAlert) error {
	return p.publish(ctx, RoutingKeyLowStock, alert, amqp.Table{"product-id": alert.ProductID})
}

func (p *Publisher) publish(ctx context.Context, routingKey string, payload any, headers amqp.Table) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("could not marshal %s: %w", routingKey, err)
	}

	err = p.ch.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers:      headers,
			Body:         body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to publish to RabbitMQ")
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	log.Debug().Str("routing_key", routingKey).Msg("Published to RabbitMQ")
	return nil
}

// Close closes the channel and the connection
func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close RabbitMQ channel")
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

var _ interfaces.MessagePublisher = (*Publisher)(nil)
