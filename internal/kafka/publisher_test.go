package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stock-ledger/internal/models"
)

type MockWriter struct {
	mock.Mock
	written []kafka.Message
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	if args.Error(0) == nil {
		m.written = append(m.written, msgs...)
	}
	return args.Error(0)
}

func (m *MockWriter) Close() error {
	return m.Called().Error(0)
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func newTestPublisher() (*Publisher, *MockWriter, *MockWriter, *MockWriter) {
	movements, state, alerts := new(MockWriter), new(MockWriter), new(MockWriter)
	return &Publisher{movementsWriter: movements, stateWriter: state, alertsWriter: alerts}, movements, state, alerts
}

func TestPublisher_PublishMovementKeyedByProduct(t *testing.T) {
	p, movements, _, _ := newTestPublisher()
	movements.On("WriteMessages", mock.Anything, mock.Anything).Return(nil)

	err := p.PublishMovement(context.Background(), &models.MovementRecord{
		SequenceID: 42,
		ProductID:  "P1",
		Delta:      200,
		Kind:       models.MovementKindBulkAdjust,
	})
	require.NoError(t, err)

	require.Len(t, movements.written, 1)
	msg := movements.written[0]
	assert.Equal(t, "P1", string(msg.Key))
	assert.Equal(t, EventTypeMovement, header(msg, HeaderEventType))
	assert.Equal(t, "42", header(msg, HeaderSequenceID))

	var decoded models.MovementRecord
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, int64(200), decoded.Delta)
}

func TestPublisher_PublishStateAndAlertUseOwnTopics(t *testing.T) {
	p, movements, state, alerts := newTestPublisher()
	state.On("WriteMessages", mock.Anything, mock.Anything).Return(nil)
	alerts.On("WriteMessages", mock.Anything, mock.Anything).Return(nil)

	rec := &models.StockRecord{ProductID: "P2", TotalQuantity: 3, Version: 9}
	require.NoError(t, p.PublishState(context.Background(), models.NewStockState(rec)))
	require.NoError(t, p.PublishLowStock(context.Background(), &models.LowStockAlert{ProductID: "P2", AvailableQuantity: 3, Threshold: 10}))

	assert.Len(t, state.written, 1)
	assert.Len(t, alerts.written, 1)
	assert.Empty(t, movements.written)
	assert.Equal(t, EventTypeLowStock, header(alerts.written[0], HeaderEventType))
}

func TestPublisher_WriteError(t *testing.T) {
	p, movements, _, _ := newTestPublisher()
	movements.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("leader not available"))

	err := p.PublishMovement(context.Background(), &models.MovementRecord{ProductID: "P1", Kind: models.MovementKindRestock})
	assert.ErrorContains(t, err, "leader not available")
}

func TestPublisher_CloseJoinsErrors(t *testing.T) {
	p, movements, state, alerts := newTestPublisher()
	movements.On("Close").Return(nil)
	state.On("Close").Return(errors.New("state boom"))
	alerts.On("Close").Return(errors.New("alerts boom"))

	err := p.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state boom")
	assert.Contains(t, err.Error(), "alerts boom")
}
