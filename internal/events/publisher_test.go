package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDecisionPublisher_PublishAwait(t *testing.T) {
	producer := NewMemoryProducer(zaptest.NewLogger(t))
	publisher := NewDecisionPublisher(producer, DefaultPublisherConfig(), zaptest.NewLogger(t))

	envelope := map[string]interface{}{"decision": "DECLINE", "transaction_id": "tx-1"}
	require.NoError(t, publisher.PublishAwait(context.Background(), "tx-1", envelope))

	messages := producer.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, DecisionTopic, messages[0].Topic)
	assert.Equal(t, "tx-1", string(messages[0].Key))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(messages[0].Value, &decoded))
	assert.Equal(t, "DECLINE", decoded["decision"])
}

func TestDecisionPublisher_ClosedProducerErrors(t *testing.T) {
	producer := NewMemoryProducer(zaptest.NewLogger(t))
	publisher := NewDecisionPublisher(producer, DefaultPublisherConfig(), zaptest.NewLogger(t))

	require.NoError(t, publisher.Close())

	err := publisher.PublishAwait(context.Background(), "tx-1", map[string]interface{}{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProducerClosed)
}

func TestDecisionPublisher_UnserializableEnvelope(t *testing.T) {
	producer := NewMemoryProducer(zaptest.NewLogger(t))
	publisher := NewDecisionPublisher(producer, DefaultPublisherConfig(), zaptest.NewLogger(t))

	err := publisher.PublishAwait(context.Background(), "tx-1", make(chan int))
	require.Error(t, err)
	assert.Empty(t, producer.Messages())
}

func TestDecisionPublisher_Timeout(t *testing.T) {
	publisher := NewDecisionPublisher(slowProducer{delay: time.Second}, PublisherConfig{
		Topic:          DecisionTopic,
		PublishTimeout: 20 * time.Millisecond,
	}, zaptest.NewLogger(t))

	start := time.Now()
	err := publisher.PublishAwait(context.Background(), "tx-1", map[string]interface{}{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

type slowProducer struct {
	delay time.Duration
}

func (p slowProducer) SendMessage(string, []byte, []byte) error {
	time.Sleep(p.delay)
	return nil
}

func (p slowProducer) Close() error { return nil }
