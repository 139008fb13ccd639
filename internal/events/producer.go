package events

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrProducerClosed is returned when sending through a closed producer.
var ErrProducerClosed = errors.New("producer is closed")

// ProducerMessage is one record handed to a producer.
type ProducerMessage struct {
	Topic     string
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// MemoryProducer buffers messages in memory. It stands in for the broker
// client in tests and in deployments where the bus is not reachable yet;
// swap in a real Kafka producer at wiring time.
type MemoryProducer struct {
	mu       sync.Mutex
	messages []ProducerMessage
	closed   bool
	logger   *zap.Logger
}

// NewMemoryProducer creates an empty in-memory producer.
func NewMemoryProducer(logger *zap.Logger) *MemoryProducer {
	return &MemoryProducer{
		messages: make([]ProducerMessage, 0),
		logger:   logger,
	}
}

func (p *MemoryProducer) SendMessage(topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProducerClosed
	}
	p.messages = append(p.messages, ProducerMessage{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
	})
	if p.logger != nil {
		p.logger.Debug("message buffered",
			zap.String("topic", topic),
			zap.ByteString("key", key),
			zap.Int("size", len(value)))
	}
	return nil
}

func (p *MemoryProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Messages returns a copy of everything sent so far.
func (p *MemoryProducer) Messages() []ProducerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProducerMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
