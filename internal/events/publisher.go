// Package events publishes decision envelopes to the downstream event bus.
// Delivery is at-least-once; consumers dedupe on decision_id.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DecisionTopic is the bus topic every decision is published to, keyed by
// transaction id for per-card ordering at the partition level.
const DecisionTopic = "fraud.card.decisions.v1"

// Producer is the broker client surface the publisher needs. The concrete
// producer (Kafka in production) is injected at wiring time.
type Producer interface {
	SendMessage(topic string, key, value []byte) error
	Close() error
}

// PublisherConfig tunes the decision publisher.
type PublisherConfig struct {
	Topic          string
	PublishTimeout time.Duration
}

// DefaultPublisherConfig returns production defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Topic:          DecisionTopic,
		PublishTimeout: 5 * time.Second,
	}
}

// DecisionPublisher serializes decisions and sends them through the producer
// with a synchronous await.
type DecisionPublisher struct {
	producer Producer
	config   PublisherConfig
	logger   *zap.Logger
}

// NewDecisionPublisher creates a publisher over an established producer.
func NewDecisionPublisher(producer Producer, config PublisherConfig, logger *zap.Logger) *DecisionPublisher {
	if config.Topic == "" {
		config.Topic = DecisionTopic
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	return &DecisionPublisher{
		producer: producer,
		config:   config,
		logger:   logger,
	}
}

// PublishAwait publishes one decision envelope and waits for the broker ack,
// bounded by the configured timeout.
func (p *DecisionPublisher) PublishAwait(ctx context.Context, transactionID string, envelope interface{}) error {
	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal decision envelope: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.producer.SendMessage(p.config.Topic, []byte(transactionID), value)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to publish decision: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		p.logger.Warn("decision publish timed out",
			zap.String("transaction_id", transactionID),
			zap.String("topic", p.config.Topic))
		return sendCtx.Err()
	}
}

// Close shuts down the underlying producer.
func (p *DecisionPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
