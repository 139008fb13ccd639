package outbox

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// payloadField is the single stream entry field carrying the JSON record.
const payloadField = "payload"

// StreamConfig names the Redis Stream the outbox appends to and the consumer
// group the publisher reads with.
type StreamConfig struct {
	Stream    string
	Group     string
	Consumer  string
	ReadCount int64
}

// DefaultStreamConfig returns production defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Stream:    "outbox:auth:decisions",
		Group:     "auth-publishers",
		Consumer:  "publisher-1",
		ReadCount: 100,
	}
}

// Entry is one delivered stream entry.
type Entry struct {
	ID      string
	Payload []byte
}

// PendingSummary samples the delivered-but-unacked backlog.
type PendingSummary struct {
	TotalPending int64
	OldestIdleMs int64
}

// Stream wraps the Redis Stream operations the outbox needs: durable append,
// consumer-group reads, pending reclaim and acks.
type Stream struct {
	client *redis.Client
	config StreamConfig
	logger *zap.Logger
}

// NewStream creates the wrapper and ensures the consumer group exists.
func NewStream(ctx context.Context, client *redis.Client, config StreamConfig, logger *zap.Logger) (*Stream, error) {
	s := &Stream{
		client: client,
		config: config,
		logger: logger,
	}

	err := client.XGroupCreateMkStream(ctx, config.Stream, config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, err
	}
	return s, nil
}

// Ping checks that the backing store is reachable.
func (s *Stream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Append durably adds one payload to the stream and returns the entry id.
func (s *Stream) Append(ctx context.Context, payload []byte) (string, error) {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.config.Stream,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
}

// ReadBatch fetches the next batch of undelivered entries for this consumer.
// Returns an empty slice when nothing is ready.
func (s *Stream) ReadBatch(ctx context.Context) ([]Entry, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.config.Group,
		Consumer: s.config.Consumer,
		Streams:  []string{s.config.Stream, ">"},
		Count:    s.config.ReadCount,
		Block:    -1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return s.collect(streams), nil
}

// ClaimPending transfers ownership of entries idle longer than minIdle to
// this consumer, up to count entries. These are deliveries a crashed or
// stalled worker never acked.
func (s *Stream) ClaimPending(ctx context.Context, minIdle time.Duration, count int64) ([]Entry, error) {
	messages, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.config.Stream,
		Group:    s.config.Group,
		Consumer: s.config.Consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, toEntry(msg))
	}
	return entries, nil
}

// Ack marks an entry processed; it will never be redelivered.
func (s *Stream) Ack(ctx context.Context, entryID string) error {
	return s.client.XAck(ctx, s.config.Stream, s.config.Group, entryID).Err()
}

// Pending samples the current pending backlog.
func (s *Stream) Pending(ctx context.Context) (*PendingSummary, error) {
	pending, err := s.client.XPending(ctx, s.config.Stream, s.config.Group).Result()
	if err != nil {
		if err == redis.Nil {
			return &PendingSummary{}, nil
		}
		return nil, err
	}

	summary := &PendingSummary{TotalPending: pending.Count}
	if pending.Count > 0 {
		ext, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.config.Stream,
			Group:  s.config.Group,
			Start:  "-",
			End:    "+",
			Count:  1,
		}).Result()
		if err == nil && len(ext) > 0 {
			summary.OldestIdleMs = ext[0].Idle.Milliseconds()
		}
	}
	return summary, nil
}

func (s *Stream) collect(streams []redis.XStream) []Entry {
	var entries []Entry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			entries = append(entries, toEntry(msg))
		}
	}
	return entries
}

func toEntry(msg redis.XMessage) Entry {
	entry := Entry{ID: msg.ID}
	if raw, ok := msg.Values[payloadField]; ok {
		if text, ok := raw.(string); ok {
			entry.Payload = []byte(text)
		}
	}
	return entry
}
