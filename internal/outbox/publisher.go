package outbox

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/card-decision-engine/internal/events"
	"github.com/davidleathers/card-decision-engine/internal/infrastructure/metrics"
)

// PublisherConfig tunes the stream-to-bus worker loop.
type PublisherConfig struct {
	PollInterval           time.Duration
	PendingMinIdle         time.Duration
	PendingClaimCount      int64
	PendingSummaryInterval time.Duration
}

// DefaultPublisherConfig returns production defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		PollInterval:           50 * time.Millisecond,
		PendingMinIdle:         60 * time.Second,
		PendingClaimCount:      50,
		PendingSummaryInterval: 5 * time.Second,
	}
}

// PublisherWorker consumes the outbox stream and publishes each decision to
// the event bus. Entries are acked only after a successful publish, so a
// crashed worker's deliveries are reclaimed and retried (at-least-once).
type PublisherWorker struct {
	stream    *Stream
	publisher *events.DecisionPublisher
	config    PublisherConfig
	logger    *zap.Logger
	metrics   *metrics.EngineMetrics

	nextSummaryAt time.Time
}

// NewPublisherWorker creates the worker.
func NewPublisherWorker(stream *Stream, publisher *events.DecisionPublisher, config PublisherConfig, logger *zap.Logger, m *metrics.EngineMetrics) *PublisherWorker {
	defaults := DefaultPublisherConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.PendingMinIdle <= 0 {
		config.PendingMinIdle = defaults.PendingMinIdle
	}
	if config.PendingClaimCount <= 0 {
		config.PendingClaimCount = defaults.PendingClaimCount
	}
	if config.PendingSummaryInterval <= 0 {
		config.PendingSummaryInterval = defaults.PendingSummaryInterval
	}
	return &PublisherWorker{
		stream:    stream,
		publisher: publisher,
		config:    config,
		logger:    logger,
		metrics:   m,
	}
}

// Run polls the stream until the context is cancelled. Single logical
// consumer; horizontal scale comes from replicas.
func (w *PublisherWorker) Run(ctx context.Context) {
	w.logger.Info("outbox publisher started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Duration("pending_min_idle", w.config.PendingMinIdle),
		zap.Int64("pending_claim_count", w.config.PendingClaimCount))

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll runs one worker tick: refresh the pending summary when due, reclaim
// stalled deliveries, then process the next read batch.
func (w *PublisherWorker) Poll(ctx context.Context) {
	w.refreshPendingSummaryIfDue(ctx)

	reclaimed, err := w.stream.ClaimPending(ctx, w.config.PendingMinIdle, w.config.PendingClaimCount)
	if err != nil {
		w.logger.Error("pending reclaim failed", zap.Error(err))
	} else if len(reclaimed) > 0 {
		w.metrics.PendingReclaimed.Add(float64(len(reclaimed)))
		for _, entry := range reclaimed {
			w.processEntry(ctx, entry)
		}
	}

	entries, err := w.stream.ReadBatch(ctx)
	if err != nil {
		w.logger.Error("outbox read failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		w.processEntry(ctx, entry)
	}
}

func (w *PublisherWorker) processEntry(ctx context.Context, entry Entry) {
	if len(entry.Payload) == 0 {
		w.logger.Warn("outbox entry missing payload, acking", zap.String("entry_id", entry.ID))
		w.ack(ctx, entry.ID)
		return
	}

	var record Record
	if err := json.Unmarshal(entry.Payload, &record); err != nil {
		w.logger.Warn("outbox entry not decodable, acking",
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		w.ack(ctx, entry.ID)
		return
	}
	if record.Transaction == nil || record.AuthDecision == nil {
		w.logger.Warn("outbox entry missing transaction or decision, acking",
			zap.String("entry_id", entry.ID))
		w.ack(ctx, entry.ID)
		return
	}

	if record.AuthDecision.Transaction == nil {
		record.AuthDecision.Transaction = record.Transaction
	}

	start := time.Now()
	if err := w.publisher.PublishAwait(ctx, record.AuthDecision.TransactionID, record.AuthDecision); err != nil {
		w.metrics.PublishFailures.Inc()
		w.logger.Error("decision publish failed, leaving entry pending",
			zap.String("entry_id", entry.ID),
			zap.String("transaction_id", record.AuthDecision.TransactionID),
			zap.Error(err))
		// No ack; the entry retries via the reclaim path.
		return
	}

	w.metrics.PublishSuccess.Inc()
	w.metrics.PublishLatency.Observe(time.Since(start).Seconds())
	w.updateLag(entry.ID)
	w.ack(ctx, entry.ID)
}

func (w *PublisherWorker) ack(ctx context.Context, entryID string) {
	if err := w.stream.Ack(ctx, entryID); err != nil {
		w.logger.Error("outbox ack failed", zap.String("entry_id", entryID), zap.Error(err))
	}
}

func (w *PublisherWorker) updateLag(entryID string) {
	entryMs := EntryTimestampMs(entryID)
	if entryMs <= 0 {
		return
	}
	lagSeconds := (time.Now().UnixMilli() - entryMs) / 1000
	if lagSeconds < 0 {
		lagSeconds = 0
	}
	w.metrics.OutboxLagSeconds.Set(float64(lagSeconds))
}

func (w *PublisherWorker) refreshPendingSummaryIfDue(ctx context.Context) {
	now := time.Now()
	if now.Before(w.nextSummaryAt) {
		return
	}
	w.nextSummaryAt = now.Add(w.config.PendingSummaryInterval)

	summary, err := w.stream.Pending(ctx)
	if err != nil {
		w.logger.Warn("pending summary failed", zap.Error(err))
		return
	}
	w.metrics.OutboxPendingTotal.Set(float64(summary.TotalPending))
	w.metrics.OutboxOldestIdleMs.Set(float64(summary.OldestIdleMs))
}
