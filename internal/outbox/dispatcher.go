package outbox

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/card-decision-engine/internal/domain/decision"
	"github.com/davidleathers/card-decision-engine/internal/domain/transaction"
	"github.com/davidleathers/card-decision-engine/internal/infrastructure/metrics"
)

// DispatcherConfig tunes the in-process queue, the stream append retry
// budget, and how often an unavailable store is probed for recovery.
type DispatcherConfig struct {
	QueueSize      int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ProbeInterval  time.Duration
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:      4096,
		MaxRetries:     5,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		ProbeInterval:  time.Second,
	}
}

// queued is a record frozen at enqueue time. Serializing on the request
// thread keeps the worker from racing later mutations of the decision.
type queued struct {
	payload       []byte
	transactionID string
}

// Dispatcher moves AUTH decisions off the request path. EnqueueAuth never
// blocks and never errors; a dedicated worker appends queued records to the
// durable stream.
type Dispatcher struct {
	stream  *Stream
	config  DispatcherConfig
	logger  *zap.Logger
	metrics *metrics.EngineMetrics

	queue       chan queued
	unavailable atomic.Bool
}

// NewDispatcher creates a dispatcher over an initialized stream.
func NewDispatcher(stream *Stream, config DispatcherConfig, logger *zap.Logger, m *metrics.EngineMetrics) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultDispatcherConfig().QueueSize
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultDispatcherConfig().InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = DefaultDispatcherConfig().MaxBackoff
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultDispatcherConfig().ProbeInterval
	}
	return &Dispatcher{
		stream:  stream,
		config:  config,
		logger:  logger,
		metrics: m,
		queue:   make(chan queued, config.QueueSize),
	}
}

// EnqueueAuth accepts an AUTH decision for durable dispatch. When the queue
// is full the oldest pending record is dropped and counted; the request
// thread is never blocked. The serialize-and-handoff duration is recorded on
// the decision's timing breakdown.
func (d *Dispatcher) EnqueueAuth(tx *transaction.Transaction, dec *decision.Decision) {
	start := time.Now()
	record := &Record{
		Transaction:  tx,
		AuthDecision: dec,
		EnqueuedAt:   time.Now().UTC(),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		d.logger.Error("outbox record not serializable, dropping",
			zap.String("transaction_id", tx.TransactionID),
			zap.Error(err))
		return
	}
	item := queued{payload: payload, transactionID: tx.TransactionID}

	select {
	case d.queue <- item:
	default:
		// Queue full: shed the oldest record, then try once more. If a
		// concurrent producer wins the slot, this record is the one shed.
		select {
		case <-d.queue:
			d.metrics.OutboxDropped.Inc()
		default:
		}
		select {
		case d.queue <- item:
		default:
			d.metrics.OutboxDropped.Inc()
			d.metrics.OutboxDepth.Set(float64(len(d.queue)))
			return
		}
	}

	d.metrics.OutboxEnqueued.Inc()
	d.metrics.OutboxDepth.Set(float64(len(d.queue)))
	if dec.Timing != nil {
		dec.Timing.SetOutboxEnqueue(float64(time.Since(start).Nanoseconds()) / 1e6)
	}
}

// Unavailable reports whether the last append exhausted its retry budget.
// The HTTP boundary surfaces this as OUTBOX_UNAVAILABLE / 503.
func (d *Dispatcher) Unavailable() bool {
	return d.unavailable.Load()
}

// Run drains the queue until the context is cancelled. Single consumer.
// While the store is flagged unavailable a periodic ping probes for
// recovery, so the flag clears even when no records are flowing.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("outbox dispatcher started",
		zap.Int("queue_size", d.config.QueueSize),
		zap.Int("max_retries", d.config.MaxRetries))

	probe := time.NewTicker(d.config.ProbeInterval)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return
		case item := <-d.queue:
			d.metrics.OutboxDepth.Set(float64(len(d.queue)))
			d.appendWithRetry(ctx, item)
		case <-probe.C:
			if !d.unavailable.Load() {
				continue
			}
			if err := d.stream.Ping(ctx); err == nil {
				d.unavailable.Store(false)
				d.logger.Info("outbox store reachable again")
			}
		}
	}
}

func (d *Dispatcher) appendWithRetry(ctx context.Context, item queued) {
	backoff := d.config.InitialBackoff
	for attempt := 0; ; attempt++ {
		_, err := d.stream.Append(ctx, item.payload)
		if err == nil {
			d.unavailable.Store(false)
			return
		}

		d.metrics.OutboxAppendFailures.Inc()
		if attempt >= d.config.MaxRetries {
			d.unavailable.Store(true)
			d.logger.Error("outbox append retry budget exhausted",
				zap.String("transaction_id", item.transactionID),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return
		}

		d.logger.Warn("outbox append failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.config.MaxBackoff {
			backoff = d.config.MaxBackoff
		}
	}
}
