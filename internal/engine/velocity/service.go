// Package velocity implements rolling-window counters over Redis. Counters
// use fixed window buckets with a 2*W TTL: a counter may transiently admit up
// to twice the threshold across a bucket edge, which the engine accepts as
// part of its fail-open contract.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/card-decision-engine/internal/domain/decision"
	"github.com/davidleathers/card-decision-engine/internal/domain/errors"
	"github.com/davidleathers/card-decision-engine/internal/domain/rules"
	"github.com/davidleathers/card-decision-engine/internal/domain/transaction"
	"github.com/davidleathers/card-decision-engine/internal/infrastructure/metrics"
)

// Service provides atomic increment-and-count velocity checks plus a
// read-only variant used by replay.
type Service struct {
	client  *redis.Client
	logger  *zap.Logger
	metrics *metrics.EngineMetrics

	now func() time.Time
}

// NewService creates a velocity service over an established Redis client.
func NewService(client *redis.Client, logger *zap.Logger, m *metrics.EngineMetrics) *Service {
	return &Service{
		client:  client,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Check increments the counter for the rule's velocity dimension and returns
// the current count against the threshold. The increment and the TTL are set
// in a single pipeline round-trip; the TTL (2*W) is only applied when the key
// is newly created. Store failures return a VelocityUnavailable error and
// never abort evaluation.
func (s *Service) Check(ctx context.Context, rulesetKey string, rule *rules.Rule, tx *transaction.Transaction) (decision.VelocityResult, error) {
	cfg := rule.Velocity
	result := decision.VelocityResult{
		Dimension:     cfg.Dimension,
		Threshold:     cfg.Threshold,
		WindowSeconds: cfg.WindowSeconds,
	}

	key, fingerprint, bucket, ok := s.buildKey(rulesetKey, rule.ID, cfg, tx)
	result.WindowBucket = bucket
	if !ok {
		// Dimension value absent on the transaction: nothing to count.
		return result, nil
	}
	result.KeyFingerprint = fingerprint

	started := s.now()
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, time.Duration(2*cfg.WindowSeconds)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		s.metrics.VelocityCheckFailures.Inc()
		s.logger.Warn("velocity increment failed",
			zap.String("dimension", cfg.Dimension),
			zap.String("rule_id", rule.ID),
			zap.Error(err))
		return result, errors.NewVelocityUnavailableError(err)
	}
	s.metrics.VelocityCheckDuration.Observe(s.now().Sub(started).Seconds())

	result.CurrentCount = incr.Val()
	return result, nil
}

// CheckReadOnly returns the current counter value without mutation. A missing
// key reads as zero. Replay uses this to avoid double-counting.
func (s *Service) CheckReadOnly(ctx context.Context, rulesetKey string, rule *rules.Rule, tx *transaction.Transaction) (decision.VelocityResult, error) {
	cfg := rule.Velocity
	result := decision.VelocityResult{
		Dimension:     cfg.Dimension,
		Threshold:     cfg.Threshold,
		WindowSeconds: cfg.WindowSeconds,
	}

	key, fingerprint, bucket, ok := s.buildKey(rulesetKey, rule.ID, cfg, tx)
	result.WindowBucket = bucket
	if !ok {
		return result, nil
	}
	result.KeyFingerprint = fingerprint

	count, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return result, nil
		}
		s.metrics.VelocityCheckFailures.Inc()
		s.logger.Warn("velocity read failed",
			zap.String("dimension", cfg.Dimension),
			zap.String("rule_id", rule.ID),
			zap.Error(err))
		return result, errors.NewVelocityUnavailableError(err)
	}

	result.CurrentCount = count
	return result, nil
}

// BuildKey exposes the deterministic counter key for a rule and transaction.
// ok is false when the transaction lacks a value for the dimension.
func (s *Service) BuildKey(rulesetKey string, rule *rules.Rule, tx *transaction.Transaction) (string, bool) {
	key, _, _, ok := s.buildKey(rulesetKey, rule.ID, rule.Velocity, tx)
	return key, ok
}

func (s *Service) buildKey(rulesetKey, ruleID string, cfg *rules.VelocityConfig, tx *transaction.Transaction) (key, fingerprint string, bucket int64, ok bool) {
	bucket = s.now().Unix() / cfg.WindowSeconds

	value, present := tx.Lookup(cfg.Dimension).String()
	if !present {
		return "", "", bucket, false
	}

	fingerprint = Fingerprint(value)
	key = fmt.Sprintf("vel:%s:%s:%s:%s:%d", rulesetKey, ruleID, cfg.Dimension, fingerprint, bucket)
	return key, fingerprint, bucket, true
}
