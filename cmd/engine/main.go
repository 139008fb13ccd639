package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/davidleathers/card-decision-engine/internal/api/rest"
	"github.com/davidleathers/card-decision-engine/internal/engine/evaluator"
	"github.com/davidleathers/card-decision-engine/internal/engine/registry"
	"github.com/davidleathers/card-decision-engine/internal/engine/velocity"
	"github.com/davidleathers/card-decision-engine/internal/events"
	"github.com/davidleathers/card-decision-engine/internal/infrastructure/cache"
	"github.com/davidleathers/card-decision-engine/internal/infrastructure/config"
	"github.com/davidleathers/card-decision-engine/internal/infrastructure/metrics"
	"github.com/davidleathers/card-decision-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/card-decision-engine/internal/outbox"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    "card-decision-engine",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  cfg.Telemetry.ExportTimeout,
		BatchTimeout:   5 * time.Second,
	})
	if err != nil {
		logger.Fatal("telemetry initialization failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	engineMetrics := metrics.New(promRegistry)

	redisClient, err := cache.NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer redisClient.Close()

	ruleRegistry := registry.New(nil, logger)
	velocityService := velocity.NewService(redisClient, logger, engineMetrics)
	eval := evaluator.New(velocityService, logger, engineMetrics, evaluator.DebugConfig{
		Enabled:                 cfg.Evaluation.Debug.Enabled,
		SampleRate:              cfg.Evaluation.Debug.SampleRate,
		MaxConditionEvaluations: cfg.Evaluation.Debug.MaxConditionEvaluations,
		IncludeFieldValues:      cfg.Evaluation.Debug.IncludeFieldValues,
	})

	stream, err := outbox.NewStream(ctx, redisClient, outbox.StreamConfig{
		Stream:   cfg.Outbox.Stream,
		Group:    cfg.Outbox.Group,
		Consumer: cfg.Outbox.Consumer,
	}, logger)
	if err != nil {
		logger.Fatal("outbox stream initialization failed", zap.Error(err))
	}

	// TODO: swap in the real Kafka producer once the brokers are reachable
	// from this deployment; MemoryProducer buffers locally until then.
	producer := events.NewMemoryProducer(logger)
	decisionPublisher := events.NewDecisionPublisher(producer, events.PublisherConfig{
		Topic:          cfg.Bus.Topic,
		PublishTimeout: time.Duration(cfg.Bus.PublishTimeoutMs) * time.Millisecond,
	}, logger)
	defer decisionPublisher.Close() //nolint:errcheck

	dispatcher := outbox.NewDispatcher(stream, outbox.DispatcherConfig{
		QueueSize:     cfg.Outbox.QueueSize,
		MaxRetries:    cfg.Outbox.AppendMaxRetries,
		ProbeInterval: time.Duration(cfg.Outbox.ProbeIntervalMs) * time.Millisecond,
	}, logger, engineMetrics)
	go dispatcher.Run(ctx)

	publisherWorker := outbox.NewPublisherWorker(stream, decisionPublisher, outbox.PublisherConfig{
		PollInterval:           time.Duration(cfg.Outbox.PollIntervalMs) * time.Millisecond,
		PendingMinIdle:         time.Duration(cfg.Outbox.PendingMinIdleMs) * time.Millisecond,
		PendingClaimCount:      int64(cfg.Outbox.PendingClaimCount),
		PendingSummaryInterval: time.Duration(cfg.Outbox.PendingSummaryIntervalMs) * time.Millisecond,
	}, logger, engineMetrics)
	go publisherWorker.Run(ctx)

	handler := rest.NewHandler(ruleRegistry, eval, dispatcher, decisionPublisher, logger)
	server := rest.NewServer(cfg, handler, promRegistry, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("engine stopped")
}
