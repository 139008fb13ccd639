package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server     ServerConfig     `koanf:"server"`
	Redis      RedisConfig      `koanf:"redis"`
	Bus        BusConfig        `koanf:"bus"`
	Outbox     OutboxConfig     `koanf:"outbox"`
	Evaluation EvaluationConfig `koanf:"evaluation"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type BusConfig struct {
	Brokers          []string `koanf:"brokers"`
	Topic            string   `koanf:"topic"`
	PublishTimeoutMs int      `koanf:"publish_timeout_ms"`
}

type OutboxConfig struct {
	Stream                   string `koanf:"stream"`
	Group                    string `koanf:"group"`
	Consumer                 string `koanf:"consumer"`
	QueueSize                int    `koanf:"queue_size"`
	AppendMaxRetries         int    `koanf:"append_max_retries"`
	ProbeIntervalMs          int    `koanf:"probe_interval_ms"`
	PollIntervalMs           int    `koanf:"poll_interval_ms"`
	PendingMinIdleMs         int    `koanf:"pending_min_idle_ms"`
	PendingClaimCount        int    `koanf:"pending_claim_count"`
	PendingSummaryIntervalMs int    `koanf:"pending_summary_interval_ms"`
}

type EvaluationConfig struct {
	Debug DebugConfig `koanf:"debug"`
}

type DebugConfig struct {
	Enabled                 bool `koanf:"enabled"`
	SampleRate              int  `koanf:"sample_rate"`
	MaxConditionEvaluations int  `koanf:"max_condition_evaluations"`
	IncludeFieldValues      bool `koanf:"include_field_values"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second"`
	BurstSize         int `koanf:"burst_size"`
}

// Load builds the configuration from defaults, an optional YAML file, and
// CDE_-prefixed environment variables, in ascending precedence.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 5,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
		Bus: BusConfig{
			Brokers:          []string{"localhost:9092"},
			Topic:            "fraud.card.decisions.v1",
			PublishTimeoutMs: 5000,
		},
		Outbox: OutboxConfig{
			Stream:                   "outbox:auth:decisions",
			Group:                    "auth-publishers",
			Consumer:                 "publisher-1",
			QueueSize:                4096,
			AppendMaxRetries:         5,
			ProbeIntervalMs:          1000,
			PollIntervalMs:           50,
			PendingMinIdleMs:         60000,
			PendingClaimCount:        50,
			PendingSummaryIntervalMs: 5000,
		},
		Evaluation: EvaluationConfig{
			Debug: DebugConfig{
				Enabled:                 false,
				SampleRate:              100,
				MaxConditionEvaluations: 200,
				IncludeFieldValues:      false,
			},
		},
		Telemetry: TelemetryConfig{
			SamplingRate:  0.1,
			ExportTimeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 500,
			BurstSize:         1000,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	// Config file is optional.
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		_ = err
	}

	// Override with environment variables (CDE_SERVER_PORT -> server.port).
	if err := k.Load(env.Provider("CDE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CDE_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
