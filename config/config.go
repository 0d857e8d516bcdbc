// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the stream harness.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Stream    StreamConfig    `yaml:"stream"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Producer  ProducerConfig  `yaml:"producer"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StreamConfig selects and configures the stream service backend.
type StreamConfig struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"` // memory, kinesis

	// Kinesis settings
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // Optional endpoint override (e.g. localstack)

	// Memory settings
	ShardCount int `yaml:"shard_count"`
}

// ConsumerConfig holds settings of the polling consumer group.
type ConsumerConfig struct {
	Mode             string        `yaml:"mode"` // poll, fanout
	PollInterval     time.Duration `yaml:"poll_interval"`
	MaxRecords       int           `yaml:"max_records"`
	StartingPosition string        `yaml:"starting_position"` // oldest, newest, after:<seq>, at:<seq>
	Parallel         bool          `yaml:"parallel"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
	Rediscover       bool          `yaml:"rediscover"`
}

// FanoutConfig holds settings of the push consumer.
type FanoutConfig struct {
	ConsumerName       string        `yaml:"consumer_name"`
	ResubscribeInitial time.Duration `yaml:"resubscribe_initial"`
	ResubscribeMax     time.Duration `yaml:"resubscribe_max"`
}

// ProducerConfig holds settings of the producer.
type ProducerConfig struct {
	Mode         string        `yaml:"mode"` // batch, ordered, single
	BatchSize    int           `yaml:"batch_size"`
	PaceInterval time.Duration `yaml:"pace_interval"`
	PartitionKey string        `yaml:"partition_key"` // order_id, seller_id
	Count        int           `yaml:"count"`         // 0 = until stopped
	Seed         int64         `yaml:"seed"`          // 0 = time based
}

// BreakerConfig holds circuit breaker settings for stream service calls.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// SnapshotConfig holds materialized order snapshot settings.
type SnapshotConfig struct {
	Type string `yaml:"type"` // none, badger, dynamodb

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`

	// DynamoDB settings
	TableName   string `yaml:"table_name"`
	CreateTable bool   `yaml:"create_table"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC endpoint
	Insecure        bool          `yaml:"insecure"`
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	ExportInterval  time.Duration `yaml:"export_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Stream: StreamConfig{
			Name:       "kinesis-demo",
			Backend:    "memory",
			Region:     "ap-south-1",
			ShardCount: 2,
		},
		Consumer: ConsumerConfig{
			Mode:             "poll",
			PollInterval:     500 * time.Millisecond,
			MaxRecords:       200,
			StartingPosition: "oldest",
			MaxConcurrency:   4,
			Rediscover:       true,
		},
		Fanout: FanoutConfig{
			ConsumerName:       "fluxstream-fanout",
			ResubscribeInitial: 500 * time.Millisecond,
			ResubscribeMax:     30 * time.Second,
		},
		Producer: ProducerConfig{
			Mode:         "batch",
			BatchSize:    5,
			PaceInterval: 300 * time.Millisecond,
			PartitionKey: "order_id",
		},
		Breaker: BreakerConfig{
			Enabled:          false,
			FailureThreshold: 5,
			ResetTimeout:     10 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Type:      "none",
			BadgerDir: "/tmp/fluxstream/snapshots",
			TableName: "orders",
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled:  false,
			TracesEnabled:   false,
			Endpoint:        "localhost:4317",
			Insecure:        true,
			ServiceName:     "fluxstream",
			ServiceVersion:  "0.1.0",
			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Stream.Name == "" {
		return fmt.Errorf("stream.name cannot be empty")
	}
	switch c.Stream.Backend {
	case "memory":
		if c.Stream.ShardCount < 1 {
			return fmt.Errorf("stream.shard_count must be at least 1")
		}
	case "kinesis":
		if c.Stream.Region == "" {
			return fmt.Errorf("stream.region required when backend is kinesis")
		}
	default:
		return fmt.Errorf("stream.backend must be one of: memory, kinesis")
	}

	if c.Consumer.Mode != "poll" && c.Consumer.Mode != "fanout" {
		return fmt.Errorf("consumer.mode must be 'poll' or 'fanout'")
	}
	if c.Consumer.PollInterval < 0 {
		return fmt.Errorf("consumer.poll_interval cannot be negative")
	}
	if c.Consumer.MaxRecords < 1 || c.Consumer.MaxRecords > 10000 {
		return fmt.Errorf("consumer.max_records must be between 1 and 10000")
	}
	if c.Consumer.Parallel && c.Consumer.MaxConcurrency < 1 {
		return fmt.Errorf("consumer.max_concurrency must be at least 1 when parallel polling is enabled")
	}

	if c.Consumer.Mode == "fanout" {
		if c.Fanout.ConsumerName == "" {
			return fmt.Errorf("fanout.consumer_name required when consumer.mode is fanout")
		}
		if c.Fanout.ResubscribeInitial <= 0 || c.Fanout.ResubscribeMax < c.Fanout.ResubscribeInitial {
			return fmt.Errorf("fanout.resubscribe_max must be at least fanout.resubscribe_initial, which must be positive")
		}
	}

	validModes := map[string]bool{"batch": true, "ordered": true, "single": true}
	if !validModes[c.Producer.Mode] {
		return fmt.Errorf("producer.mode must be one of: batch, ordered, single")
	}
	if c.Producer.BatchSize < 1 || c.Producer.BatchSize > 500 {
		return fmt.Errorf("producer.batch_size must be between 1 and 500")
	}
	if c.Producer.PaceInterval < 0 {
		return fmt.Errorf("producer.pace_interval cannot be negative")
	}
	if c.Producer.PartitionKey != "order_id" && c.Producer.PartitionKey != "seller_id" {
		return fmt.Errorf("producer.partition_key must be 'order_id' or 'seller_id'")
	}
	if c.Producer.Count < 0 {
		return fmt.Errorf("producer.count cannot be negative")
	}

	if c.Breaker.Enabled {
		if c.Breaker.FailureThreshold < 1 {
			return fmt.Errorf("breaker.failure_threshold must be at least 1")
		}
		if c.Breaker.ResetTimeout < time.Second {
			return fmt.Errorf("breaker.reset_timeout must be at least 1 second")
		}
	}

	switch c.Snapshot.Type {
	case "none":
	case "badger":
		if c.Snapshot.BadgerDir == "" {
			return fmt.Errorf("snapshot.badger_dir required when type is badger")
		}
	case "dynamodb":
		if c.Snapshot.TableName == "" {
			return fmt.Errorf("snapshot.table_name required when type is dynamodb")
		}
	default:
		return fmt.Errorf("snapshot.type must be one of: none, badger, dynamodb")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Telemetry.MetricsEnabled && c.Telemetry.ExportInterval < time.Second {
			return fmt.Errorf("telemetry.export_interval must be at least 1 second")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
