// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Test consumer defaults
	if cfg.Consumer.PollInterval != 500*time.Millisecond {
		t.Errorf("expected poll interval 500ms, got %v", cfg.Consumer.PollInterval)
	}
	if cfg.Consumer.MaxRecords != 200 {
		t.Errorf("expected max records 200, got %d", cfg.Consumer.MaxRecords)
	}

	// Test producer defaults
	if cfg.Producer.BatchSize != 5 {
		t.Errorf("expected batch size 5, got %d", cfg.Producer.BatchSize)
	}
	if cfg.Producer.PaceInterval != 300*time.Millisecond {
		t.Errorf("expected pace interval 300ms, got %v", cfg.Producer.PaceInterval)
	}

	// Test log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty stream name",
			modify: func(c *Config) {
				c.Stream.Name = ""
			},
			wantErr: true,
		},
		{
			name: "unknown backend",
			modify: func(c *Config) {
				c.Stream.Backend = "kafka"
			},
			wantErr: true,
		},
		{
			name: "kinesis without region",
			modify: func(c *Config) {
				c.Stream.Backend = "kinesis"
				c.Stream.Region = ""
			},
			wantErr: true,
		},
		{
			name: "kinesis with region",
			modify: func(c *Config) {
				c.Stream.Backend = "kinesis"
			},
			wantErr: false,
		},
		{
			name: "max records above service limit",
			modify: func(c *Config) {
				c.Consumer.MaxRecords = 10001
			},
			wantErr: true,
		},
		{
			name: "fanout without consumer name",
			modify: func(c *Config) {
				c.Consumer.Mode = "fanout"
				c.Fanout.ConsumerName = ""
			},
			wantErr: true,
		},
		{
			name: "batch size too large",
			modify: func(c *Config) {
				c.Producer.BatchSize = 501
			},
			wantErr: true,
		},
		{
			name: "unknown partition key",
			modify: func(c *Config) {
				c.Producer.PartitionKey = "customer_id"
			},
			wantErr: true,
		},
		{
			name: "breaker reset timeout too short",
			modify: func(c *Config) {
				c.Breaker.Enabled = true
				c.Breaker.ResetTimeout = 500 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "badger snapshot without dir",
			modify: func(c *Config) {
				c.Snapshot.Type = "badger"
				c.Snapshot.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.TracesEnabled = true
				c.Telemetry.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}

	if cfg.Stream.Backend != "memory" {
		t.Errorf("expected default config, got backend %s", cfg.Stream.Backend)
	}
}

func TestLoadInvalid(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	if err := os.WriteFile(tmpfile, []byte("producer:\n  mode: sideways\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(tmpfile); err == nil {
		t.Error("Load() should reject an invalid producer mode")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	// Create custom config
	cfg := Default()
	cfg.Stream.Name = "orders"
	cfg.Consumer.PollInterval = 2 * time.Second
	cfg.Producer.Mode = "ordered"
	cfg.Producer.PartitionKey = "seller_id"
	cfg.Log.Level = "debug"

	// Save
	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Load
	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify
	if loaded.Stream.Name != "orders" {
		t.Errorf("expected stream orders, got %s", loaded.Stream.Name)
	}
	if loaded.Consumer.PollInterval != 2*time.Second {
		t.Errorf("expected poll interval 2s, got %v", loaded.Consumer.PollInterval)
	}
	if loaded.Producer.Mode != "ordered" || loaded.Producer.PartitionKey != "seller_id" {
		t.Errorf("expected ordered producer keyed by seller_id, got %s/%s", loaded.Producer.Mode, loaded.Producer.PartitionKey)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
