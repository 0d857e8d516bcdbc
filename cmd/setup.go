// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxstream/config"
	"github.com/absmach/fluxstream/snapshot"
	badgerstore "github.com/absmach/fluxstream/snapshot/badger"
	dynamostore "github.com/absmach/fluxstream/snapshot/dynamodb"
	"github.com/absmach/fluxstream/stream"
	kinesisstream "github.com/absmach/fluxstream/stream/kinesis"
	"github.com/absmach/fluxstream/stream/memory"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
)

// kinesisReadsPerSecond is the per-shard GetRecords quota of the service.
const kinesisReadsPerSecond = 5

func loadAWSConfig(ctx context.Context, cfg config.StreamConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return awsCfg, nil
}

// newStreamService builds the configured backend, optionally guarded by a
// circuit breaker. The memory backend is created with its stream in place.
func newStreamService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (stream.Service, error) {
	var svc stream.Service

	switch cfg.Stream.Backend {
	case "memory":
		mem := memory.New()
		if err := mem.CreateStream(cfg.Stream.Name, cfg.Stream.ShardCount); err != nil {
			return nil, err
		}
		svc = mem
		slog.Info("Using in-memory stream", "stream", cfg.Stream.Name, "shards", cfg.Stream.ShardCount)
	case "kinesis":
		awsCfg, err := loadAWSConfig(ctx, cfg.Stream)
		if err != nil {
			return nil, err
		}
		client := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
			if cfg.Stream.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Stream.Endpoint)
			}
		})
		svc = kinesisstream.New(client, logger)
		slog.Info("Using Kinesis stream", "stream", cfg.Stream.Name, "region", cfg.Stream.Region, "endpoint", cfg.Stream.Endpoint)
	default:
		return nil, fmt.Errorf("unknown stream backend %q", cfg.Stream.Backend)
	}

	if cfg.Breaker.Enabled {
		svc = stream.NewBreakerService(svc, stream.BreakerConfig{
			Name:             cfg.Stream.Backend,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		}, logger)
		slog.Info("Circuit breaker enabled", "failure_threshold", cfg.Breaker.FailureThreshold, "reset_timeout", cfg.Breaker.ResetTimeout)
	}

	return svc, nil
}

// newSnapshotStore opens the configured snapshot store. It returns nil when
// snapshots are disabled.
func newSnapshotStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (snapshot.Store, error) {
	switch cfg.Snapshot.Type {
	case "", "none":
		return nil, nil
	case "badger":
		store, err := badgerstore.New(badgerstore.Config{Dir: cfg.Snapshot.BadgerDir})
		if err != nil {
			return nil, fmt.Errorf("failed to open BadgerDB snapshot store: %w", err)
		}
		slog.Info("Using BadgerDB snapshot store", "dir", cfg.Snapshot.BadgerDir)
		return store, nil
	case "dynamodb":
		awsCfg, err := loadAWSConfig(ctx, cfg.Stream)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Stream.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Stream.Endpoint)
			}
		})
		store := dynamostore.New(client, cfg.Snapshot.TableName, logger)
		if cfg.Snapshot.CreateTable {
			if err := store.EnsureTable(ctx); err != nil {
				return nil, err
			}
		}
		slog.Info("Using DynamoDB snapshot store", "table", cfg.Snapshot.TableName)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown snapshot type %q", cfg.Snapshot.Type)
	}
}
