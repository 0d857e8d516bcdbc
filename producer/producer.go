// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package producer writes order records into a stream, either as unordered
// batches or as per-partition chains ordered by sequence number.
package producer

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultBatchSize is the number of buffered records that triggers a
	// batched write.
	DefaultBatchSize = 5
	// MaxBatchSize is the service limit on records per batched write.
	MaxBatchSize = 500
	// DefaultPaceInterval is the pause enforced between service calls.
	DefaultPaceInterval = 300 * time.Millisecond
)

// Config holds producer settings.
type Config struct {
	StreamName   string
	BatchSize    int
	PaceInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > MaxBatchSize {
		c.BatchSize = MaxBatchSize
	}
	if c.PaceInterval < 0 {
		c.PaceInterval = 0
	}
	return c
}

// Entry is a record waiting to be written.
type Entry struct {
	PartitionKey string
	Data         []byte
}

// Receipt acknowledges a record accepted by the stream.
type Receipt struct {
	PartitionKey   string
	SequenceNumber string
	ShardID        string
}

func tracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
