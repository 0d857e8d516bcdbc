// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for stream producers and consumers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// Counters
	recordsPolled    metric.Int64Counter
	recordsDelivered metric.Int64Counter
	pollErrors       metric.Int64Counter
	decodeErrors     metric.Int64Counter
	recordsPublished metric.Int64Counter
	publishRejected  metric.Int64Counter

	// UpDownCounters (Gauges)
	shardsActive metric.Int64UpDownCounter

	// Histograms
	consumerLag     metric.Int64Histogram
	publishDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance using the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxstream"),
	}

	var err error

	m.recordsPolled, err = m.meter.Int64Counter(
		"fluxstream.records.polled.total",
		metric.WithDescription("Total records read from shards"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recordsPolled counter: %w", err)
	}

	m.recordsDelivered, err = m.meter.Int64Counter(
		"fluxstream.records.delivered.total",
		metric.WithDescription("Total decoded records handed to observers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recordsDelivered counter: %w", err)
	}

	m.pollErrors, err = m.meter.Int64Counter(
		"fluxstream.poll.errors.total",
		metric.WithDescription("Total failed shard reads"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pollErrors counter: %w", err)
	}

	m.decodeErrors, err = m.meter.Int64Counter(
		"fluxstream.decode.errors.total",
		metric.WithDescription("Total records whose payload could not be decoded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decodeErrors counter: %w", err)
	}

	m.recordsPublished, err = m.meter.Int64Counter(
		"fluxstream.records.published.total",
		metric.WithDescription("Total records accepted by the stream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recordsPublished counter: %w", err)
	}

	m.publishRejected, err = m.meter.Int64Counter(
		"fluxstream.records.rejected.total",
		metric.WithDescription("Total records rejected by the stream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishRejected counter: %w", err)
	}

	m.shardsActive, err = m.meter.Int64UpDownCounter(
		"fluxstream.shards.active",
		metric.WithDescription("Number of shards currently being read"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create shardsActive gauge: %w", err)
	}

	m.consumerLag, err = m.meter.Int64Histogram(
		"fluxstream.consumer.lag.ms",
		metric.WithDescription("Milliseconds behind the tip of the shard at read time"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumerLag histogram: %w", err)
	}

	m.publishDuration, err = m.meter.Float64Histogram(
		"fluxstream.publish.duration.ms",
		metric.WithDescription("Publish call duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	return m, nil
}

// RecordPolled records a successful read.
func (m *Metrics) RecordPolled(shardID string, records int, lagMs int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("shard_id", shardID))
	m.recordsPolled.Add(ctx, int64(records), attrs)
	m.consumerLag.Record(ctx, lagMs, attrs)
}

// RecordDelivered records records handed to an observer.
func (m *Metrics) RecordDelivered(shardID string, records int) {
	if m == nil {
		return
	}
	m.recordsDelivered.Add(context.Background(), int64(records), metric.WithAttributes(
		attribute.String("shard_id", shardID),
	))
}

// RecordPollError records a failed read.
func (m *Metrics) RecordPollError(shardID string, retryable bool) {
	if m == nil {
		return
	}
	m.pollErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("shard_id", shardID),
		attribute.Bool("retryable", retryable),
	))
}

// RecordDecodeError records an undecodable record.
func (m *Metrics) RecordDecodeError(shardID string) {
	if m == nil {
		return
	}
	m.decodeErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("shard_id", shardID),
	))
}

// RecordShardActivated records a shard entering the iterating state.
func (m *Metrics) RecordShardActivated() {
	if m == nil {
		return
	}
	m.shardsActive.Add(context.Background(), 1)
}

// RecordShardDeactivated records a shard leaving the iterating state.
func (m *Metrics) RecordShardDeactivated() {
	if m == nil {
		return
	}
	m.shardsActive.Add(context.Background(), -1)
}

// RecordPublished records the outcome of a publish call.
func (m *Metrics) RecordPublished(mode string, accepted, rejected int, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	if accepted > 0 {
		m.recordsPublished.Add(ctx, int64(accepted), attrs)
	}
	if rejected > 0 {
		m.publishRejected.Add(ctx, int64(rejected), attrs)
	}
	m.publishDuration.Record(ctx, durationMs, attrs)
}
