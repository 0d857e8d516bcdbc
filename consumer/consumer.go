// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer reads order records from every shard of a stream, either
// by polling per-shard cursors or through push subscriptions, and hands the
// decoded orders to an Observer.
package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fluxstream/order"
	"github.com/absmach/fluxstream/otel"
	"github.com/absmach/fluxstream/stream"
)

// Delivery is a decoded record handed to an Observer.
type Delivery struct {
	ShardID        string
	SequenceNumber string
	PartitionKey   string
	ArrivalTime    time.Time
	Order          order.Order
}

// Observer receives decoded records and decode failures. Within a shard
// calls are made in sequence number order. In parallel mode different
// shards call concurrently, so implementations must be safe for concurrent
// use.
type Observer interface {
	// Deliver handles a decoded record. An error is logged and does not
	// stop consumption.
	Deliver(ctx context.Context, d Delivery) error
	// DecodeFailed reports a record whose payload is not a valid order.
	DecodeFailed(ctx context.Context, err *stream.DecodeError)
}

// ShardState is the lifecycle state of a shard within a consumer.
type ShardState int

const (
	// StateDiscovered means the shard is known but has no cursor yet.
	StateDiscovered ShardState = iota
	// StateIterating means the shard is being read.
	StateIterating
	// StateExhausted means the shard is closed and fully drained.
	StateExhausted
	// StateFailed means the shard hit a non-recoverable error.
	StateFailed
)

func (s ShardState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateIterating:
		return "iterating"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the shard will never be read again.
func (s ShardState) Terminal() bool {
	return s == StateExhausted || s == StateFailed
}

// ShardStatus describes one shard of a consumer.
type ShardStatus struct {
	Shard        stream.Shard
	State        ShardState
	LastSequence string
	Err          error
}

// Source is what a polling consumer needs from the stream service.
type Source interface {
	stream.ShardLister
	stream.Reader
}

// dispatcher decodes records and forwards them to the observer.
type dispatcher struct {
	obs     Observer
	logger  *slog.Logger
	metrics *otel.Metrics
}

// dispatch returns the number of delivered and undecodable records.
func (d dispatcher) dispatch(ctx context.Context, shardID string, records []stream.Record) (delivered, failed int) {
	for _, rec := range records {
		o, err := order.Decode(rec.Data)
		if err != nil {
			failed++
			derr := &stream.DecodeError{ShardID: shardID, SequenceNumber: rec.SequenceNumber, Err: err}
			d.logger.Warn("failed to decode record",
				slog.String("shard_id", shardID),
				slog.String("sequence_number", rec.SequenceNumber),
				slog.String("error", err.Error()))
			d.metrics.RecordDecodeError(shardID)
			d.obs.DecodeFailed(ctx, derr)
			continue
		}

		delivered++
		err = d.obs.Deliver(ctx, Delivery{
			ShardID:        shardID,
			SequenceNumber: rec.SequenceNumber,
			PartitionKey:   rec.PartitionKey,
			ArrivalTime:    rec.ArrivalTime,
			Order:          o,
		})
		if err != nil {
			d.logger.Warn("observer failed to handle record",
				slog.String("shard_id", shardID),
				slog.String("sequence_number", rec.SequenceNumber),
				slog.String("order_id", o.OrderID),
				slog.String("error", err.Error()))
		}
	}

	if delivered > 0 {
		d.metrics.RecordDelivered(shardID, delivered)
	}
	return delivered, failed
}
