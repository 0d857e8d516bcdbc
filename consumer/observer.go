// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxstream/snapshot"
	"github.com/absmach/fluxstream/stream"
)

var (
	_ Observer = (*LogObserver)(nil)
	_ Observer = (*SnapshotObserver)(nil)
	_ Observer = Observers(nil)
)

// LogObserver logs every delivered record.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates an observer writing to logger.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) Deliver(ctx context.Context, d Delivery) error {
	o.logger.InfoContext(ctx, "record received",
		slog.String("shard_id", d.ShardID),
		slog.String("sequence_number", d.SequenceNumber),
		slog.String("partition_key", d.PartitionKey),
		slog.String("order_id", d.Order.OrderID),
		slog.String("seller_id", d.Order.SellerID),
		slog.String("customer_id", d.Order.CustomerID),
		slog.Int("items", len(d.Order.Items)))
	return nil
}

func (o *LogObserver) DecodeFailed(ctx context.Context, err *stream.DecodeError) {
	o.logger.WarnContext(ctx, "undecodable record skipped",
		slog.String("shard_id", err.ShardID),
		slog.String("sequence_number", err.SequenceNumber),
		slog.String("error", err.Err.Error()))
}

// SnapshotObserver materializes delivered orders into a snapshot store.
type SnapshotObserver struct {
	store snapshot.Store
}

// NewSnapshotObserver creates an observer writing to store.
func NewSnapshotObserver(store snapshot.Store) *SnapshotObserver {
	return &SnapshotObserver{store: store}
}

func (o *SnapshotObserver) Deliver(ctx context.Context, d Delivery) error {
	if err := o.store.Put(ctx, d.Order); err != nil {
		return fmt.Errorf("failed to store snapshot of order %s: %w", d.Order.OrderID, err)
	}
	return nil
}

// DecodeFailed ignores the record; there is nothing to materialize.
func (o *SnapshotObserver) DecodeFailed(context.Context, *stream.DecodeError) {}

// Observers fans every call out to each observer in order.
type Observers []Observer

func (obs Observers) Deliver(ctx context.Context, d Delivery) error {
	var errs []error
	for _, o := range obs {
		if err := o.Deliver(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (obs Observers) DecodeFailed(ctx context.Context, err *stream.DecodeError) {
	for _, o := range obs {
		o.DecodeFailed(ctx, err)
	}
}
