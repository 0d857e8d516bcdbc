// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/fluxstream/otel"
	"github.com/absmach/fluxstream/ratelimit"
	"github.com/absmach/fluxstream/stream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OrderedPublisher writes records one at a time. PublishOrdered chains each
// write to the previous one for the same partition key so the service keeps
// them in publish order.
type OrderedPublisher struct {
	writer     stream.Writer
	streamName string
	seqs       *SequenceMap
	pacer      *ratelimit.Pacer
	logger     *slog.Logger
	metrics    *otel.Metrics
	tracer     trace.Tracer
}

// NewOrderedPublisher creates a publisher. metrics and tracer may be nil.
func NewOrderedPublisher(w stream.Writer, cfg Config, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *OrderedPublisher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderedPublisher{
		writer:     w,
		streamName: cfg.StreamName,
		seqs:       NewSequenceMap(),
		pacer:      ratelimit.NewPacer(cfg.PaceInterval),
		logger:     logger,
		metrics:    metrics,
		tracer:     tracerOrNoop(tracer),
	}
}

// Sequences exposes the per-key sequence numbers recorded so far.
func (p *OrderedPublisher) Sequences() *SequenceMap {
	return p.seqs
}

// PublishOrdered writes payload so that it lands after the last record this
// publisher wrote with the same partition key. The key's sequence number is
// advanced only when the service accepts the record. No retries are made:
// on failure the caller decides whether to publish again.
func (p *OrderedPublisher) PublishOrdered(ctx context.Context, payload []byte, partitionKey string) (Receipt, error) {
	if partitionKey == "" {
		return Receipt{}, &stream.PublishError{Err: stream.ErrInvalidArgument, Message: "partition key is required"}
	}

	s := p.seqs.acquire(partitionKey)
	defer s.release()

	entry := stream.PutEntry{
		StreamName:                p.streamName,
		PartitionKey:              partitionKey,
		Data:                      payload,
		SequenceNumberForOrdering: s.seq,
	}

	res, err := p.put(ctx, "ordered", entry)
	if err != nil {
		return Receipt{}, err
	}

	s.advance(res.SequenceNumber)
	return Receipt{PartitionKey: partitionKey, SequenceNumber: res.SequenceNumber, ShardID: res.ShardID}, nil
}

// Publish writes a single record without any ordering constraint.
func (p *OrderedPublisher) Publish(ctx context.Context, payload []byte, partitionKey string) (Receipt, error) {
	if partitionKey == "" {
		return Receipt{}, &stream.PublishError{Err: stream.ErrInvalidArgument, Message: "partition key is required"}
	}

	res, err := p.put(ctx, "single", stream.PutEntry{
		StreamName:   p.streamName,
		PartitionKey: partitionKey,
		Data:         payload,
	})
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{PartitionKey: partitionKey, SequenceNumber: res.SequenceNumber, ShardID: res.ShardID}, nil
}

func (p *OrderedPublisher) put(ctx context.Context, mode string, entry stream.PutEntry) (stream.PutResult, error) {
	if err := p.pacer.Wait(ctx); err != nil {
		return stream.PutResult{}, &stream.PublishError{PartitionKey: entry.PartitionKey, Err: err}
	}

	ctx, span := p.tracer.Start(ctx, "producer.put_record", trace.WithAttributes(
		attribute.String("stream", entry.StreamName),
		attribute.String("partition_key", entry.PartitionKey),
		attribute.String("mode", mode),
		attribute.Bool("chained", entry.SequenceNumberForOrdering != ""),
	))
	defer span.End()

	start := time.Now()
	res, err := p.writer.PutRecord(ctx, entry)
	if err != nil {
		p.metrics.RecordPublished(mode, 0, 1, sinceMs(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		attrs := []any{
			slog.String("partition_key", entry.PartitionKey),
			slog.String("error", err.Error()),
		}
		if errors.Is(err, stream.ErrSequenceMismatch) {
			attrs = append(attrs, slog.String("sequence_for_ordering", entry.SequenceNumberForOrdering))
		}
		p.logger.Warn("failed to publish record", attrs...)

		return stream.PutResult{}, &stream.PublishError{PartitionKey: entry.PartitionKey, Err: err}
	}

	p.metrics.RecordPublished(mode, 1, 0, sinceMs(start))
	span.SetAttributes(
		attribute.String("sequence_number", res.SequenceNumber),
		attribute.String("shard_id", res.ShardID),
	)
	p.logger.Debug("record published",
		slog.String("partition_key", entry.PartitionKey),
		slog.String("shard_id", res.ShardID),
		slog.String("sequence_number", res.SequenceNumber))

	return res, nil
}
