// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxstream/otel"
	"github.com/absmach/fluxstream/ratelimit"
	"github.com/absmach/fluxstream/stream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrClosed is returned when records are added to a closed publisher.
var ErrClosed = errors.New("publisher closed")

// Outcome is the result of one record of a batched write: either a Receipt
// or a per-record rejection.
type Outcome struct {
	Receipt Receipt
	Err     *stream.PublishError
}

// Accepted reports whether the stream stored the record.
func (o Outcome) Accepted() bool {
	return o.Err == nil
}

// BatchPublisher buffers records and writes them in unordered batches.
// A batch is sent as soon as BatchSize records are buffered; a trailing
// partial batch is sent only by Flush or Close. Records rejected
// individually by the service are reported, not retried. When the whole
// call fails the batch stays buffered, so nothing is lost or sent twice.
type BatchPublisher struct {
	mu sync.Mutex

	writer     stream.Writer
	streamName string
	batchSize  int
	pacer      *ratelimit.Pacer
	logger     *slog.Logger
	metrics    *otel.Metrics
	tracer     trace.Tracer

	buf    []Entry
	closed bool
}

// NewBatchPublisher creates a publisher. metrics and tracer may be nil.
func NewBatchPublisher(w stream.Writer, cfg Config, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *BatchPublisher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchPublisher{
		writer:     w,
		streamName: cfg.StreamName,
		batchSize:  cfg.BatchSize,
		pacer:      ratelimit.NewPacer(cfg.PaceInterval),
		logger:     logger,
		metrics:    metrics,
		tracer:     tracerOrNoop(tracer),
		buf:        make([]Entry, 0, cfg.BatchSize),
	}
}

// Pending returns the number of buffered records.
func (p *BatchPublisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Add buffers a record and sends a batch if the threshold is reached.
// The returned outcomes belong to the records of any batch sent.
func (p *BatchPublisher) Add(ctx context.Context, e Entry) ([]Outcome, error) {
	return p.PublishBatch(ctx, []Entry{e})
}

// PublishBatch buffers records and sends every full batch.
// Outcomes are returned in buffer order for each record sent. On a
// whole-call failure sending stops and the unsent records stay buffered.
func (p *BatchPublisher) PublishBatch(ctx context.Context, entries []Entry) ([]Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	p.buf = append(p.buf, entries...)
	return p.drain(ctx, false)
}

// Flush sends every buffered record, including a trailing partial batch.
func (p *BatchPublisher) Flush(ctx context.Context) ([]Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drain(ctx, true)
}

// Close flushes the buffer and rejects further records. If the flush fails
// the publisher stays open so the caller can try again.
func (p *BatchPublisher) Close(ctx context.Context) ([]Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil
	}

	out, err := p.drain(ctx, true)
	if err != nil {
		return out, err
	}
	p.closed = true
	return out, nil
}

// drain sends full batches, and the remainder too when partial is set.
// Must be called with p.mu held.
func (p *BatchPublisher) drain(ctx context.Context, partial bool) ([]Outcome, error) {
	var outcomes []Outcome

	for len(p.buf) >= p.batchSize || (partial && len(p.buf) > 0) {
		n := min(p.batchSize, len(p.buf))

		out, err := p.send(ctx, p.buf[:n])
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out...)

		rest := copy(p.buf, p.buf[n:])
		clear(p.buf[rest:])
		p.buf = p.buf[:rest]
	}

	return outcomes, nil
}

func (p *BatchPublisher) send(ctx context.Context, batch []Entry) ([]Outcome, error) {
	if err := p.pacer.Wait(ctx); err != nil {
		return nil, &stream.PublishError{Err: err}
	}

	ctx, span := p.tracer.Start(ctx, "producer.put_records", trace.WithAttributes(
		attribute.String("stream", p.streamName),
		attribute.Int("records", len(batch)),
	))
	defer span.End()

	entries := make([]stream.PutEntry, len(batch))
	for i, e := range batch {
		entries[i] = stream.PutEntry{
			StreamName:   p.streamName,
			PartitionKey: e.PartitionKey,
			Data:         e.Data,
		}
	}

	start := time.Now()
	results, err := p.writer.PutRecords(ctx, p.streamName, entries)
	if err == nil && len(results) != len(batch) {
		err = errors.New("service returned a result count that does not match the batch")
	}
	if err != nil {
		p.metrics.RecordPublished("batch", 0, 0, sinceMs(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("failed to publish batch, records kept buffered",
			slog.Int("records", len(batch)),
			slog.String("error", err.Error()))
		return nil, &stream.PublishError{Err: err}
	}

	outcomes := make([]Outcome, len(batch))
	rejected := 0
	for i, r := range results {
		key := batch[i].PartitionKey
		if r.Failed() {
			rejected++
			outcomes[i] = Outcome{Err: &stream.PublishError{
				PartitionKey: key,
				Partial:      true,
				Code:         r.ErrorCode,
				Message:      r.ErrorMessage,
			}}
			p.logger.Warn("record rejected",
				slog.String("partition_key", key),
				slog.String("code", r.ErrorCode),
				slog.String("message", r.ErrorMessage))
			continue
		}
		outcomes[i] = Outcome{Receipt: Receipt{
			PartitionKey:   key,
			SequenceNumber: r.SequenceNumber,
			ShardID:        r.ShardID,
		}}
	}

	accepted := len(batch) - rejected
	p.metrics.RecordPublished("batch", accepted, rejected, sinceMs(start))
	span.SetAttributes(
		attribute.Int("accepted", accepted),
		attribute.Int("rejected", rejected),
	)
	p.logger.Debug("batch published",
		slog.Int("accepted", accepted),
		slog.Int("rejected", rejected))

	return outcomes, nil
}
