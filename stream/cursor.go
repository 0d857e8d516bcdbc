// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/absmach/fluxstream/stream")

// OutcomeKind tags the result of a poll.
type OutcomeKind int

const (
	// OutcomeRecords means the read succeeded and the shard is still open.
	// The record slice may be empty: there is simply nothing new yet.
	OutcomeRecords OutcomeKind = iota
	// OutcomeExhausted means the shard is closed and fully drained.
	OutcomeExhausted
	// OutcomeFailed means the read failed; see PollOutcome.Err.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRecords:
		return "records"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PollOutcome is the tagged result of Cursor.Poll.
// Records may be non-empty for both OutcomeRecords and OutcomeExhausted,
// since the final read of a closed shard can still return data.
type PollOutcome struct {
	Kind               OutcomeKind
	Records            []Record
	MillisBehindLatest int64
	Err                *PollError
}

// Cursor owns the read position of one shard.
// Polls are serialized: an iterator token is never used by two reads.
type Cursor struct {
	mu sync.Mutex

	reader     Reader
	streamName string
	shard      Shard
	start      StartingPosition

	iterator     string
	lastSequence string
	exhausted    bool
}

// OpenCursor obtains the first iterator of a shard.
func OpenCursor(ctx context.Context, reader Reader, streamName string, shard Shard, pos StartingPosition) (*Cursor, error) {
	if err := pos.Validate(); err != nil {
		return nil, &CursorInitError{ShardID: shard.ID, Position: pos, Err: err}
	}

	it, err := reader.GetShardIterator(ctx, streamName, shard.ID, pos)
	if err != nil {
		return nil, &CursorInitError{ShardID: shard.ID, Position: pos, Err: err}
	}
	if it == "" {
		return nil, &CursorInitError{ShardID: shard.ID, Position: pos, Err: ErrInvalidIterator}
	}

	return &Cursor{
		reader:     reader,
		streamName: streamName,
		shard:      shard,
		start:      pos,
		iterator:   it,
	}, nil
}

// Shard returns the shard this cursor reads.
func (c *Cursor) Shard() Shard {
	return c.shard
}

// LastSequence returns the sequence number of the last record read, if any.
func (c *Cursor) LastSequence() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSequence
}

// Exhausted reports whether the shard has been fully drained.
func (c *Cursor) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// Poll reads up to limit records and advances the cursor.
func (c *Cursor) Poll(ctx context.Context, limit int) PollOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exhausted {
		return PollOutcome{Kind: OutcomeExhausted}
	}

	ctx, span := tracer.Start(ctx, "stream.poll", trace.WithAttributes(
		attribute.String("stream", c.streamName),
		attribute.String("shard_id", c.shard.ID),
		attribute.Int("limit", limit),
	))
	defer span.End()

	batch, err := c.reader.GetRecords(ctx, c.iterator, limit)
	if err != nil {
		out := c.failed(ctx, err)
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		return out
	}

	for i := range batch.Records {
		if batch.Records[i].ShardID == "" {
			batch.Records[i].ShardID = c.shard.ID
		}
	}
	if n := len(batch.Records); n > 0 {
		c.lastSequence = batch.Records[n-1].SequenceNumber
	}
	span.SetAttributes(attribute.Int("records", len(batch.Records)))

	if batch.NextIterator == "" {
		c.exhausted = true
		c.iterator = ""
		return PollOutcome{
			Kind:               OutcomeExhausted,
			Records:            batch.Records,
			MillisBehindLatest: batch.MillisBehindLatest,
		}
	}

	c.iterator = batch.NextIterator
	return PollOutcome{
		Kind:               OutcomeRecords,
		Records:            batch.Records,
		MillisBehindLatest: batch.MillisBehindLatest,
	}
}

// failed classifies a read error. An expired iterator is replaced with a
// fresh one positioned after the last record read, so the next poll resumes
// without gaps or duplicates.
func (c *Cursor) failed(ctx context.Context, err error) PollOutcome {
	if !errors.Is(err, ErrExpiredIterator) {
		return PollOutcome{
			Kind: OutcomeFailed,
			Err:  &PollError{ShardID: c.shard.ID, Retryable: IsRetryable(err), Err: err},
		}
	}

	pos := c.start
	if c.lastSequence != "" {
		pos = AfterSequence(c.lastSequence)
	}

	it, rerr := c.reader.GetShardIterator(ctx, c.streamName, c.shard.ID, pos)
	if rerr != nil || it == "" {
		if rerr == nil {
			rerr = ErrInvalidIterator
		}
		return PollOutcome{
			Kind: OutcomeFailed,
			Err:  &PollError{ShardID: c.shard.ID, Retryable: IsRetryable(rerr), Err: errors.Join(err, rerr)},
		}
	}

	c.iterator = it
	return PollOutcome{
		Kind: OutcomeFailed,
		Err:  &PollError{ShardID: c.shard.ID, Retryable: true, Err: err},
	}
}
