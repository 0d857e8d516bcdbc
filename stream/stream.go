// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stream defines the shard-partitioned log model and the client-side
// machinery for discovering shards and reading them through iterators.
package stream

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Shard is an ordered, independently iterable partition of a stream.
// Shards are created by the stream service and never mutated locally.
type Shard struct {
	ID               string
	ParentID         string
	AdjacentParentID string
}

// Record is a single entry appended to a shard.
type Record struct {
	PartitionKey   string
	Data           []byte
	SequenceNumber string
	ShardID        string
	ArrivalTime    time.Time
}

// PositionType selects where a new iterator starts reading.
type PositionType string

const (
	PositionOldest        PositionType = "TRIM_HORIZON"
	PositionNewest        PositionType = "LATEST"
	PositionAfterSequence PositionType = "AFTER_SEQUENCE_NUMBER"
	PositionAtSequence    PositionType = "AT_SEQUENCE_NUMBER"
)

// StartingPosition describes the first record an iterator yields.
type StartingPosition struct {
	Type           PositionType
	SequenceNumber string
}

// Oldest starts at the oldest record still retained by the service.
func Oldest() StartingPosition {
	return StartingPosition{Type: PositionOldest}
}

// Newest starts just after the most recent record.
func Newest() StartingPosition {
	return StartingPosition{Type: PositionNewest}
}

// AfterSequence starts right after the record with the given sequence number.
func AfterSequence(seq string) StartingPosition {
	return StartingPosition{Type: PositionAfterSequence, SequenceNumber: seq}
}

// AtSequence starts at the record with the given sequence number.
func AtSequence(seq string) StartingPosition {
	return StartingPosition{Type: PositionAtSequence, SequenceNumber: seq}
}

// Validate checks that the position is well formed.
func (p StartingPosition) Validate() error {
	switch p.Type {
	case PositionOldest, PositionNewest:
		return nil
	case PositionAfterSequence, PositionAtSequence:
		if p.SequenceNumber == "" {
			return fmt.Errorf("%w: %s requires a sequence number", ErrInvalidArgument, p.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown starting position %q", ErrInvalidArgument, p.Type)
	}
}

func (p StartingPosition) String() string {
	if p.SequenceNumber == "" {
		return string(p.Type)
	}
	return string(p.Type) + "(" + p.SequenceNumber + ")"
}

// ParsePosition parses the textual form used in configuration:
// "oldest", "newest", "after:<seq>" or "at:<seq>".
func ParsePosition(s string) (StartingPosition, error) {
	switch {
	case s == "" || s == "oldest":
		return Oldest(), nil
	case s == "newest":
		return Newest(), nil
	case strings.HasPrefix(s, "after:") && len(s) > len("after:"):
		return AfterSequence(strings.TrimPrefix(s, "after:")), nil
	case strings.HasPrefix(s, "at:") && len(s) > len("at:"):
		return AtSequence(strings.TrimPrefix(s, "at:")), nil
	default:
		return StartingPosition{}, fmt.Errorf("%w: starting position %q", ErrInvalidArgument, s)
	}
}

// ShardPage is one page of a shard listing.
// An empty NextToken means there are no further pages.
type ShardPage struct {
	Shards    []Shard
	NextToken string
}

// RecordBatch is the response of a single read.
// An empty NextIterator means the shard is closed and fully drained.
type RecordBatch struct {
	Records            []Record
	NextIterator       string
	MillisBehindLatest int64
}

// PutEntry is a record to be written.
// SequenceNumberForOrdering, when set, requires the service to place the
// record immediately after that sequence number for the same partition key.
type PutEntry struct {
	StreamName                string
	PartitionKey              string
	Data                      []byte
	SequenceNumberForOrdering string
}

// PutResult is the outcome of a single successful write.
type PutResult struct {
	SequenceNumber string
	ShardID        string
}

// PutRecordsEntryResult is the per-record outcome of a batched write.
// Exactly one of the (SequenceNumber, ShardID) or (ErrorCode, ErrorMessage)
// pairs is set.
type PutRecordsEntryResult struct {
	SequenceNumber string
	ShardID        string
	ErrorCode      string
	ErrorMessage   string
}

// Failed reports whether the service rejected the record.
func (r PutRecordsEntryResult) Failed() bool {
	return r.ErrorCode != ""
}

// Consumer is a registered push consumer.
type Consumer struct {
	ARN    string
	Name   string
	Status string
}

// SubscriptionEvent is a batch of records pushed by the service.
type SubscriptionEvent struct {
	Records                    []Record
	ContinuationSequenceNumber string
	MillisBehindLatest         int64
	// ShardClosed is set on the final event of a shard that will never
	// receive more records.
	ShardClosed bool
}

// Subscription is a server-driven record feed for one shard.
// Events is closed when the subscription ends; Err then reports why
// (nil for a normal expiry).
type Subscription interface {
	Events() <-chan SubscriptionEvent
	Err() error
	Close() error
}

// ShardLister lists the shards of a stream page by page.
type ShardLister interface {
	ListShards(ctx context.Context, streamName, nextToken string) (ShardPage, error)
}

// Reader obtains and consumes shard iterators.
type Reader interface {
	GetShardIterator(ctx context.Context, streamName, shardID string, pos StartingPosition) (string, error)
	GetRecords(ctx context.Context, iterator string, limit int) (RecordBatch, error)
}

// Writer appends records.
type Writer interface {
	PutRecord(ctx context.Context, entry PutEntry) (PutResult, error)
	PutRecords(ctx context.Context, streamName string, entries []PutEntry) ([]PutRecordsEntryResult, error)
}

// Subscriber registers push consumers and opens shard subscriptions.
type Subscriber interface {
	RegisterConsumer(ctx context.Context, streamName, consumerName string) (Consumer, error)
	SubscribeToShard(ctx context.Context, consumer Consumer, shardID string, pos StartingPosition) (Subscription, error)
}

// Service is the full stream service boundary.
type Service interface {
	ShardLister
	Reader
	Writer
	Subscriber
}
