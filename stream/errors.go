// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"fmt"
)

// Service-level errors. Backends map their native failures onto these.
var (
	ErrStreamNotFound     = errors.New("stream not found")
	ErrShardNotFound      = errors.New("shard not found")
	ErrConsumerNotFound   = errors.New("consumer not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("service unavailable")
	ErrExpiredIterator    = errors.New("shard iterator expired")
	ErrInvalidIterator    = errors.New("invalid shard iterator")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrSequenceMismatch   = errors.New("sequence number for ordering does not match last sequence number")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// IsRetryable reports whether err is a transient failure that may succeed
// when the same request is issued again later.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrThrottled), errors.Is(err, ErrUnavailable):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// DiscoveryError is returned when the shards of a stream cannot be listed.
// It is fatal to the component that needed the shard list.
type DiscoveryError struct {
	Stream string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("failed to discover shards of stream %q: %v", e.Stream, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// CursorInitError is returned when the first iterator of a shard cannot be
// obtained. It is fatal to that shard only.
type CursorInitError struct {
	ShardID  string
	Position StartingPosition
	Err      error
}

func (e *CursorInitError) Error() string {
	return fmt.Sprintf("failed to open cursor on shard %s at %s: %v", e.ShardID, e.Position, e.Err)
}

func (e *CursorInitError) Unwrap() error { return e.Err }

// PollError is a failed read. Retryable failures leave the shard readable.
type PollError struct {
	ShardID   string
	Retryable bool
	Err       error
}

func (e *PollError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s poll failure on shard %s: %v", kind, e.ShardID, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// PublishError is a rejected write. Partial is set for a single record
// rejected inside an otherwise processed batch.
type PublishError struct {
	PartitionKey string
	Partial      bool
	Code         string
	Message      string
	Err          error
}

func (e *PublishError) Error() string {
	if e.PartitionKey == "" && e.Err != nil {
		return fmt.Sprintf("failed to publish records: %v", e.Err)
	}
	switch {
	case e.Err != nil && e.Code != "":
		return fmt.Sprintf("failed to publish record with partition key %q: %s: %v", e.PartitionKey, e.Code, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("failed to publish record with partition key %q: %v", e.PartitionKey, e.Err)
	default:
		return fmt.Sprintf("failed to publish record with partition key %q: %s: %s", e.PartitionKey, e.Code, e.Message)
	}
}

func (e *PublishError) Unwrap() error { return e.Err }

// DecodeError reports a record whose payload could not be decoded.
// The cursor has already moved past the record.
type DecodeError struct {
	ShardID        string
	SequenceNumber string
	Err            error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode record %s from shard %s: %v", e.SequenceNumber, e.ShardID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
