// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

var _ Service = (*BreakerService)(nil)

// BreakerConfig configures the circuit breaker guarding a Service.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
}

// BreakerService guards a Service with a circuit breaker. Only transient
// failures (throttling, unavailability) count towards tripping it; caller
// errors such as a sequence mismatch pass through untouched.
// While open, calls fail fast with ErrUnavailable, which is retryable.
type BreakerService struct {
	next Service
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerService wraps next with a circuit breaker.
func NewBreakerService(next Service, cfg BreakerConfig, logger *slog.Logger) *BreakerService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "stream"
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("stream circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &BreakerService{next: next, cb: cb}
}

// State returns the current breaker state.
func (s *BreakerService) State() gobreaker.State {
	return s.cb.State()
}

func (s *BreakerService) ListShards(ctx context.Context, streamName, nextToken string) (ShardPage, error) {
	return execute(s.cb, func() (ShardPage, error) {
		return s.next.ListShards(ctx, streamName, nextToken)
	})
}

func (s *BreakerService) GetShardIterator(ctx context.Context, streamName, shardID string, pos StartingPosition) (string, error) {
	return execute(s.cb, func() (string, error) {
		return s.next.GetShardIterator(ctx, streamName, shardID, pos)
	})
}

func (s *BreakerService) GetRecords(ctx context.Context, iterator string, limit int) (RecordBatch, error) {
	return execute(s.cb, func() (RecordBatch, error) {
		return s.next.GetRecords(ctx, iterator, limit)
	})
}

func (s *BreakerService) PutRecord(ctx context.Context, entry PutEntry) (PutResult, error) {
	return execute(s.cb, func() (PutResult, error) {
		return s.next.PutRecord(ctx, entry)
	})
}

func (s *BreakerService) PutRecords(ctx context.Context, streamName string, entries []PutEntry) ([]PutRecordsEntryResult, error) {
	return execute(s.cb, func() ([]PutRecordsEntryResult, error) {
		return s.next.PutRecords(ctx, streamName, entries)
	})
}

func (s *BreakerService) RegisterConsumer(ctx context.Context, streamName, consumerName string) (Consumer, error) {
	return execute(s.cb, func() (Consumer, error) {
		return s.next.RegisterConsumer(ctx, streamName, consumerName)
	})
}

func (s *BreakerService) SubscribeToShard(ctx context.Context, consumer Consumer, shardID string, pos StartingPosition) (Subscription, error) {
	return execute(s.cb, func() (Subscription, error) {
		return s.next.SubscribeToShard(ctx, consumer, shardID, pos)
	})
}

func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T

	res, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return zero, err
	}

	v, ok := res.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}
