// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fluxstream/stream"
	"github.com/absmach/fluxstream/stream/memory"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsOnTransientFailures(t *testing.T) {
	svc := newService(t, 1)
	b := stream.NewBreakerService(svc, stream.BreakerConfig{FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond}, nil)
	ctx := context.Background()

	svc.InjectError(memory.OpListShards, stream.ErrThrottled)
	svc.InjectError(memory.OpListShards, stream.ErrUnavailable)

	_, err := b.ListShards(ctx, testStream, "")
	assert.ErrorIs(t, err, stream.ErrThrottled)
	_, err = b.ListShards(ctx, testStream, "")
	assert.ErrorIs(t, err, stream.ErrUnavailable)
	assert.Equal(t, gobreaker.StateOpen, b.State())

	calls := svc.Calls(memory.OpListShards)
	_, err = b.ListShards(ctx, testStream, "")
	assert.ErrorIs(t, err, stream.ErrUnavailable)
	assert.True(t, stream.IsRetryable(err))
	assert.Equal(t, calls, svc.Calls(memory.OpListShards), "open breaker must not reach the service")

	require.Eventually(t, func() bool {
		_, err := b.ListShards(ctx, testStream, "")
		return err == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	svc := newService(t, 1)
	b := stream.NewBreakerService(svc, stream.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, nil)
	ctx := context.Background()

	_, err := b.PutRecord(ctx, stream.PutEntry{StreamName: testStream, PartitionKey: "abc", Data: []byte("x"), SequenceNumberForOrdering: "1"})
	assert.ErrorIs(t, err, stream.ErrSequenceMismatch)
	_, err = b.GetRecords(ctx, "bogus", 10)
	assert.ErrorIs(t, err, stream.ErrInvalidIterator)

	assert.Equal(t, gobreaker.StateClosed, b.State())

	res, err := b.PutRecord(ctx, stream.PutEntry{StreamName: testStream, PartitionKey: "abc", Data: []byte("x")})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SequenceNumber)
}

func TestBreakerPassesThrough(t *testing.T) {
	svc := newService(t, 2)
	b := stream.NewBreakerService(svc, stream.BreakerConfig{ResetTimeout: time.Second}, nil)
	ctx := context.Background()

	results, err := b.PutRecords(ctx, testStream, []stream.PutEntry{{PartitionKey: "a", Data: []byte("1")}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	c, err := stream.OpenCursor(ctx, b, testStream, stream.Shard{ID: results[0].ShardID}, stream.Oldest())
	require.NoError(t, err)
	out := c.Poll(ctx, 10)
	require.Len(t, out.Records, 1)

	consumer, err := b.RegisterConsumer(ctx, testStream, "orders-fanout")
	require.NoError(t, err)
	sub, err := b.SubscribeToShard(ctx, consumer, results[0].ShardID, stream.Oldest())
	require.NoError(t, err)
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		assert.Len(t, ev.Records, 1)
	case <-time.After(time.Second):
		t.Fatal("no event pushed")
	}
}
