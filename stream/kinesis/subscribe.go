// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package kinesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxstream/stream"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/cenkalti/backoff/v5"
)

var errConsumerNotActive = errors.New("consumer is not active yet")

// RegisterConsumer registers a push consumer and waits until it is active.
// An existing consumer with the same name is reused.
func (s *Service) RegisterConsumer(ctx context.Context, streamName, consumerName string) (stream.Consumer, error) {
	if consumerName == "" {
		return stream.Consumer{}, fmt.Errorf("%w: consumer name is required", stream.ErrInvalidArgument)
	}

	sum, err := s.api.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{
		StreamName: aws.String(streamName),
	})
	if err != nil {
		return stream.Consumer{}, mapError(err)
	}
	streamARN := aws.ToString(sum.StreamDescriptionSummary.StreamARN)

	var c stream.Consumer
	out, err := s.api.RegisterStreamConsumer(ctx, &kinesis.RegisterStreamConsumerInput{
		StreamARN:    aws.String(streamARN),
		ConsumerName: aws.String(consumerName),
	})
	var inUse *types.ResourceInUseException
	switch {
	case err == nil:
		c = stream.Consumer{
			ARN:    aws.ToString(out.Consumer.ConsumerARN),
			Name:   aws.ToString(out.Consumer.ConsumerName),
			Status: string(out.Consumer.ConsumerStatus),
		}
	case errors.As(err, &inUse):
		c, err = s.describeConsumer(ctx, &kinesis.DescribeStreamConsumerInput{
			StreamARN:    aws.String(streamARN),
			ConsumerName: aws.String(consumerName),
		})
		if err != nil {
			return stream.Consumer{}, err
		}
	default:
		return stream.Consumer{}, mapError(err)
	}

	if c.Status == string(types.ConsumerStatusActive) {
		return c, nil
	}

	s.logger.Info("waiting for consumer to become active",
		slog.String("stream", streamName),
		slog.String("consumer", consumerName),
		slog.String("status", c.Status))

	return backoff.Retry(ctx, func() (stream.Consumer, error) {
		cur, err := s.describeConsumer(ctx, &kinesis.DescribeStreamConsumerInput{
			ConsumerARN: aws.String(c.ARN),
		})
		switch {
		case err != nil && !stream.IsRetryable(err):
			return stream.Consumer{}, backoff.Permanent(err)
		case err != nil:
			return stream.Consumer{}, err
		case cur.Status != string(types.ConsumerStatusActive):
			return stream.Consumer{}, errConsumerNotActive
		}
		return cur, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(s.consumerPoll)), backoff.WithMaxElapsedTime(s.consumerWait))
}

func (s *Service) describeConsumer(ctx context.Context, in *kinesis.DescribeStreamConsumerInput) (stream.Consumer, error) {
	out, err := s.api.DescribeStreamConsumer(ctx, in)
	if err != nil {
		return stream.Consumer{}, mapError(err)
	}
	d := out.ConsumerDescription
	return stream.Consumer{
		ARN:    aws.ToString(d.ConsumerARN),
		Name:   aws.ToString(d.ConsumerName),
		Status: string(d.ConsumerStatus),
	}, nil
}

// SubscribeToShard opens an enhanced fan-out subscription on one shard.
func (s *Service) SubscribeToShard(ctx context.Context, consumer stream.Consumer, shardID string, pos stream.StartingPosition) (stream.Subscription, error) {
	if err := pos.Validate(); err != nil {
		return nil, err
	}

	start := &types.StartingPosition{Type: types.ShardIteratorType(pos.Type)}
	if pos.SequenceNumber != "" {
		start.SequenceNumber = aws.String(pos.SequenceNumber)
	}

	reader, err := s.openEvents(ctx, &kinesis.SubscribeToShardInput{
		ConsumerARN:      aws.String(consumer.ARN),
		ShardId:          aws.String(shardID),
		StartingPosition: start,
	})
	if err != nil {
		return nil, mapError(err)
	}

	sub := &subscription{
		reader:  reader,
		shardID: shardID,
		events:  make(chan stream.SubscriptionEvent),
		done:    make(chan struct{}),
	}
	go sub.run(ctx)

	return sub, nil
}

type subscription struct {
	reader  EventReader
	shardID string
	events  chan stream.SubscriptionEvent
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (sub *subscription) Events() <-chan stream.SubscriptionEvent {
	return sub.events
}

func (sub *subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

func (sub *subscription) Close() error {
	var err error
	sub.closeOnce.Do(func() {
		close(sub.done)
		err = sub.reader.Close()
	})
	return err
}

func (sub *subscription) fail(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.err == nil {
		sub.err = err
	}
}

func (sub *subscription) run(ctx context.Context) {
	defer close(sub.events)

	in := sub.reader.Events()
	for {
		var (
			raw types.SubscribeToShardEventStream
			ok  bool
		)
		select {
		case raw, ok = <-in:
		case <-sub.done:
			sub.fail(stream.ErrSubscriptionClosed)
			return
		case <-ctx.Done():
			sub.fail(ctx.Err())
			return
		}
		if !ok {
			if err := sub.reader.Err(); err != nil {
				sub.fail(mapError(err))
			}
			return
		}

		e, ok := raw.(*types.SubscribeToShardEventStreamMemberSubscribeToShardEvent)
		if !ok {
			continue
		}
		ev := convertEvent(e.Value, sub.shardID)

		select {
		case sub.events <- ev:
		case <-sub.done:
			sub.fail(stream.ErrSubscriptionClosed)
			return
		case <-ctx.Done():
			sub.fail(ctx.Err())
			return
		}
		if ev.ShardClosed {
			return
		}
	}
}

// convertEvent maps a pushed event. A missing continuation sequence number
// marks the end of a closed shard.
func convertEvent(e types.SubscribeToShardEvent, shardID string) stream.SubscriptionEvent {
	return stream.SubscriptionEvent{
		Records:                    convertRecords(e.Records, shardID),
		ContinuationSequenceNumber: aws.ToString(e.ContinuationSequenceNumber),
		MillisBehindLatest:         aws.ToInt64(e.MillisBehindLatest),
		ShardClosed:                e.ContinuationSequenceNumber == nil,
	}
}
