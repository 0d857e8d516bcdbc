// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxstream/stream"
)

// RegisterConsumer registers a push consumer. Registering an existing name
// returns the existing consumer.
func (s *Service) RegisterConsumer(ctx context.Context, streamName, consumerName string) (stream.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return stream.Consumer{}, err
	}
	if consumerName == "" {
		return stream.Consumer{}, fmt.Errorf("%w: consumer name is required", stream.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpRegisterConsumer); err != nil {
		return stream.Consumer{}, err
	}

	st, ok := s.streams[streamName]
	if !ok {
		return stream.Consumer{}, stream.ErrStreamNotFound
	}

	if c, ok := st.consumers[consumerName]; ok {
		return c, nil
	}

	c := stream.Consumer{
		ARN:    st.arn + "/consumer/" + consumerName,
		Name:   consumerName,
		Status: "ACTIVE",
	}
	st.consumers[consumerName] = c
	s.consumers[c.ARN] = st

	return c, nil
}

// SubscribeToShard opens a push feed of the shard's records starting at pos.
// The feed ends after the configured subscription lifetime, when the shard
// is closed and drained, when ctx is done, or when it is closed.
func (s *Service) SubscribeToShard(ctx context.Context, consumer stream.Consumer, shardID string, pos stream.StartingPosition) (stream.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pos.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpSubscribeToShard); err != nil {
		return nil, err
	}

	st, ok := s.consumers[consumer.ARN]
	if !ok {
		return nil, stream.ErrConsumerNotFound
	}
	sh := st.shard(shardID)
	if sh == nil {
		return nil, fmt.Errorf("%w: %s", stream.ErrShardNotFound, shardID)
	}

	sub := &subscription{
		events: make(chan stream.SubscriptionEvent),
		done:   make(chan struct{}),
	}
	continuation := ""
	if pos.Type == stream.PositionAfterSequence {
		continuation = pos.SequenceNumber
	}

	go sub.run(ctx, s, sh, sh.indexOf(pos), continuation, s.subLifetime)

	return sub, nil
}

type subscription struct {
	events chan stream.SubscriptionEvent
	done   chan struct{}

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
	sub.closeOnce.Do(func() {
		close(sub.done)
	})
	return nil
}

func (sub *subscription) fail(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.err = err
}

func (sub *subscription) run(ctx context.Context, s *Service, sh *shardState, idx int, continuation string, lifetime time.Duration) {
	defer close(sub.events)

	expiry := time.NewTimer(lifetime)
	defer expiry.Stop()

	for {
		s.mu.Lock()
		pending := make([]stream.Record, len(sh.records)-idx)
		copy(pending, sh.records[idx:])
		closed := sh.closed
		notify := sh.notify
		s.mu.Unlock()

		if len(pending) > 0 || closed {
			idx += len(pending)
			if len(pending) > 0 {
				continuation = pending[len(pending)-1].SequenceNumber
			}
			ev := stream.SubscriptionEvent{
				Records:                    pending,
				ContinuationSequenceNumber: continuation,
				ShardClosed:                closed,
			}
			select {
			case sub.events <- ev:
			case <-sub.done:
				sub.fail(stream.ErrSubscriptionClosed)
				return
			case <-ctx.Done():
				sub.fail(ctx.Err())
				return
			}
			if closed {
				return
			}
			continue
		}

		select {
		case <-notify:
		case <-expiry.C:
			return
		case <-sub.done:
			sub.fail(stream.ErrSubscriptionClosed)
			return
		case <-ctx.Done():
			sub.fail(ctx.Err())
			return
		}
	}
}
