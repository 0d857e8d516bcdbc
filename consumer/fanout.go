// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxstream/otel"
	"github.com/absmach/fluxstream/stream"
	"github.com/cenkalti/backoff/v5"
)

const (
	defaultResubscribeInitial = 500 * time.Millisecond
	defaultResubscribeMax     = 30 * time.Second
)

// FanoutConfig holds settings of a push consumer.
type FanoutConfig struct {
	StreamName         string
	ConsumerName       string
	StartingPosition   stream.StartingPosition
	ResubscribeInitial time.Duration
	ResubscribeMax     time.Duration
	// Rediscover lists shards again after one is closed and subscribes to
	// the new ones, such as the children of a split, from the oldest record.
	Rediscover bool
}

// FanoutSource is what a push consumer needs from the stream service.
type FanoutSource interface {
	stream.ShardLister
	stream.Subscriber
}

// Fanout consumes every shard through a dedicated push subscription.
// Subscriptions end periodically; each shard is re-subscribed from the
// last continuation sequence number until the service closes the shard.
type Fanout struct {
	src     FanoutSource
	catalog *stream.Catalog
	cfg     FanoutConfig
	logger  *slog.Logger
	disp    dispatcher

	mu     sync.Mutex
	states map[string]ShardState
}

// NewFanout creates a push consumer. metrics may be nil.
func NewFanout(src FanoutSource, cfg FanoutConfig, obs Observer, logger *slog.Logger, metrics *otel.Metrics) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StartingPosition.Type == "" {
		cfg.StartingPosition = stream.Oldest()
	}
	if cfg.ResubscribeInitial <= 0 {
		cfg.ResubscribeInitial = defaultResubscribeInitial
	}
	if cfg.ResubscribeMax < cfg.ResubscribeInitial {
		cfg.ResubscribeMax = max(defaultResubscribeMax, cfg.ResubscribeInitial)
	}

	return &Fanout{
		src:     src,
		catalog: stream.NewCatalog(src, logger),
		cfg:     cfg,
		logger:  logger,
		disp:    dispatcher{obs: obs, logger: logger, metrics: metrics},
		states:  make(map[string]ShardState),
	}
}

// Subscribe registers the consumer with the stream. Registering an existing
// consumer returns it.
func (f *Fanout) Subscribe(ctx context.Context) (stream.Consumer, error) {
	c, err := f.src.RegisterConsumer(ctx, f.cfg.StreamName, f.cfg.ConsumerName)
	if err != nil {
		return stream.Consumer{}, err
	}
	f.logger.Info("push consumer registered",
		slog.String("stream", f.cfg.StreamName),
		slog.String("consumer", c.Name),
		slog.String("consumer_arn", c.ARN))
	return c, nil
}

// OpenSubscription opens a push feed on one shard.
func (f *Fanout) OpenSubscription(ctx context.Context, c stream.Consumer, shard stream.Shard, pos stream.StartingPosition) (stream.Subscription, error) {
	return f.src.SubscribeToShard(ctx, c, shard.ID, pos)
}

// Run registers the consumer, discovers the shards and reads each one on its
// own goroutine. It returns when ctx is done or every shard has ended,
// including shards found by rediscovery.
func (f *Fanout) Run(ctx context.Context) error {
	c, err := f.Subscribe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	shards, err := f.catalog.ListShards(ctx, f.cfg.StreamName)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	var wg sync.WaitGroup
	for _, sh := range shards {
		f.spawn(ctx, &wg, c, sh, f.cfg.StartingPosition)
	}
	wg.Wait()

	return nil
}

// spawn starts consuming a shard unless it is already known.
func (f *Fanout) spawn(ctx context.Context, wg *sync.WaitGroup, c stream.Consumer, sh stream.Shard, pos stream.StartingPosition) bool {
	f.mu.Lock()
	if _, ok := f.states[sh.ID]; ok {
		f.mu.Unlock()
		return false
	}
	f.states[sh.ID] = StateDiscovered
	f.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.consume(ctx, wg, c, sh, pos)
	}()
	return true
}

// rediscover lists the shards again and subscribes to the new ones from the
// oldest record. Listing is retried with backoff while the error is
// transient.
func (f *Fanout) rediscover(ctx context.Context, wg *sync.WaitGroup, c stream.Consumer) {
	shards, err := backoff.Retry(ctx, func() ([]stream.Shard, error) {
		shards, err := f.catalog.ListShards(ctx, f.cfg.StreamName)
		if err != nil && !stream.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return shards, err
	}, backoff.WithBackOff(f.newBackOff()), backoff.WithMaxElapsedTime(0))
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Error("shard rediscovery failed",
				slog.String("stream", f.cfg.StreamName),
				slog.String("error", err.Error()))
		}
		return
	}

	for _, sh := range shards {
		if f.spawn(ctx, wg, c, sh, stream.Oldest()) {
			f.logger.Info("new shard discovered",
				slog.String("shard_id", sh.ID),
				slog.String("parent_shard_id", sh.ParentID))
		}
	}
}

// States returns the state of every shard being consumed.
func (f *Fanout) States() map[string]ShardState {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]ShardState, len(f.states))
	for id, s := range f.states {
		out[id] = s
	}
	return out
}

func (f *Fanout) setState(shardID string, s ShardState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[shardID] = s
}

func (f *Fanout) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.ResubscribeInitial
	b.MaxInterval = f.cfg.ResubscribeMax
	return b
}

// consume keeps one shard subscribed until it is closed, fails permanently or
// ctx is done.
func (f *Fanout) consume(ctx context.Context, wg *sync.WaitGroup, c stream.Consumer, shard stream.Shard, pos stream.StartingPosition) {
	wait := f.newBackOff()

	for ctx.Err() == nil {
		sub, err := backoff.Retry(ctx, func() (stream.Subscription, error) {
			sub, err := f.OpenSubscription(ctx, c, shard, pos)
			if err != nil {
				if !stream.IsRetryable(err) {
					return nil, backoff.Permanent(err)
				}
				f.logger.Warn("failed to subscribe to shard, retrying",
					slog.String("shard_id", shard.ID),
					slog.String("error", err.Error()))
				return nil, err
			}
			return sub, nil
		}, backoff.WithBackOff(f.newBackOff()), backoff.WithMaxElapsedTime(0))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Error("shard subscription failed",
				slog.String("shard_id", shard.ID),
				slog.String("position", pos.String()),
				slog.String("error", err.Error()))
			f.setState(shard.ID, StateFailed)
			return
		}

		f.setState(shard.ID, StateIterating)
		closed := f.drain(ctx, shard.ID, sub, &pos)
		serr := sub.Err()
		sub.Close()

		switch {
		case closed:
			f.logger.Info("shard closed", slog.String("shard_id", shard.ID))
			f.setState(shard.ID, StateExhausted)
			if f.cfg.Rediscover {
				f.rediscover(ctx, wg, c)
			}
			return
		case ctx.Err() != nil:
			return
		case serr != nil:
			d := wait.NextBackOff()
			f.logger.Warn("subscription ended with error, resubscribing",
				slog.String("shard_id", shard.ID),
				slog.String("position", pos.String()),
				slog.Duration("backoff", d),
				slog.String("error", serr.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		default:
			wait.Reset()
			f.logger.Debug("subscription expired, resubscribing",
				slog.String("shard_id", shard.ID),
				slog.String("position", pos.String()))
		}
	}
}

// drain forwards pushed records until the subscription ends and advances pos
// past everything received. It reports whether the shard was closed.
func (f *Fanout) drain(ctx context.Context, shardID string, sub stream.Subscription, pos *stream.StartingPosition) bool {
	for ev := range sub.Events() {
		f.disp.dispatch(ctx, shardID, ev.Records)

		if ev.ContinuationSequenceNumber != "" {
			*pos = stream.AfterSequence(ev.ContinuationSequenceNumber)
		} else if n := len(ev.Records); n > 0 {
			*pos = stream.AfterSequence(ev.Records[n-1].SequenceNumber)
		}
		if ev.ShardClosed {
			return true
		}
	}
	return false
}
