// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxstream/otel"
	"github.com/absmach/fluxstream/ratelimit"
	"github.com/absmach/fluxstream/stream"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPollInterval is the pause between two polling cycles.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultMaxRecords is the read limit per poll.
	DefaultMaxRecords = 200
	// DefaultMaxConcurrency bounds parallel polling.
	DefaultMaxConcurrency = 4
)

// Config holds settings of a polling consumer group.
type Config struct {
	StreamName       string
	PollInterval     time.Duration
	MaxRecords       int
	StartingPosition stream.StartingPosition
	// Parallel polls shards concurrently, at most MaxConcurrency at a time.
	// Each shard is still read sequentially.
	Parallel       bool
	MaxConcurrency int
	// Rediscover lists shards again after one is exhausted and reads the
	// new ones, such as the children of a split, from the oldest record.
	Rediscover bool
}

// CycleStats summarizes one polling cycle.
type CycleStats struct {
	Polled         int // shards polled
	Records        int // records read
	Delivered      int // records decoded and delivered
	DecodeFailures int
	Failures       int // failed polls, retryable or not
	Exhausted      int // shards that became exhausted
}

func (s *CycleStats) add(o CycleStats) {
	s.Polled += o.Polled
	s.Records += o.Records
	s.Delivered += o.Delivered
	s.DecodeFailures += o.DecodeFailures
	s.Failures += o.Failures
	s.Exhausted += o.Exhausted
}

// Option configures a Group.
type Option func(*Group)

// WithClock sets the clock used to sleep between cycles.
func WithClock(c clockwork.Clock) Option {
	return func(g *Group) {
		g.clock = c
	}
}

// WithMetrics records polling metrics.
func WithMetrics(m *otel.Metrics) Option {
	return func(g *Group) {
		g.metrics = m
	}
}

// WithReadLimiter throttles reads per shard.
func WithReadLimiter(l *ratelimit.KeyedLimiter) Option {
	return func(g *Group) {
		g.limiter = l
	}
}

type shardWorker struct {
	shard  stream.Shard
	cursor *stream.Cursor
	state  ShardState
	err    error
}

// Group polls every shard of a stream through its own cursor.
//
// Each shard moves through DISCOVERED -> ITERATING -> EXHAUSTED | FAILED.
// A failure on one shard never affects another.
type Group struct {
	src     Source
	catalog *stream.Catalog
	cfg     Config
	logger  *slog.Logger
	clock   clockwork.Clock
	metrics *otel.Metrics
	limiter *ratelimit.KeyedLimiter
	disp    dispatcher

	mu          sync.Mutex
	workers     []*shardWorker // discovery order
	index       map[string]*shardWorker
	rediscovery bool
}

// NewGroup creates a consumer group. It does not contact the service until
// Start or Run is called.
func NewGroup(src Source, cfg Config, obs Observer, logger *slog.Logger, opts ...Option) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval < 0 {
		cfg.PollInterval = 0
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultMaxRecords
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.StartingPosition.Type == "" {
		cfg.StartingPosition = stream.Oldest()
	}

	g := &Group{
		src:     src,
		catalog: stream.NewCatalog(src, logger),
		cfg:     cfg,
		logger:  logger,
		clock:   clockwork.NewRealClock(),
		index:   make(map[string]*shardWorker),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.disp = dispatcher{obs: obs, logger: logger, metrics: g.metrics}

	return g
}

// Start discovers the shards and opens a cursor on each. A discovery
// failure is returned and nothing is started. A shard whose cursor cannot
// be opened is marked failed and the others proceed.
func (g *Group) Start(ctx context.Context) error {
	shards, err := g.catalog.ListShards(ctx, g.cfg.StreamName)
	if err != nil {
		return err
	}

	g.logger.Info("consumer group starting",
		slog.String("stream", g.cfg.StreamName),
		slog.Int("shards", len(shards)),
		slog.String("position", g.cfg.StartingPosition.String()))

	for _, sh := range shards {
		g.adopt(ctx, sh, g.cfg.StartingPosition)
	}
	return nil
}

// adopt registers a shard and opens its cursor. Known shards are ignored.
func (g *Group) adopt(ctx context.Context, sh stream.Shard, pos stream.StartingPosition) {
	g.mu.Lock()
	if _, ok := g.index[sh.ID]; ok {
		g.mu.Unlock()
		return
	}
	w := &shardWorker{shard: sh, state: StateDiscovered}
	g.workers = append(g.workers, w)
	g.index[sh.ID] = w
	g.mu.Unlock()

	cur, err := stream.OpenCursor(ctx, g.src, g.cfg.StreamName, sh, pos)

	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil {
		w.state = StateFailed
		w.err = err
		g.logger.Error("failed to open shard cursor",
			slog.String("shard_id", sh.ID),
			slog.String("position", pos.String()),
			slog.String("error", err.Error()))
		return
	}

	w.cursor = cur
	w.state = StateIterating
	g.metrics.RecordShardActivated()
	g.logger.Debug("shard cursor opened",
		slog.String("shard_id", sh.ID),
		slog.String("parent_shard_id", sh.ParentID),
		slog.String("position", pos.String()))
}

// Cycle polls every shard that is still iterating once, in discovery order.
// Context cancellation stops the cycle between shards.
func (g *Group) Cycle(ctx context.Context) CycleStats {
	g.mu.Lock()
	rediscover := g.rediscovery
	g.mu.Unlock()
	if rediscover {
		g.rediscover(ctx)
	}

	active := g.active()
	var stats CycleStats

	if !g.cfg.Parallel {
		for _, w := range active {
			if ctx.Err() != nil {
				break
			}
			stats.add(g.poll(ctx, w))
		}
		return stats
	}

	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	eg.SetLimit(g.cfg.MaxConcurrency)
	for _, w := range active {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			s := g.poll(ctx, w)
			mu.Lock()
			stats.add(s)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	return stats
}

// Run starts the group and polls until ctx is done, sleeping PollInterval
// between cycles. It returns nil on cancellation and the discovery error if
// the shards cannot be listed.
func (g *Group) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		stats := g.Cycle(ctx)
		if stats.Polled > 0 {
			g.logger.Debug("poll cycle completed",
				slog.Int("shards", stats.Polled),
				slog.Int("records", stats.Records),
				slog.Int("failures", stats.Failures))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-g.clock.After(g.cfg.PollInterval):
		}
	}
}

// States returns the state of every known shard.
func (g *Group) States() map[string]ShardState {
	g.mu.Lock()
	defer g.mu.Unlock()

	states := make(map[string]ShardState, len(g.workers))
	for _, w := range g.workers {
		states[w.shard.ID] = w.state
	}
	return states
}

// Statuses returns the status of every known shard in discovery order.
func (g *Group) Statuses() []ShardStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ShardStatus, 0, len(g.workers))
	for _, w := range g.workers {
		st := ShardStatus{Shard: w.shard, State: w.state, Err: w.err}
		if w.cursor != nil {
			st.LastSequence = w.cursor.LastSequence()
		}
		out = append(out, st)
	}
	return out
}

func (g *Group) active() []*shardWorker {
	g.mu.Lock()
	defer g.mu.Unlock()

	active := make([]*shardWorker, 0, len(g.workers))
	for _, w := range g.workers {
		if w.state == StateIterating {
			active = append(active, w)
		}
	}
	return active
}

func (g *Group) poll(ctx context.Context, w *shardWorker) CycleStats {
	var stats CycleStats
	shardID := w.shard.ID

	if err := g.limiter.Wait(ctx, shardID); err != nil {
		return stats
	}

	stats.Polled = 1
	out := w.cursor.Poll(ctx, g.cfg.MaxRecords)

	switch out.Kind {
	case stream.OutcomeFailed:
		// Cancellation is not a shard failure.
		if ctx.Err() != nil && errors.Is(out.Err, ctx.Err()) {
			return stats
		}
		stats.Failures = 1
		g.metrics.RecordPollError(shardID, out.Err.Retryable)
		if out.Err.Retryable {
			g.logger.Warn("retryable poll failure",
				slog.String("shard_id", shardID),
				slog.String("error", out.Err.Err.Error()))
			return stats
		}
		g.logger.Error("shard failed",
			slog.String("shard_id", shardID),
			slog.String("last_sequence", w.cursor.LastSequence()),
			slog.String("error", out.Err.Err.Error()))
		g.finish(w, StateFailed, out.Err)
		return stats

	case stream.OutcomeRecords, stream.OutcomeExhausted:
		stats.Records = len(out.Records)
		g.metrics.RecordPolled(shardID, len(out.Records), out.MillisBehindLatest)
		stats.Delivered, stats.DecodeFailures = g.disp.dispatch(ctx, shardID, out.Records)

		if out.Kind == stream.OutcomeExhausted {
			stats.Exhausted = 1
			g.logger.Info("shard exhausted",
				slog.String("shard_id", shardID),
				slog.String("last_sequence", w.cursor.LastSequence()))
			g.finish(w, StateExhausted, nil)
		}
	}

	return stats
}

func (g *Group) finish(w *shardWorker, state ShardState, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if w.state.Terminal() {
		return
	}
	w.state = state
	w.err = err
	g.metrics.RecordShardDeactivated()
	g.limiter.Remove(w.shard.ID)

	if state == StateExhausted && g.cfg.Rediscover {
		g.rediscovery = true
	}
}

// rediscover lists the shards again and adopts any new ones from the oldest
// record. Failures are logged and retried on the next cycle.
func (g *Group) rediscover(ctx context.Context) {
	shards, err := g.catalog.ListShards(ctx, g.cfg.StreamName)
	if err != nil {
		g.logger.Warn("shard rediscovery failed",
			slog.String("stream", g.cfg.StreamName),
			slog.String("error", err.Error()))
		return
	}

	g.mu.Lock()
	g.rediscovery = false
	var fresh []stream.Shard
	for _, sh := range shards {
		if _, ok := g.index[sh.ID]; !ok {
			fresh = append(fresh, sh)
		}
	}
	g.mu.Unlock()

	for _, sh := range fresh {
		g.logger.Info("new shard discovered",
			slog.String("shard_id", sh.ID),
			slog.String("parent_shard_id", sh.ParentID))
		g.adopt(ctx, sh, stream.Oldest())
	}
}
