// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit paces calls against the stream service.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a fixed minimum interval between calls.
// The first call passes immediately. A zero interval disables pacing.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer creates a pacer allowing one call per interval.
func NewPacer(interval time.Duration) *Pacer {
	if interval <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next call is allowed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}
	return p.limiter.Wait(ctx)
}

// Allow reports whether a call may proceed now without waiting.
func (p *Pacer) Allow() bool {
	if p == nil {
		return true
	}
	return p.limiter.Allow()
}

// KeyedLimiter keeps an independent token bucket per key, such as a shard ID.
// Used to stay under per-shard read quotas.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewKeyedLimiter creates a limiter allowing r calls per second per key with
// the given burst.
func NewKeyedLimiter(r float64, burst int) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Wait blocks until a call for key is allowed or ctx is done.
func (l *KeyedLimiter) Wait(ctx context.Context, key string) error {
	if l == nil {
		return ctx.Err()
	}
	return l.get(key).Wait(ctx)
}

// Allow reports whether a call for key may proceed now.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.get(key).Allow()
}

// Remove drops the bucket of a key that will not be used again.
func (l *KeyedLimiter) Remove(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *KeyedLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}
