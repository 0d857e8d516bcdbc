// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestPacer_FirstCallImmediate(t *testing.T) {
	p := NewPacer(time.Hour)

	if !p.Allow() {
		t.Error("First call should be allowed")
	}
	if p.Allow() {
		t.Error("Second call within the interval should be paced")
	}
}

func TestPacer_Wait(t *testing.T) {
	p := NewPacer(50 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	// Two paced gaps after the immediate first call.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("expected at least ~100ms of pacing, got %v", elapsed)
	}
}

func TestPacer_ZeroInterval(t *testing.T) {
	p := NewPacer(0)

	for i := 0; i < 100; i++ {
		if !p.Allow() {
			t.Fatalf("call %d should be allowed when pacing is disabled", i)
		}
	}
}

func TestPacer_WaitCanceled(t *testing.T) {
	p := NewPacer(time.Hour)
	p.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Wait(ctx); err == nil {
		t.Error("Wait() should fail once the context is canceled")
	}
}

func TestPacer_Nil(t *testing.T) {
	var p *Pacer

	if !p.Allow() {
		t.Error("nil pacer should allow every call")
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Errorf("nil pacer Wait() error = %v", err)
	}
}

func TestKeyedLimiter_DifferentKeys(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1)

	if !limiter.Allow("shardId-000000000000") {
		t.Error("First call for shard 0 should be allowed")
	}
	if !limiter.Allow("shardId-000000000001") {
		t.Error("First call for shard 1 should be allowed")
	}

	if limiter.Allow("shardId-000000000000") {
		t.Error("Second call for shard 0 should be rate limited")
	}
	if limiter.Allow("shardId-000000000001") {
		t.Error("Second call for shard 1 should be rate limited")
	}
}

func TestKeyedLimiter_Remove(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1)

	limiter.Allow("a")
	limiter.Allow("b")
	if limiter.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", limiter.Len())
	}

	limiter.Remove("a")
	if limiter.Len() != 1 {
		t.Errorf("expected 1 key after removal, got %d", limiter.Len())
	}

	// A removed key starts with a fresh bucket.
	if !limiter.Allow("a") {
		t.Error("call after removal should be allowed")
	}
}
