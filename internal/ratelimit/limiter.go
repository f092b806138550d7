// Package ratelimit throttles inbound realtime events per session.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultBurst    = 20
	DefaultInterval = time.Second
)

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string)
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// TokenBucket keeps one in-memory bucket per key holding up to capacity
// tokens, refilled at capacity per interval.
type TokenBucket struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	rate     float64
	now      func() time.Time
}

func NewTokenBucket(capacity int, interval time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &TokenBucket{
		buckets:  make(map[string]*bucket),
		capacity: float64(capacity),
		rate:     float64(capacity) / interval.Seconds(),
		now:      time.Now,
	}
}

func (tb *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: tb.capacity, lastCheck: now}
		tb.buckets[key] = b
	}

	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens = min(b.tokens+elapsed*tb.rate, tb.capacity)
	}
	b.lastCheck = now

	if b.tokens < 1 {
		return false, nil
	}

	b.tokens--
	return true, nil
}

func (tb *TokenBucket) Forget(_ context.Context, key string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.buckets, key)
}
