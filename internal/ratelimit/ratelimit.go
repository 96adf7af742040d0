package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.lastUsed = now

	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter throttles console admission attempts globally and per source IP.
// Its main job is slowing down token guessing against the gateway.
type Limiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perSource map[string]*TokenBucket
	rate      int
	burst     int
}

// NewLimiter creates an admission limiter. A zero globalRate or sourceRate
// disables that check.
func NewLimiter(globalRate, sourceRate, burst int) *Limiter {
	l := &Limiter{
		perSource: make(map[string]*TokenBucket),
		rate:      sourceRate,
		burst:     burst,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// Allow reports whether an admission attempt from the given source IP may
// proceed.
func (l *Limiter) Allow(sourceIP string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, exists := l.perSource[sourceIP]
	if !exists {
		bucket = NewTokenBucket(l.rate, l.burst)
		l.perSource[sourceIP] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// CleanupIdle drops per-source buckets unused for longer than maxIdle so one
// scan per cleanup interval bounds memory.
func (l *Limiter) CleanupIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, bucket := range l.perSource {
		if bucket.idleSince().Before(cutoff) {
			delete(l.perSource, ip)
			removed++
		}
	}
	return removed
}
