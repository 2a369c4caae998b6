// Package ratelimit throttles Global broadcast requests per originating peer.
//
// The authority accepts requests from every connected client. A client that
// floods the bus would otherwise fan its traffic out to every other peer, so
// the global bus keeps one token bucket per peer and rejects requests that
// exceed it.
//
//	limiter := ratelimit.NewKeyed(20, 5) // 20 requests/second, burst of 5
//	if !limiter.Allow(string(peer)) {
//	    // reject
//	}
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket implements a local token bucket rate limiter backed by
// golang.org/x/time/rate.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a bucket refilling at rps tokens per second and
// holding at most burst tokens.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow returns true if an event can happen right now.
// Consumes one token if available.
func (t *TokenBucket) Allow() bool {
	return t.limiter.Allow()
}

// Wait blocks until an event is allowed or context is cancelled.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Limit returns the current rate limit (events per second).
func (t *TokenBucket) Limit() float64 {
	return float64(t.limiter.Limit())
}

// Burst returns the current burst size.
func (t *TokenBucket) Burst() int {
	return t.limiter.Burst()
}

// Keyed keeps an independent token bucket per key.
// Buckets idle for longer than the idle timeout are dropped by Prune.
type Keyed struct {
	mu      sync.Mutex
	rps     float64
	burst   int
	buckets map[string]*keyedBucket
	now     func() time.Time
}

type keyedBucket struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// NewKeyed creates a keyed limiter. Every key gets rps tokens per second and
// a burst of burst. A burst below one is raised to one.
func NewKeyed(rps float64, burst int) *Keyed {
	if burst < 1 {
		burst = 1
	}
	return &Keyed{
		rps:     rps,
		burst:   burst,
		buckets: make(map[string]*keyedBucket),
		now:     time.Now,
	}
}

// Allow consumes a token from the bucket of key.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = &keyedBucket{bucket: NewTokenBucket(k.rps, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = k.now()
	k.mu.Unlock()

	return b.bucket.Allow()
}

// Forget drops the bucket of key, e.g. when a peer disconnects.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.buckets, key)
	k.mu.Unlock()
}

// Prune drops buckets not used within idle and returns how many were removed.
func (k *Keyed) Prune(idle time.Duration) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	cutoff := k.now().Add(-idle)
	removed := 0
	for key, b := range k.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(k.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
