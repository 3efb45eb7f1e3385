// ratelimit.go implements token-bucket rate limiting for the Deribit public API.
//
// Deribit's public endpoints allow roughly 20 requests per second per IP
// for non-matching-engine calls. The buckets refill continuously so bursts
// (the snapshot fetcher fans out ten concurrent book requests) smooth out
// instead of tripping the venue's limiter.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by Deribit endpoint category.
// Each REST call must Wait() on the matching bucket before the request.
type RateLimiter struct {
	Catalog *TokenBucket // GET /public/get_instruments
	Book    *TokenBucket // GET /public/get_order_book
	History *TokenBucket // GET /public/get_funding_rate_history
}

// NewRateLimiter creates buckets tuned to Deribit's public-endpoint budget.
// The book bucket carries most of the load (snapshot sweeps), so it gets
// the bulk of the 20 req/s allowance.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Catalog: NewTokenBucket(5, 2),
		Book:    NewTokenBucket(30, 15),
		History: NewTokenBucket(5, 3),
	}
}
