// Package ratelimit implements a per-provider token bucket rate limiter.
// Thread-safe. No background goroutines: tokens are refilled lazily on every
// access, including the read-only observers.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// refillEpsilon absorbs float drift when a waiter wakes exactly on time.
const refillEpsilon = 1e-9

// Config configures the bucket for a single provider.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Acquire never waits).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter holds one token bucket per provider identifier.
// Buckets are independent; one provider cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Config
	buckets map[string]*bucket

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	onWait func(provider string, d time.Duration)
}

type bucket struct {
	tokens     float64
	capacity   float64
	perMilli   float64 // tokens per millisecond
	lastRefill time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (useful for testing).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleeper overrides how Acquire waits for a token (useful for testing).
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = fn }
}

// WithWaitObserver registers a callback invoked every time Acquire has to wait.
func WithWaitObserver(fn func(provider string, d time.Duration)) Option {
	return func(l *Limiter) { l.onWait = fn }
}

// NewLimiter creates a limiter from a provider → Config map.
// Providers absent from the map are unlimited.
func NewLimiter(limits map[string]Config, opts ...Option) *Limiter {
	l := &Limiter{
		limits:  make(map[string]Config, len(limits)),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for name, cfg := range limits {
		l.limits[name] = cfg
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetLimit installs or replaces the limit for a provider. The bucket restarts full.
func (l *Limiter) SetLimit(provider string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[provider] = cfg
	delete(l.buckets, provider)
}

// Acquire consumes one token for provider, waiting exactly as long as needed
// for a token to become available. Only a cancelled ctx makes it fail.
func (l *Limiter) Acquire(ctx context.Context, provider string) error {
	for {
		l.mu.Lock()
		b := l.bucketLocked(provider)
		if b == nil {
			l.mu.Unlock()
			return nil
		}
		l.refillLocked(b)
		if b.tokens >= 1-refillEpsilon {
			b.tokens = math.Max(0, b.tokens-1)
			l.mu.Unlock()
			return nil
		}
		wait := time.Duration(math.Ceil((1 - b.tokens) / b.perMilli * float64(time.Millisecond)))
		l.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		if l.onWait != nil {
			l.onWait(provider, wait)
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Remaining returns the tokens currently available to provider.
// Unlimited providers report +Inf. Advances the refill as a side effect.
func (l *Limiter) Remaining(provider string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(provider)
	if b == nil {
		return math.Inf(1)
	}
	l.refillLocked(b)
	return b.tokens
}

// IsRateLimited reports whether the next Acquire for provider would wait.
func (l *Limiter) IsRateLimited(provider string) bool {
	return l.Remaining(provider) < 1-refillEpsilon
}

// bucketLocked returns the bucket for provider, creating it full on first use.
// Returns nil when the provider has no configured limit.
func (l *Limiter) bucketLocked(provider string) *bucket {
	if b, ok := l.buckets[provider]; ok {
		return b
	}
	cfg, ok := l.limits[provider]
	if !ok || cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	b := &bucket{
		tokens:     float64(burst),
		capacity:   float64(burst),
		perMilli:   float64(cfg.RequestsPerMinute) / 60000.0,
		lastRefill: l.now(),
	}
	l.buckets[provider] = b
	return b
}

func (l *Limiter) refillLocked(b *bucket) {
	now := l.now()
	elapsed := float64(now.Sub(b.lastRefill)) / float64(time.Millisecond)
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.perMilli)
		b.lastRefill = now
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
