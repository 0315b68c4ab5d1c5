package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ensenas/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER - Token Bucket implementation
// ══════════════════════════════════════════════════════════════════════════════

// RateLimiterConfig contains configuration for the rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained request rate.
	RequestsPerSecond float64

	// BurstSize is the bucket capacity.
	BurstSize int

	// WaitTimeout is the longest Allow blocks for a token.
	WaitTimeout time.Duration
}

// DefaultRateLimiterConfig returns defaults for a single learner's client.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 10,
		BurstSize:         20,
		WaitTimeout:       5 * time.Second,
	}
}

// RateLimiter keeps the client under the backend's request rate and backs
// off entirely after a 429.
type RateLimiter struct {
	mu sync.Mutex

	maxTokens    float64
	refillRate   float64
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time
	waitTimeout  time.Duration
	hits         int
	now          func() time.Time
}

// NewRateLimiter creates a full bucket.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	d := DefaultRateLimiterConfig()
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = d.RequestsPerSecond
	}
	if config.BurstSize <= 0 {
		config.BurstSize = d.BurstSize
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = d.WaitTimeout
	}
	return &RateLimiter{
		maxTokens:   float64(config.BurstSize),
		refillRate:  config.RequestsPerSecond,
		tokens:      float64(config.BurstSize),
		lastRefill:  time.Now(),
		waitTimeout: config.WaitTimeout,
		now:         time.Now,
	}
}

// RateLimitError is returned for a 429 response or when no token becomes
// available in time.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
}

// Is matches shared.ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == shared.ErrRateLimited
}

// RetryDelay lets the retrier honour Retry-After.
func (e *RateLimitError) RetryDelay() time.Duration {
	return e.RetryAfter
}

// Allow blocks until a token is available, ctx ends, or WaitTimeout passes.
func (rl *RateLimiter) Allow(ctx context.Context) error {
	deadline := rl.now().Add(rl.waitTimeout)
	for {
		wait, ok := rl.tryAcquire()
		if ok {
			return nil
		}
		if rl.now().Add(wait).After(deadline) {
			return &RateLimitError{RetryAfter: wait, Message: "client rate limit"}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (rl *RateLimiter) tryAcquire() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.blockedUntil) {
		return rl.blockedUntil.Sub(now), false
	}

	rl.refill(now)
	if rl.tokens >= 1 {
		rl.tokens--
		return 0, true
	}
	missing := 1 - rl.tokens
	return time.Duration(missing / rl.refillRate * float64(time.Second)), false
}

// refill must be called with the lock held.
func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens = min(rl.maxTokens, rl.tokens+elapsed*rl.refillRate)
	rl.lastRefill = now
}

// RecordRateLimitHit empties the bucket and blocks for retryAfter.
func (rl *RateLimiter) RecordRateLimitHit(retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.hits++
	rl.tokens = 0
	if until := rl.now().Add(retryAfter); until.After(rl.blockedUntil) {
		rl.blockedUntil = until
	}
}

// Reset refills the bucket and clears any block.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = rl.maxTokens
	rl.lastRefill = rl.now()
	rl.blockedUntil = time.Time{}
}

// RateLimiterStatus is a point-in-time view of the limiter.
type RateLimiterStatus struct {
	AvailableTokens float64   `json:"available_tokens"`
	BlockedUntil    time.Time `json:"blocked_until,omitempty"`
	RateLimitHits   int       `json:"rate_limit_hits"`
}

// Status returns the current state.
func (rl *RateLimiter) Status() RateLimiterStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill(rl.now())
	return RateLimiterStatus{
		AvailableTokens: rl.tokens,
		BlockedUntil:    rl.blockedUntil,
		RateLimitHits:   rl.hits,
	}
}
