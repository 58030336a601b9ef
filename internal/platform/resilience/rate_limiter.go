package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const minLimiterWait = 10 * time.Millisecond

// RateLimiter implements token bucket rate limiting
type RateLimiter struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a limiter allowing rate requests per second with
// bursts of up to burst requests. The bucket starts full.
func NewRateLimiter(rate float64, burst int, clock clockwork.Clock) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = int(rate)
		if burst < 1 {
			burst = 1
		}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &RateLimiter{
		clock:      clock,
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: clock.Now(),
	}
}

// Allow takes a token if one is available
func (rl *RateLimiter) Allow() bool {
	return rl.AllowN(1)
}

// AllowN takes n tokens if they are all available
func (rl *RateLimiter) AllowN(n int) bool {
	if n <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= float64(n) {
		rl.tokens -= float64(n)
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}

		select {
		case <-rl.clock.After(rl.waitTime()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// refill adds tokens for the elapsed time (caller must hold lock)
func (rl *RateLimiter) refill() {
	now := rl.clock.Now()
	rl.tokens += now.Sub(rl.lastUpdate).Seconds() * rl.rate
	if rl.tokens > float64(rl.burst) {
		rl.tokens = float64(rl.burst)
	}
	rl.lastUpdate = now
}

func (rl *RateLimiter) waitTime() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	needed := 1.0 - rl.tokens
	if needed < 0 {
		needed = 0
	}
	wait := time.Duration(needed / rl.rate * float64(time.Second))
	if wait < minLimiterWait {
		wait = minLimiterWait
	}
	return wait
}

// SetRate changes the refill rate in requests per second
func (rl *RateLimiter) SetRate(rate float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Tokens earned at the old rate are kept
	rl.refill()
	rl.rate = rate
}

// Stats returns the rate, burst and currently available tokens
func (rl *RateLimiter) Stats() (rate float64, burst int, availableTokens float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	return rl.rate, rl.burst, rl.tokens
}

// Reset refills the bucket
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = float64(rl.burst)
	rl.lastUpdate = rl.clock.Now()
}
