package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// AdaptiveLimiter wraps a RateLimiter and adjusts its rate from RPC
// responses. A rate-limit error cuts the rate by BackoffFactor, compounding
// over consecutive hits. RecoveryWindow consecutive successes raise it by
// RecoveryFactor, at most once per second. The rate stays within
// [MinRate, MaxRate].
type AdaptiveLimiter struct {
	limiter *RateLimiter
	clock   clockwork.Clock

	baseRate       float64
	minRate        float64
	maxRate        float64
	backoffFactor  float64
	recoveryFactor float64
	recoveryWindow int

	mu             sync.Mutex
	currentRate    float64
	successes      int
	failures       int
	lastAdjustment time.Time
	rateLimitHits  int64
}

// AdaptiveLimiterConfig configures the adaptive limiter.
type AdaptiveLimiterConfig struct {
	BaseRate       float64 // requests per second (default: 10)
	MinRate        float64 // default: 1
	MaxRate        float64 // default: 2x BaseRate
	Burst          int
	BackoffFactor  float64 // default: 0.5
	RecoveryFactor float64 // default: 1.1
	RecoveryWindow int     // default: 10
	Clock          clockwork.Clock
}

// NewAdaptiveLimiter creates a new adaptive rate limiter.
func NewAdaptiveLimiter(cfg AdaptiveLimiterConfig) *AdaptiveLimiter {
	if cfg.BaseRate <= 0 {
		cfg.BaseRate = 10
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = 1
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = cfg.BaseRate * 2
	}
	if cfg.BackoffFactor <= 0 || cfg.BackoffFactor >= 1 {
		cfg.BackoffFactor = 0.5
	}
	if cfg.RecoveryFactor <= 1 {
		cfg.RecoveryFactor = 1.1
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 10
	}
	if cfg.MinRate > cfg.BaseRate {
		cfg.MinRate = cfg.BaseRate
	}
	if cfg.MaxRate < cfg.BaseRate {
		cfg.MaxRate = cfg.BaseRate
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &AdaptiveLimiter{
		limiter:        NewRateLimiter(cfg.BaseRate, cfg.Burst, cfg.Clock),
		clock:          cfg.Clock,
		baseRate:       cfg.BaseRate,
		minRate:        cfg.MinRate,
		maxRate:        cfg.MaxRate,
		backoffFactor:  cfg.BackoffFactor,
		recoveryFactor: cfg.RecoveryFactor,
		recoveryWindow: cfg.RecoveryWindow,
		currentRate:    cfg.BaseRate,
		lastAdjustment: cfg.Clock.Now(),
	}
}

// Wait blocks until the underlying limiter grants a token
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// Allow takes a token without blocking
func (a *AdaptiveLimiter) Allow() bool {
	return a.limiter.Allow()
}

// Observe feeds a call outcome back into the limiter
func (a *AdaptiveLimiter) Observe(err error) {
	switch {
	case err == nil:
		a.RecordSuccess()
	case IsRateLimitError(err):
		a.RecordRateLimitError()
	default:
		a.RecordError()
	}
}

// RecordSuccess counts towards a rate increase
func (a *AdaptiveLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.failures = 0
	a.successes++
	if a.successes < a.recoveryWindow {
		return
	}
	a.successes = 0

	if a.currentRate >= a.maxRate || a.clock.Since(a.lastAdjustment) < time.Second {
		return
	}
	a.setRate(a.currentRate * a.recoveryFactor)
}

// RecordRateLimitError backs off immediately
func (a *AdaptiveLimiter) RecordRateLimitError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rateLimitHits++
	a.successes = 0
	a.failures++

	n := a.failures
	if n > 5 {
		n = 5
	}
	multiplier := 1.0
	for i := 0; i < n; i++ {
		multiplier *= a.backoffFactor
	}
	a.setRate(a.currentRate * multiplier)
}

// RecordError resets the success streak without backing off
func (a *AdaptiveLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successes = 0
}

// setRate clamps and applies rate (caller must hold lock)
func (a *AdaptiveLimiter) setRate(rate float64) {
	if rate < a.minRate {
		rate = a.minRate
	}
	if rate > a.maxRate {
		rate = a.maxRate
	}
	if rate == a.currentRate {
		return
	}
	a.currentRate = rate
	a.limiter.SetRate(rate)
	a.lastAdjustment = a.clock.Now()
}

// Reset restores the base rate
func (a *AdaptiveLimiter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successes = 0
	a.failures = 0
	a.currentRate = a.baseRate
	a.limiter.SetRate(a.baseRate)
	a.lastAdjustment = a.clock.Now()
}

// CurrentRate returns the current rate in requests per second.
func (a *AdaptiveLimiter) CurrentRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// IsThrottled returns true if operating below base rate.
func (a *AdaptiveLimiter) IsThrottled() bool {
	return a.CurrentRate() < a.baseRate
}

// RateLimitHits returns how many throttling responses were observed
func (a *AdaptiveLimiter) RateLimitHits() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rateLimitHits
}
