package resilience

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"

	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
)

// PolicyConfig configures a Policy
type PolicyConfig struct {
	Name    string
	Breaker CircuitBreakerConfig
	Limiter AdaptiveLimiterConfig
	Retry   RetryConfig

	// Permanent lists errors that are never retried and never count
	// against the breaker, such as a contract that does not exist.
	Permanent []error

	Metrics *observability.Metrics
	Clock   clockwork.Clock
}

// Policy guards calls to one upstream: every attempt waits for a rate
// limiter token and passes through a circuit breaker, and failed attempts
// are retried with backoff.
type Policy struct {
	name      string
	breaker   *CircuitBreaker
	limiter   *AdaptiveLimiter
	retry     RetryConfig
	permanent []error
}

// NewPolicy builds a policy, sharing one clock between its parts
func NewPolicy(cfg PolicyConfig) *Policy {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNopMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = cfg.Name
	}
	cfg.Breaker.Clock = cfg.Clock
	cfg.Limiter.Clock = cfg.Clock
	cfg.Retry.Clock = cfg.Clock

	metrics := cfg.Metrics
	onChange := cfg.Breaker.OnStateChange
	cfg.Breaker.OnStateChange = func(name string, from, to State) {
		metrics.SetCircuitBreakerState(context.Background(), name, int64(to))
		if onChange != nil {
			onChange(name, from, to)
		}
	}

	p := &Policy{
		name:      cfg.Name,
		breaker:   NewCircuitBreaker(cfg.Breaker),
		limiter:   NewAdaptiveLimiter(cfg.Limiter),
		retry:     cfg.Retry,
		permanent: cfg.Permanent,
	}

	retryable := cfg.Retry.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	p.retry.Retryable = func(err error) bool {
		return !p.isPermanent(err) && retryable(err)
	}

	metrics.SetCircuitBreakerState(context.Background(), p.breaker.Name(), int64(StateClosed))
	return p
}

func (p *Policy) isPermanent(err error) bool {
	for _, target := range p.permanent {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Do runs fn under p. Go has no generic methods, so this is a function.
func Do[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error)) (T, error) {
	return RetryWithResult(ctx, p.retry, func(ctx context.Context) (T, error) {
		var zero T
		if err := p.limiter.Wait(ctx); err != nil {
			return zero, err
		}

		var permanentErr error
		res, err := ExecuteWithResult(p.breaker, ctx, func(ctx context.Context) (T, error) {
			res, err := fn(ctx)
			if err != nil && p.isPermanent(err) {
				// Reported as success to the breaker
				permanentErr = err
				return res, nil
			}
			return res, err
		})
		if permanentErr != nil {
			err = permanentErr
		}
		if !errors.Is(err, ErrCircuitOpen) {
			p.limiter.Observe(err)
		}
		return res, err
	})
}

// Name returns the upstream name
func (p *Policy) Name() string {
	return p.name
}

// Breaker exposes the circuit breaker
func (p *Policy) Breaker() *CircuitBreaker {
	return p.breaker
}

// Limiter exposes the adaptive limiter
func (p *Policy) Limiter() *AdaptiveLimiter {
	return p.limiter
}
