package resilience

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jonboulle/clockwork"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsRetryable.
	Retryable func(error) bool

	// OnRetry is called before each backoff sleep
	OnRetry func(attempt uint, err error)

	Clock clockwork.Clock
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxJitter:   100 * time.Millisecond,
	}
}

// clockTimer lets retry-go sleep on an injected clock
type clockTimer struct {
	clock clockwork.Clock
}

func (t clockTimer) After(d time.Duration) <-chan time.Time {
	return t.clock.After(d)
}

func (cfg RetryConfig) options(ctx context.Context) []retry.Option {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Retryable == nil {
		cfg.Retryable = IsRetryable
	}

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(cfg.MaxAttempts),
		retry.Delay(cfg.BaseDelay),
		retry.MaxJitter(cfg.MaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(cfg.Retryable),
		retry.LastErrorOnly(true),
	}
	if cfg.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(cfg.MaxDelay))
	}
	if cfg.OnRetry != nil {
		opts = append(opts, retry.OnRetry(cfg.OnRetry))
	}
	if cfg.Clock != nil {
		opts = append(opts, retry.WithTimer(clockTimer{clock: cfg.Clock}))
	}
	return opts
}

// Retry executes fn with exponential backoff and jitter. The last error is
// returned once attempts are exhausted or the error is not retryable.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	return retry.Do(func() error {
		return fn(ctx)
	}, cfg.options(ctx)...)
}

// RetryWithResult is Retry for functions that produce a value
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	return retry.DoWithData(func() (T, error) {
		return fn(ctx)
	}, cfg.options(ctx)...)
}

// IsRetryable reports whether err looks transient. Open breakers, caller
// cancellation, reverts and client errors other than 429 are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert") {
		return false
	}
	if strings.Contains(msg, "invalid argument") {
		return false
	}
	if strings.Contains(msg, "status code 4") && !strings.Contains(msg, "status code 429") {
		return false
	}

	return true
}

// IsRateLimitError reports whether an RPC provider throttled the call
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit")
}
