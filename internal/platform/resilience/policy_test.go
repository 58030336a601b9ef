package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errNoContract = errors.New("no contract code")

func newTestPolicy(states *[]State) *Policy {
	var mu sync.Mutex
	return NewPolicy(PolicyConfig{
		Name: "rpc",
		Breaker: CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Hour,
			OnStateChange: func(name string, from, to State) {
				if states == nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				*states = append(*states, to)
			},
		},
		Limiter: AdaptiveLimiterConfig{BaseRate: 1000, Burst: 1000},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		},
		Permanent: []error{errNoContract},
	})
}

func TestPolicy_RetriesTransientErrors(t *testing.T) {
	p := newTestPolicy(nil)

	calls := 0
	v, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("connection reset by peer")
		}
		return 7, nil
	})

	if err != nil || v != 7 {
		t.Fatalf("Expected 7, got %d (%v)", v, err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	if p.Breaker().State() != StateClosed {
		t.Errorf("Expected breaker to stay closed, got %s", p.Breaker().State())
	}

	t.Log("✓ Policy retries transient failures")
}

func TestPolicy_PermanentErrorsAreFinal(t *testing.T) {
	p := newTestPolicy(nil)

	for i := 0; i < 5; i++ {
		calls := 0
		_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
			calls++
			return 0, errNoContract
		})
		if !errors.Is(err, errNoContract) {
			t.Fatalf("Expected errNoContract, got %v", err)
		}
		if calls != 1 {
			t.Fatalf("Expected no retries for permanent error, got %d calls", calls)
		}
	}

	if p.Breaker().State() != StateClosed {
		t.Errorf("Expected permanent errors not to trip breaker, got %s", p.Breaker().State())
	}

	t.Log("✓ Permanent errors skip retry and breaker accounting")
}

func TestPolicy_OpenBreakerFailsFast(t *testing.T) {
	var states []State
	p := newTestPolicy(&states)

	calls := 0
	_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("upstream down")
	})

	// Two failures trip the breaker; the third attempt is rejected
	if calls != 2 {
		t.Errorf("Expected 2 upstream calls, got %d", calls)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if len(states) != 1 || states[0] != StateOpen {
		t.Errorf("Expected a single transition to open, got %v", states)
	}

	calls = 0
	_, err = Do(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	})
	if !errors.Is(err, ErrCircuitOpen) || calls != 0 {
		t.Errorf("Expected fail-fast while open, got %v after %d calls", err, calls)
	}

	t.Log("✓ Open breaker rejects without calling upstream")
}

func TestPolicy_RateLimitSlowsLimiter(t *testing.T) {
	p := newTestPolicy(nil)

	_, _ = Do(context.Background(), p, func(ctx context.Context) (int, error) {
		return 0, errors.New("429 Too Many Requests")
	})

	if !p.Limiter().IsThrottled() {
		t.Error("Expected limiter to throttle after 429")
	}
	if p.Name() != "rpc" {
		t.Errorf("Expected name rpc, got %s", p.Name())
	}
}
