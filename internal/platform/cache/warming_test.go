package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/worker"
)

type fakeProvider struct {
	name  string
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Warmup(ctx context.Context) error {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func TestWarmer_Parallel(t *testing.T) {
	pool, err := worker.NewPool(4)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	w := NewWarmer(observability.NewNopLogger(), pool, DefaultWarmupConfig())
	ok := &fakeProvider{name: "pools"}
	bad := &fakeProvider{name: "prices", err: errors.New("rpc down")}
	w.RegisterProvider(ok)
	w.RegisterProvider(bad)

	results := w.Warmup(context.Background())

	if len(results.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results.Results))
	}
	if !results.HasErrors() || results.Errors != 1 {
		t.Errorf("Expected exactly one error, got %d", results.Errors)
	}
	if results.Results[0].Provider != "pools" || results.Results[1].Provider != "prices" {
		t.Errorf("Unexpected provider order: %+v", results.Results)
	}

	t.Log("✓ Parallel warmup reports per-provider results")
}

func TestWarmer_SequentialStopsOnError(t *testing.T) {
	w := NewWarmer(observability.NewNopLogger(), nil, WarmupConfig{Timeout: time.Second, ContinueOnError: false})
	first := &fakeProvider{name: "first", err: errors.New("boom")}
	second := &fakeProvider{name: "second"}
	w.RegisterProvider(first)
	w.RegisterProvider(second)

	results := w.Warmup(context.Background())

	if len(results.Results) != 1 {
		t.Errorf("Expected warmup to stop after first failure, got %d results", len(results.Results))
	}
	if second.calls.Load() != 0 {
		t.Error("Expected second provider not to run")
	}
}

func TestWarmer_Timeout(t *testing.T) {
	w := NewWarmer(observability.NewNopLogger(), nil, WarmupConfig{Timeout: 20 * time.Millisecond, ContinueOnError: true})
	slow := &fakeProvider{name: "slow", delay: time.Second}
	w.RegisterProvider(slow)

	results := w.Warmup(context.Background())

	if !errors.Is(results.Results[0].Err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", results.Results[0].Err)
	}
}

func TestWarmer_NoProviders(t *testing.T) {
	w := NewWarmer(observability.NewNopLogger(), nil, DefaultWarmupConfig())
	if results := w.Warmup(context.Background()); results.HasErrors() || len(results.Results) != 0 {
		t.Errorf("Expected empty results, got %+v", results)
	}
}
