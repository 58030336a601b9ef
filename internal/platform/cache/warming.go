package cache

import (
	"context"
	"time"

	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/worker"
)

// WarmupProvider pre-populates cache entries at startup.
type WarmupProvider interface {
	// Name returns a human-readable name for logging purposes
	Name() string

	// Warmup must be idempotent; it usually just performs a read-through
	// of the hottest computations.
	Warmup(ctx context.Context) error
}

// WarmupConfig configures the cache warming behavior.
type WarmupConfig struct {
	Timeout time.Duration

	// ContinueOnError only applies to sequential warming
	ContinueOnError bool

	Parallel bool
}

// DefaultWarmupConfig returns sensible defaults for cache warming.
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
		Parallel:        true,
	}
}

// WarmupResult contains the result of warming a single provider.
type WarmupResult struct {
	Provider string
	Duration time.Duration
	Err      error
}

// WarmupResults contains the aggregate results of cache warming.
type WarmupResults struct {
	Results   []WarmupResult
	TotalTime time.Duration
	Errors    int
}

// HasErrors returns true if any provider failed during warmup.
func (wr *WarmupResults) HasErrors() bool {
	return wr.Errors > 0
}

// Warmer runs warmup providers, in parallel on a worker pool when configured.
type Warmer struct {
	providers []WarmupProvider
	logger    *observability.Logger
	pool      *worker.Pool
	config    WarmupConfig
}

// NewWarmer creates a new cache warmer. pool may be nil for sequential use.
func NewWarmer(logger *observability.Logger, pool *worker.Pool, config WarmupConfig) *Warmer {
	if config.Timeout <= 0 {
		config.Timeout = DefaultWarmupConfig().Timeout
	}
	if pool == nil {
		config.Parallel = false
	}
	return &Warmer{
		logger: logger.Component("cache_warmer"),
		pool:   pool,
		config: config,
	}
}

// RegisterProvider adds a warmup provider to the warmer.
func (w *Warmer) RegisterProvider(provider WarmupProvider) {
	w.providers = append(w.providers, provider)
}

// Warmup executes all registered providers under the configured timeout.
func (w *Warmer) Warmup(ctx context.Context) *WarmupResults {
	start := time.Now()
	results := &WarmupResults{}

	if len(w.providers) == 0 {
		return results
	}

	warmupCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	if w.config.Parallel {
		results.Results = w.warmupParallel(warmupCtx)
	} else {
		results.Results = w.warmupSequential(warmupCtx)
	}

	for _, r := range results.Results {
		if r.Err != nil {
			results.Errors++
		}
	}
	results.TotalTime = time.Since(start)

	if results.Errors > 0 {
		w.logger.LogWarn(ctx, "cache warmup completed with errors",
			"errors", results.Errors, "providers", len(w.providers), "duration", results.TotalTime)
	} else {
		w.logger.LogInfo(ctx, "cache warmup completed",
			"providers", len(w.providers), "duration", results.TotalTime)
	}

	return results
}

func (w *Warmer) warmupParallel(ctx context.Context) []WarmupResult {
	jobs := make([]worker.Job, len(w.providers))
	for i, p := range w.providers {
		p := p
		jobs[i] = worker.Job{
			ID: p.Name(),
			Execute: func(ctx context.Context) (any, error) {
				return nil, p.Warmup(ctx)
			},
		}
	}

	out := make([]WarmupResult, 0, len(jobs))
	for _, r := range w.pool.Run(ctx, jobs) {
		w.logResult(ctx, r.JobID, r.Duration, r.Err)
		out = append(out, WarmupResult{Provider: r.JobID, Duration: r.Duration, Err: r.Err})
	}
	return out
}

func (w *Warmer) warmupSequential(ctx context.Context) []WarmupResult {
	results := make([]WarmupResult, 0, len(w.providers))

	for _, provider := range w.providers {
		start := time.Now()
		err := provider.Warmup(ctx)
		result := WarmupResult{Provider: provider.Name(), Duration: time.Since(start), Err: err}
		w.logResult(ctx, result.Provider, result.Duration, err)
		results = append(results, result)

		if err != nil && !w.config.ContinueOnError {
			break
		}
	}

	return results
}

func (w *Warmer) logResult(ctx context.Context, name string, d time.Duration, err error) {
	if err != nil {
		w.logger.LogWarn(ctx, "cache warmup failed", "provider", name, "error", err, "duration", d)
		return
	}
	w.logger.LogDebug(ctx, "cache warmup finished", "provider", name, "duration", d)
}
