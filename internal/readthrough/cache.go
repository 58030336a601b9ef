// Package readthrough wraps expensive computations with a shared cache.
//
// A read checks the store first. On a miss exactly one producer runs per key
// across all concurrent callers, and its JSON-encoded result is written back
// with the key's TTL. Store failures never fail a read: the layer degrades to
// calling the producer directly.
package readthrough

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/liquidity-dashboard/internal/cachekeys"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/cache"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
)

const adhocComputation = "adhoc"

// cache request results
const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultError = "error"
)

// Producer computes a fresh value on a cache miss
type Producer[T any] func(ctx context.Context) (T, error)

// Config configures a Cache
type Config struct {
	Store   cache.Store
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// Cache is the read-through layer shared by every domain service.
type Cache struct {
	store   cache.Store
	coord   *Coordinator
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
}

// New creates a read-through cache over store
func New(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}
	return &Cache{
		store:   cfg.Store,
		coord:   NewCoordinator(),
		logger:  cfg.Logger.Component("readthrough"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}
}

// Fetch returns the cached value for entry or produces, caches and returns it.
func Fetch[T any](ctx context.Context, c *Cache, entry cachekeys.Entry, produce Producer[T]) (T, error) {
	return fetch(ctx, c, string(entry.Computation), entry.Key, entry.TTL, produce)
}

// WithCache is Fetch for keys outside the policy table.
func WithCache[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, produce Producer[T]) (T, error) {
	return fetch(ctx, c, adhocComputation, key, ttl, produce)
}

func fetch[T any](ctx context.Context, c *Cache, computation, key string, ttl time.Duration, produce Producer[T]) (T, error) {
	var zero T

	v, result := lookup[T](ctx, c, key)
	c.metrics.RecordCacheRequest(ctx, computation, result)
	if result == resultHit {
		return v, nil
	}

	ch := c.coord.Do(key, func(f *Flight) ([]byte, error) {
		// The flight outlives any single caller
		return c.produceAndStore(context.WithoutCancel(ctx), computation, key, ttl, f, func(ctx context.Context) (any, error) {
			return produce(ctx)
		})
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.metrics.RecordSharedFlight(ctx, computation)
		}
		if res.Err != nil {
			return zero, res.Err
		}
		// Each caller decodes its own copy
		var out T
		if err := json.Unmarshal(res.Val.([]byte), &out); err != nil {
			return zero, fmt.Errorf("readthrough: decode %s: %w", key, err)
		}
		return out, nil
	}
}

// lookup returns a decoded hit. Store failures and undecodable entries are
// treated as misses by the caller.
func lookup[T any](ctx context.Context, c *Cache, key string) (T, string) {
	var v T

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return v, resultMiss
		}
		c.metrics.RecordStoreError(ctx, "get")
		c.logger.LogWarn(ctx, "cache unavailable, computing directly", "key", key, "error", err)
		return v, resultError
	}

	if err := json.Unmarshal(entry.Value, &v); err != nil {
		c.logger.LogWarn(ctx, "discarding undecodable cache entry", "key", key, "error", err)
		return v, resultError
	}
	return v, resultHit
}

func (c *Cache) produceAndStore(ctx context.Context, computation, key string, ttl time.Duration, f *Flight, produce func(context.Context) (any, error)) ([]byte, error) {
	ctx, span := c.tracer.StartSpan(ctx, "readthrough.produce",
		observability.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("cache.computation", computation),
		))
	defer span.End()

	start := time.Now()
	v, err := safeProduce(ctx, produce)
	c.metrics.RecordProducer(ctx, computation, time.Since(start), err == nil)
	if err != nil {
		span.NoticeError(err)
		return nil, &ProducerError{Key: key, Err: err}
	}

	data, err := json.Marshal(v)
	if err != nil {
		span.NoticeError(err)
		return nil, fmt.Errorf("readthrough: encode %s: %w", key, err)
	}

	if f.Stale() {
		c.metrics.RecordStaleWriteback(ctx, computation)
		c.logger.LogDebug(ctx, "skipping write-back of stale value", "key", key)
		return data, nil
	}

	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.metrics.RecordStoreError(ctx, "set")
		c.logger.LogWarn(ctx, "cache write failed", "key", key, "error", err)
		return data, nil
	}

	// An invalidation landed during Set
	if f.Stale() {
		c.metrics.RecordStaleWriteback(ctx, computation)
		if err := c.store.Delete(ctx, key); err != nil {
			c.metrics.RecordStoreError(ctx, "delete")
			c.logger.LogWarn(ctx, "failed to remove stale write-back", "key", key, "error", err)
		}
	}

	return data, nil
}

// safeProduce turns a producer panic into an error; singleflight would
// otherwise re-panic on a goroutine nobody can recover.
func safeProduce(ctx context.Context, produce func(context.Context) (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer panicked: %v", r)
		}
	}()
	return produce(ctx)
}

// Invalidate removes key. In-flight productions for key are fenced first so
// they cannot write a pre-invalidation value back. Unlike reads, a store
// failure is returned.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.coord.MarkStale(key)

	if err := c.store.Delete(ctx, key); err != nil {
		c.metrics.RecordStoreError(ctx, "delete")
		c.metrics.RecordInvalidation(ctx, "key", false)
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	c.metrics.RecordInvalidation(ctx, "key", true)
	return nil
}

// InvalidatePattern removes every key matching a glob and returns the count.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	c.coord.MarkStalePattern(pattern)

	n, err := c.store.DeleteByPattern(ctx, pattern)
	if err != nil {
		c.metrics.RecordStoreError(ctx, "delete_pattern")
		c.metrics.RecordInvalidation(ctx, "pattern", false)
		return n, fmt.Errorf("invalidate pattern %s: %w", pattern, err)
	}
	c.metrics.RecordInvalidation(ctx, "pattern", true)
	return n, nil
}

// Healthy reports whether the backing store is reachable
func (c *Cache) Healthy(ctx context.Context) bool {
	return c.store.HealthCheck(ctx) == nil
}

// HealthCheck returns the backing store's health error
func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.store.HealthCheck(ctx)
}
