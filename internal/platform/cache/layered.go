package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
)

// DefaultL1MaxTTL caps how long the in-process layer may hold an entry
const DefaultL1MaxTTL = 30 * time.Second

// LayeredConfig configures a LayeredStore
type LayeredConfig struct {
	L1       Store // fast in-process layer, optional
	L2       Store // shared layer, optional
	L1MaxTTL time.Duration
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Clock    clockwork.Clock
}

// LayeredStore implements a two-tier store (L1: memory, L2: Redis).
// When L2 is an InvalidationBus, deletes are broadcast so that peers drop
// their L1 copies.
type LayeredStore struct {
	l1       Store
	l2       Store
	bus      InvalidationBus
	l1MaxTTL time.Duration
	origin   string
	logger   *observability.Logger
	metrics  *observability.Metrics
	clock    clockwork.Clock
}

// NewLayeredStore creates a new layered store
func NewLayeredStore(cfg LayeredConfig) *LayeredStore {
	if cfg.L1MaxTTL <= 0 {
		cfg.L1MaxTTL = DefaultL1MaxTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNopMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	ls := &LayeredStore{
		l1:       cfg.L1,
		l2:       cfg.L2,
		l1MaxTTL: cfg.L1MaxTTL,
		origin:   uuid.NewString(),
		logger:   cfg.Logger.Component("layered_store"),
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
	}
	if bus, ok := cfg.L2.(InvalidationBus); ok {
		ls.bus = bus
	}
	return ls
}

// Get retrieves a value (L1 → L2 → miss). L1 failures degrade to L2;
// L2 failures are returned so the caller can fail open.
func (ls *LayeredStore) Get(ctx context.Context, key string) (Entry, error) {
	if ls.l1 != nil {
		entry, err := ls.l1.Get(ctx, key)
		if err == nil {
			ls.metrics.RecordCacheHit(ctx, "l1")
			return entry, nil
		}
		if !errors.Is(err, ErrNotFound) {
			ls.logger.LogWarn(ctx, "L1 get failed, falling back to L2", "key", key, "error", err)
		}
		ls.metrics.RecordCacheMiss(ctx, "l1")
	}

	if ls.l2 == nil {
		return Entry{}, ErrNotFound
	}

	entry, err := ls.l2.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			ls.metrics.RecordCacheMiss(ctx, "l2")
		}
		return Entry{}, err
	}
	ls.metrics.RecordCacheHit(ctx, "l2")

	ls.backfill(ctx, key, entry)
	return entry, nil
}

// backfill copies an L2 hit into L1 without extending its freshness
func (ls *LayeredStore) backfill(ctx context.Context, key string, entry Entry) {
	if ls.l1 == nil {
		return
	}

	ttl := ls.l1MaxTTL
	if !entry.ExpiresAt.IsZero() {
		if remaining := entry.Remaining(ls.clock.Now()); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}

	if err := ls.l1.Set(ctx, key, entry.Value, ttl); err != nil {
		ls.logger.LogDebug(ctx, "L1 backfill failed", "key", key, "error", err)
	}
}

// Set writes through to both layers. An L2 failure is returned; an L1
// failure is only logged.
func (ls *LayeredStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}

	if ls.l1 != nil {
		l1TTL := ttl
		if l1TTL > ls.l1MaxTTL {
			l1TTL = ls.l1MaxTTL
		}
		if err := ls.l1.Set(ctx, key, value, l1TTL); err != nil {
			if ls.l2 == nil {
				return err
			}
			ls.logger.LogWarn(ctx, "L1 set failed", "key", key, "error", err)
		}
	}

	if ls.l2 != nil {
		return ls.l2.Set(ctx, key, value, ttl)
	}
	return nil
}

// Delete removes a key from both layers and notifies peers
func (ls *LayeredStore) Delete(ctx context.Context, key string) error {
	var errs []error

	if ls.l1 != nil {
		if err := ls.l1.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if ls.l2 != nil {
		if err := ls.l2.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	ls.broadcast(ctx, InvalidationMessage{Keys: []string{key}})
	return nil
}

// DeleteByPattern removes matching keys from both layers and notifies peers.
// The returned count is the larger of the two layers' counts.
func (ls *LayeredStore) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	var (
		errs    []error
		removed int
	)

	if ls.l1 != nil {
		n, err := ls.l1.DeleteByPattern(ctx, pattern)
		if err != nil {
			errs = append(errs, err)
		}
		removed = n
	}
	if ls.l2 != nil {
		n, err := ls.l2.DeleteByPattern(ctx, pattern)
		if err != nil {
			errs = append(errs, err)
		}
		if n > removed {
			removed = n
		}
	}

	if err := errors.Join(errs...); err != nil {
		return removed, err
	}

	ls.broadcast(ctx, InvalidationMessage{Patterns: []string{pattern}})
	return removed, nil
}

// broadcast runs even without a local L1: a Redis-only writer still has to
// reach the peers that cache in process.
func (ls *LayeredStore) broadcast(ctx context.Context, msg InvalidationMessage) {
	if ls.bus == nil {
		return
	}
	msg.Origin = ls.origin
	if err := ls.bus.PublishInvalidation(ctx, msg); err != nil {
		// Peers still expire their copies within L1MaxTTL
		ls.logger.LogWarn(ctx, "failed to broadcast invalidation", "error", err)
	}
}

// Run listens for peer invalidations and drops the matching L1 entries.
// It blocks until ctx is cancelled. Without a bus it returns immediately.
func (ls *LayeredStore) Run(ctx context.Context) error {
	if ls.bus == nil || ls.l1 == nil {
		return nil
	}
	return ls.bus.SubscribeInvalidations(ctx, func(msg InvalidationMessage) {
		if msg.Origin == ls.origin {
			return
		}
		ls.applyPeerInvalidation(ctx, msg)
	})
}

func (ls *LayeredStore) applyPeerInvalidation(ctx context.Context, msg InvalidationMessage) {
	for _, key := range msg.Keys {
		_ = ls.l1.Delete(ctx, key)
	}
	for _, pattern := range msg.Patterns {
		_, _ = ls.l1.DeleteByPattern(ctx, pattern)
	}
	ls.logger.LogDebug(ctx, "applied peer invalidation",
		"origin", msg.Origin, "keys", len(msg.Keys), "patterns", len(msg.Patterns))
}

// HealthCheck reflects the shared layer when present
func (ls *LayeredStore) HealthCheck(ctx context.Context) error {
	if ls.l2 != nil {
		return ls.l2.HealthCheck(ctx)
	}
	if ls.l1 != nil {
		return ls.l1.HealthCheck(ctx)
	}
	return nil
}

// Close closes both layers
func (ls *LayeredStore) Close() error {
	var errs []error
	if ls.l1 != nil {
		errs = append(errs, ls.l1.Close())
	}
	if ls.l2 != nil {
		errs = append(errs, ls.l2.Close())
	}
	return errors.Join(errs...)
}

// InvalidateL1 drops a key from the local layer only
func (ls *LayeredStore) InvalidateL1(ctx context.Context, key string) error {
	if ls.l1 != nil {
		return ls.l1.Delete(ctx, key)
	}
	return nil
}
