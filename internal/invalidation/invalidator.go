package invalidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/liquidity-dashboard/internal/cachekeys"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
)

// Cache is the delete side of the read-through cache
type Cache interface {
	Invalidate(ctx context.Context, key string) error
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
}

// Notice is what downstream consumers receive after an event was applied
type Notice struct {
	Event     Event     `json:"event"`
	Targets   Targets   `json:"targets"`
	AppliedAt time.Time `json:"applied_at"`
}

// Publisher fans applied invalidations out to downstream consumers
type Publisher interface {
	PublishInvalidation(ctx context.Context, n Notice) error
}

// Config configures an Invalidator
type Config struct {
	Cache     Cache
	Policy    *cachekeys.Policy
	Publisher Publisher // optional
	Logger    *observability.Logger
	Tracer    observability.Tracer
}

// Invalidator applies events to the cache
type Invalidator struct {
	cache     Cache
	policy    *cachekeys.Policy
	publisher Publisher
	logger    *observability.Logger
	tracer    observability.Tracer
}

// New creates an Invalidator
func New(cfg Config) (*Invalidator, error) {
	if cfg.Cache == nil {
		return nil, errors.New("invalidation: cache is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = cachekeys.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}
	return &Invalidator{
		cache:     cfg.Cache,
		policy:    cfg.Policy,
		publisher: cfg.Publisher,
		logger:    cfg.Logger.Component("invalidation"),
		tracer:    cfg.Tracer,
	}, nil
}

// Apply deletes every entry ev makes stale, inputs before composites. All
// deletes are attempted; the joined error reports the ones that failed.
func (inv *Invalidator) Apply(ctx context.Context, ev Event) (Targets, error) {
	if err := ev.Validate(); err != nil {
		return Targets{}, err
	}

	ctx, span := inv.tracer.StartSpan(ctx, "invalidation.apply",
		observability.WithAttributes(
			attribute.String("event.kind", string(ev.Kind)),
			attribute.String("event.pool", cachekeys.Address(ev.Pool)),
		))
	defer span.End()

	targets := ev.Targets(inv.policy)

	var errs []error
	deleteKeys := func(keys []string) {
		for _, key := range keys {
			if err := inv.cache.Invalidate(ctx, key); err != nil {
				errs = append(errs, err)
			}
		}
	}

	deleteKeys(targets.Keys)
	removed := 0
	for _, pattern := range targets.Patterns {
		n, err := inv.cache.InvalidatePattern(ctx, pattern)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	deleteKeys(targets.Composites)

	if err := errors.Join(errs...); err != nil {
		span.NoticeError(err)
		inv.logger.LogError(ctx, "invalidation incomplete", err,
			"kind", ev.Kind, "pool", ev.Pool.Hex(), "failed", len(errs))
		return targets, err
	}

	inv.logger.LogDebug(ctx, "invalidation applied",
		"kind", ev.Kind, "pool", ev.Pool.Hex(), "keys", len(targets.Keys)+len(targets.Composites), "pattern_matches", removed)
	return targets, nil
}

// Commit runs mutate, then invalidates. It returns only once invalidation has
// finished, so a read issued after Commit returns cannot see the
// pre-mutation value. Publishing is best effort and never fails the commit.
// A nil mutate is allowed for events whose mutation happened elsewhere.
func (inv *Invalidator) Commit(ctx context.Context, ev Event, mutate func(context.Context) error) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	if mutate != nil {
		if err := mutate(ctx); err != nil {
			return fmt.Errorf("%s mutation: %w", ev.Kind, err)
		}
	}

	targets, err := inv.Apply(ctx, ev)
	if err != nil {
		return fmt.Errorf("%s invalidation: %w", ev.Kind, err)
	}

	inv.publish(ctx, Notice{Event: ev, Targets: targets, AppliedAt: time.Now().UTC()})
	return nil
}

func (inv *Invalidator) publish(ctx context.Context, n Notice) {
	if inv.publisher == nil {
		return
	}
	if err := inv.publisher.PublishInvalidation(ctx, n); err != nil {
		inv.logger.LogWarn(ctx, "failed to publish invalidation", "kind", n.Event.Kind, "error", err)
	}
}
