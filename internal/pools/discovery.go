// Package pools discovers UniswapV2 pools and derives their analytics. Every
// computation goes through the read-through cache under the key and TTL the
// cachekeys policy assigns it.
package pools

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agatticelli/liquidity-dashboard/internal/cachekeys"
	"github.com/agatticelli/liquidity-dashboard/internal/chain"
	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/money"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/config"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
	"github.com/agatticelli/liquidity-dashboard/internal/readthrough"
)

// ChainReader is the chain state discovery needs
type ChainReader interface {
	PairCount(ctx context.Context) (uint64, error)
	PairAt(ctx context.Context, i uint64) (common.Address, error)
	PairTokens(ctx context.Context, pair common.Address) (common.Address, common.Address, error)
	Token(ctx context.Context, addr common.Address) (domain.Token, error)
	Reserves(ctx context.Context, pair common.Address) (domain.Reserves, error)
}

// DiscoveryConfig configures a Discovery
type DiscoveryConfig struct {
	Reader   ChainReader
	Cache    *readthrough.Cache
	Policy   *cachekeys.Policy
	Registry *config.TokenRegistry
	FeeBPS   money.BPS
	// MaxPools caps enumeration of the factory (default 500)
	MaxPools int
	// Concurrency bounds parallel pool lookups (default 8)
	Concurrency int64
	Logger      *observability.Logger
	Tracer      observability.Tracer
}

// Discovery enumerates pools and reads their metadata and reserves
type Discovery struct {
	reader   ChainReader
	cache    *readthrough.Cache
	policy   *cachekeys.Policy
	registry *config.TokenRegistry
	feeBPS   money.BPS
	maxPools uint64
	limiter  *semaphore.Weighted
	logger   *observability.Logger
	tracer   observability.Tracer
}

// NewDiscovery creates a Discovery
func NewDiscovery(cfg DiscoveryConfig) (*Discovery, error) {
	if cfg.Reader == nil {
		return nil, errors.New("pools: chain reader is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("pools: cache is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = cachekeys.DefaultPolicy()
	}
	if cfg.FeeBPS == 0 {
		cfg.FeeBPS = chain.PairFee()
	}
	if cfg.MaxPools <= 0 {
		cfg.MaxPools = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Discovery{
		reader:   cfg.Reader,
		cache:    cfg.Cache,
		policy:   cfg.Policy,
		registry: cfg.Registry,
		feeBPS:   cfg.FeeBPS,
		maxPools: uint64(cfg.MaxPools),
		limiter:  semaphore.NewWeighted(cfg.Concurrency),
		logger:   cfg.Logger.Component("pool_discovery"),
		tracer:   cfg.Tracer,
	}, nil
}

// poolErr maps absence reported by the chain to ErrPoolNotFound
func poolErr(pool common.Address, err error) error {
	if errors.Is(err, chain.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrPoolNotFound, pool.Hex())
	}
	return err
}

// ListPools returns every pool the factory created, up to the configured cap,
// in factory order.
func (d *Discovery) ListPools(ctx context.Context) ([]domain.Pool, error) {
	return readthrough.Fetch(ctx, d.cache, d.policy.PoolList(), d.listPools)
}

func (d *Discovery) listPools(ctx context.Context) ([]domain.Pool, error) {
	ctx, span := d.tracer.StartSpan(ctx, "Discovery.listPools")
	defer span.End()

	n, err := d.reader.PairCount(ctx)
	if err != nil {
		span.NoticeError(err)
		return nil, err
	}
	if n > d.maxPools {
		d.logger.LogWarn(ctx, "factory has more pools than the enumeration cap",
			"pairs", n, "cap", d.maxPools)
		n = d.maxPools
	}
	span.SetAttributes(attribute.Int64("pairs", int64(n)))

	out := make([]domain.Pool, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := uint64(0); i < n; i++ {
		i := i
		g.Go(func() error {
			if err := d.limiter.Acquire(gctx, 1); err != nil {
				return err
			}
			defer d.limiter.Release(1)

			addr, err := d.reader.PairAt(gctx, i)
			if err != nil {
				return fmt.Errorf("pair %d: %w", i, err)
			}
			// Each pool goes through its own cache entry
			pool, err := d.GetPool(gctx, addr)
			if err != nil {
				return fmt.Errorf("pair %d: %w", i, err)
			}
			out[i] = pool
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.NoticeError(err)
		return nil, err
	}
	return out, nil
}

// GetPool returns a pool's tokens and fee. An address that is not a pair
// gives ErrPoolNotFound.
func (d *Discovery) GetPool(ctx context.Context, id common.Address) (domain.Pool, error) {
	return readthrough.Fetch(ctx, d.cache, d.policy.PoolInfo(id), func(ctx context.Context) (domain.Pool, error) {
		t0, t1, err := d.reader.PairTokens(ctx, id)
		if err != nil {
			return domain.Pool{}, poolErr(id, err)
		}
		token0, err := d.token(ctx, t0)
		if err != nil {
			return domain.Pool{}, poolErr(id, err)
		}
		token1, err := d.token(ctx, t1)
		if err != nil {
			return domain.Pool{}, poolErr(id, err)
		}
		return domain.Pool{ID: id, Token0: token0, Token1: token1, FeeBPS: d.feeBPS}, nil
	})
}

// token prefers registry metadata over chain calls
func (d *Discovery) token(ctx context.Context, addr common.Address) (domain.Token, error) {
	if d.registry != nil {
		if info, ok := d.registry.Lookup(addr); ok {
			return domain.Token{Address: addr, Symbol: info.Symbol, Decimals: info.Decimals}, nil
		}
	}
	return d.reader.Token(ctx, addr)
}

// GetReserves returns the pool's current reserves
func (d *Discovery) GetReserves(ctx context.Context, id common.Address) (domain.Reserves, error) {
	return readthrough.Fetch(ctx, d.cache, d.policy.PoolReserves(id), func(ctx context.Context) (domain.Reserves, error) {
		r, err := d.reader.Reserves(ctx, id)
		if err != nil {
			return domain.Reserves{}, poolErr(id, err)
		}
		return r, nil
	})
}

// PoolsForToken returns the pools that trade token
func (d *Discovery) PoolsForToken(ctx context.Context, token common.Address) ([]domain.Pool, error) {
	return readthrough.Fetch(ctx, d.cache, d.policy.PoolsByToken(token), func(ctx context.Context) ([]domain.Pool, error) {
		all, err := d.ListPools(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]domain.Pool, 0)
		for _, p := range all {
			if p.HasToken(token) {
				out = append(out, p)
			}
		}
		return out, nil
	})
}

// Name implements cache.WarmupProvider
func (d *Discovery) Name() string {
	return "pool_discovery"
}

// Warmup pre-populates the pool list and every pool's metadata
func (d *Discovery) Warmup(ctx context.Context) error {
	_, err := d.ListPools(ctx)
	return err
}
