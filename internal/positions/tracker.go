// Package positions resolves users' LP positions and rolls them up into
// portfolios.
package positions

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agatticelli/liquidity-dashboard/internal/cachekeys"
	"github.com/agatticelli/liquidity-dashboard/internal/chain"
	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/money"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
	"github.com/agatticelli/liquidity-dashboard/internal/pools"
	"github.com/agatticelli/liquidity-dashboard/internal/readthrough"
)

// LPReader reads LP token balances
type LPReader interface {
	LPBalance(ctx context.Context, pair, user common.Address) (*big.Int, error)
	TotalSupply(ctx context.Context, pair common.Address) (*big.Int, error)
}

// PoolSource is the pool state a position is derived from
type PoolSource interface {
	ListPools(ctx context.Context) ([]domain.Pool, error)
	GetPool(ctx context.Context, id common.Address) (domain.Pool, error)
	GetReserves(ctx context.Context, id common.Address) (domain.Reserves, error)
}

// PriceSource prices tokens in USD
type PriceSource interface {
	TokenPriceUSD(ctx context.Context, token common.Address) (domain.TokenPrice, error)
}

// TrackerConfig configures a Tracker
type TrackerConfig struct {
	Reader LPReader
	Pools  PoolSource
	Prices PriceSource
	Cache  *readthrough.Cache
	Policy *cachekeys.Policy
	// Concurrency bounds balance lookups per user scan (default 8)
	Concurrency int64
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Tracer      observability.Tracer
}

// Tracker computes LP positions
type Tracker struct {
	reader  LPReader
	pools   PoolSource
	prices  PriceSource
	cache   *readthrough.Cache
	policy  *cachekeys.Policy
	limiter *semaphore.Weighted
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
}

// NewTracker creates a Tracker
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Reader == nil {
		return nil, errors.New("positions: LP reader is required")
	}
	if cfg.Pools == nil || cfg.Prices == nil {
		return nil, errors.New("positions: pool and price sources are required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("positions: cache is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = cachekeys.DefaultPolicy()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Tracker{
		reader:  cfg.Reader,
		pools:   cfg.Pools,
		prices:  cfg.Prices,
		cache:   cfg.Cache,
		policy:  cfg.Policy,
		limiter: semaphore.NewWeighted(cfg.Concurrency),
		logger:  cfg.Logger.Component("position_tracker"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}, nil
}

// GetPosition returns the user's stake in pool. A zero balance gives
// ErrPositionNotFound. Upstream failures are returned, never degraded, so a
// caller cannot mistake an outage for an empty position.
func (t *Tracker) GetPosition(ctx context.Context, user, pool common.Address) (domain.Position, error) {
	return readthrough.Fetch(ctx, t.cache, t.policy.UserPosition(user, pool), func(ctx context.Context) (domain.Position, error) {
		return t.computePosition(ctx, user, pool)
	})
}

func (t *Tracker) computePosition(ctx context.Context, user, id common.Address) (domain.Position, error) {
	pool, err := t.pools.GetPool(ctx, id)
	if err != nil {
		return domain.Position{}, err
	}

	balance, err := t.reader.LPBalance(ctx, id, user)
	if err != nil {
		return domain.Position{}, chainErr(id, err)
	}
	if balance.Sign() == 0 {
		return domain.Position{}, fmt.Errorf("%w: %s in %s", domain.ErrPositionNotFound, user.Hex(), id.Hex())
	}
	supply, err := t.reader.TotalSupply(ctx, id)
	if err != nil {
		return domain.Position{}, chainErr(id, err)
	}
	if supply.Sign() == 0 {
		return domain.Position{}, fmt.Errorf("%w: %s has no supply", domain.ErrPositionNotFound, id.Hex())
	}

	res, err := t.pools.GetReserves(ctx, id)
	if err != nil {
		return domain.Position{}, err
	}
	p0, err := t.prices.TokenPriceUSD(ctx, pool.Token0.Address)
	if err != nil {
		return domain.Position{}, err
	}
	p1, err := t.prices.TokenPriceUSD(ctx, pool.Token1.Address)
	if err != nil {
		return domain.Position{}, err
	}

	amount0 := money.TokenAmount(proRata(res.Reserve0, balance, supply), pool.Token0.Decimals)
	amount1 := money.TokenAmount(proRata(res.Reserve1, balance, supply), pool.Token1.Decimals)

	return domain.Position{
		User:        user,
		PoolID:      id,
		LPBalance:   balance,
		TotalSupply: supply,
		ShareBPS:    money.ShareBPS(balance, supply),
		Amount0:     amount0.String(),
		Amount1:     amount1.String(),
		ValueUSD:    pools.ValueUSD(amount0, p0.PriceUSD, amount1, p1.PriceUSD),
	}, nil
}

// proRata is reserve * part / total, rounded down
func proRata(reserve, part, total *big.Int) *big.Int {
	if reserve == nil {
		return new(big.Int)
	}
	n := new(big.Int).Mul(reserve, part)
	return n.Quo(n, total)
}

func chainErr(pool common.Address, err error) error {
	if errors.Is(err, chain.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrPoolNotFound, pool.Hex())
	}
	return err
}

// GetPositions returns every non-empty position of user, in pool list order.
// When the chain is unreachable the result is empty, Degraded and not cached.
func (t *Tracker) GetPositions(ctx context.Context, user common.Address) (domain.PositionSet, error) {
	v, err := readthrough.Fetch(ctx, t.cache, t.policy.UserPositions(user), func(ctx context.Context) (domain.PositionSet, error) {
		return t.scan(ctx, user)
	})
	if err == nil {
		return v, nil
	}
	if errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.metrics.RecordDegraded(ctx, string(cachekeys.UserPositions))
		t.logger.LogWarn(ctx, "serving degraded positions", "user", user.Hex(), "error", err)
		return domain.PositionSet{User: user, Positions: []domain.Position{}, Degraded: true}, nil
	}
	return domain.PositionSet{}, err
}

func (t *Tracker) scan(ctx context.Context, user common.Address) (domain.PositionSet, error) {
	ctx, span := t.tracer.StartSpan(ctx, "Tracker.scan",
		observability.WithAttributes(attribute.String("user", cachekeys.Address(user))))
	defer span.End()

	all, err := t.pools.ListPools(ctx)
	if err != nil {
		span.NoticeError(err)
		return domain.PositionSet{}, err
	}

	found := make([]*domain.Position, len(all))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range all {
		i, id := i, p.ID
		g.Go(func() error {
			if err := t.limiter.Acquire(gctx, 1); err != nil {
				return err
			}
			defer t.limiter.Release(1)

			pos, err := t.GetPosition(gctx, user, id)
			switch {
			case errors.Is(err, domain.ErrPositionNotFound), errors.Is(err, domain.ErrPoolNotFound):
				return nil
			case err != nil:
				return err
			}
			found[i] = &pos
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.NoticeError(err)
		return domain.PositionSet{}, err
	}

	set := domain.PositionSet{User: user, Positions: make([]domain.Position, 0)}
	for _, pos := range found {
		if pos != nil {
			set.Positions = append(set.Positions, *pos)
		}
	}
	span.SetAttributes(attribute.Int("positions", len(set.Positions)))
	return set, nil
}
