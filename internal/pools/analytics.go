package pools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/agatticelli/liquidity-dashboard/internal/cachekeys"
	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/money"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/config"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
	"github.com/agatticelli/liquidity-dashboard/internal/readthrough"
)

const (
	defaultTopPools = 10
	maxTopPools     = 100

	// priceScale is the precision of derived prices
	priceScale = 18
)

var two = decimal.NewFromInt(2)

// VolumeSource reports a pool's trailing 24h swap volume
type VolumeSource interface {
	Volume24h(ctx context.Context, pool common.Address) (money.USD, error)
}

// AnalyticsConfig configures an Analytics
type AnalyticsConfig struct {
	Discovery *Discovery
	Volume    VolumeSource
	Cache     *readthrough.Cache
	Policy    *cachekeys.Policy
	Registry  *config.TokenRegistry
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    observability.Tracer
}

// Analytics derives TVL, volume, fees, APR and prices from pool state
type Analytics struct {
	discovery *Discovery
	volume    VolumeSource
	cache     *readthrough.Cache
	policy    *cachekeys.Policy
	registry  *config.TokenRegistry
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    observability.Tracer
}

// NewAnalytics creates an Analytics
func NewAnalytics(cfg AnalyticsConfig) (*Analytics, error) {
	if cfg.Discovery == nil {
		return nil, errors.New("pools: discovery is required")
	}
	if cfg.Volume == nil {
		return nil, errors.New("pools: volume source is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("pools: cache is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = cachekeys.DefaultPolicy()
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

	return &Analytics{
		discovery: cfg.Discovery,
		volume:    cfg.Volume,
		cache:     cfg.Cache,
		policy:    cfg.Policy,
		registry:  cfg.Registry,
		logger:    cfg.Logger.Component("pool_analytics"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
	}, nil
}

// GetAnalytics returns derived metrics for a pool. When the chain or the
// volume store is unreachable the result is zeroed, marked Degraded and not
// cached. ErrPoolNotFound is returned as is.
func (a *Analytics) GetAnalytics(ctx context.Context, id common.Address) (domain.PoolAnalytics, error) {
	v, err := readthrough.Fetch(ctx, a.cache, a.policy.PoolAnalytics(id), func(ctx context.Context) (domain.PoolAnalytics, error) {
		return a.computeAnalytics(ctx, id)
	})
	if err == nil {
		return v, nil
	}
	if errors.Is(err, domain.ErrUpstreamUnavailable) {
		a.metrics.RecordDegraded(ctx, string(cachekeys.PoolAnalytics))
		a.logger.LogWarn(ctx, "serving degraded analytics", "pool", id.Hex(), "error", err)
		return domain.PoolAnalytics{PoolID: id, Price0In1: "0", Degraded: true}, nil
	}
	return domain.PoolAnalytics{}, err
}

func (a *Analytics) computeAnalytics(ctx context.Context, id common.Address) (domain.PoolAnalytics, error) {
	ctx, span := a.tracer.StartSpan(ctx, "Analytics.computeAnalytics")
	defer span.End()

	pool, err := a.discovery.GetPool(ctx, id)
	if err != nil {
		span.NoticeError(err)
		return domain.PoolAnalytics{}, err
	}
	res, err := a.discovery.GetReserves(ctx, id)
	if err != nil {
		span.NoticeError(err)
		return domain.PoolAnalytics{}, err
	}
	p0, err := a.TokenPriceUSD(ctx, pool.Token0.Address)
	if err != nil {
		return domain.PoolAnalytics{}, err
	}
	p1, err := a.TokenPriceUSD(ctx, pool.Token1.Address)
	if err != nil {
		return domain.PoolAnalytics{}, err
	}
	volume, err := a.volume.Volume24h(ctx, id)
	if err != nil {
		span.NoticeError(err)
		return domain.PoolAnalytics{}, err
	}

	amount0 := money.TokenAmount(res.Reserve0, pool.Token0.Decimals)
	amount1 := money.TokenAmount(res.Reserve1, pool.Token1.Decimals)

	tvl := ValueUSD(amount0, p0.PriceUSD, amount1, p1.PriceUSD)
	fees := volume.MulBPS(pool.FeeBPS)

	return domain.PoolAnalytics{
		PoolID:       id,
		TVLUSD:       tvl,
		Volume24hUSD: volume,
		Fees24hUSD:   fees,
		APR:          money.AnnualizedRate(fees, tvl),
		Price0In1:    ratio(amount1, amount0).String(),
		AsOf:         res.BlockTimestamp,
	}, nil
}

// ValueUSD values two token amounts held in a pool. When only one side has
// a price the holding is valued at twice that side, which holds for a
// balanced constant-product pool.
func ValueUSD(amount0, price0, amount1, price1 decimal.Decimal) money.USD {
	v0 := amount0.Mul(price0)
	v1 := amount1.Mul(price1)

	var total decimal.Decimal
	switch {
	case price0.IsPositive() && price1.IsPositive():
		total = v0.Add(v1)
	case price0.IsPositive():
		total = v0.Mul(two)
	case price1.IsPositive():
		total = v1.Mul(two)
	}
	return money.USDFromDecimal(total)
}

// ratio returns num/den, or zero when den is zero
func ratio(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.DivRound(den, priceScale)
}

// TokenPriceUSD prices a token in USD. Registry stablecoins are 1.00.
// Otherwise the deepest pool pairing the token with a stablecoin sets the
// price, then the deepest pool pairing it with a token that has such a pool.
// A token with no route is priced at zero.
func (a *Analytics) TokenPriceUSD(ctx context.Context, token common.Address) (domain.TokenPrice, error) {
	return readthrough.Fetch(ctx, a.cache, a.policy.TokenPrice(token), func(ctx context.Context) (domain.TokenPrice, error) {
		if a.isStable(token) {
			return domain.TokenPrice{Token: token, PriceUSD: decimal.NewFromInt(1)}, nil
		}

		q, err := a.stableQuote(ctx, token)
		if err != nil {
			return domain.TokenPrice{}, err
		}
		if q.found {
			return domain.TokenPrice{Token: token, PriceUSD: q.price, Source: q.pool}, nil
		}

		q, err = a.bridgedQuote(ctx, token)
		if err != nil {
			return domain.TokenPrice{}, err
		}
		if q.found {
			return domain.TokenPrice{Token: token, PriceUSD: q.price, Source: q.pool}, nil
		}

		return domain.TokenPrice{Token: token, PriceUSD: decimal.Zero}, nil
	})
}

func (a *Analytics) isStable(token common.Address) bool {
	return a.registry != nil && a.registry.IsStablecoin(token)
}

type quote struct {
	price decimal.Decimal
	depth decimal.Decimal
	pool  common.Address
	found bool
}

// better keeps the deeper quote; the earlier pool wins a tie
func (q quote) better(o quote) quote {
	if !q.found || o.depth.GreaterThan(q.depth) {
		return o
	}
	return q
}

// side is one pool from the perspective of a token
type side struct {
	self, other       domain.Token
	selfRaw, otherRaw *big.Int
}

func sides(pool domain.Pool, res domain.Reserves, token common.Address) side {
	if pool.Token0.Address == token {
		return side{pool.Token0, pool.Token1, res.Reserve0, res.Reserve1}
	}
	return side{pool.Token1, pool.Token0, res.Reserve1, res.Reserve0}
}

// eachPool visits token's pools with their reserves. Pools that disappeared
// are skipped.
func (a *Analytics) eachPool(ctx context.Context, token common.Address, fn func(pool domain.Pool, s side) error) error {
	pools, err := a.discovery.PoolsForToken(ctx, token)
	if err != nil {
		return err
	}
	for _, pool := range pools {
		res, err := a.discovery.GetReserves(ctx, pool.ID)
		if errors.Is(err, domain.ErrPoolNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(pool, sides(pool, res, token)); err != nil {
			return err
		}
	}
	return nil
}

// stableQuote prices token against its deepest stablecoin pool
func (a *Analytics) stableQuote(ctx context.Context, token common.Address) (quote, error) {
	var best quote
	err := a.eachPool(ctx, token, func(pool domain.Pool, s side) error {
		if !a.isStable(s.other.Address) {
			return nil
		}
		self := money.TokenAmount(s.selfRaw, s.self.Decimals)
		stable := money.TokenAmount(s.otherRaw, s.other.Decimals)
		if self.IsZero() {
			return nil
		}
		best = best.better(quote{price: ratio(stable, self), depth: stable, pool: pool.ID, found: true})
		return nil
	})
	return best, err
}

// bridgedQuote prices token through one intermediate token that has a
// stablecoin pool
func (a *Analytics) bridgedQuote(ctx context.Context, token common.Address) (quote, error) {
	var best quote
	err := a.eachPool(ctx, token, func(pool domain.Pool, s side) error {
		if a.isStable(s.other.Address) {
			return nil
		}
		via, err := a.stableQuote(ctx, s.other.Address)
		if err != nil || !via.found {
			return err
		}
		self := money.TokenAmount(s.selfRaw, s.self.Decimals)
		if self.IsZero() {
			return nil
		}
		otherUSD := money.TokenAmount(s.otherRaw, s.other.Decimals).Mul(via.price)
		best = best.better(quote{price: ratio(otherUSD, self), depth: otherUSD, pool: pool.ID, found: true})
		return nil
	})
	return best, err
}

// TopPools returns up to limit pools ranked by TVL, highest first. Each
// pool's analytics come from its own cache entry; the ranking itself is not
// cached.
func (a *Analytics) TopPools(ctx context.Context, limit int) ([]domain.PoolAnalytics, error) {
	if limit <= 0 {
		limit = defaultTopPools
	}
	if limit > maxTopPools {
		limit = maxTopPools
	}

	pools, err := a.discovery.ListPools(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]domain.PoolAnalytics, len(pools))
	found := make([]bool, len(pools))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, p := range pools {
		i, p := i, p
		g.Go(func() error {
			an, err := a.GetAnalytics(gctx, p.ID)
			if errors.Is(err, domain.ErrPoolNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			results[i], found[i] = an, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.PoolAnalytics, 0, len(results))
	for i, r := range results {
		if found[i] {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TVLUSD != out[j].TVLUSD {
			return out[i].TVLUSD > out[j].TVLUSD
		}
		return out[i].PoolID.Hex() < out[j].PoolID.Hex()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ImpermanentLoss compares a position entered at entryPrice (token0 priced
// in token1) with simply holding the tokens, at the pool's current price:
// IL = 2*sqrt(r)/(1+r) - 1 with r = current/entry.
func (a *Analytics) ImpermanentLoss(ctx context.Context, id common.Address, entryPrice decimal.Decimal) (domain.ImpermanentLoss, error) {
	if !entryPrice.IsPositive() {
		return domain.ImpermanentLoss{}, fmt.Errorf("%w: entry price must be positive", domain.ErrInvalidArgument)
	}

	pool, err := a.discovery.GetPool(ctx, id)
	if err != nil {
		return domain.ImpermanentLoss{}, err
	}
	res, err := a.discovery.GetReserves(ctx, id)
	if err != nil {
		return domain.ImpermanentLoss{}, err
	}

	current := ratio(
		money.TokenAmount(res.Reserve1, pool.Token1.Decimals),
		money.TokenAmount(res.Reserve0, pool.Token0.Decimals),
	)

	// IL tends to -100% as the price ratio grows without bound; ratios past
	// float64 range take the limit.
	il := -1.0
	if r := current.DivRound(entryPrice, priceScale).InexactFloat64(); !math.IsInf(r, 0) && !math.IsNaN(r) {
		il = 2*math.Sqrt(r)/(1+r) - 1
	}

	return domain.ImpermanentLoss{
		PoolID:       id,
		EntryPrice:   entryPrice.String(),
		CurrentPrice: current.String(),
		LossBPS:      money.BPSFromRatio(decimal.NewFromFloat(il)),
		AsOf:         res.BlockTimestamp,
	}, nil
}
