// Package fees computes what liquidity providers have earned and are
// currently earning in swap fees.
package fees

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/liquidity-dashboard/internal/cachekeys"
	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/money"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
	"github.com/agatticelli/liquidity-dashboard/internal/readthrough"
)

// Ledger holds claimed fees. Implemented by storage.Repository and the
// DynamoDB fee ledger.
type Ledger interface {
	StoredFeeEarnings(ctx context.Context, user, pool common.Address) (money.USD, error)
}

// PositionSource reports LP positions
type PositionSource interface {
	GetPosition(ctx context.Context, user, pool common.Address) (domain.Position, error)
	GetPositions(ctx context.Context, user common.Address) (domain.PositionSet, error)
}

// AnalyticsSource reports pool fee revenue
type AnalyticsSource interface {
	GetAnalytics(ctx context.Context, pool common.Address) (domain.PoolAnalytics, error)
}

// Config configures a Calculator
type Config struct {
	Ledger    Ledger
	Positions PositionSource
	Analytics AnalyticsSource
	Cache     *readthrough.Cache
	Policy    *cachekeys.Policy
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    observability.Tracer
}

// Calculator combines the claim ledger with live pool fees
type Calculator struct {
	ledger    Ledger
	positions PositionSource
	analytics AnalyticsSource
	cache     *readthrough.Cache
	policy    *cachekeys.Policy
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    observability.Tracer
}

// NewCalculator creates a Calculator
func NewCalculator(cfg Config) (*Calculator, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("fees: ledger is required")
	}
	if cfg.Positions == nil || cfg.Analytics == nil {
		return nil, errors.New("fees: position and analytics sources are required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("fees: cache is required")
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
	return &Calculator{
		ledger:    cfg.Ledger,
		positions: cfg.Positions,
		analytics: cfg.Analytics,
		cache:     cfg.Cache,
		policy:    cfg.Policy,
		logger:    cfg.Logger.Component("fee_calculator"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
	}, nil
}

var errDegradedInput = fmt.Errorf("%w: degraded input", domain.ErrUpstreamUnavailable)

// GetFeeEarnings returns claimed fees plus the daily rate the user's current
// share earns. A user with no remaining position still reports past claims.
func (c *Calculator) GetFeeEarnings(ctx context.Context, user, pool common.Address) (domain.FeeEarnings, error) {
	v, err := readthrough.Fetch(ctx, c.cache, c.policy.FeeEarnings(user, pool), func(ctx context.Context) (domain.FeeEarnings, error) {
		return c.computeEarnings(ctx, user, pool)
	})
	if err == nil {
		return v, nil
	}
	if errors.Is(err, domain.ErrUpstreamUnavailable) {
		c.metrics.RecordDegraded(ctx, string(cachekeys.FeeEarnings))
		c.logger.LogWarn(ctx, "serving degraded fee earnings", "user", user.Hex(), "pool", pool.Hex(), "error", err)
		return domain.FeeEarnings{User: user, PoolID: pool, Degraded: true}, nil
	}
	return domain.FeeEarnings{}, err
}

func (c *Calculator) computeEarnings(ctx context.Context, user, pool common.Address) (domain.FeeEarnings, error) {
	ctx, span := c.tracer.StartSpan(ctx, "Calculator.computeEarnings")
	defer span.End()

	earned, err := c.ledger.StoredFeeEarnings(ctx, user, pool)
	if err != nil {
		span.NoticeError(err)
		return domain.FeeEarnings{}, err
	}

	out := domain.FeeEarnings{User: user, PoolID: pool, EarnedUSD: earned}

	pos, err := c.positions.GetPosition(ctx, user, pool)
	switch {
	case errors.Is(err, domain.ErrPositionNotFound):
		return out, nil
	case err != nil:
		span.NoticeError(err)
		return domain.FeeEarnings{}, err
	}

	an, err := c.analytics.GetAnalytics(ctx, pool)
	if err != nil {
		return domain.FeeEarnings{}, err
	}
	if an.Degraded {
		return domain.FeeEarnings{}, errDegradedInput
	}
	out.EstimatedDailyUSD = an.Fees24hUSD.MulBPS(pos.ShareBPS)
	return out, nil
}

// TotalFees sums fee earnings across the user's current positions
func (c *Calculator) TotalFees(ctx context.Context, user common.Address) (domain.FeeTotal, error) {
	v, err := readthrough.Fetch(ctx, c.cache, c.policy.FeeTotal(user), func(ctx context.Context) (domain.FeeTotal, error) {
		set, err := c.positions.GetPositions(ctx, user)
		if err != nil {
			return domain.FeeTotal{}, err
		}
		if set.Degraded {
			return domain.FeeTotal{}, errDegradedInput
		}

		total := domain.FeeTotal{User: user}
		for _, pos := range set.Positions {
			fe, err := c.GetFeeEarnings(ctx, user, pos.PoolID)
			if err != nil {
				return domain.FeeTotal{}, err
			}
			if fe.Degraded {
				return domain.FeeTotal{}, errDegradedInput
			}
			total.EarnedUSD = total.EarnedUSD.Add(fe.EarnedUSD)
			total.EstimatedDailyUSD = total.EstimatedDailyUSD.Add(fe.EstimatedDailyUSD)
			total.Pools++
		}
		return total, nil
	})
	if err == nil {
		return v, nil
	}
	if errors.Is(err, domain.ErrUpstreamUnavailable) {
		c.metrics.RecordDegraded(ctx, string(cachekeys.FeeTotal))
		c.logger.LogWarn(ctx, "serving degraded fee total", "user", user.Hex(), "error", err)
		return domain.FeeTotal{User: user, Degraded: true}, nil
	}
	return domain.FeeTotal{}, err
}
