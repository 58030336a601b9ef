package positions

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/liquidity-dashboard/internal/cachekeys"
	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
	"github.com/agatticelli/liquidity-dashboard/internal/readthrough"
)

// FeeSource reports a user's fee earnings in a pool
type FeeSource interface {
	GetFeeEarnings(ctx context.Context, user, pool common.Address) (domain.FeeEarnings, error)
}

// PortfolioConfig configures a Portfolios
type PortfolioConfig struct {
	Tracker *Tracker
	Fees    FeeSource
	Cache   *readthrough.Cache
	Policy  *cachekeys.Policy
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Portfolios builds per-user summaries from cached positions and fees
type Portfolios struct {
	tracker *Tracker
	fees    FeeSource
	cache   *readthrough.Cache
	policy  *cachekeys.Policy
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewPortfolios creates a Portfolios
func NewPortfolios(cfg PortfolioConfig) (*Portfolios, error) {
	if cfg.Tracker == nil || cfg.Fees == nil {
		return nil, errors.New("positions: tracker and fee source are required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("positions: cache is required")
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
	return &Portfolios{
		tracker: cfg.Tracker,
		fees:    cfg.Fees,
		cache:   cfg.Cache,
		policy:  cfg.Policy,
		logger:  cfg.Logger.Component("portfolio"),
		metrics: cfg.Metrics,
	}, nil
}

// errDegradedInput keeps a summary built on degraded inputs out of the cache
var errDegradedInput = fmt.Errorf("%w: degraded input", domain.ErrUpstreamUnavailable)

// PortfolioSummary totals the value and earned fees of every position
func (p *Portfolios) PortfolioSummary(ctx context.Context, user common.Address) (domain.Portfolio, error) {
	v, err := readthrough.Fetch(ctx, p.cache, p.policy.UserPortfolio(user), func(ctx context.Context) (domain.Portfolio, error) {
		set, err := p.tracker.GetPositions(ctx, user)
		if err != nil {
			return domain.Portfolio{}, err
		}
		if set.Degraded {
			return domain.Portfolio{}, errDegradedInput
		}

		out := domain.Portfolio{User: user, Positions: set.Positions}
		for _, pos := range set.Positions {
			fe, err := p.fees.GetFeeEarnings(ctx, user, pos.PoolID)
			if err != nil {
				return domain.Portfolio{}, err
			}
			if fe.Degraded {
				return domain.Portfolio{}, errDegradedInput
			}
			out.TotalValueUSD = out.TotalValueUSD.Add(pos.ValueUSD)
			out.TotalFeesUSD = out.TotalFeesUSD.Add(fe.EarnedUSD)
		}
		return out, nil
	})
	if err == nil {
		return v, nil
	}
	if errors.Is(err, domain.ErrUpstreamUnavailable) {
		p.metrics.RecordDegraded(ctx, string(cachekeys.UserPortfolio))
		p.logger.LogWarn(ctx, "serving degraded portfolio", "user", user.Hex(), "error", err)
		return domain.Portfolio{User: user, Positions: []domain.Position{}, Degraded: true}, nil
	}
	return domain.Portfolio{}, err
}
