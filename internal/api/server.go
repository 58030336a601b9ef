// Package api serves the dashboard's read endpoints and the mutation
// endpoint over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/invalidation"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
)

// PoolService lists pools and their on-chain state
type PoolService interface {
	ListPools(ctx context.Context) ([]domain.Pool, error)
	GetPool(ctx context.Context, id common.Address) (domain.Pool, error)
	GetReserves(ctx context.Context, id common.Address) (domain.Reserves, error)
	PoolsForToken(ctx context.Context, token common.Address) ([]domain.Pool, error)
}

// AnalyticsService derives pool metrics
type AnalyticsService interface {
	GetAnalytics(ctx context.Context, id common.Address) (domain.PoolAnalytics, error)
	TopPools(ctx context.Context, limit int) ([]domain.PoolAnalytics, error)
	TokenPriceUSD(ctx context.Context, token common.Address) (domain.TokenPrice, error)
	ImpermanentLoss(ctx context.Context, id common.Address, entryPrice decimal.Decimal) (domain.ImpermanentLoss, error)
}

// PositionService resolves LP positions
type PositionService interface {
	GetPosition(ctx context.Context, user, pool common.Address) (domain.Position, error)
	GetPositions(ctx context.Context, user common.Address) (domain.PositionSet, error)
}

// PortfolioService summarises a user's holdings
type PortfolioService interface {
	PortfolioSummary(ctx context.Context, user common.Address) (domain.Portfolio, error)
}

// FeeService reports fee earnings
type FeeService interface {
	GetFeeEarnings(ctx context.Context, user, pool common.Address) (domain.FeeEarnings, error)
	TotalFees(ctx context.Context, user common.Address) (domain.FeeTotal, error)
}

// Committer applies a mutation and invalidates what it made stale
type Committer interface {
	Commit(ctx context.Context, ev invalidation.Event, mutate func(context.Context) error) error
}

// Recorder persists the mutations POST /v1/events carries
type Recorder interface {
	RecordFeeClaim(ctx context.Context, c domain.FeeClaim) error
	RecordSwap(ctx context.Context, v domain.SwapVolume) error
}

// HealthChecker reports cache store health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Check is a named readiness probe
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Config configures a Server
type Config struct {
	Pools       PoolService
	Analytics   AnalyticsService
	Positions   PositionService
	Portfolios  PortfolioService
	Fees        FeeService
	Invalidator Committer
	Recorder    Recorder
	Cache       HealthChecker
	Ready       []Check
	// ReadyTimeout bounds every readiness probe (default 2s)
	ReadyTimeout time.Duration
	Clock        clockwork.Clock
	Metrics      *observability.Metrics
	Logger       *observability.Logger
	Tracer       observability.Tracer
}

// Server routes dashboard requests
type Server struct {
	pools        PoolService
	analytics    AnalyticsService
	positions    PositionService
	portfolios   PortfolioService
	fees         FeeService
	invalidator  Committer
	recorder     Recorder
	cache        HealthChecker
	ready        []Check
	readyTimeout time.Duration
	clock        clockwork.Clock
	metrics      *observability.Metrics
	logger       *observability.Logger
	tracer       observability.Tracer
	mux          *http.ServeMux
}

// NewServer creates a Server with every route registered
func NewServer(cfg Config) (*Server, error) {
	if cfg.Pools == nil || cfg.Analytics == nil {
		return nil, errors.New("api: pool and analytics services are required")
	}
	if cfg.Positions == nil || cfg.Portfolios == nil || cfg.Fees == nil {
		return nil, errors.New("api: position, portfolio and fee services are required")
	}
	if cfg.Invalidator == nil || cfg.Recorder == nil {
		return nil, errors.New("api: invalidator and recorder are required")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	s := &Server{
		pools:        cfg.Pools,
		analytics:    cfg.Analytics,
		positions:    cfg.Positions,
		portfolios:   cfg.Portfolios,
		fees:         cfg.Fees,
		invalidator:  cfg.Invalidator,
		recorder:     cfg.Recorder,
		cache:        cfg.Cache,
		ready:        cfg.Ready,
		readyTimeout: cfg.ReadyTimeout,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.Component("api"),
		tracer:       cfg.Tracer,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.handle("GET /v1/pools", s.listPools)
	s.handle("GET /v1/pools/top", s.topPools)
	s.handle("GET /v1/pools/{id}", s.getPool)
	s.handle("GET /v1/pools/{id}/reserves", s.getReserves)
	s.handle("GET /v1/pools/{id}/analytics", s.getAnalytics)
	s.handle("GET /v1/pools/{id}/impermanent-loss", s.impermanentLoss)
	s.handle("GET /v1/tokens/{addr}/pools", s.poolsForToken)
	s.handle("GET /v1/tokens/{addr}/price", s.tokenPrice)
	s.handle("GET /v1/users/{addr}/positions", s.getPositions)
	s.handle("GET /v1/users/{addr}/positions/{pool}", s.getPosition)
	s.handle("GET /v1/users/{addr}/portfolio", s.portfolio)
	s.handle("GET /v1/users/{addr}/fees", s.totalFees)
	s.handle("GET /v1/users/{addr}/fees/{pool}", s.feeEarnings)
	s.handle("POST /v1/events", s.postEvent)

	s.mux.HandleFunc("GET /health", s.health)
	s.mux.HandleFunc("GET /ready", s.readiness)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// handle registers an API route inside a server span
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.StartSpan(r.Context(), pattern,
			observability.WithAttributes(attribute.String("http.route", pattern)))
		defer span.End()
		h(w, r.WithContext(ctx))
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// NewHTTPServer wraps the handler with the configured timeouts
func (s *Server) NewHTTPServer(addr string, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
}
