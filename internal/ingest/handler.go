// Package ingest turns decoded chain events into recorded volume and cache
// invalidations.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/liquidity-dashboard/internal/chain"
	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/invalidation"
	"github.com/agatticelli/liquidity-dashboard/internal/money"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/worker"
)

// PoolLookup resolves a pool's tokens
type PoolLookup interface {
	GetPool(ctx context.Context, id common.Address) (domain.Pool, error)
}

// Pricer prices tokens in USD
type Pricer interface {
	TokenPriceUSD(ctx context.Context, token common.Address) (domain.TokenPrice, error)
}

// SwapRecorder persists swap volume
type SwapRecorder interface {
	RecordSwap(ctx context.Context, v domain.SwapVolume) error
}

// MinterResolver finds the LP credited by a Mint
type MinterResolver interface {
	ResolveMinter(ctx context.Context, ev chain.Event) (common.Address, error)
}

// Committer applies a mutation and its invalidation
type Committer interface {
	Commit(ctx context.Context, ev invalidation.Event, mutate func(context.Context) error) error
}

// Config configures a Handler
type Config struct {
	Pools       PoolLookup
	Prices      Pricer
	Swaps       SwapRecorder
	Invalidator Committer
	// Minters resolves Mint recipients. Nil commits mints at pool level.
	Minters MinterResolver
	// Workers runs events concurrently in Run. Nil handles them inline.
	Workers *worker.Pool
	Clock   clockwork.Clock
	Logger  *observability.Logger
	Tracer  observability.Tracer
}

// Handler applies chain events
type Handler struct {
	pools       PoolLookup
	prices      Pricer
	swaps       SwapRecorder
	invalidator Committer
	minters     MinterResolver
	workers     *worker.Pool
	clock       clockwork.Clock
	logger      *observability.Logger
	tracer      observability.Tracer
}

// NewHandler creates a Handler
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Pools == nil || cfg.Prices == nil {
		return nil, errors.New("ingest: pool lookup and pricer are required")
	}
	if cfg.Swaps == nil {
		return nil, errors.New("ingest: swap recorder is required")
	}
	if cfg.Invalidator == nil {
		return nil, errors.New("ingest: invalidator is required")
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
	return &Handler{
		pools:       cfg.Pools,
		prices:      cfg.Prices,
		swaps:       cfg.Swaps,
		invalidator: cfg.Invalidator,
		minters:     cfg.Minters,
		workers:     cfg.Workers,
		clock:       cfg.Clock,
		logger:      cfg.Logger.Component("ingest"),
		tracer:      cfg.Tracer,
	}, nil
}

// Handle applies one chain event. Logs removed by a reorg are skipped.
func (h *Handler) Handle(ctx context.Context, ev chain.Event) error {
	if ev.Removed {
		h.logger.LogDebug(ctx, "skipping removed log", "tx", ev.TxHash.Hex(), "log_index", ev.LogIndex)
		return nil
	}

	ctx, span := h.tracer.StartSpan(ctx, "ingest.handle",
		observability.WithAttributes(
			attribute.String("event.kind", string(ev.Kind)),
			attribute.Int64("event.block", int64(ev.Block)),
		))
	defer span.End()

	var err error
	switch ev.Kind {
	case chain.EventSwap:
		err = h.handleSwap(ctx, ev)
	case chain.EventMint:
		err = h.invalidator.Commit(ctx, h.toEvent(ev, invalidation.LiquidityAdded, h.minter(ctx, ev)), nil)
	case chain.EventBurn:
		// the burn recipient is usually the LP owner
		err = h.invalidator.Commit(ctx, h.toEvent(ev, invalidation.LiquidityRemoved, ev.Recipient), nil)
	case chain.EventPairCreated:
		out := h.toEvent(ev, invalidation.PoolCreated, common.Address{})
		out.Token0, out.Token1 = ev.Token0, ev.Token1
		err = h.invalidator.Commit(ctx, out, nil)
	default:
		err = fmt.Errorf("ingest: unsupported event kind %q", ev.Kind)
	}
	if err != nil {
		span.NoticeError(err)
	}
	return err
}

// minter resolves the LP of a Mint. A failed lookup still invalidates the
// pool; the minter's own entries then expire by TTL.
func (h *Handler) minter(ctx context.Context, ev chain.Event) common.Address {
	if h.minters == nil {
		return common.Address{}
	}
	user, err := h.minters.ResolveMinter(ctx, ev)
	if err != nil {
		h.logger.LogWarn(ctx, "failed to resolve minter", "pool", ev.Pool.Hex(), "tx", ev.TxHash.Hex(), "error", err)
		return common.Address{}
	}
	return user
}

func (h *Handler) toEvent(ev chain.Event, kind invalidation.Kind, user common.Address) invalidation.Event {
	return invalidation.Event{
		Kind:     kind,
		User:     user,
		Pool:     ev.Pool,
		TxHash:   ev.TxHash,
		LogIndex: ev.LogIndex,
		Block:    ev.Block,
		At:       h.clock.Now().UTC(),
	}
}

// handleSwap records the swap's USD volume, then invalidates the pool and
// the prices of its tokens.
func (h *Handler) handleSwap(ctx context.Context, ev chain.Event) error {
	out := h.toEvent(ev, invalidation.Swap, common.Address{})

	pool, err := h.pools.GetPool(ctx, ev.Pool)
	switch {
	case errors.Is(err, domain.ErrPoolNotFound):
		// not a pair this dashboard lists; nothing to record
		h.logger.LogDebug(ctx, "swap on unknown pool", "pool", ev.Pool.Hex())
		return h.invalidator.Commit(ctx, out, nil)
	case err != nil:
		return fmt.Errorf("resolve swap pool: %w", err)
	}
	out.Token0, out.Token1 = pool.Token0.Address, pool.Token1.Address

	volume, err := h.swapVolumeUSD(ctx, pool, ev)
	if err != nil {
		return fmt.Errorf("price swap: %w", err)
	}
	out.AmountUSD = volume

	record := domain.SwapVolume{
		Pool:       ev.Pool,
		TxHash:     ev.TxHash,
		LogIndex:   ev.LogIndex,
		Block:      ev.Block,
		VolumeUSD:  volume,
		ObservedAt: out.At,
	}
	return h.invalidator.Commit(ctx, out, func(ctx context.Context) error {
		return h.swaps.RecordSwap(ctx, record)
	})
}

// swapVolumeUSD values the swap on token0 when it has a price, token1
// otherwise. Gross amounts count both directions.
func (h *Handler) swapVolumeUSD(ctx context.Context, pool domain.Pool, ev chain.Event) (money.USD, error) {
	sides := []struct {
		token    domain.Token
		amount   decimal.Decimal
		hasValue bool
	}{
		{pool.Token0, money.TokenAmount(ev.Amount0, pool.Token0.Decimals), ev.Amount0 != nil},
		{pool.Token1, money.TokenAmount(ev.Amount1, pool.Token1.Decimals), ev.Amount1 != nil},
	}
	for _, s := range sides {
		if !s.hasValue {
			continue
		}
		p, err := h.prices.TokenPriceUSD(ctx, s.token.Address)
		if err != nil {
			return 0, err
		}
		if p.PriceUSD.IsPositive() {
			return money.USDFromDecimal(s.amount.Mul(p.PriceUSD)), nil
		}
	}
	return 0, nil
}

// Run consumes events until ctx is cancelled or the event channel closes.
// Handler failures are logged and do not stop the loop; the affected entries
// expire by TTL.
func (h *Handler) Run(ctx context.Context, events <-chan chain.Event, errs <-chan error) error {
	h.logger.Info("ingesting chain events")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.dispatch(ctx, &wg, ev)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			// the watcher reconnects on its own
			h.logger.LogError(ctx, "chain subscription error", err)

		case <-ctx.Done():
			h.logger.Info("context cancelled, stopping ingest")
			return nil
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, wg *sync.WaitGroup, ev chain.Event) {
	report := func(err error) {
		if err != nil {
			h.logger.LogError(ctx, "failed to apply chain event", err,
				"kind", ev.Kind, "pool", ev.Pool.Hex(), "block", ev.Block, "tx", ev.TxHash.Hex())
		}
	}

	if h.workers == nil {
		report(h.Handle(ctx, ev))
		return
	}

	wg.Add(1)
	job := worker.Job{
		ID: fmt.Sprintf("%s:%d", ev.TxHash.Hex(), ev.LogIndex),
		Execute: func(ctx context.Context) (any, error) {
			return nil, h.Handle(ctx, ev)
		},
	}
	if err := h.workers.Submit(ctx, job, func(r worker.Result) {
		defer wg.Done()
		report(r.Err)
	}); err != nil {
		wg.Done()
		report(err)
	}
}
