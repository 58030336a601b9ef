// Package invalidation turns domain mutations into cache deletes.
//
// Every mutation is described by an Event. Apply removes the exact keys and
// key patterns the event makes stale, and Commit orders a mutation before its
// invalidation so that the caller is only acknowledged once later reads can
// no longer observe the pre-mutation value.
package invalidation

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/liquidity-dashboard/internal/cachekeys"
	"github.com/agatticelli/liquidity-dashboard/internal/money"
)

// Kind is the type of domain mutation
type Kind string

const (
	LiquidityAdded   Kind = "liquidity_added"
	LiquidityRemoved Kind = "liquidity_removed"
	Swap             Kind = "swap"
	PoolCreated      Kind = "pool_created"
	FeesClaimed      Kind = "fees_claimed"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	switch k {
	case LiquidityAdded, LiquidityRemoved, Swap, PoolCreated, FeesClaimed:
		return true
	}
	return false
}

// Event is a domain mutation. User is the zero address when the mutation is
// only known at pool level, as for chain logs without a resolvable owner.
type Event struct {
	Kind      Kind           `json:"kind"`
	User      common.Address `json:"user"`
	Pool      common.Address `json:"pool"`
	Token0    common.Address `json:"token0"`
	Token1    common.Address `json:"token1"`
	AmountUSD money.USD      `json:"amount_usd"`
	TxHash    common.Hash    `json:"tx_hash"`
	LogIndex  uint           `json:"log_index"`
	Block     uint64         `json:"block"`
	At        time.Time      `json:"at"`
}

// HasUser reports whether the event names a user
func (e Event) HasUser() bool {
	return e.User != (common.Address{})
}

func (e Event) hasTokens() bool {
	return e.Token0 != (common.Address{}) && e.Token1 != (common.Address{})
}

// Validate checks that the event carries what its kind needs
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Pool == (common.Address{}) {
		return fmt.Errorf("%s event without pool", e.Kind)
	}
	switch e.Kind {
	case PoolCreated:
		if !e.hasTokens() {
			return fmt.Errorf("%s event without tokens", e.Kind)
		}
	case FeesClaimed:
		if !e.HasUser() {
			return fmt.Errorf("%s event without user", e.Kind)
		}
	}
	return nil
}

// Targets are the cache entries an event makes stale, grouped by the order
// Apply deletes them in. Keys are inputs read straight from the source,
// Patterns cover per-user entries of a pool and Composites are values built
// from the other two. Composites go last so that a composite produced from an
// input that was still cached is fenced by its own delete.
type Targets struct {
	Keys       []string `json:"keys"`
	Patterns   []string `json:"patterns"`
	Composites []string `json:"composites,omitempty"`
}

// All lists every exact key and pattern in delete order
func (t Targets) All() []string {
	all := make([]string, 0, len(t.Keys)+len(t.Patterns)+len(t.Composites))
	all = append(all, t.Keys...)
	all = append(all, t.Patterns...)
	return append(all, t.Composites...)
}

// Targets resolves the keys and patterns for e. User-scoped keys are skipped
// when the event has no user; those entries expire by TTL.
func (e Event) Targets(p *cachekeys.Policy) Targets {
	var t Targets
	key := func(entry cachekeys.Entry) { t.Keys = append(t.Keys, entry.Key) }
	composite := func(entry cachekeys.Entry) { t.Composites = append(t.Composites, entry.Key) }
	poolPatterns := func() {
		t.Patterns = append(t.Patterns, cachekeys.PoolPositionPattern(e.Pool), cachekeys.PoolFeePattern(e.Pool))
	}

	switch e.Kind {
	case LiquidityAdded, LiquidityRemoved:
		key(p.PoolReserves(e.Pool))
		if e.HasUser() {
			key(p.UserPosition(e.User, e.Pool))
			key(p.FeeEarnings(e.User, e.Pool))
		}
		poolPatterns()
		composite(p.PoolAnalytics(e.Pool))
		if e.HasUser() {
			composite(p.UserPositions(e.User))
			composite(p.FeeTotal(e.User))
			composite(p.UserPortfolio(e.User))
		}

	case Swap:
		key(p.PoolReserves(e.Pool))
		if e.Token0 != (common.Address{}) {
			key(p.TokenPrice(e.Token0))
		}
		if e.Token1 != (common.Address{}) {
			key(p.TokenPrice(e.Token1))
		}
		poolPatterns()
		composite(p.PoolAnalytics(e.Pool))

	case PoolCreated:
		key(p.PoolList())
		key(p.PoolsByToken(e.Token0))
		key(p.PoolsByToken(e.Token1))

	case FeesClaimed:
		key(p.FeeEarnings(e.User, e.Pool))
		composite(p.FeeTotal(e.User))
		composite(p.UserPortfolio(e.User))
	}

	return t
}
