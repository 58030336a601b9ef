// Package domain holds the value types shared by the dashboard services.
// Every type is a plain value that round-trips through JSON unchanged, so a
// cache hit decodes into the same value the producer returned.
package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/agatticelli/liquidity-dashboard/internal/money"
)

// Token is ERC20 metadata
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals int            `json:"decimals"`
}

// Pool is a constant-product liquidity pool
type Pool struct {
	ID     common.Address `json:"id"`
	Token0 Token          `json:"token0"`
	Token1 Token          `json:"token1"`
	FeeBPS money.BPS      `json:"fee_bps"`
}

// HasToken reports whether token is one side of the pool
func (p Pool) HasToken(token common.Address) bool {
	return p.Token0.Address == token || p.Token1.Address == token
}

// Reserves are the raw pool balances at a block
type Reserves struct {
	PoolID         common.Address `json:"pool_id"`
	Reserve0       *big.Int       `json:"reserve0"`
	Reserve1       *big.Int       `json:"reserve1"`
	BlockTimestamp time.Time      `json:"block_timestamp"`
}

// PoolAnalytics are derived pool metrics
type PoolAnalytics struct {
	PoolID       common.Address `json:"pool_id"`
	TVLUSD       money.USD      `json:"tvl_usd"`
	Volume24hUSD money.USD      `json:"volume_24h_usd"`
	Fees24hUSD   money.USD      `json:"fees_24h_usd"`
	APR          money.BPS      `json:"apr_bps"`
	Price0In1    string         `json:"price0_in_1"`
	AsOf         time.Time      `json:"as_of"`
	Degraded     bool           `json:"degraded,omitempty"`
}

// TokenPrice is a token's USD price derived from pool reserves. Source is
// the pool the price was read from, zero for stablecoins.
type TokenPrice struct {
	Token    common.Address  `json:"token"`
	PriceUSD decimal.Decimal `json:"price_usd"`
	Source   common.Address  `json:"source"`
}

// ImpermanentLoss compares holding an LP position against holding the tokens
type ImpermanentLoss struct {
	PoolID       common.Address `json:"pool_id"`
	EntryPrice   string         `json:"entry_price"`
	CurrentPrice string         `json:"current_price"`
	// LossBPS is zero or negative
	LossBPS money.BPS `json:"loss_bps"`
	AsOf    time.Time `json:"as_of"`
}

// Position is a user's LP stake in one pool
type Position struct {
	User        common.Address `json:"user"`
	PoolID      common.Address `json:"pool_id"`
	LPBalance   *big.Int       `json:"lp_balance"`
	TotalSupply *big.Int       `json:"total_supply"`
	ShareBPS    money.BPS      `json:"share_bps"`
	Amount0     string         `json:"amount0"`
	Amount1     string         `json:"amount1"`
	ValueUSD    money.USD      `json:"value_usd"`
}

// PositionSet is every position a user holds
type PositionSet struct {
	User      common.Address `json:"user"`
	Positions []Position     `json:"positions"`
	Degraded  bool           `json:"degraded,omitempty"`
}

// Portfolio summarises every position of a user
type Portfolio struct {
	User          common.Address `json:"user"`
	Positions     []Position     `json:"positions"`
	TotalValueUSD money.USD      `json:"total_value_usd"`
	TotalFeesUSD  money.USD      `json:"total_fees_usd"`
	Degraded      bool           `json:"degraded,omitempty"`
}

// FeeEarnings are a user's fees in one pool
type FeeEarnings struct {
	User              common.Address `json:"user"`
	PoolID            common.Address `json:"pool_id"`
	EarnedUSD         money.USD      `json:"earned_usd"`
	EstimatedDailyUSD money.USD      `json:"estimated_daily_usd"`
	Degraded          bool           `json:"degraded,omitempty"`
}

// FeeTotal is the sum of a user's fee earnings across pools
type FeeTotal struct {
	User              common.Address `json:"user"`
	EarnedUSD         money.USD      `json:"earned_usd"`
	EstimatedDailyUSD money.USD      `json:"estimated_daily_usd"`
	Pools             int            `json:"pools"`
	Degraded          bool           `json:"degraded,omitempty"`
}

// SwapVolume is the USD value of one observed swap
type SwapVolume struct {
	Pool       common.Address `json:"pool"`
	TxHash     common.Hash    `json:"tx_hash"`
	LogIndex   uint           `json:"log_index"`
	Block      uint64         `json:"block"`
	VolumeUSD  money.USD      `json:"volume_usd"`
	ObservedAt time.Time      `json:"observed_at"`
}

// FeeClaim records fees a user collected from a pool
type FeeClaim struct {
	User      common.Address `json:"user"`
	Pool      common.Address `json:"pool"`
	AmountUSD money.USD      `json:"amount_usd"`
	TxHash    common.Hash    `json:"tx_hash"`
	ClaimedAt time.Time      `json:"claimed_at"`
}
