// Package cachekeys is the single table of cache key templates and TTLs.
// Services never build keys or pick TTLs themselves.
package cachekeys

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/liquidity-dashboard/internal/platform/config"
)

// ErrInvalidIdentifier is returned for identifiers that could collide with
// another key or widen a pattern.
var ErrInvalidIdentifier = errors.New("cachekeys: invalid identifier")

// Computation names a cached computation. Values double as metric labels.
type Computation string

const (
	PoolList      Computation = "pool_list"
	PoolInfo      Computation = "pool_info"
	PoolReserves  Computation = "pool_reserves"
	PoolAnalytics Computation = "pool_analytics"
	PoolsByToken  Computation = "pools_by_token"
	TokenPrice    Computation = "token_price"
	UserPositions Computation = "user_positions"
	UserPosition  Computation = "user_position"
	UserPortfolio Computation = "user_portfolio"
	FeeEarnings   Computation = "fee_earnings"
	FeeTotal      Computation = "fee_total"
)

// templates use %s for each identifier, in order
var templates = map[Computation]string{
	PoolList:      "pools:all",
	PoolInfo:      "pool:info:%s",
	PoolReserves:  "pool:reserves:%s",
	PoolAnalytics: "pool:analytics:%s",
	PoolsByToken:  "pools:token:%s",
	TokenPrice:    "price:token:%s",
	UserPositions: "user:positions:%s",
	UserPosition:  "user:position:%s:%s",
	UserPortfolio: "user:portfolio:%s",
	FeeEarnings:   "fees:user:%s:pool:%s",
	FeeTotal:      "fees:user:%s:total",
}

// Entry is a fully resolved cache key with its TTL
type Entry struct {
	Computation Computation
	Key         string
	TTL         time.Duration
}

// Policy resolves computations to keys and TTLs
type Policy struct {
	ttls map[Computation]time.Duration
}

// NewPolicy builds the policy from validated TTL configuration
func NewPolicy(cfg config.CacheTTLConfig) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{ttls: map[Computation]time.Duration{
		PoolList:      cfg.PoolList,
		PoolInfo:      cfg.PoolInfo,
		PoolReserves:  cfg.PoolReserves,
		PoolAnalytics: cfg.PoolAnalytics,
		PoolsByToken:  cfg.PoolsByToken,
		TokenPrice:    cfg.TokenPrice,
		UserPositions: cfg.UserPositions,
		UserPosition:  cfg.UserPosition,
		UserPortfolio: cfg.UserPortfolio,
		FeeEarnings:   cfg.FeeEarnings,
		FeeTotal:      cfg.FeeTotal,
	}}, nil
}

// DefaultPolicy returns the policy with the stock TTL table
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultTTLs())
	if err != nil {
		panic(err)
	}
	return p
}

// DefaultTTLs is the stock TTL table
func DefaultTTLs() config.CacheTTLConfig {
	return config.CacheTTLConfig{
		PoolList:      300 * time.Second,
		PoolInfo:      3600 * time.Second,
		PoolReserves:  30 * time.Second,
		PoolAnalytics: 300 * time.Second,
		PoolsByToken:  300 * time.Second,
		TokenPrice:    30 * time.Second,
		UserPositions: 60 * time.Second,
		UserPosition:  60 * time.Second,
		UserPortfolio: 60 * time.Second,
		FeeEarnings:   300 * time.Second,
		FeeTotal:      300 * time.Second,
	}
}

// TTL returns the configured TTL for c
func (p *Policy) TTL(c Computation) time.Duration {
	return p.ttls[c]
}

// Resolve builds the entry for c from raw identifiers, normalising each one.
func (p *Policy) Resolve(c Computation, ids ...string) (Entry, error) {
	tmpl, ok := templates[c]
	if !ok {
		return Entry{}, fmt.Errorf("cachekeys: unknown computation %q", c)
	}
	if want := strings.Count(tmpl, "%s"); want != len(ids) {
		return Entry{}, fmt.Errorf("cachekeys: %s needs %d identifiers, got %d", c, want, len(ids))
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		n, err := Normalize(id)
		if err != nil {
			return Entry{}, err
		}
		args[i] = n
	}

	return Entry{Computation: c, Key: fmt.Sprintf(tmpl, args...), TTL: p.ttls[c]}, nil
}

// must resolves entries whose identifiers are hex addresses and cannot fail
func (p *Policy) must(c Computation, ids ...string) Entry {
	e, err := p.Resolve(c, ids...)
	if err != nil {
		panic(err)
	}
	return e
}

func (p *Policy) PoolList() Entry { return p.must(PoolList) }

func (p *Policy) PoolInfo(pool common.Address) Entry {
	return p.must(PoolInfo, Address(pool))
}

func (p *Policy) PoolReserves(pool common.Address) Entry {
	return p.must(PoolReserves, Address(pool))
}

func (p *Policy) PoolAnalytics(pool common.Address) Entry {
	return p.must(PoolAnalytics, Address(pool))
}

func (p *Policy) PoolsByToken(token common.Address) Entry {
	return p.must(PoolsByToken, Address(token))
}

func (p *Policy) TokenPrice(token common.Address) Entry {
	return p.must(TokenPrice, Address(token))
}

func (p *Policy) UserPositions(user common.Address) Entry {
	return p.must(UserPositions, Address(user))
}

func (p *Policy) UserPosition(user, pool common.Address) Entry {
	return p.must(UserPosition, Address(user), Address(pool))
}

func (p *Policy) UserPortfolio(user common.Address) Entry {
	return p.must(UserPortfolio, Address(user))
}

func (p *Policy) FeeEarnings(user, pool common.Address) Entry {
	return p.must(FeeEarnings, Address(user), Address(pool))
}

func (p *Policy) FeeTotal(user common.Address) Entry {
	return p.must(FeeTotal, Address(user))
}

// Patterns

// UserPositionPattern matches every per-pool position entry of user
func UserPositionPattern(user common.Address) string {
	return "user:position:" + Address(user) + ":*"
}

// UserFeePattern matches every fee entry of user, including the total
func UserFeePattern(user common.Address) string {
	return "fees:user:" + Address(user) + ":*"
}

// PoolPositionPattern matches every user's position entry in pool
func PoolPositionPattern(pool common.Address) string {
	return "user:position:*:" + Address(pool)
}

// PoolFeePattern matches every user's fee entry in pool
func PoolFeePattern(pool common.Address) string {
	return "fees:user:*:pool:" + Address(pool)
}

// Identifiers

// Address renders an address in the canonical key form (lower-case hex)
func Address(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// Normalize canonicalises a raw identifier: hex is lower-cased and anything
// that could break key structure is rejected.
func Normalize(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if strings.ContainsAny(id, ":/*?[]\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	if strings.HasPrefix(id, "0x") || strings.HasPrefix(id, "0X") {
		return strings.ToLower(id), nil
	}
	return id, nil
}

// ParseAddress validates a user-supplied hex address
func ParseAddress(s string) (common.Address, error) {
	n, err := Normalize(s)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(n) {
		return common.Address{}, fmt.Errorf("%w: not a hex address %q", ErrInvalidIdentifier, s)
	}
	return common.HexToAddress(n), nil
}
