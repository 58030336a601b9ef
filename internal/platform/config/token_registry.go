package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TokenConfig is a token entry from the config file
type TokenConfig struct {
	Symbol       string `mapstructure:"symbol"`
	Address      string `mapstructure:"address"`
	Decimals     int    `mapstructure:"decimals"`
	IsStablecoin bool   `mapstructure:"stablecoin"`
}

// TokenInfo contains token metadata used for USD pricing
type TokenInfo struct {
	Symbol       string
	Address      common.Address
	Decimals     int
	IsStablecoin bool
}

// defaultTokens are well-known Ethereum mainnet tokens. Config entries with
// the same address replace them.
var defaultTokens = []TokenConfig{
	{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
	{Symbol: "WBTC", Address: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599", Decimals: 8},
	{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6, IsStablecoin: true},
	{Symbol: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6, IsStablecoin: true},
	{Symbol: "DAI", Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18, IsStablecoin: true},
}

// TokenRegistry indexes known tokens by address
type TokenRegistry struct {
	byAddress map[common.Address]TokenInfo
}

// NewTokenRegistry builds a registry from the defaults plus the configured tokens
func NewTokenRegistry(tokens []TokenConfig) (*TokenRegistry, error) {
	r := &TokenRegistry{byAddress: make(map[common.Address]TokenInfo)}

	for _, list := range [][]TokenConfig{defaultTokens, tokens} {
		for _, t := range list {
			if !common.IsHexAddress(t.Address) {
				return nil, fmt.Errorf("invalid token address for %s: %q", t.Symbol, t.Address)
			}
			if t.Decimals < 0 || t.Decimals > 36 {
				return nil, fmt.Errorf("invalid decimals for %s: %d", t.Symbol, t.Decimals)
			}
			addr := common.HexToAddress(t.Address)
			r.byAddress[addr] = TokenInfo{
				Symbol:       strings.ToUpper(t.Symbol),
				Address:      addr,
				Decimals:     t.Decimals,
				IsStablecoin: t.IsStablecoin,
			}
		}
	}

	return r, nil
}

// Lookup returns the token registered at addr
func (r *TokenRegistry) Lookup(addr common.Address) (TokenInfo, bool) {
	t, ok := r.byAddress[addr]
	return t, ok
}

// IsStablecoin reports whether addr is a registered USD stablecoin
func (r *TokenRegistry) IsStablecoin(addr common.Address) bool {
	t, ok := r.byAddress[addr]
	return ok && t.IsStablecoin
}

// Stablecoins returns the registered stablecoins ordered by symbol
func (r *TokenRegistry) Stablecoins() []TokenInfo {
	out := make([]TokenInfo, 0)
	for _, t := range r.byAddress {
		if t.IsStablecoin {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
