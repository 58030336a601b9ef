package config

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestNewTokenRegistry_Defaults(t *testing.T) {
	r, err := NewTokenRegistry(nil)
	if err != nil {
		t.Fatalf("NewTokenRegistry failed: %v", err)
	}

	tests := []struct {
		name       string
		address    string
		symbol     string
		decimals   int
		stablecoin bool
	}{
		{"USDC", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "USDC", 6, true},
		{"USDT", "0xdAC17F958D2ee523a2206206994597C13D831ec7", "USDT", 6, true},
		{"DAI", "0x6B175474E89094C44Da98b954EedeAC495271d0F", "DAI", 18, true},
		{"WETH", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", "WETH", 18, false},
		{"lowercase lookup", "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", "WETH", 18, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := r.Lookup(common.HexToAddress(tt.address))
			if !ok {
				t.Fatalf("token %s not found", tt.address)
			}
			if info.Symbol != tt.symbol {
				t.Errorf("Symbol: expected %s, got %s", tt.symbol, info.Symbol)
			}
			if info.Decimals != tt.decimals {
				t.Errorf("Decimals: expected %d, got %d", tt.decimals, info.Decimals)
			}
			if r.IsStablecoin(info.Address) != tt.stablecoin {
				t.Errorf("IsStablecoin: expected %v", tt.stablecoin)
			}
		})
	}
}

func TestNewTokenRegistry_ConfigOverridesDefault(t *testing.T) {
	r, err := NewTokenRegistry([]TokenConfig{
		{Symbol: "usdc.e", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6, IsStablecoin: false},
		{Symbol: "FRAX", Address: "0x853d955aCEf822Db058eb8505911ED77F175b99e", Decimals: 18, IsStablecoin: true},
	})
	if err != nil {
		t.Fatalf("NewTokenRegistry failed: %v", err)
	}

	usdc, _ := r.Lookup(common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"))
	if usdc.Symbol != "USDC.E" || usdc.IsStablecoin {
		t.Errorf("expected override to win, got %+v", usdc)
	}

	stables := r.Stablecoins()
	want := []string{"DAI", "FRAX", "USDT"}
	if len(stables) != len(want) {
		t.Fatalf("expected %d stablecoins, got %d", len(want), len(stables))
	}
	for i, s := range stables {
		if s.Symbol != want[i] {
			t.Errorf("stablecoin %d: expected %s, got %s", i, want[i], s.Symbol)
		}
	}
}

func TestNewTokenRegistry_InvalidEntries(t *testing.T) {
	tests := []struct {
		name  string
		token TokenConfig
	}{
		{"bad address", TokenConfig{Symbol: "X", Address: "not-an-address", Decimals: 18}},
		{"negative decimals", TokenConfig{Symbol: "X", Address: "0x853d955aCEf822Db058eb8505911ED77F175b99e", Decimals: -1}},
		{"too many decimals", TokenConfig{Symbol: "X", Address: "0x853d955aCEf822Db058eb8505911ED77F175b99e", Decimals: 77}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTokenRegistry([]TokenConfig{tt.token}); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
