// Package money provides fixed-point values for USD amounts and rates.
// USD is int64 cents and BPS is int64 basis points, so derived metrics compare
// exactly and serialize identically on every recomputation. Token amounts are
// converted through shopspring/decimal at the boundary.
package money

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale factors
const (
	USDScale int64 = 100   // 2 decimals: $1.00 = 100
	BPSScale int64 = 10000 // basis points: 100% = 10000
)

// DaysPerYear annualizes daily figures.
const DaysPerYear = 365

// USD represents US dollars in cents.
type USD int64

// BPS represents basis points (1 bps = 0.01%).
type BPS int64

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// saturate returns the integer part of d clamped to the int64 range
func saturate(d decimal.Decimal) int64 {
	switch {
	case d.GreaterThan(maxInt64):
		return math.MaxInt64
	case d.LessThan(minInt64):
		return math.MinInt64
	}
	return d.IntPart()
}

// --- USD ---

// NewUSDFromCents creates USD from cents.
func NewUSDFromCents(cents int64) USD {
	return USD(cents)
}

// USDFromDecimal rounds a dollar amount to cents using banker's rounding.
// Amounts beyond the int64 cent range saturate.
func USDFromDecimal(d decimal.Decimal) USD {
	return USD(saturate(d.Shift(2).RoundBank(0)))
}

// Add returns a + b.
func (a USD) Add(b USD) USD {
	return a + b
}

// Sub returns a - b. Can be negative.
func (a USD) Sub(b USD) USD {
	return a - b
}

// Mul multiplies by an integer factor, saturating on overflow.
func (a USD) Mul(factor int64) USD {
	return USD(saturate(decimal.NewFromInt(int64(a)).Mul(decimal.NewFromInt(factor))))
}

// MulBPS multiplies USD by basis points, truncating toward zero and
// saturating on overflow.
// Example: $100.MulBPS(30) = $0.30 (0.3%)
func (a USD) MulBPS(bps BPS) USD {
	p := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(int64(bps)))
	p.Quo(p, big.NewInt(BPSScale))
	return USD(saturate(decimal.NewFromBigInt(p, 0)))
}

// IsZero returns true if == 0.
func (a USD) IsZero() bool {
	return a == 0
}

// Cents returns the raw cent value.
func (a USD) Cents() int64 {
	return int64(a)
}

// Decimal returns the dollar amount as a decimal.
func (a USD) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

// String returns a formatted string like "$123.45" or "-$45.00".
func (a USD) String() string {
	if a < 0 {
		return "-$" + (-a).Decimal().StringFixed(2)
	}
	return "$" + a.Decimal().StringFixed(2)
}

// MarshalJSON encodes USD as a fixed two-decimal string ("123.45").
func (a USD) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Decimal().StringFixed(2))
}

// UnmarshalJSON accepts the string form written by MarshalJSON.
func (a *USD) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("money: USD must be a string: %w", err)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("money: invalid USD %q: %w", s, err)
	}
	*a = USDFromDecimal(d)
	return nil
}

// --- BPS ---

// NewBPSFromInt creates BPS directly from basis points.
func NewBPSFromInt(bps int64) BPS {
	return BPS(bps)
}

// Percent returns the rate as a percentage string (e.g., "0.50%").
func (a BPS) Percent() string {
	return decimal.New(int64(a), -2).StringFixed(2) + "%"
}

// String returns basis points as string (e.g., "50 bps").
func (a BPS) String() string {
	return fmt.Sprintf("%d bps", a)
}

// Int64 returns raw basis points value.
func (a BPS) Int64() int64 {
	return int64(a)
}

// Ratio returns the rate as a decimal fraction (50 bps = 0.005).
func (a BPS) Ratio() decimal.Decimal {
	return decimal.New(int64(a), -4)
}

// BPSFromRatio converts a fraction to basis points using banker's rounding.
func BPSFromRatio(r decimal.Decimal) BPS {
	return BPS(saturate(r.Shift(4).RoundBank(0)))
}

// --- Conversions and derived metrics ---

// TokenAmount scales a raw on-chain integer amount by the token's decimals.
func TokenAmount(raw *big.Int, decimals int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, int32(-decimals))
}

// ShareBPS returns part/total in basis points, or 0 when total is zero.
func ShareBPS(part, total *big.Int) BPS {
	if part == nil || total == nil || total.Sign() == 0 {
		return 0
	}
	return BPSFromRatio(decimal.NewFromBigInt(part, 0).DivRound(decimal.NewFromBigInt(total, 0), 12))
}

// AnnualizedRate returns daily/base * 365 in basis points, or 0 when base is zero.
func AnnualizedRate(daily, base USD) BPS {
	if base <= 0 {
		return 0
	}
	r := daily.Decimal().Mul(decimal.NewFromInt(DaysPerYear)).DivRound(base.Decimal(), 12)
	return BPSFromRatio(r)
}

// Max returns the larger of two USD values.
func Max(a, b USD) USD {
	if a > b {
		return a
	}
	return b
}
