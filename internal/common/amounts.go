package common

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var assetPrecision = map[string]int32{
	"USD":  2,
	"USDC": 6,
	"USDT": 6,
	"BTC":  8,
	"ETH":  18,
	"SOL":  9,
}

func PrecisionFor(symbol string) int32 {
	if p, ok := assetPrecision[symbol]; ok {
		return p
	}
	return 6
}

// FormatAmount renders minor units as a human-readable amount, e.g. 1500000 USDC -> "1.500000".
func FormatAmount(minor int64, symbol string) string {
	p := PrecisionFor(symbol)
	return decimal.New(minor, -p).StringFixed(p)
}

// ParseAmount converts a human-readable amount to minor units. Amounts with more decimal
// places than the asset supports are rejected rather than rounded.
func ParseAmount(amount, symbol string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	minor := d.Shift(PrecisionFor(symbol))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", amount, PrecisionFor(symbol))
	}
	if !minor.IsPositive() {
		return 0, fmt.Errorf("amount %q must be positive", amount)
	}
	return minor.IntPart(), nil
}
