package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	// MaxQuantity bounds on-hand stock and any single quantity change.
	MaxQuantity = math.MaxInt32
	// MaxPriceCents bounds a unit price (10,000,000,000.00).
	MaxPriceCents int64 = 1_000_000_000_000
	// MaxLineTotalCents bounds the total of a single sale so report sums
	// stay far from int64 overflow.
	MaxLineTotalCents int64 = 1_000_000_000_000_000
)

var hundred = decimal.NewFromInt(100)

// PriceToCents converts a unit price to integer cents. Negative prices,
// prices with sub-cent precision and prices above MaxPriceCents are rejected.
func PriceToCents(price decimal.Decimal) (int64, bool) {
	if price.IsNegative() {
		return 0, false
	}
	if !price.Equal(price.Round(2)) {
		return 0, false
	}
	cents := price.Mul(hundred)
	if !cents.BigInt().IsInt64() || cents.IntPart() > MaxPriceCents {
		return 0, false
	}
	return cents.IntPart(), true
}

// LineTotal multiplies a quantity by a unit price, failing when the result
// would exceed MaxLineTotalCents.
func LineTotal(quantity int, priceCents int64) (int64, bool) {
	if quantity < 0 || priceCents < 0 || quantity > MaxQuantity || priceCents > MaxPriceCents {
		return 0, false
	}
	if quantity != 0 && priceCents > MaxLineTotalCents/int64(quantity) {
		return 0, false
	}
	return int64(quantity) * priceCents, true
}

func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
