package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInclusionDecodeTreatsOnlyTrueAsIncluded(t *testing.T) {
	cases := map[string]InclusionState{
		`{"included_in_zreport":true}`:    InclusionIncluded,
		`{"included_in_zreport":false}`:   InclusionPending,
		`{"included_in_zreport":null}`:    InclusionPending,
		`{}`:                              InclusionPending,
		`{"included_in_zreport":"true"}`:  InclusionPending,
		`{"included_in_zreport":1}`:       InclusionPending,
		`{"included_in_zreport":"yes"}`:   InclusionPending,
	}

	for raw, want := range cases {
		var sale SaleRecord
		require.NoError(t, json.Unmarshal([]byte(raw), &sale), raw)
		assert.Equal(t, want, sale.Inclusion, raw)
	}
}

func TestInclusionEncodesAsBoolean(t *testing.T) {
	payload, err := json.Marshal(SaleRecord{ID: "s1", Inclusion: InclusionIncluded})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"included_in_zreport":true`)

	payload, err = json.Marshal(SaleRecord{ID: "s2"})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"included_in_zreport":false`)
}

func TestPriceToCents(t *testing.T) {
	cents, ok := PriceToCents(decimal.RequireFromString("25.00"))
	require.True(t, ok)
	assert.Equal(t, int64(2500), cents)

	cents, ok = PriceToCents(decimal.RequireFromString("0.1"))
	require.True(t, ok)
	assert.Equal(t, int64(10), cents)

	_, ok = PriceToCents(decimal.RequireFromString("-1"))
	assert.False(t, ok)

	_, ok = PriceToCents(decimal.RequireFromString("1.005"))
	assert.False(t, ok)
}

func TestPriceToCentsRejectsOutOfRangePrices(t *testing.T) {
	cases := []struct {
		price string
		ok    bool
	}{
		{"10000000000.00", true},
		{"10000000000.01", false},
		{"92233720368547758.07", false},
		{"184467440737095516.16", false},
		{"184467440737095517.16", false},
	}
	for _, tc := range cases {
		cents, ok := PriceToCents(decimal.RequireFromString(tc.price))
		assert.Equal(t, tc.ok, ok, tc.price)
		if !tc.ok {
			assert.Zero(t, cents, tc.price)
		}
	}
}

func TestLineTotal(t *testing.T) {
	cases := []struct {
		name     string
		quantity int
		price    int64
		want     int64
		ok       bool
	}{
		{"simple", 3, 50000, 150000, true},
		{"zero quantity", 0, 2500, 0, true},
		{"max quantity cheap item", MaxQuantity, 1, MaxQuantity, true},
		{"at line limit", 1000, MaxPriceCents, MaxLineTotalCents, true},
		{"over line limit", 1001, MaxPriceCents, 0, false},
		{"would wrap int64", MaxQuantity, MaxPriceCents, 0, false},
		{"quantity above max", MaxQuantity + 1, 1, 0, false},
		{"negative price", 1, -1, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			total, ok := LineTotal(tc.quantity, tc.price)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, total)
		})
	}
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "75.00", FormatCents(7500))
	assert.Equal(t, "0.05", FormatCents(5))
	assert.Equal(t, "0.00", FormatCents(0))
}

func TestLowStockUsesDefaultThreshold(t *testing.T) {
	assert.True(t, StockItem{Quantity: 4}.LowStock())
	assert.False(t, StockItem{Quantity: 5}.LowStock())
	assert.True(t, StockItem{Quantity: 9, NotifyThreshold: 10}.LowStock())
}
