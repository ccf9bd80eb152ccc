package solana

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		name string
		ui   string
		want uint64
	}{
		{name: "whole", ui: "5", want: 5_000_000},
		{name: "six decimals", ui: "0.000001", want: 1},
		{name: "half rounds away from zero", ui: "1.2345675", want: 1_234_568},
		{name: "below half rounds down", ui: "1.23456749", want: 1_234_567},
		{name: "half on even digit rounds up", ui: "1.2345665", want: 1_234_567},
		{name: "sub-unit half rounds up", ui: "0.0000005", want: 1},
		{name: "zero", ui: "0", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToBaseUnits(decimal.RequireFromString(tt.ui), USDCDecimals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToBaseUnits_Errors(t *testing.T) {
	_, err := ToBaseUnits(decimal.RequireFromString("-1"), USDCDecimals)
	assert.ErrorIs(t, err, ErrNegativeAmount)

	huge := decimal.NewFromUint64(math.MaxUint64).Add(decimal.NewFromInt(1))
	_, err = ToBaseUnits(huge, 0)
	assert.ErrorIs(t, err, ErrAmountOverflow)
}

func TestFromBaseUnitsAndFormat(t *testing.T) {
	d := FromBaseUnits(1_234_568, USDCDecimals)
	assert.Equal(t, "1.234568", FormatUI(d))
	assert.Equal(t, "10.000000", FormatUI(decimal.NewFromInt(10)))
	assert.Equal(t, "0.00200", LamportsToSOL(2_000_000).StringFixed(5))
}

func TestParseUI(t *testing.T) {
	d, err := ParseUI(" 2.5 ")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("2.5")))

	_, err = ParseUI("")
	assert.Error(t, err)

	_, err = ParseUI("abc")
	assert.Error(t, err)

	_, err = ParseUI("-3")
	assert.ErrorIs(t, err, ErrNegativeAmount)
}
