package solana

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeAmount is returned when a UI amount is below zero.
	ErrNegativeAmount = errors.New("amount must not be negative")

	// ErrAmountOverflow is returned when a UI amount does not fit in a u64 of base units.
	ErrAmountOverflow = errors.New("amount exceeds u64 base units")
)

var maxBaseUnits = decimal.NewFromUint64(math.MaxUint64)

// ToBaseUnits converts a human-facing token amount to integer base units.
//
// The amount is rounded to decimals fractional digits with round half away
// from zero before scaling, so 1.2345675 at 6 decimals becomes 1234568 and
// 1.2345665 becomes 1234567. Amounts are never truncated.
func ToBaseUnits(ui decimal.Decimal, decimals int32) (uint64, error) {
	if ui.IsNegative() {
		return 0, fmt.Errorf("%w: %s", ErrNegativeAmount, ui.String())
	}
	units := ui.Round(decimals).Shift(decimals)
	if units.GreaterThan(maxBaseUnits) {
		return 0, fmt.Errorf("%w: %s", ErrAmountOverflow, ui.String())
	}
	return units.BigInt().Uint64(), nil
}

// FromBaseUnits converts integer base units back to a human-facing amount.
func FromBaseUnits(units uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromUint64(units).Shift(-decimals)
}

// FormatUI renders an amount with exactly USDCDecimals fractional digits.
func FormatUI(d decimal.Decimal) string {
	return d.StringFixed(USDCDecimals)
}

// ParseUI parses a user-supplied decimal amount such as "5", "5.25" or "0.000001".
func ParseUI(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNegativeAmount, s)
	}
	return d, nil
}

// LamportsToSOL converts lamports to SOL.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Shift(-9)
}
