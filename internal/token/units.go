package token

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// maxDecimals bounds 10^D to something a uint256 can still hold.
const maxDecimals = 77

var (
	ErrNegativeAmount  = errors.New("amount must not be negative")
	ErrInvalidDecimals = errors.New("token decimals out of range")
)

// ToBaseUnits converts a human amount into integer base units,
// round(amount * 10^decimals), without touching binary floating point.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if decimals < 0 || decimals > maxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDecimals, decimals)
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	return amount.Shift(decimals).Round(0).BigInt(), nil
}

// ParseAmount reads a decimal string as sent by the backend.
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return d, nil
}

func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}
