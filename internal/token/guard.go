package token

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// BalanceCheck is the advisory result of a pre-submission balance read.
type BalanceCheck struct {
	Sufficient bool
	Current    decimal.Decimal
	Required   decimal.Decimal
	Shortfall  decimal.Decimal
	Decimals   int32
}

// CheckSufficient compares the on-chain balance of account against required.
// It is advisory only: the transfer can still revert on-chain.
func CheckSufficient(ctx context.Context, c Caller, token, account common.Address, required decimal.Decimal) (BalanceCheck, error) {
	decimals, err := Decimals(ctx, c, token)
	if err != nil {
		return BalanceCheck{}, err
	}
	balance, err := BalanceOf(ctx, c, token, account)
	if err != nil {
		return BalanceCheck{}, err
	}
	need, err := ToBaseUnits(required, decimals)
	if err != nil {
		return BalanceCheck{}, err
	}

	check := BalanceCheck{
		Sufficient: balance.Cmp(need) >= 0,
		Current:    FromBaseUnits(balance, decimals),
		Required:   required,
		Shortfall:  decimal.Zero,
		Decimals:   decimals,
	}
	if !check.Sufficient {
		check.Shortfall = FromBaseUnits(need, decimals).Sub(check.Current)
	}
	return check, nil
}
