package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"payoutdesk/internal/withdrawal"
)

// API is the backend of record for withdrawals and payout configuration.
type API interface {
	ListPendingWithdrawals(ctx context.Context) ([]withdrawal.Request, error)
	GetWithdrawal(ctx context.Context, id string) (withdrawal.Request, error)
	RejectWithdrawal(ctx context.Context, id, reason string) error
	CompleteWithdrawal(ctx context.Context, id, txHash string) error
	GetPayoutConfig(ctx context.Context) (withdrawal.PayoutConfig, error)
	SetPayoutAddress(ctx context.Context, address string) error
	GetTokenContract(ctx context.Context) (withdrawal.TokenContract, error)
	// GetWalletBalance is the payout wallet's USDT balance as tracked server-side.
	GetWalletBalance(ctx context.Context) (decimal.Decimal, error)
}

var (
	// ErrUnauthorized signals that the admin key must be re-entered.
	ErrUnauthorized = errors.New("backend: unauthorized")
	ErrNotFound     = errors.New("backend: not found")
	ErrEmptyConfig  = errors.New("backend: empty config value")
)

// APIError is any other non-2xx answer.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.Status, e.Message)
}
