package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"payoutdesk/internal/withdrawal"
)

// FakeClient is an in-memory backend that enforces the withdrawal lifecycle.
type FakeClient struct {
	mu          sync.Mutex
	withdrawals map[string]*withdrawal.Request
	payout      withdrawal.PayoutConfig
	token       withdrawal.TokenContract
	balance     decimal.Decimal

	// CompleteErr, when set, fails every CompleteWithdrawal call.
	CompleteErr error
	// Unauthorized makes every call fail with ErrUnauthorized.
	Unauthorized bool

	completeCalls int
}

func NewFakeClient(token withdrawal.TokenContract) *FakeClient {
	return &FakeClient{
		withdrawals: make(map[string]*withdrawal.Request),
		token:       token,
	}
}

func (f *FakeClient) Put(req withdrawal.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := req
	f.withdrawals[req.ID] = &r
}

func (f *FakeClient) SetWalletBalance(d decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = d
}

func (f *FakeClient) CompleteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completeCalls
}

func (f *FakeClient) ListPendingWithdrawals(context.Context) ([]withdrawal.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unauthorized {
		return nil, ErrUnauthorized
	}
	var out []withdrawal.Request
	for _, r := range f.withdrawals {
		if r.Status == withdrawal.StatusPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *FakeClient) GetWithdrawal(_ context.Context, id string) (withdrawal.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unauthorized {
		return withdrawal.Request{}, ErrUnauthorized
	}
	r, ok := f.withdrawals[id]
	if !ok {
		return withdrawal.Request{}, fmt.Errorf("%w: withdrawal %s", ErrNotFound, id)
	}
	return *r, nil
}

func (f *FakeClient) RejectWithdrawal(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unauthorized {
		return ErrUnauthorized
	}
	r, ok := f.withdrawals[id]
	if !ok {
		return fmt.Errorf("%w: withdrawal %s", ErrNotFound, id)
	}
	if err := r.Reject(); err != nil {
		return &APIError{Status: 409, Message: err.Error()}
	}
	return nil
}

func (f *FakeClient) CompleteWithdrawal(_ context.Context, id, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.Unauthorized {
		return ErrUnauthorized
	}
	if f.CompleteErr != nil {
		return f.CompleteErr
	}
	r, ok := f.withdrawals[id]
	if !ok {
		return fmt.Errorf("%w: withdrawal %s", ErrNotFound, id)
	}
	if err := r.Complete(txHash); err != nil {
		return &APIError{Status: 409, Message: err.Error()}
	}
	return nil
}

func (f *FakeClient) GetPayoutConfig(context.Context) (withdrawal.PayoutConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unauthorized {
		return withdrawal.PayoutConfig{}, ErrUnauthorized
	}
	return f.payout, nil
}

func (f *FakeClient) SetPayoutAddress(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unauthorized {
		return ErrUnauthorized
	}
	f.payout.Address = address
	return nil
}

func (f *FakeClient) GetTokenContract(context.Context) (withdrawal.TokenContract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unauthorized {
		return withdrawal.TokenContract{}, ErrUnauthorized
	}
	return f.token, nil
}

func (f *FakeClient) GetWalletBalance(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unauthorized {
		return decimal.Zero, ErrUnauthorized
	}
	return f.balance, nil
}
