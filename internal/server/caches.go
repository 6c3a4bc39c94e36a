package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"payoutdesk/internal/token"
	"payoutdesk/internal/wallet"
	"payoutdesk/internal/withdrawal"
)

// pendingCache holds the last good pending-withdrawal list. A failed refresh
// keeps the previous items and records the error.
type pendingCache struct {
	mu          sync.RWMutex
	items       []withdrawal.Request
	refreshedAt time.Time
	lastErr     error
}

type pendingView struct {
	Items       []withdrawal.Request `json:"items"`
	RefreshedAt *time.Time           `json:"refreshedAt,omitempty"`
	Stale       bool                 `json:"stale"`
	Error       string               `json:"error,omitempty"`
}

func (c *pendingCache) set(items []withdrawal.Request, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
	c.refreshedAt = at
	c.lastErr = nil
}

func (c *pendingCache) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

func (c *pendingCache) err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *pendingCache) loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.refreshedAt.IsZero()
}

func (c *pendingCache) view() pendingView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := pendingView{
		Items: append([]withdrawal.Request{}, c.items...),
		Stale: c.lastErr != nil,
	}
	if c.lastErr != nil {
		v.Error = c.lastErr.Error()
	}
	if !c.refreshedAt.IsZero() {
		at := c.refreshedAt
		v.RefreshedAt = &at
	}
	return v
}

func (s *Server) refreshPending(ctx context.Context) error {
	items, err := s.backend.ListPendingWithdrawals(ctx)
	if err != nil {
		s.pending.fail(err)
		return err
	}
	s.pending.set(items, time.Now())
	return nil
}

// balanceCache backs the secondary balance display. It never gates a payout.
type balanceCache struct {
	mu          sync.RWMutex
	tracked     *decimal.Decimal
	onChain     *decimal.Decimal
	symbol      string
	refreshedAt time.Time
	lastErr     string
}

type balanceView struct {
	Tracked     *decimal.Decimal `json:"tracked,omitempty"`
	OnChain     *decimal.Decimal `json:"onChain,omitempty"`
	Symbol      string           `json:"symbol,omitempty"`
	RefreshedAt *time.Time       `json:"refreshedAt,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func (c *balanceCache) view() *balanceView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.refreshedAt.IsZero() && c.lastErr == "" {
		return nil
	}
	v := &balanceView{
		Tracked: c.tracked,
		OnChain: c.onChain,
		Symbol:  c.symbol,
		Error:   c.lastErr,
	}
	if !c.refreshedAt.IsZero() {
		at := c.refreshedAt
		v.RefreshedAt = &at
	}
	return v
}

func (c *balanceCache) clearChain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChain = nil
}

func (s *Server) refreshBalance(ctx context.Context) error {
	var errs []error

	tracked, trackedErr := s.backend.GetWalletBalance(ctx)
	if trackedErr != nil {
		errs = append(errs, fmt.Errorf("tracked balance: %w", trackedErr))
	}

	var onChain *decimal.Decimal
	var symbol string
	if session, ok := s.currentSession(); ok {
		bal, sym, err := s.readOnChainBalance(ctx, session.Provider(), session.Address)
		if err != nil {
			errs = append(errs, fmt.Errorf("on-chain balance: %w", err))
		} else {
			onChain, symbol = &bal, sym
		}
	}

	s.balance.mu.Lock()
	defer s.balance.mu.Unlock()
	if trackedErr == nil {
		s.balance.tracked = &tracked
	}
	if onChain != nil {
		s.balance.onChain = onChain
		s.balance.symbol = symbol
	}
	joined := errors.Join(errs...)
	if joined != nil {
		s.balance.lastErr = joined.Error()
	} else {
		s.balance.lastErr = ""
		s.balance.refreshedAt = time.Now()
	}
	return joined
}

// readOnChainBalance reads without prompting: it skips wallets sitting on a
// different chain instead of switching them.
func (s *Server) readOnChainBalance(ctx context.Context, p wallet.Provider, address string) (decimal.Decimal, string, error) {
	chainID, err := p.ChainID(ctx)
	if err != nil {
		return decimal.Zero, "", err
	}
	if chainID != s.cfg.Chain.ChainID {
		return decimal.Zero, "", fmt.Errorf("wallet on chain %d, want %d", chainID, s.cfg.Chain.ChainID)
	}
	tok, err := s.backend.GetTokenContract(ctx)
	if err != nil {
		return decimal.Zero, "", err
	}
	if !common.IsHexAddress(tok.Address) {
		return decimal.Zero, "", fmt.Errorf("invalid token address %q", tok.Address)
	}
	tokenAddr := common.HexToAddress(tok.Address)
	decimals, err := token.Decimals(ctx, p, tokenAddr)
	if err != nil {
		return decimal.Zero, "", err
	}
	units, err := token.BalanceOf(ctx, p, tokenAddr, common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, "", err
	}
	return token.FromBaseUnits(units, decimals), tok.Symbol, nil
}
