package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payoutdesk/internal/token"
	"payoutdesk/internal/wallet"
)

// TransferRequest is one ERC-20 transfer from the session's account.
type TransferRequest struct {
	Token    common.Address
	Decimals int32
	To       common.Address
	Amount   decimal.Decimal
}

// PendingTx is a broadcast transaction whose receipt is not yet known.
type PendingTx struct {
	Hash        common.Hash
	ExplorerURL string
	SubmittedAt time.Time
}

type ConfirmedTx struct {
	Hash        common.Hash
	ExplorerURL string
	BlockNumber uint64
	GasUsed     uint64
}

// Submitter signs and broadcasts transfers through the session's wallet and
// waits for their receipts.
type Submitter struct {
	Chain        wallet.ChainParams
	PollInterval time.Duration
	Timeout      time.Duration
	Now          func() time.Time
	log          *zap.Logger
}

func NewSubmitter(chain wallet.ChainParams, pollInterval, timeout time.Duration, log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Submitter{
		Chain:        chain,
		PollInterval: pollInterval,
		Timeout:      timeout,
		Now:          time.Now,
		log:          log,
	}
}

func (s *Submitter) Submit(ctx context.Context, session wallet.Session, req TransferRequest) (PendingTx, error) {
	p := session.Provider()
	if !session.Connected() {
		return PendingTx{}, ErrNoSession
	}
	if err := wallet.EnsureChain(ctx, p, s.Chain); err != nil {
		return PendingTx{}, err
	}

	units, err := payableUnits(req.Amount, req.Decimals)
	if err != nil {
		return PendingTx{}, err
	}
	data, err := token.PackTransfer(req.To, units)
	if err != nil {
		return PendingTx{}, fmt.Errorf("pack transfer: %w", err)
	}

	tokenAddr := req.Token
	hash, err := p.SendTransaction(ctx, ethereum.CallMsg{
		From: common.HexToAddress(session.Address),
		To:   &tokenAddr,
		Data: data,
	})
	tx := PendingTx{
		Hash:        hash,
		ExplorerURL: s.Chain.TxURL(hash.Hex()),
		SubmittedAt: s.Now(),
	}
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrBroadcastUnknown) && hash != (common.Hash{}):
			s.log.Warn("transfer broadcast outcome unknown", zap.String("tx_hash", hash.Hex()), zap.Error(err))
			return tx, fmt.Errorf("send transfer: %w", err)
		case errors.Is(err, wallet.ErrUserRejected), errors.Is(err, wallet.ErrGasEstimation):
			return PendingTx{}, fmt.Errorf("send transfer: %w", err)
		}
		return PendingTx{}, fmt.Errorf("%w: send transfer: %w", ErrProvider, err)
	}

	s.log.Info("transfer broadcast",
		zap.String("tx_hash", hash.Hex()),
		zap.String("to", req.To.Hex()),
		zap.String("amount", req.Amount.String()),
		zap.Uint64("chain_id", s.Chain.ChainID),
	)
	return tx, nil
}

// payableUnits converts amount to base units and refuses anything that would
// move nothing on-chain.
func payableUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	units, err := token.ToBaseUnits(amount, decimals)
	if err != nil {
		return nil, err
	}
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s is 0 base units at %d decimals", ErrInvalidAmount, amount, decimals)
	}
	return units, nil
}

// AwaitConfirmation polls for the receipt of tx until it is mined or Timeout
// passes. Running out of time, or ctx ending, yields a *PendingError: the
// transaction may still be mined afterwards.
func (s *Submitter) AwaitConfirmation(ctx context.Context, session wallet.Session, tx PendingTx) (ConfirmedTx, error) {
	p := session.Provider()
	if p == nil {
		return ConfirmedTx{}, ErrNoSession
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	log := s.log.With(zap.String("tx_hash", tx.Hash.Hex()))
	for {
		receipt, err := p.TransactionReceipt(waitCtx, tx.Hash)
		switch {
		case err == nil && receipt != nil:
			confirmed := ConfirmedTx{
				Hash:        tx.Hash,
				ExplorerURL: tx.ExplorerURL,
				GasUsed:     receipt.GasUsed,
			}
			if receipt.BlockNumber != nil {
				confirmed.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if receipt.Status == types.ReceiptStatusFailed {
				log.Warn("transfer reverted", zap.Uint64("block", confirmed.BlockNumber))
				return confirmed, fmt.Errorf("%w: tx %s in block %d", ErrReverted, tx.Hash.Hex(), confirmed.BlockNumber)
			}
			log.Info("transfer confirmed", zap.Uint64("block", confirmed.BlockNumber))
			return confirmed, nil
		case err == nil, errors.Is(err, ethereum.NotFound):
			log.Debug("transfer not mined yet")
		default:
			log.Warn("receipt lookup failed", zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			log.Warn("confirmation wait ended without receipt", zap.Duration("timeout", s.Timeout))
			return ConfirmedTx{}, &PendingError{TxHash: tx.Hash.Hex(), ExplorerURL: tx.ExplorerURL}
		case <-ticker.C:
		}
	}
}
