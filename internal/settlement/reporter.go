package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"payoutdesk/internal/withdrawal"
)

type Source string

const (
	// SourceAutomatic reports come from a confirmed on-chain submission.
	SourceAutomatic Source = "automatic"
	// SourceManual reports carry an operator-typed hash from an out-of-band transfer.
	SourceManual Source = "manual"
)

var (
	ErrInvalidHashFormat   = errors.New("invalid transaction hash format")
	ErrRiskNotAcknowledged = errors.New("manual completion requires risk acknowledgement")
	ErrMissingWithdrawal   = errors.New("withdrawal id required")
	ErrBackendRejected     = errors.New("backend rejected settlement")
	// ErrDesync means funds moved on-chain but the backend state did not follow.
	ErrDesync = errors.New("settlement desync: funds moved but withdrawal not updated")
)

// Report asks for a withdrawal to be marked completed with TxHash.
type Report struct {
	WithdrawalID     string
	TxHash           string
	Source           Source
	RiskAcknowledged bool
}

// Completer is the backend call that flips a withdrawal to completed.
type Completer interface {
	CompleteWithdrawal(ctx context.Context, id, txHash string) error
}

// Reporter is the single consumer of settlement reports from both paths.
type Reporter struct {
	backend Completer
	log     *zap.Logger
}

func NewReporter(backend Completer, log *zap.Logger) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{backend: backend, log: log}
}

// ValidateTxHash trims surrounding whitespace and checks the 0x + 64 hex form.
func ValidateTxHash(raw string) (string, error) {
	hash := strings.TrimSpace(raw)
	if !withdrawal.ValidTxHash(hash) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHashFormat, raw)
	}
	return hash, nil
}

func (r *Reporter) Report(ctx context.Context, rep Report) error {
	if strings.TrimSpace(rep.WithdrawalID) == "" {
		return ErrMissingWithdrawal
	}
	hash, err := ValidateTxHash(rep.TxHash)
	if err != nil {
		return err
	}

	log := r.log.With(
		zap.String("withdrawal_id", rep.WithdrawalID),
		zap.String("tx_hash", hash),
		zap.String("source", string(rep.Source)),
	)

	switch rep.Source {
	case SourceAutomatic:
	case SourceManual:
		if !rep.RiskAcknowledged {
			return ErrRiskNotAcknowledged
		}
		// The hash is not checked on-chain before the status flips.
		log.Warn("accepting unverified manual settlement hash")
	default:
		return fmt.Errorf("unknown settlement source %q", rep.Source)
	}

	if err := r.backend.CompleteWithdrawal(ctx, rep.WithdrawalID, hash); err != nil {
		if rep.Source == SourceAutomatic {
			log.Error("settlement desync", zap.Error(err))
			return fmt.Errorf("%w: %w: %w", ErrDesync, ErrBackendRejected, err)
		}
		log.Warn("backend rejected manual settlement", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrBackendRejected, err)
	}

	log.Info("withdrawal settled")
	return nil
}
