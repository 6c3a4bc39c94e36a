package withdrawal

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
)

var (
	ErrTerminal      = errors.New("withdrawal already in a terminal state")
	ErrInvalidTxHash = errors.New("invalid transaction hash")
	ErrUnknownStatus = errors.New("unknown withdrawal status")
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Request is a user's withdrawal as tracked by the backend.
type Request struct {
	ID           string           `json:"id"`
	Address      string           `json:"address"`
	Amount       decimal.Decimal  `json:"amount"`
	Status       Status           `json:"status"`
	LockedAmount *decimal.Decimal `json:"lockedAmount,omitempty"`
	RiskAlert    bool             `json:"riskAlert,omitempty"`
	TxHash       string           `json:"txHash,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// ValidTxHash reports whether s is a 0x-prefixed 32-byte hex hash.
func ValidTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// ParseStatus normalises backend spellings ("PENDING", "Completed", ...).
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusCompleted, "success", "done":
		return StatusCompleted, nil
	case StatusRejected, "failed":
		return StatusRejected, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// Complete moves a pending request to completed. The hash is mandatory.
func (r *Request) Complete(txHash string) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.ID, r.Status)
	}
	if !ValidTxHash(txHash) {
		return fmt.Errorf("%w: %q", ErrInvalidTxHash, txHash)
	}
	r.Status = StatusCompleted
	r.TxHash = txHash
	return nil
}

func (r *Request) Reject() error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.ID, r.Status)
	}
	r.Status = StatusRejected
	return nil
}

// PayoutConfig is the platform's canonical payout wallet setting.
type PayoutConfig struct {
	Address             string          `json:"address"`
	AutoPayoutThreshold decimal.Decimal `json:"autoPayoutThreshold"`
}

// TokenContract describes the payout asset. Fetched once per session.
type TokenContract struct {
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
	Symbol   string `json:"symbol,omitempty"`
}
