package payout

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"payoutdesk/internal/backend"
	"payoutdesk/internal/settlement"
	"payoutdesk/internal/token"
	"payoutdesk/internal/wallet"
	"payoutdesk/internal/withdrawal"
)

// Category is the operator-facing class of a failure.
type Category string

const (
	CategoryConnectivity   Category = "connectivity"
	CategoryCancelled      Category = "cancelled"
	CategoryPrecondition   Category = "precondition"
	CategoryOnChain        Category = "on_chain"
	CategoryIndeterminate  Category = "indeterminate"
	CategoryDesync         Category = "desync"
	CategoryValidation     Category = "validation"
	CategoryReauthenticate Category = "reauthenticate"
	CategoryInternal       Category = "internal"
)

var (
	ErrNoSession           = errors.New("wallet not connected")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInFlight            = errors.New("payout already in progress for this withdrawal")
	ErrAlreadySubmitted    = errors.New("a transfer was already broadcast for this withdrawal")
	ErrCancelled           = errors.New("payout cancelled by operator")
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrNotPending          = errors.New("withdrawal is not pending")
	ErrInvalidRecipient    = errors.New("invalid recipient address")
	ErrInvalidToken        = errors.New("invalid token contract address")
	ErrReverted            = errors.New("transaction reverted")
	ErrConfirmationTimeout = errors.New("confirmation not observed in time")
	ErrProvider            = errors.New("wallet provider error")
	ErrInvalidAmount       = errors.New("withdrawal amount is not payable")
	ErrNothingToResettle   = errors.New("no broadcast transfer awaiting settlement")
	ErrLedgerWrite         = errors.New("payout ledger write failed after broadcast")
)

// ShortfallError carries the balance numbers behind ErrInsufficientBalance.
type ShortfallError struct {
	Check  token.BalanceCheck
	Symbol string
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("%s: have %s %s, need %s, short %s",
		ErrInsufficientBalance, e.Check.Current, e.Symbol, e.Check.Required, e.Check.Shortfall)
}

func (e *ShortfallError) Unwrap() error { return ErrInsufficientBalance }

// PendingError is returned when the broadcast transaction was not seen mined in
// time. It may still confirm later.
type PendingError struct {
	TxHash      string
	ExplorerURL string
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("%s: tx %s still unconfirmed, check %s before acting again",
		ErrConfirmationTimeout, e.TxHash, e.ExplorerURL)
}

func (e *PendingError) Unwrap() error { return ErrConfirmationTimeout }

// Classify maps any error returned by this package, or by the packages it
// drives, to a Category. Order matters: the most severe class wins.
func Classify(err error) Category {
	var apiErr *backend.APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, settlement.ErrDesync):
		return CategoryDesync
	case errors.Is(err, ErrConfirmationTimeout),
		errors.Is(err, ErrAlreadySubmitted),
		errors.Is(err, ErrLedgerWrite),
		errors.Is(err, wallet.ErrBroadcastUnknown):
		return CategoryIndeterminate
	case errors.Is(err, backend.ErrUnauthorized):
		return CategoryReauthenticate
	case errors.Is(err, wallet.ErrUserRejected), errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CategoryCancelled
	case errors.Is(err, settlement.ErrInvalidHashFormat),
		errors.Is(err, settlement.ErrRiskNotAcknowledged),
		errors.Is(err, settlement.ErrMissingWithdrawal),
		errors.Is(err, withdrawal.ErrInvalidTxHash),
		errors.Is(err, token.ErrNegativeAmount),
		errors.Is(err, token.ErrInvalidDecimals),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidRecipient),
		errors.Is(err, ErrInvalidToken):
		return CategoryValidation
	case errors.Is(err, ErrReverted), errors.Is(err, wallet.ErrGasEstimation):
		return CategoryOnChain
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrNotPending),
		errors.Is(err, ErrInFlight),
		errors.Is(err, ErrNothingToResettle),
		errors.Is(err, wallet.ErrChainSwitch),
		errors.Is(err, withdrawal.ErrTerminal),
		errors.Is(err, backend.ErrNotFound):
		return CategoryPrecondition
	case errors.As(err, &apiErr):
		if apiErr.Status >= 500 {
			return CategoryConnectivity
		}
		return CategoryPrecondition
	case errors.Is(err, ErrNoSession),
		errors.Is(err, wallet.ErrNoProvider),
		errors.Is(err, wallet.ErrUnsupportedPlatform),
		errors.Is(err, wallet.ErrHandoffExpired),
		errors.Is(err, wallet.ErrNoAccounts),
		errors.Is(err, ErrProvider),
		errors.Is(err, token.ErrRead),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryConnectivity
	default:
		return CategoryInternal
	}
}

var messages = map[Category]string{
	CategoryConnectivity:   "Wallet or network unavailable. Open or install the wallet and try again.",
	CategoryCancelled:      "Request cancelled. Nothing was sent.",
	CategoryPrecondition:   "Payout blocked before anything was sent. Fix the cause shown and retry.",
	CategoryOnChain:        "Transaction failed on-chain. Funds did not move; it is safe to retry after fixing the cause.",
	CategoryIndeterminate:  "Transaction may still be pending. Check the block explorer before doing anything else; it will not be resubmitted.",
	CategoryDesync:         "Funds moved on-chain but the withdrawal was not updated. Reconcile it manually.",
	CategoryValidation:     "Input rejected. Correct it and submit again.",
	CategoryReauthenticate: "Admin session expired. Enter the admin key again.",
	CategoryInternal:       "Unexpected error.",
}

func (c Category) Message() string {
	return messages[c]
}

// HTTPStatus is the response code the operator API uses for c.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryReauthenticate:
		return http.StatusUnauthorized
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryCancelled:
		return http.StatusConflict
	case CategoryPrecondition:
		return http.StatusPreconditionFailed
	case CategoryConnectivity:
		return http.StatusServiceUnavailable
	case CategoryOnChain:
		return http.StatusUnprocessableEntity
	case CategoryIndeterminate:
		return http.StatusAccepted
	case CategoryDesync:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
