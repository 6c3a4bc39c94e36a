package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payoutdesk/internal/backend"
	"payoutdesk/internal/events"
	"payoutdesk/internal/inflight"
	"payoutdesk/internal/ledger"
	"payoutdesk/internal/settlement"
	"payoutdesk/internal/token"
	"payoutdesk/internal/wallet"
	"payoutdesk/internal/withdrawal"
)

// Quote is what the operator approves before the transfer is signed.
type Quote struct {
	WithdrawalID string          `json:"withdrawalId"`
	To           string          `json:"to"`
	Amount       decimal.Decimal `json:"amount"`
	Symbol       string          `json:"symbol"`
	Balance      decimal.Decimal `json:"balance"`
	RiskAlert    bool            `json:"riskAlert"`
}

// Confirmer asks the operator to approve a quote. Returning false cancels.
type Confirmer interface {
	Confirm(ctx context.Context, q Quote) (bool, error)
}

type ConfirmFunc func(ctx context.Context, q Quote) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, q Quote) (bool, error) {
	return f(ctx, q)
}

// Result describes a payout that reached the chain.
type Result struct {
	WithdrawalID string `json:"withdrawalId"`
	TxHash       string `json:"txHash"`
	ExplorerURL  string `json:"explorerUrl,omitempty"`
	BlockNumber  uint64 `json:"blockNumber,omitempty"`
	Settled      bool   `json:"settled"`
}

// Flow runs the operator payout for one withdrawal end to end.
type Flow struct {
	backend   backend.API
	submitter *Submitter
	reporter  *settlement.Reporter
	ledger    ledger.Store
	guard     inflight.Guard
	events    events.Publisher
	now       func() time.Time
	log       *zap.Logger

	// unrecorded holds broadcasts the ledger failed to store, by withdrawal.
	mu         sync.Mutex
	unrecorded map[string]string
}

type FlowConfig struct {
	Backend   backend.API
	Submitter *Submitter
	Reporter  *settlement.Reporter
	Ledger    ledger.Store
	Guard     inflight.Guard
	Events    events.Publisher
}

func NewFlow(cfg FlowConfig, log *zap.Logger) *Flow {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Flow{
		backend:   cfg.Backend,
		submitter: cfg.Submitter,
		reporter:  cfg.Reporter,
		ledger:    cfg.Ledger,
		guard:     cfg.Guard,
		events:    cfg.Events,
		now:        time.Now,
		log:        log,
		unrecorded: make(map[string]string),
	}
	if f.reporter == nil {
		f.reporter = settlement.NewReporter(cfg.Backend, log)
	}
	if f.ledger == nil {
		f.ledger = ledger.NewMemoryStore()
	}
	if f.guard == nil {
		f.guard = inflight.NewMemoryGuard()
	}
	if f.events == nil {
		f.events = events.NewLogPublisher(log)
	}
	return f
}

// Pay transfers the withdrawal amount from the session wallet and settles the
// withdrawal once the transfer is mined. Only the confirmer may cancel.
func (f *Flow) Pay(ctx context.Context, session wallet.Session, withdrawalID string, confirmer Confirmer) (Result, error) {
	if !session.Connected() {
		return Result{}, ErrNoSession
	}
	release, err := f.acquire(ctx, withdrawalID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	log := f.log.With(zap.String("withdrawal_id", withdrawalID))

	if err := f.refuseIfBroadcast(ctx, withdrawalID); err != nil {
		return Result{}, err
	}

	req, err := f.backend.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return Result{}, fmt.Errorf("load withdrawal: %w", err)
	}
	if req.Status != withdrawal.StatusPending {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrNotPending, req.ID, req.Status)
	}
	if !common.IsHexAddress(req.Address) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, req.Address)
	}

	tok, err := f.backend.GetTokenContract(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load token contract: %w", err)
	}
	if !common.IsHexAddress(tok.Address) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidToken, tok.Address)
	}
	tokenAddr := common.HexToAddress(tok.Address)
	from := common.HexToAddress(session.Address)
	p := session.Provider()

	// Balance reads must hit the payout chain, so the switch happens here once.
	if err := wallet.EnsureChain(ctx, p, f.submitter.Chain); err != nil {
		return Result{}, err
	}

	check, err := f.checkBalance(ctx, p, tokenAddr, from, req.Amount, tok.Symbol)
	if err != nil {
		return Result{}, err
	}
	if _, err := payableUnits(req.Amount, check.Decimals); err != nil {
		return Result{}, err
	}

	ok, err := confirmer.Confirm(ctx, Quote{
		WithdrawalID: req.ID,
		To:           req.Address,
		Amount:       req.Amount,
		Symbol:       tok.Symbol,
		Balance:      check.Current,
		RiskAlert:    req.RiskAlert,
	})
	if err != nil {
		return Result{}, fmt.Errorf("confirm payout: %w", err)
	}
	if !ok {
		log.Info("payout declined by operator")
		return Result{}, ErrCancelled
	}

	check, err = f.checkBalance(ctx, p, tokenAddr, from, req.Amount, tok.Symbol)
	if err != nil {
		return Result{}, err
	}

	pending, err := f.submitter.Submit(ctx, session, TransferRequest{
		Token:    tokenAddr,
		Decimals: check.Decimals,
		To:       common.HexToAddress(req.Address),
		Amount:   req.Amount,
	})
	if err != nil && pending.Hash == (common.Hash{}) {
		log.Warn("transfer not sent", zap.Error(err))
		return Result{}, err
	}

	// From here funds may move: the caller going away must not stop settlement.
	ctx = context.WithoutCancel(ctx)

	res := Result{
		WithdrawalID: req.ID,
		TxHash:       pending.Hash.Hex(),
		ExplorerURL:  pending.ExplorerURL,
	}
	rec := ledger.Record{
		WithdrawalID: req.ID,
		TxHash:       res.TxHash,
		Amount:       req.Amount.String(),
		Source:       string(settlement.SourceAutomatic),
		CreatedAt:    f.now(),
	}
	var unrecorded error
	if err := f.saveLedger(ctx, &rec, ledger.StateSubmitted); err != nil {
		f.markUnrecorded(req.ID, res.TxHash)
		unrecorded = fmt.Errorf("%w: tx %s: %w", ErrLedgerWrite, res.TxHash, err)
	}

	return f.confirmAndSettle(ctx, session, &rec, res, pending, unrecorded)
}

// confirmAndSettle waits for a recorded broadcast and reports it. unrecorded is
// joined to any failure so the operator learns the ledger missed the broadcast.
func (f *Flow) confirmAndSettle(ctx context.Context, session wallet.Session, rec *ledger.Record, res Result, pending PendingTx, unrecorded error) (Result, error) {
	confirmed, err := f.submitter.AwaitConfirmation(ctx, session, pending)
	if err != nil {
		var pendingErr *PendingError
		if errors.As(err, &pendingErr) {
			f.publish(ctx, events.SubjectIndeterminate, res, err.Error())
			return res, errors.Join(err, unrecorded)
		}
		if errors.Is(err, ErrReverted) {
			_ = f.saveLedger(ctx, rec, ledger.StateReverted)
		}
		return res, errors.Join(err, unrecorded)
	}
	res.BlockNumber = confirmed.BlockNumber
	_ = f.saveLedger(ctx, rec, ledger.StateConfirmed)
	return f.report(ctx, rec, res)
}

// report flips a confirmed withdrawal to completed and records the outcome.
func (f *Flow) report(ctx context.Context, rec *ledger.Record, res Result) (Result, error) {
	err := f.reporter.Report(ctx, settlement.Report{
		WithdrawalID: rec.WithdrawalID,
		TxHash:       rec.TxHash,
		Source:       settlement.SourceAutomatic,
	})
	if err != nil {
		_ = f.saveLedger(ctx, rec, ledger.StateDesync)
		f.publish(ctx, events.SubjectDesync, res, err.Error())
		return res, err
	}

	_ = f.saveLedger(ctx, rec, ledger.StateReported)
	res.Settled = true
	f.publish(ctx, events.SubjectSettled, res, "")
	return res, nil
}

// Resettle finishes a payout whose transfer was broadcast by this service but
// never reported: a confirmation timeout is polled again, a desync is reported
// again. A withdrawal the backend already completed is only marked reported.
func (f *Flow) Resettle(ctx context.Context, session wallet.Session, withdrawalID string) (Result, error) {
	release, err := f.acquire(ctx, withdrawalID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	rec, err := f.ledger.Get(ctx, withdrawalID)
	if err != nil {
		return Result{}, fmt.Errorf("read payout ledger: %w", err)
	}
	if rec == nil || rec.State == ledger.StateReverted {
		return Result{}, fmt.Errorf("%w: %s", ErrNothingToResettle, withdrawalID)
	}
	res := Result{
		WithdrawalID: withdrawalID,
		TxHash:       rec.TxHash,
		ExplorerURL:  f.submitter.Chain.TxURL(rec.TxHash),
	}
	if rec.State == ledger.StateReported {
		res.Settled = true
		return res, nil
	}

	req, err := f.backend.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return res, fmt.Errorf("load withdrawal: %w", err)
	}
	if req.Status == withdrawal.StatusCompleted {
		f.log.Info("withdrawal already completed by backend",
			zap.String("withdrawal_id", withdrawalID), zap.String("tx_hash", req.TxHash))
		_ = f.saveLedger(ctx, rec, ledger.StateReported)
		res.Settled = true
		return res, nil
	}
	if req.Status != withdrawal.StatusPending {
		return res, fmt.Errorf("%w: %s is %s", ErrNotPending, req.ID, req.Status)
	}

	if rec.State != ledger.StateSubmitted {
		return f.report(context.WithoutCancel(ctx), rec, res)
	}

	if !session.Connected() {
		return res, ErrNoSession
	}
	if err := wallet.EnsureChain(ctx, session.Provider(), f.submitter.Chain); err != nil {
		return res, err
	}
	pending := PendingTx{Hash: common.HexToHash(rec.TxHash), ExplorerURL: res.ExplorerURL, SubmittedAt: rec.CreatedAt}
	return f.confirmAndSettle(context.WithoutCancel(ctx), session, rec, res, pending, nil)
}

// CompleteManually settles a withdrawal paid outside this service. The hash is
// trusted as typed; it is not looked up on-chain.
func (f *Flow) CompleteManually(ctx context.Context, withdrawalID, txHash string, riskAcknowledged bool) (Result, error) {
	hash, err := settlement.ValidateTxHash(txHash)
	if err != nil {
		return Result{}, err
	}
	release, err := f.acquire(ctx, withdrawalID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	prior, err := f.manualTarget(ctx, withdrawalID, hash)
	if err != nil {
		return Result{}, err
	}

	err = f.reporter.Report(ctx, settlement.Report{
		WithdrawalID:     withdrawalID,
		TxHash:           hash,
		Source:           settlement.SourceManual,
		RiskAcknowledged: riskAcknowledged,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		WithdrawalID: withdrawalID,
		TxHash:       hash,
		ExplorerURL:  f.submitter.Chain.TxURL(hash),
		Settled:      true,
	}
	rec := ledger.Record{
		WithdrawalID: withdrawalID,
		TxHash:       hash,
		Source:       string(settlement.SourceManual),
		CreatedAt:    f.now(),
	}
	if prior != nil {
		rec.Amount = prior.Amount
		rec.CreatedAt = prior.CreatedAt
	}
	_ = f.saveLedger(ctx, &rec, ledger.StateReported)
	f.publishSource(ctx, events.SubjectSettled, res, settlement.SourceManual, "unverified manual hash")
	return res, nil
}

// manualTarget decides whether hash may settle withdrawalID by hand. A
// broadcast this service made and never reported may only be settled with its
// own hash. It returns that broadcast's record, if any.
func (f *Flow) manualTarget(ctx context.Context, withdrawalID, hash string) (*ledger.Record, error) {
	if known, ok := f.unrecordedHash(withdrawalID); ok && !strings.EqualFold(known, hash) {
		return nil, fmt.Errorf("%w: tx %s is unrecorded, only it may settle %s", ErrAlreadySubmitted, known, withdrawalID)
	}
	rec, err := f.ledger.Get(ctx, withdrawalID)
	if err != nil {
		return nil, fmt.Errorf("read payout ledger: %w", err)
	}
	if !rec.BlocksResubmission() {
		return nil, nil
	}
	if rec.State == ledger.StateReported {
		return nil, fmt.Errorf("%w: tx %s already reported", ErrAlreadySubmitted, rec.TxHash)
	}
	if !strings.EqualFold(rec.TxHash, hash) {
		return nil, fmt.Errorf("%w: tx %s is %s, only it may settle %s", ErrAlreadySubmitted, rec.TxHash, rec.State, withdrawalID)
	}
	return rec, nil
}

// Reject declines a pending withdrawal. A withdrawal with a broadcast transfer
// cannot be rejected.
func (f *Flow) Reject(ctx context.Context, withdrawalID, reason string) error {
	if strings.TrimSpace(withdrawalID) == "" {
		return settlement.ErrMissingWithdrawal
	}
	release, err := f.acquire(ctx, withdrawalID)
	if err != nil {
		return err
	}
	defer release()

	if err := f.refuseIfBroadcast(ctx, withdrawalID); err != nil {
		return err
	}
	if err := f.backend.RejectWithdrawal(ctx, withdrawalID, reason); err != nil {
		return fmt.Errorf("reject withdrawal: %w", err)
	}
	f.log.Info("withdrawal rejected", zap.String("withdrawal_id", withdrawalID))
	return nil
}

// Ledger returns the recorded broadcast for a withdrawal, or nil.
func (f *Flow) Ledger(ctx context.Context, withdrawalID string) (*ledger.Record, error) {
	return f.ledger.Get(ctx, withdrawalID)
}

func (f *Flow) acquire(ctx context.Context, withdrawalID string) (inflight.Release, error) {
	release, err := f.guard.Acquire(ctx, withdrawalID)
	if errors.Is(err, inflight.ErrBusy) {
		return nil, fmt.Errorf("%w: %s", ErrInFlight, withdrawalID)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire in-flight guard: %w", err)
	}
	return release, nil
}

func (f *Flow) refuseIfBroadcast(ctx context.Context, withdrawalID string) error {
	if hash, ok := f.unrecordedHash(withdrawalID); ok {
		return fmt.Errorf("%w: tx %s is not in the ledger", ErrAlreadySubmitted, hash)
	}
	rec, err := f.ledger.Get(ctx, withdrawalID)
	if err != nil {
		return fmt.Errorf("read payout ledger: %w", err)
	}
	if rec.BlocksResubmission() {
		return fmt.Errorf("%w: tx %s is %s", ErrAlreadySubmitted, rec.TxHash, rec.State)
	}
	return nil
}

func (f *Flow) checkBalance(ctx context.Context, c token.Caller, tokenAddr, from common.Address, amount decimal.Decimal, symbol string) (token.BalanceCheck, error) {
	check, err := token.CheckSufficient(ctx, c, tokenAddr, from, amount)
	if err != nil {
		return token.BalanceCheck{}, fmt.Errorf("balance check: %w", err)
	}
	if !check.Sufficient {
		return check, &ShortfallError{Check: check, Symbol: symbol}
	}
	return check, nil
}

func (f *Flow) saveLedger(ctx context.Context, rec *ledger.Record, state ledger.State) error {
	rec.State = state
	rec.UpdatedAt = f.now()
	if err := f.ledger.Save(ctx, *rec); err != nil {
		f.log.Error("payout ledger write failed",
			zap.String("withdrawal_id", rec.WithdrawalID),
			zap.String("tx_hash", rec.TxHash),
			zap.String("state", string(state)),
			zap.Error(err),
		)
		return err
	}
	f.clearUnrecorded(rec.WithdrawalID, rec.TxHash)
	return nil
}

func (f *Flow) markUnrecorded(withdrawalID, hash string) {
	f.mu.Lock()
	f.unrecorded[withdrawalID] = hash
	f.mu.Unlock()
}

func (f *Flow) unrecordedHash(withdrawalID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.unrecorded[withdrawalID]
	return hash, ok
}

func (f *Flow) clearUnrecorded(withdrawalID, hash string) {
	f.mu.Lock()
	if known, ok := f.unrecorded[withdrawalID]; ok && strings.EqualFold(known, hash) {
		delete(f.unrecorded, withdrawalID)
	}
	f.mu.Unlock()
}

func (f *Flow) publish(ctx context.Context, subject string, res Result, detail string) {
	f.publishSource(ctx, subject, res, settlement.SourceAutomatic, detail)
}

func (f *Flow) publishSource(ctx context.Context, subject string, res Result, source settlement.Source, detail string) {
	err := f.events.Publish(ctx, events.Event{
		Subject:      subject,
		WithdrawalID: res.WithdrawalID,
		TxHash:       res.TxHash,
		ExplorerURL:  res.ExplorerURL,
		Source:       string(source),
		Detail:       detail,
		At:           f.now(),
	})
	if err != nil {
		f.log.Warn("publish payout event failed", zap.String("subject", subject), zap.Error(err))
	}
}
