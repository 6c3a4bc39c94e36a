package payout

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payoutdesk/internal/backend"
	"payoutdesk/internal/events"
	"payoutdesk/internal/ledger"
	"payoutdesk/internal/settlement"
	"payoutdesk/internal/token"
	"payoutdesk/internal/wallet"
	"payoutdesk/internal/withdrawal"
)

var (
	operator  = common.HexToAddress("0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2")
	recipient = common.HexToAddress("0x2222222222222222222222222222222222222222")
	usdt      = common.HexToAddress("0x55d398326f99059fF775485246999027B3197955")
	bsc       = wallet.ChainParams{
		ChainID:     56,
		Name:        "BNB Smart Chain",
		RPCURLs:     []string{"https://bsc-dataseed.binance.org"},
		ExplorerURL: "https://bscscan.com",
	}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Subject)
	}
	return out
}

type harness struct {
	flow      *Flow
	provider  *wallet.FakeProvider
	backend   *backend.FakeClient
	ledger    *ledger.MemoryStore
	events    *recordingPublisher
	submitter *Submitter
	session   wallet.Session
}

func baseUnits(t *testing.T, amount string) *big.Int {
	t.Helper()
	u, err := token.ToBaseUnits(decimal.RequireFromString(amount), 18)
	require.NoError(t, err)
	return u
}

func newHarness(t *testing.T, balance string) *harness {
	t.Helper()
	provider := wallet.NewFakeProvider(operator, 56)
	provider.SetToken(usdt, 18)
	provider.SetBalance(usdt, operator, baseUnits(t, balance))

	be := backend.NewFakeClient(withdrawal.TokenContract{Address: usdt.Hex(), Decimals: 18, Symbol: "USDT"})
	be.Put(withdrawal.Request{
		ID:        "w1",
		Address:   recipient.Hex(),
		Amount:    decimal.RequireFromString("10.5"),
		Status:    withdrawal.StatusPending,
		CreatedAt: time.Unix(1_700_000_000, 0),
	})

	sub := NewSubmitter(bsc, 2*time.Millisecond, 200*time.Millisecond, nil)
	store := ledger.NewMemoryStore()
	pub := &recordingPublisher{}
	flow := NewFlow(FlowConfig{
		Backend:   be,
		Submitter: sub,
		Ledger:    store,
		Events:    pub,
	}, nil)

	return &harness{
		flow:      flow,
		provider:  provider,
		backend:   be,
		ledger:    store,
		events:    pub,
		submitter: sub,
		session:   wallet.NewSession(provider, operator.Hex(), 56, wallet.ProvenanceExtension, time.Now()),
	}
}

var approve = ConfirmFunc(func(context.Context, Quote) (bool, error) { return true, nil })

func (h *harness) status(t *testing.T, id string) withdrawal.Status {
	t.Helper()
	req, err := h.backend.GetWithdrawal(context.Background(), id)
	require.NoError(t, err)
	return req.Status
}

func indexOf(calls []string, method string) int {
	for i, c := range calls {
		if c == method {
			return i
		}
	}
	return -1
}

func TestPaySettlesWithdrawal(t *testing.T) {
	h := newHarness(t, "100")

	var quoted Quote
	res, err := h.flow.Pay(context.Background(), h.session, "w1", ConfirmFunc(func(_ context.Context, q Quote) (bool, error) {
		quoted = q
		return true, nil
	}))
	require.NoError(t, err)

	assert.True(t, res.Settled)
	assert.True(t, withdrawal.ValidTxHash(res.TxHash))
	assert.Equal(t, "https://bscscan.com/tx/"+res.TxHash, res.ExplorerURL)
	assert.Equal(t, "10.5", quoted.Amount.String())
	assert.Equal(t, "100", quoted.Balance.String())
	assert.Equal(t, "USDT", quoted.Symbol)

	assert.Equal(t, withdrawal.StatusCompleted, h.status(t, "w1"))
	assert.Equal(t, 0, baseUnits(t, "10.5").Cmp(h.provider.Balance(usdt, recipient)))

	rec, err := h.ledger.Get(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.StateReported, rec.State)
	assert.Equal(t, res.TxHash, rec.TxHash)
	assert.Equal(t, []string{events.SubjectSettled}, h.events.subjects())
}

func TestPaySwitchesChainOnceBeforeTransfer(t *testing.T) {
	h := newHarness(t, "100")
	h.provider.Chain = 1
	h.provider.KnownChains[56] = true

	_, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
	require.NoError(t, err)

	calls := h.provider.Calls()
	assert.Equal(t, 1, h.provider.Count("wallet_switchEthereumChain"))
	assert.Less(t, indexOf(calls, "wallet_switchEthereumChain"), indexOf(calls, "eth_sendTransaction"))
	assert.Less(t, indexOf(calls, "wallet_switchEthereumChain"), indexOf(calls, "eth_call"))
}

func TestPayTwiceWhileInFlightSendsOneTransfer(t *testing.T) {
	h := newHarness(t, "100")

	var secondErr error
	h.provider.BeforeSend = func() {
		_, secondErr = h.flow.Pay(context.Background(), h.session, "w1", approve)
	}

	_, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
	require.NoError(t, err)
	require.ErrorIs(t, secondErr, ErrInFlight)
	assert.Equal(t, CategoryPrecondition, Classify(secondErr))
	assert.Equal(t, 1, h.provider.Count("eth_sendTransaction"))

	h.provider.BeforeSend = nil
	_, err = h.flow.Pay(context.Background(), h.session, "w1", approve)
	require.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.Equal(t, 1, h.provider.Count("eth_sendTransaction"))
}

func TestPayConcurrentCallersSendOneTransfer(t *testing.T) {
	h := newHarness(t, "100")
	h.provider.PendingPolls = 3

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.flow.Pay(context.Background(), h.session, "w1", approve)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrInFlight) || errors.Is(err, ErrAlreadySubmitted) || errors.Is(err, ErrNotPending), err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, h.provider.Count("eth_sendTransaction"))
}

func TestPayUserRejectsSignature(t *testing.T) {
	h := newHarness(t, "100")
	h.provider.RejectSign = true

	_, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
	require.ErrorIs(t, err, wallet.ErrUserRejected)
	assert.Equal(t, CategoryCancelled, Classify(err))

	assert.Equal(t, 0, h.backend.CompleteCalls())
	pending, err := h.backend.ListPendingWithdrawals(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "w1", pending[0].ID)

	rec, err := h.ledger.Get(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, h.events.subjects())
}

func TestPayConfirmationTimeoutIsIndeterminate(t *testing.T) {
	h := newHarness(t, "100")
	h.provider.NeverMine = true
	h.submitter.Timeout = 20 * time.Millisecond

	res, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
	var pending *PendingError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, CategoryIndeterminate, Classify(err))
	assert.Equal(t, res.TxHash, pending.TxHash)
	assert.Equal(t, "https://bscscan.com/tx/"+res.TxHash, pending.ExplorerURL)
	assert.False(t, res.Settled)

	assert.Equal(t, withdrawal.StatusPending, h.status(t, "w1"))
	assert.Equal(t, 0, h.backend.CompleteCalls())
	assert.Equal(t, []string{events.SubjectIndeterminate}, h.events.subjects())

	_, err = h.flow.Pay(context.Background(), h.session, "w1", approve)
	require.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.Equal(t, 1, h.provider.Count("eth_sendTransaction"))
}

func TestPayInsufficientBalance(t *testing.T) {
	h := newHarness(t, "10.499999999999999999")

	confirmed := false
	_, err := h.flow.Pay(context.Background(), h.session, "w1", ConfirmFunc(func(context.Context, Quote) (bool, error) {
		confirmed = true
		return true, nil
	}))

	var short *ShortfallError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, CategoryPrecondition, Classify(err))
	assert.False(t, short.Check.Sufficient)
	assert.Equal(t, "0.000000000000000001", short.Check.Shortfall.String())
	assert.False(t, confirmed)
	assert.Zero(t, h.provider.Count("eth_sendTransaction"))
}

func TestPayBalanceRecheckedAfterConfirmation(t *testing.T) {
	h := newHarness(t, "100")

	_, err := h.flow.Pay(context.Background(), h.session, "w1", ConfirmFunc(func(context.Context, Quote) (bool, error) {
		h.provider.SetBalance(usdt, operator, baseUnits(t, "1"))
		return true, nil
	}))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Zero(t, h.provider.Count("eth_sendTransaction"))
}

func TestPayOperatorDeclines(t *testing.T) {
	h := newHarness(t, "100")

	_, err := h.flow.Pay(context.Background(), h.session, "w1", ConfirmFunc(func(context.Context, Quote) (bool, error) {
		return false, nil
	}))
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, CategoryCancelled, Classify(err))
	assert.Zero(t, h.provider.Count("eth_sendTransaction"))
	assert.Equal(t, withdrawal.StatusPending, h.status(t, "w1"))
}

func TestPayRevertedAllowsRetry(t *testing.T) {
	h := newHarness(t, "100")
	h.provider.Revert = true

	_, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
	require.ErrorIs(t, err, ErrReverted)
	assert.Equal(t, CategoryOnChain, Classify(err))
	assert.Equal(t, withdrawal.StatusPending, h.status(t, "w1"))

	rec, err := h.ledger.Get(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.StateReverted, rec.State)

	h.provider.Revert = false
	res, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Equal(t, 2, h.provider.Count("eth_sendTransaction"))
}

func TestPayBackendDesync(t *testing.T) {
	h := newHarness(t, "100")
	h.backend.CompleteErr = &backend.APIError{Status: 500, Message: "db down"}

	res, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
	require.Error(t, err)
	assert.Equal(t, CategoryDesync, Classify(err))
	assert.NotEmpty(t, res.TxHash)
	assert.False(t, res.Settled)

	rec, err := h.ledger.Get(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateDesync, rec.State)
	assert.Equal(t, []string{events.SubjectDesync}, h.events.subjects())

	_, err = h.flow.Pay(context.Background(), h.session, "w1", approve)
	require.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestPayRequiresPendingWithdrawal(t *testing.T) {
	h := newHarness(t, "100")
	require.NoError(t, h.backend.RejectWithdrawal(context.Background(), "w1", "fraud"))

	_, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
	require.ErrorIs(t, err, ErrNotPending)
	assert.Empty(t, h.provider.Calls())
}

func TestPayWithoutSession(t *testing.T) {
	h := newHarness(t, "100")
	_, err := h.flow.Pay(context.Background(), wallet.Session{}, "w1", approve)
	require.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, CategoryConnectivity, Classify(err))
}

func TestCompleteManually(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)

	t.Run("malformed hash never reaches backend", func(t *testing.T) {
		h := newHarness(t, "100")
		_, err := h.flow.CompleteManually(context.Background(), "w1", "0x1234", true)
		require.ErrorIs(t, err, settlement.ErrInvalidHashFormat)
		assert.Equal(t, CategoryValidation, Classify(err))
		assert.Zero(t, h.backend.CompleteCalls())
	})

	t.Run("requires acknowledgement", func(t *testing.T) {
		h := newHarness(t, "100")
		_, err := h.flow.CompleteManually(context.Background(), "w1", hash, false)
		assert.Equal(t, CategoryValidation, Classify(err))
		assert.Zero(t, h.backend.CompleteCalls())
	})

	t.Run("settles with trimmed hash", func(t *testing.T) {
		h := newHarness(t, "100")
		res, err := h.flow.CompleteManually(context.Background(), "w1", "  "+hash+"\n", true)
		require.NoError(t, err)
		assert.Equal(t, hash, res.TxHash)
		assert.Equal(t, withdrawal.StatusCompleted, h.status(t, "w1"))

		rec, err := h.ledger.Get(context.Background(), "w1")
		require.NoError(t, err)
		assert.Equal(t, "manual", rec.Source)
		assert.Zero(t, h.provider.Count("eth_sendTransaction"))
	})
}

func TestRejectRefusedAfterBroadcast(t *testing.T) {
	h := newHarness(t, "100")
	h.provider.NeverMine = true
	h.submitter.Timeout = 10 * time.Millisecond

	_, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
	require.ErrorIs(t, err, ErrConfirmationTimeout)

	err = h.flow.Reject(context.Background(), "w1", "changed mind")
	require.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.Equal(t, withdrawal.StatusPending, h.status(t, "w1"))
}

func TestPayRefusesUnpayableAmount(t *testing.T) {
	for _, amount := range []string{"0", "0.0000000000000000001"} {
		t.Run(amount, func(t *testing.T) {
			h := newHarness(t, "100")
			h.backend.Put(withdrawal.Request{
				ID:      "w1",
				Address: recipient.Hex(),
				Amount:  decimal.RequireFromString(amount),
				Status:  withdrawal.StatusPending,
			})

			quoted := false
			_, err := h.flow.Pay(context.Background(), h.session, "w1", ConfirmFunc(func(context.Context, Quote) (bool, error) {
				quoted = true
				return true, nil
			}))
			require.ErrorIs(t, err, ErrInvalidAmount)
			assert.Equal(t, CategoryValidation, Classify(err))
			assert.False(t, quoted)
			assert.Zero(t, h.provider.Count("eth_sendTransaction"))
			assert.Equal(t, withdrawal.StatusPending, h.status(t, "w1"))
		})
	}
}

func TestPayUnknownBroadcastIsTracked(t *testing.T) {
	t.Run("mined transfer settles", func(t *testing.T) {
		h := newHarness(t, "100")
		h.provider.LoseSendResponse = true

		res, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
		require.NoError(t, err)
		assert.True(t, res.Settled)
		assert.Equal(t, withdrawal.StatusCompleted, h.status(t, "w1"))
	})

	t.Run("unmined transfer blocks retry", func(t *testing.T) {
		h := newHarness(t, "100")
		h.provider.LoseSendResponse = true
		h.provider.NeverMine = true
		h.submitter.Timeout = 10 * time.Millisecond

		res, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
		require.ErrorIs(t, err, ErrConfirmationTimeout)
		assert.Equal(t, CategoryIndeterminate, Classify(err))

		rec, err := h.ledger.Get(context.Background(), "w1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, ledger.StateSubmitted, rec.State)
		assert.Equal(t, res.TxHash, rec.TxHash)

		_, err = h.flow.Pay(context.Background(), h.session, "w1", approve)
		require.ErrorIs(t, err, ErrAlreadySubmitted)
		assert.Equal(t, 1, h.provider.Count("eth_sendTransaction"))
	})
}

// brokenStore fails every write of one state.
type brokenStore struct {
	*ledger.MemoryStore
	failOn ledger.State
}

func (s *brokenStore) Save(ctx context.Context, rec ledger.Record) error {
	if rec.State == s.failOn {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, rec)
}

func TestPayLedgerWriteFailureStillBlocksRetry(t *testing.T) {
	h := newHarness(t, "100")
	h.provider.NeverMine = true
	h.submitter.Timeout = 10 * time.Millisecond
	h.flow = NewFlow(FlowConfig{
		Backend:   h.backend,
		Submitter: h.submitter,
		Ledger:    &brokenStore{MemoryStore: h.ledger, failOn: ledger.StateSubmitted},
		Events:    h.events,
	}, nil)

	res, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
	require.ErrorIs(t, err, ErrLedgerWrite)
	var pending *PendingError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, CategoryIndeterminate, Classify(err))

	_, err = h.flow.Pay(context.Background(), h.session, "w1", approve)
	require.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.Equal(t, 1, h.provider.Count("eth_sendTransaction"))

	_, err = h.flow.CompleteManually(context.Background(), "w1", "0x"+strings.Repeat("cd", 32), true)
	require.ErrorIs(t, err, ErrAlreadySubmitted)

	_, err = h.flow.CompleteManually(context.Background(), "w1", res.TxHash, true)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusCompleted, h.status(t, "w1"))
}

func TestResettle(t *testing.T) {
	t.Run("desync is reported again", func(t *testing.T) {
		h := newHarness(t, "100")
		h.backend.CompleteErr = &backend.APIError{Status: 500, Message: "db down"}
		first, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
		require.Equal(t, CategoryDesync, Classify(err))

		h.backend.CompleteErr = nil
		res, err := h.flow.Resettle(context.Background(), wallet.Session{}, "w1")
		require.NoError(t, err)
		assert.True(t, res.Settled)
		assert.Equal(t, first.TxHash, res.TxHash)
		assert.Equal(t, withdrawal.StatusCompleted, h.status(t, "w1"))
		assert.Equal(t, 1, h.provider.Count("eth_sendTransaction"))

		rec, err := h.ledger.Get(context.Background(), "w1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StateReported, rec.State)
		assert.Equal(t, []string{events.SubjectDesync, events.SubjectSettled}, h.events.subjects())
	})

	t.Run("timeout is polled again", func(t *testing.T) {
		h := newHarness(t, "100")
		h.provider.NeverMine = true
		h.submitter.Timeout = 10 * time.Millisecond
		first, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
		require.ErrorIs(t, err, ErrConfirmationTimeout)

		_, err = h.flow.Resettle(context.Background(), wallet.Session{}, "w1")
		require.ErrorIs(t, err, ErrNoSession)

		h.provider.NeverMine = false
		res, err := h.flow.Resettle(context.Background(), h.session, "w1")
		require.NoError(t, err)
		assert.True(t, res.Settled)
		assert.Equal(t, first.TxHash, res.TxHash)
		assert.NotZero(t, res.BlockNumber)
		assert.Equal(t, withdrawal.StatusCompleted, h.status(t, "w1"))
		assert.Equal(t, 1, h.provider.Count("eth_sendTransaction"))
	})

	t.Run("backend already completed", func(t *testing.T) {
		h := newHarness(t, "100")
		h.backend.CompleteErr = &backend.APIError{Status: 504, Message: "gateway timeout"}
		first, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
		require.Error(t, err)

		h.backend.CompleteErr = nil
		require.NoError(t, h.backend.CompleteWithdrawal(context.Background(), "w1", first.TxHash))
		calls := h.backend.CompleteCalls()

		res, err := h.flow.Resettle(context.Background(), wallet.Session{}, "w1")
		require.NoError(t, err)
		assert.True(t, res.Settled)
		assert.Equal(t, calls, h.backend.CompleteCalls())

		rec, err := h.ledger.Get(context.Background(), "w1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StateReported, rec.State)
	})

	t.Run("nothing broadcast", func(t *testing.T) {
		h := newHarness(t, "100")
		_, err := h.flow.Resettle(context.Background(), h.session, "w1")
		require.ErrorIs(t, err, ErrNothingToResettle)
		assert.Equal(t, CategoryPrecondition, Classify(err))
	})
}

func TestCompleteManuallyAfterBroadcast(t *testing.T) {
	other := "0x" + strings.Repeat("cd", 32)

	t.Run("desync accepts only its own hash", func(t *testing.T) {
		h := newHarness(t, "100")
		h.backend.CompleteErr = &backend.APIError{Status: 500, Message: "db down"}
		first, _ := h.flow.Pay(context.Background(), h.session, "w1", approve)
		h.backend.CompleteErr = nil

		_, err := h.flow.CompleteManually(context.Background(), "w1", other, true)
		require.ErrorIs(t, err, ErrAlreadySubmitted)
		assert.Equal(t, withdrawal.StatusPending, h.status(t, "w1"))

		res, err := h.flow.CompleteManually(context.Background(), "w1", first.TxHash, true)
		require.NoError(t, err)
		assert.True(t, res.Settled)
		assert.Equal(t, withdrawal.StatusCompleted, h.status(t, "w1"))
	})

	t.Run("timeout accepts its own hash", func(t *testing.T) {
		h := newHarness(t, "100")
		h.provider.NeverMine = true
		h.submitter.Timeout = 10 * time.Millisecond
		first, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
		require.ErrorIs(t, err, ErrConfirmationTimeout)

		_, err = h.flow.CompleteManually(context.Background(), "w1", other, true)
		require.ErrorIs(t, err, ErrAlreadySubmitted)

		_, err = h.flow.CompleteManually(context.Background(), "w1", first.TxHash, true)
		require.NoError(t, err)

		rec, err := h.ledger.Get(context.Background(), "w1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StateReported, rec.State)
		assert.Equal(t, "10.5", rec.Amount)
		assert.Equal(t, "manual", rec.Source)
	})

	t.Run("reported payout is final", func(t *testing.T) {
		h := newHarness(t, "100")
		first, err := h.flow.Pay(context.Background(), h.session, "w1", approve)
		require.NoError(t, err)

		_, err = h.flow.CompleteManually(context.Background(), "w1", first.TxHash, true)
		require.ErrorIs(t, err, ErrAlreadySubmitted)
	})
}
