package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payoutdesk/internal/adminauth"
	"payoutdesk/internal/backend"
	"payoutdesk/internal/config"
	"payoutdesk/internal/events"
	"payoutdesk/internal/payout"
	"payoutdesk/internal/reconcile"
	"payoutdesk/internal/token"
	"payoutdesk/internal/wallet"
	"payoutdesk/internal/withdrawal"
)

const adminKey = "op-key"

var (
	operator  = common.HexToAddress("0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2")
	recipient = common.HexToAddress("0x2222222222222222222222222222222222222222")
	usdt      = common.HexToAddress("0x55d398326f99059fF775485246999027B3197955")
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

func (r *recordingPublisher) count(subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Subject == subject {
			n++
		}
	}
	return n
}

type testEnv struct {
	srv        *Server
	provider   *wallet.FakeProvider
	backend    *backend.FakeClient
	events     *recordingPublisher
	submitter  *payout.Submitter
	noProvider bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Service.AdminKey = adminKey
	cfg.Wallet.Host = "admin.example.com"
	cfg.Wallet.PollInterval = time.Millisecond
	cfg.Wallet.MaxWait = 20 * time.Millisecond

	units, err := token.ToBaseUnits(decimal.NewFromInt(100), 18)
	require.NoError(t, err)
	provider := wallet.NewFakeProvider(operator, cfg.Chain.ChainID)
	provider.SetToken(usdt, 18)
	provider.SetBalance(usdt, operator, units)

	be := backend.NewFakeClient(withdrawal.TokenContract{Address: usdt.Hex(), Decimals: 18, Symbol: "USDT"})
	be.Put(withdrawal.Request{
		ID:        "w1",
		Address:   recipient.Hex(),
		Amount:    decimal.RequireFromString("10.5"),
		Status:    withdrawal.StatusPending,
		CreatedAt: time.Unix(1_700_000_000, 0),
	})
	be.SetWalletBalance(decimal.RequireFromString("250.75"))

	pub := &recordingPublisher{}
	sub := payout.NewSubmitter(cfg.Chain, time.Millisecond, 200*time.Millisecond, nil)
	flow := payout.NewFlow(payout.FlowConfig{Backend: be, Submitter: sub, Events: pub}, nil)

	env := &testEnv{provider: provider, backend: be, events: pub, submitter: sub}
	env.srv = NewServer(&cfg, Deps{
		Backend:   be,
		Flow:      flow,
		Connector: wallet.NewConnector(cfg.Chain, cfg.Wallet.Domain, nil),
		Detect: func(context.Context) (wallet.Provider, error) {
			if env.noProvider {
				return nil, wallet.ErrNoProvider
			}
			return provider, nil
		},
		Events: pub,
	}, nil)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(adminauth.HeaderKey, adminKey)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) connect(t *testing.T) sessionView {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/wallet/connect", map[string]string{"platform": "desktop"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var v sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestAdminKeyRequired(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet/session", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "reauthenticate")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestConnectAdoptsPayoutAddress(t *testing.T) {
	env := newTestEnv(t)

	v := env.connect(t)
	assert.True(t, v.Connected)
	assert.Equal(t, operator.Hex(), v.Address)
	assert.Equal(t, uint64(56), v.ChainID)
	assert.Equal(t, wallet.ProvenanceExtension, v.Provenance)
	assert.Equal(t, operator.Hex(), v.PayoutAddress)
	assert.Equal(t, reconcile.Matched, v.Reconciliation)

	cfg, err := env.backend.GetPayoutConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, operator.Hex(), cfg.Address)
}

func TestConnectMismatchIsReportedNotBlocking(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.backend.SetPayoutAddress(context.Background(), recipient.Hex()))

	v := env.connect(t)
	assert.Equal(t, reconcile.Mismatched, v.Reconciliation)
	assert.Equal(t, recipient.Hex(), v.PayoutAddress)
	assert.Equal(t, 1, env.events.count(events.SubjectMismatch))

	rec := env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/pay", map[string]bool{"confirm": true})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestConnectMobileWithoutProviderHandsOff(t *testing.T) {
	env := newTestEnv(t)
	env.noProvider = true

	rec := env.do(t, http.MethodPost, "/api/v1/wallet/connect", map[string]string{"platform": "mobile"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var v sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.False(t, v.Connected)
	require.NotNil(t, v.Handoff)
	assert.Equal(t, "https://metamask.app.link/dapp/admin.example.com", v.Handoff.URL)

	rec = env.do(t, http.MethodPost, "/api/v1/wallet/resume", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, payout.CategoryConnectivity, decodeError(t, rec).Category)

	env.noProvider = false
	rec = env.do(t, http.MethodPost, "/api/v1/wallet/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v = sessionView{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.True(t, v.Connected)
	assert.Equal(t, wallet.ProvenanceInApp, v.Provenance)
	assert.Nil(t, v.Handoff)
}

func TestConnectDesktopWithoutProvider(t *testing.T) {
	env := newTestEnv(t)
	env.noProvider = true

	rec := env.do(t, http.MethodPost, "/api/v1/wallet/connect", map[string]string{"platform": "desktop"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, payout.CategoryConnectivity, decodeError(t, rec).Category)
}

func TestConnectRejectedByUser(t *testing.T) {
	env := newTestEnv(t)
	env.provider.RejectAccounts = true

	rec := env.do(t, http.MethodPost, "/api/v1/wallet/connect", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, payout.CategoryCancelled, decodeError(t, rec).Category)
}

func TestPayWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/pay", map[string]bool{"confirm": true})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, env.provider.Count("eth_sendTransaction"))
}

func TestPayReturnsQuoteUntilConfirmed(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	rec := env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/pay", map[string]bool{"confirm": false})
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, payout.CategoryCancelled, resp.Category)
	require.NotNil(t, resp.Quote)
	assert.Equal(t, "10.5", resp.Quote.Amount.String())
	assert.Equal(t, recipient.Hex(), resp.Quote.To)
	assert.Zero(t, env.provider.Count("eth_sendTransaction"))

	rec = env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/pay", map[string]bool{"confirm": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res payout.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Settled)
	assert.True(t, strings.HasPrefix(res.ExplorerURL, "https://bscscan.com/tx/0x"))

	rec = env.do(t, http.MethodGet, "/api/v1/withdrawals/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending pendingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Empty(t, pending.Items)

	rec = env.do(t, http.MethodGet, "/api/v1/metrics", nil)
	assert.Contains(t, rec.Body.String(), `payoutdesk_payouts_total{outcome="settled"} 1`)
	assert.Contains(t, rec.Body.String(), `payoutdesk_payouts_total{outcome="quoted"} 1`)
	assert.NotContains(t, rec.Body.String(), `outcome="cancelled"`)
}

func TestPayInsufficientBalanceShowsShortfall(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	env.provider.SetBalance(usdt, operator, big.NewInt(0))

	rec := env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/pay", map[string]bool{"confirm": true})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	resp := decodeError(t, rec)
	details, ok := resp.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "10.5", details["shortfall"])
}

func TestPayTimeoutIsIndeterminate(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	env.provider.NeverMine = true
	env.submitter.Timeout = 20 * time.Millisecond

	rec := env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/pay", map[string]bool{"confirm": true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decodeError(t, rec)
	assert.Equal(t, payout.CategoryIndeterminate, resp.Category)
	details, ok := resp.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, details["explorerUrl"], "https://bscscan.com/tx/")

	rec = env.do(t, http.MethodGet, "/api/v1/withdrawals/pending?refresh=true", nil)
	var pending pendingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending.Items, 1)
	assert.Equal(t, withdrawal.StatusPending, pending.Items[0].Status)

	rec = env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/pay", map[string]bool{"confirm": true})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, env.provider.Count("eth_sendTransaction"))
}

func TestResettleAfterTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	env.provider.NeverMine = true
	env.submitter.Timeout = 20 * time.Millisecond

	rec := env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/pay", map[string]bool{"confirm": true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	env.provider.NeverMine = false
	rec = env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/resettle", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res payout.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Settled)

	req, err := env.backend.GetWithdrawal(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusCompleted, req.Status)
	assert.Equal(t, res.TxHash, req.TxHash)
	assert.Equal(t, 1, env.provider.Count("eth_sendTransaction"))
}

func TestResettleWithoutBroadcast(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/resettle", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, payout.CategoryPrecondition, decodeError(t, rec).Category)
}

func TestManualComplete(t *testing.T) {
	env := newTestEnv(t)
	hash := "0x" + strings.Repeat("c3", 32)

	rec := env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/complete", map[string]interface{}{"txHash": "0xnothex", "riskAcknowledged": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, env.backend.CompleteCalls())

	rec = env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/complete", map[string]interface{}{"txHash": hash})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, env.backend.CompleteCalls())

	rec = env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/complete", map[string]interface{}{"txHash": hash, "riskAcknowledged": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	req, err := env.backend.GetWithdrawal(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusCompleted, req.Status)
	assert.Equal(t, hash, req.TxHash)
}

func TestReject(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/reject", map[string]string{"reason": "risk"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/withdrawals/w1/reject", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/withdrawals/missing/reject", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestPendingSignalsReauthentication(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/withdrawals/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env.backend.Unauthorized = true
	rec = env.do(t, http.MethodGet, "/api/v1/withdrawals/pending?refresh=true", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, payout.CategoryReauthenticate, decodeError(t, rec).Category)
}

func TestPutPayoutConfig(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	rec := env.do(t, http.MethodPut, "/api/v1/payout-config", map[string]string{"address": "not-an-address"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/payout-config", map[string]string{"address": recipient.Hex()})
	require.Equal(t, http.StatusOK, rec.Code)
	var v payoutConfigView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, recipient.Hex(), v.Address)
	assert.Equal(t, string(reconcile.Mismatched), v.Reconciliation)

	rec = env.do(t, http.MethodGet, "/api/v1/wallet/session", nil)
	var sv sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sv))
	assert.Equal(t, reconcile.Mismatched, sv.Reconciliation)
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	rec := env.do(t, http.MethodDelete, "/api/v1/wallet/session", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/wallet/session", nil)
	var v sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.False(t, v.Connected)
	assert.Equal(t, reconcile.Unknown, v.Reconciliation)
}

func TestRefreshBalanceKeepsStaleOnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	require.NoError(t, env.srv.refreshBalance(context.Background()))
	v := env.srv.balance.view()
	require.NotNil(t, v)
	assert.Equal(t, "250.75", v.Tracked.String())
	assert.Equal(t, "100", v.OnChain.String())

	env.backend.Unauthorized = true
	require.Error(t, env.srv.refreshBalance(context.Background()))
	v = env.srv.balance.view()
	assert.Equal(t, "250.75", v.Tracked.String())
	assert.NotEmpty(t, v.Error)
}
