package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"payoutdesk/internal/backend"
	"payoutdesk/internal/payout"
	"payoutdesk/internal/settlement"
	"payoutdesk/internal/withdrawal"
)

// GET /withdrawals/pending serves the cached list; ?refresh=true or an empty
// cache forces a refresh first.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" || !s.pending.loaded() {
		s.pendingLoop.Trigger(r.Context())
	}
	if err := s.pending.err(); err != nil && (!s.pending.loaded() || errors.Is(err, backend.ErrUnauthorized)) {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pending.view())
}

type payRequest struct {
	// Confirm is the operator's approval of the quote. Without it nothing is
	// signed and the quote is returned.
	Confirm bool `json:"confirm"`
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req payRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, release, ok := s.leaseSession()
	defer release()
	if !ok {
		s.metrics.incPayout(string(payout.CategoryConnectivity))
		s.writeError(w, r, payout.ErrNoSession)
		return
	}

	var quote *payout.Quote
	confirmer := payout.ConfirmFunc(func(_ context.Context, q payout.Quote) (bool, error) {
		quote = &q
		return req.Confirm, nil
	})

	res, err := s.flow.Pay(r.Context(), session, id, confirmer)
	if err != nil && !req.Confirm && quote != nil && errors.Is(err, payout.ErrCancelled) {
		s.metrics.incPayout(outcomeQuoted)
		writeJSON(w, http.StatusConflict, errorResponse{
			Category: payout.CategoryCancelled,
			Message:  "Review the quote and repeat with confirm set to true.",
			Error:    "confirmation required",
			Quote:    quote,
		})
		return
	}
	if err != nil {
		failure := errorResponse{Quote: quote}
		if res.TxHash != "" {
			failure.Result = &res
		}
		category := s.writeFailure(w, r, err, failure)
		s.metrics.incPayout(string(category))
		if res.TxHash != "" {
			s.metrics.incSettlement(string(settlement.SourceAutomatic), string(category))
			s.refreshAfterChange(r.Context())
		}
		return
	}

	s.metrics.incPayout("settled")
	s.metrics.incSettlement(string(settlement.SourceAutomatic), "ok")
	s.refreshAfterChange(r.Context())
	writeJSON(w, http.StatusOK, res)
}

// handleResettle finishes a payout this service broadcast but never reported,
// after a confirmation timeout or a desync.
func (s *Server) handleResettle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, release, _ := s.leaseSession()
	defer release()

	res, err := s.flow.Resettle(r.Context(), session, id)
	if err != nil {
		failure := errorResponse{}
		if res.TxHash != "" {
			failure.Result = &res
		}
		category := s.writeFailure(w, r, err, failure)
		s.metrics.incSettlement(string(settlement.SourceAutomatic), string(category))
		return
	}

	s.metrics.incSettlement(string(settlement.SourceAutomatic), "ok")
	s.refreshAfterChange(r.Context())
	writeJSON(w, http.StatusOK, res)
}

type completeRequest struct {
	TxHash           string `json:"txHash"`
	RiskAcknowledged bool   `json:"riskAcknowledged"`
}

// handleComplete records a withdrawal paid outside this service.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req completeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.flow.CompleteManually(r.Context(), id, req.TxHash, req.RiskAcknowledged)
	if err != nil {
		category := s.writeError(w, r, err)
		s.metrics.incSettlement(string(settlement.SourceManual), string(category))
		return
	}

	s.metrics.incSettlement(string(settlement.SourceManual), "ok")
	s.refreshAfterChange(r.Context())
	writeJSON(w, http.StatusOK, res)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req rejectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.flow.Reject(r.Context(), id, strings.TrimSpace(req.Reason)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.refreshAfterChange(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(withdrawal.StatusRejected)})
}

// refreshAfterChange reloads the list so a settled or rejected withdrawal
// drops out. A refresh already running is left to finish on its own.
func (s *Server) refreshAfterChange(ctx context.Context) {
	s.pendingLoop.Trigger(context.WithoutCancel(ctx))
}

type payoutConfigView struct {
	withdrawal.PayoutConfig
	Connected      string `json:"connectedAddress,omitempty"`
	Reconciliation string `json:"reconciliation"`
}

func (s *Server) handleGetPayoutConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.backend.GetPayoutConfig(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mu.Lock()
	s.payoutAddress = cfg.Address
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.payoutConfigView(r.Context(), cfg))
}

type putPayoutConfigRequest struct {
	Address string `json:"address"`
}

func (s *Server) handlePutPayoutConfig(w http.ResponseWriter, r *http.Request) {
	var req putPayoutConfigRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	address := strings.TrimSpace(req.Address)
	if !common.IsHexAddress(address) {
		s.writeError(w, r, payout.ErrInvalidInput)
		return
	}
	if err := s.backend.SetPayoutAddress(r.Context(), address); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("payout address updated", zap.String("address", address))

	cfg, err := s.backend.GetPayoutConfig(r.Context())
	if err != nil {
		s.log.Warn("reload payout config failed", zap.Error(err))
		cfg = withdrawal.PayoutConfig{Address: address}
	}
	s.mu.Lock()
	s.payoutAddress = cfg.Address
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.payoutConfigView(r.Context(), cfg))
}

func (s *Server) payoutConfigView(ctx context.Context, cfg withdrawal.PayoutConfig) payoutConfigView {
	status := s.reconcile(ctx)
	v := payoutConfigView{PayoutConfig: cfg, Reconciliation: string(status)}
	if session, ok := s.currentSession(); ok {
		v.Connected = session.Address
	}
	return v
}
