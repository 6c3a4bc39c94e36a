package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"payoutdesk/internal/events"
	"payoutdesk/internal/payout"
	"payoutdesk/internal/reconcile"
	"payoutdesk/internal/wallet"
)

type connectRequest struct {
	Platform string `json:"platform"`
	Host     string `json:"host"`
}

type sessionView struct {
	Connected      bool              `json:"connected"`
	Address        string            `json:"address,omitempty"`
	ChainID        uint64            `json:"chainId,omitempty"`
	Provenance     wallet.Provenance `json:"provenance,omitempty"`
	ConnectedAt    *time.Time        `json:"connectedAt,omitempty"`
	PayoutAddress  string            `json:"payoutAddress,omitempty"`
	Reconciliation reconcile.Status  `json:"reconciliation"`
	Handoff        *wallet.Handoff   `json:"handoff,omitempty"`
	Balance        *balanceView      `json:"balance,omitempty"`
}

func (s *Server) currentSession() (wallet.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil || !s.session.Connected() {
		return wallet.Session{}, false
	}
	return *s.session, true
}

// leaseSession returns the current session with its provider leased, so a
// disconnect waits for the caller before closing it.
func (s *Server) leaseSession() (wallet.Session, func(), bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil || !s.session.Connected() {
		return wallet.Session{}, func() {}, false
	}
	return *s.session, s.providers.lease(s.session.Provider()), true
}

func (s *Server) view() sessionView {
	s.mu.RLock()
	v := sessionView{
		PayoutAddress:  s.payoutAddress,
		Reconciliation: s.reconciliation,
		Handoff:        s.handoff,
	}
	if s.session != nil {
		at := s.session.ConnectedAt
		v.Connected = true
		v.Address = s.session.Address
		v.ChainID = s.session.ChainID
		v.Provenance = s.session.Provenance
		v.ConnectedAt = &at
	}
	s.mu.RUnlock()
	v.Balance = s.balance.view()
	return v
}

func (s *Server) env(req connectRequest) (wallet.Env, error) {
	platform, err := wallet.ParsePlatform(req.Platform)
	if err != nil {
		return wallet.Env{}, err
	}
	host := req.Host
	if host == "" {
		host = s.cfg.Wallet.Host
	}
	return wallet.Env{Platform: platform, Host: host}, nil
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	req := connectRequest{Platform: string(wallet.PlatformDesktop)}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	env, err := s.env(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	if s.detect != nil {
		p, err := s.detect(ctx)
		if err != nil {
			s.log.Info("no wallet provider detected", zap.Error(err))
		}
		if p != nil {
			env.Provider = p
		}
	}

	conn, err := s.connector.Connect(ctx, env)
	if err != nil {
		closeProvider(env.Provider)
		s.metrics.incConnect(string(payout.Classify(err)))
		s.writeError(w, r, err)
		return
	}
	if conn.Handoff != nil {
		s.mu.Lock()
		s.handoff = conn.Handoff
		s.mu.Unlock()
		s.metrics.incConnect("handoff")
		writeJSON(w, http.StatusAccepted, s.view())
		return
	}

	s.adoptSession(ctx, *conn.Session)
	s.metrics.incConnect("connected")
	writeJSON(w, http.StatusOK, s.view())
}

// handleResume polls for the wallet after a deep-link handoff until it shows
// up, the request is cancelled or the poll policy gives up.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	req := connectRequest{Platform: string(wallet.PlatformMobile)}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	env, err := s.env(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.detect == nil {
		s.writeError(w, r, wallet.ErrNoProvider)
		return
	}

	session, err := s.connector.AwaitSession(r.Context(), env, s.detect, wallet.PollPolicy{
		Interval: s.cfg.Wallet.PollInterval,
		MaxWait:  s.cfg.Wallet.MaxWait,
	})
	if err != nil {
		s.metrics.incConnect(string(payout.Classify(err)))
		s.writeError(w, r, err)
		return
	}

	s.adoptSession(r.Context(), session)
	s.metrics.incConnect("resumed")
	writeJSON(w, http.StatusOK, s.view())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.view())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	old := s.session
	s.session = nil
	s.handoff = nil
	s.mu.Unlock()

	if old != nil {
		s.providers.retire(old.Provider())
	}
	s.balance.clearChain()
	s.reconcile(r.Context())
	s.log.Info("wallet disconnected")
	w.WriteHeader(http.StatusNoContent)
}

// adoptSession installs a new session, then loads the configured payout
// address (adopting the wallet's when none is set) and reconciles the two.
func (s *Server) adoptSession(ctx context.Context, session wallet.Session) {
	s.mu.Lock()
	old := s.session
	s.session = &session
	s.handoff = nil
	s.mu.Unlock()
	if old != nil && old.Provider() != session.Provider() {
		s.providers.retire(old.Provider())
	}

	cfg, err := s.backend.GetPayoutConfig(ctx)
	if err != nil {
		s.log.Warn("payout config unavailable, reconciliation unknown", zap.Error(err))
	} else {
		address := cfg.Address
		if address == "" && s.cfg.Payout.AdoptAddress {
			if err := s.backend.SetPayoutAddress(ctx, session.Address); err != nil {
				s.log.Warn("adopting connected wallet as payout address failed", zap.Error(err))
			} else {
				address = session.Address
				s.log.Info("adopted connected wallet as payout address", zap.String("address", address))
			}
		}
		s.mu.Lock()
		s.payoutAddress = address
		s.mu.Unlock()
	}

	s.reconcile(ctx)
	s.balanceLoop.Trigger(ctx)
}

// reconcile compares the connected wallet against the payout address. A
// mismatch is reported but never blocks a payout.
func (s *Server) reconcile(ctx context.Context) reconcile.Status {
	s.mu.Lock()
	connected := ""
	if s.session != nil {
		connected = s.session.Address
	}
	configured := s.payoutAddress
	status := reconcile.Check(connected, configured)
	changed := status != s.reconciliation
	s.reconciliation = status
	s.mu.Unlock()

	s.metrics.setReconciliation(status)
	if status == reconcile.Mismatched && changed {
		s.log.Warn("connected wallet differs from configured payout address",
			zap.String("connected", connected),
			zap.String("configured", configured),
		)
		err := s.events.Publish(ctx, events.Event{
			Subject: events.SubjectMismatch,
			Detail:  "connected " + connected + " configured " + configured,
			At:      time.Now(),
		})
		if err != nil {
			s.log.Warn("publish reconciliation event failed", zap.Error(err))
		}
	}
	return status
}

// closeProvider releases a dialled RPC bridge. Key providers are shared and
// stay open.
func closeProvider(p wallet.Provider) {
	if rp, ok := p.(*wallet.RPCProvider); ok && rp != nil {
		rp.Close()
	}
}
