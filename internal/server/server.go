package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payoutdesk/internal/adminauth"
	"payoutdesk/internal/backend"
	"payoutdesk/internal/config"
	"payoutdesk/internal/events"
	"payoutdesk/internal/ledger"
	"payoutdesk/internal/payout"
	"payoutdesk/internal/reconcile"
	"payoutdesk/internal/refresh"
	"payoutdesk/internal/wallet"
)

// Deps are the collaborators the operator API drives.
type Deps struct {
	Backend   backend.API
	Flow      *payout.Flow
	Ledger    ledger.Store
	Connector *wallet.Connector
	// Detect finds the wallet provider for connect and resume requests.
	Detect wallet.Detector
	Events events.Publisher
}

type Server struct {
	cfg        *config.AppConfig
	backend    backend.API
	flow       *payout.Flow
	connector  *wallet.Connector
	detect     wallet.Detector
	events     events.Publisher
	auth       *adminauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	providers  *providerLeases
	log        *zap.Logger

	mu             sync.RWMutex
	session        *wallet.Session
	handoff        *wallet.Handoff
	payoutAddress  string
	reconciliation reconcile.Status

	pending     *pendingCache
	balance     *balanceCache
	pendingLoop *refresh.Loop
	balanceLoop *refresh.Loop

	dbHealthFn      func(context.Context) error
	backendHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = events.NewLogPublisher(log)
	}

	s := &Server{
		cfg:            cfg,
		backend:        deps.Backend,
		flow:           deps.Flow,
		connector:      deps.Connector,
		detect:         deps.Detect,
		events:         deps.Events,
		auth:           &adminauth.Verifier{Key: cfg.Service.AdminKey},
		metrics:        newMetricsRegistry(),
		log:            log,
		reconciliation: reconcile.Unknown,
		pending:        &pendingCache{},
		balance:        &balanceCache{},
		providers:      newProviderLeases(closeProvider),
	}
	s.metrics.setReconciliation(reconcile.Unknown)

	s.pendingLoop = refresh.NewLoop("pending_withdrawals", cfg.Refresh.PendingInterval, s.refreshPending, log)
	s.balanceLoop = refresh.NewLoop("wallet_balance", cfg.Refresh.BalanceInterval, s.refreshBalance, log)
	s.pendingLoop.OnResult = s.metrics.observeRefresh
	s.balanceLoop.OnResult = s.metrics.observeRefresh

	if checker, ok := deps.Ledger.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := deps.Backend.(interface{ Ping(context.Context) error }); ok {
		s.backendHealthFn = checker.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	guard := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.auth.Middleware(h))
	}

	guard("POST /api/v1/wallet/connect", s.handleConnect)
	guard("POST /api/v1/wallet/resume", s.handleResume)
	guard("GET /api/v1/wallet/session", s.handleGetSession)
	guard("DELETE /api/v1/wallet/session", s.handleDisconnect)

	guard("GET /api/v1/withdrawals/pending", s.handlePending)
	guard("POST /api/v1/withdrawals/{id}/pay", s.handlePay)
	guard("POST /api/v1/withdrawals/{id}/complete", s.handleComplete)
	guard("POST /api/v1/withdrawals/{id}/reject", s.handleReject)
	guard("POST /api/v1/withdrawals/{id}/resettle", s.handleResettle)

	guard("GET /api/v1/payout-config", s.handleGetPayoutConfig)
	guard("PUT /api/v1/payout-config", s.handlePutPayoutConfig)

	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	return requestIDMiddleware(mux)
}

// Run starts the refresh loops; they stop when ctx ends.
func (s *Server) Run(ctx context.Context) {
	go s.pendingLoop.Run(ctx)
	go s.balanceLoop.Run(ctx)
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	old := s.session
	s.session = nil
	s.mu.Unlock()
	if old != nil {
		s.providers.retire(old.Provider())
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type errorResponse struct {
	Category payout.Category `json:"category"`
	Message  string          `json:"message"`
	Error    string          `json:"error"`
	Details  interface{}     `json:"details,omitempty"`
	Quote    *payout.Quote   `json:"quote,omitempty"`
	Result   *payout.Result  `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) payout.Category {
	return s.writeFailure(w, r, err, errorResponse{})
}

// writeFailure classifies err and renders the operator-facing failure on top
// of resp.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error, resp errorResponse) payout.Category {
	category := payout.Classify(err)
	resp.Category = category
	resp.Message = category.Message()
	resp.Error = err.Error()

	var short *payout.ShortfallError
	var pending *payout.PendingError
	switch {
	case errors.As(err, &short):
		resp.Details = map[string]string{
			"current":   short.Check.Current.String(),
			"required":  short.Check.Required.String(),
			"shortfall": short.Check.Shortfall.String(),
			"symbol":    short.Symbol,
		}
	case errors.As(err, &pending):
		resp.Details = map[string]string{
			"txHash":      pending.TxHash,
			"explorerUrl": pending.ExplorerURL,
		}
	}

	fields := []zap.Field{
		zap.String("request_id", r.Header.Get(requestIDHeader)),
		zap.String("path", r.URL.Path),
		zap.String("category", string(category)),
		zap.Error(err),
	}
	switch category {
	case payout.CategoryDesync, payout.CategoryInternal:
		s.log.Error("request failed", fields...)
	case payout.CategoryCancelled, payout.CategoryValidation:
		s.log.Info("request failed", fields...)
	default:
		s.log.Warn("request failed", fields...)
	}

	writeJSON(w, category.HTTPStatus(), resp)
	return category
}

func decodeBody(r *http.Request, out interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", payout.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	type component struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms,omitempty"`
		Error     string  `json:"error,omitempty"`
	}
	check := func(fn func(context.Context) error) component {
		if fn == nil {
			return component{Connected: true}
		}
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := fn(cctx); err != nil {
			overallHealthy = false
			return component{Error: err.Error()}
		}
		return component{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
	}

	backendInfo := check(s.backendHealthFn)
	dbInfo := check(s.dbHealthFn)

	walletInfo := struct {
		Connected bool   `json:"connected"`
		ChainID   uint64 `json:"chain_id,omitempty"`
		Error     string `json:"error,omitempty"`
	}{}
	if session, ok := s.currentSession(); ok {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		id, err := session.Provider().ChainID(cctx)
		cancel()
		if err != nil {
			walletInfo.Error = err.Error()
		} else {
			walletInfo.Connected = true
			walletInfo.ChainID = id
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		Backend  interface{} `json:"backend"`
		Database interface{} `json:"database"`
		Wallet   interface{} `json:"wallet"`
	}{
		Status:   status,
		Backend:  backendInfo,
		Database: dbInfo,
		Wallet:   walletInfo,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

const requestIDHeader = "X-Request-Id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}
