package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"payoutdesk/internal/backend"
	"payoutdesk/internal/config"
	"payoutdesk/internal/events"
	"payoutdesk/internal/inflight"
	"payoutdesk/internal/ledger"
	"payoutdesk/internal/logging"
	"payoutdesk/internal/payout"
	"payoutdesk/internal/server"
	"payoutdesk/internal/settlement"
	"payoutdesk/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Fatal("config error", zap.Error(err))
	}
	log := logging.New(cfg.Log.Level)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api, err := backend.NewClient(backend.ClientConfig{
		BaseURL:  cfg.Backend.BaseURL,
		AdminKey: cfg.Backend.AdminKey,
		Timeout:  cfg.Backend.Timeout,
	}, log.Named("backend"))
	if err != nil {
		log.Fatal("backend client error", zap.Error(err))
	}

	store, closeStore, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		log.Fatal("payout ledger error", zap.Error(err))
	}
	defer closeStore()

	guard, closeGuard, err := openGuard(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("in-flight guard error", zap.Error(err))
	}
	defer closeGuard()

	var publisher events.Publisher = events.NewLogPublisher(log.Named("events"))
	if cfg.NATS.URL != "" {
		natsPub, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, cfg.NATS.Timeout)
		if err != nil {
			log.Fatal("nats error", zap.Error(err))
		}
		defer natsPub.Close()
		publisher = natsPub
	}

	var detect wallet.Detector
	switch cfg.Wallet.Mode {
	case config.WalletModeKey:
		kp, err := wallet.NewKeyProvider(ctx, cfg.Wallet.PrivateKey, cfg.Chain)
		if err != nil {
			log.Fatal("key wallet error", zap.Error(err))
		}
		defer kp.Close()
		detect = kp.Detector()
	default:
		detect = wallet.RPCDetector(cfg.Wallet.RPCURL)
	}

	submitter := payout.NewSubmitter(cfg.Chain, cfg.Payout.PollInterval, cfg.Payout.ConfirmTimeout, log.Named("submitter"))
	flow := payout.NewFlow(payout.FlowConfig{
		Backend:   api,
		Submitter: submitter,
		Reporter:  settlement.NewReporter(api, log.Named("settlement")),
		Ledger:    store,
		Guard:     guard,
		Events:    publisher,
	}, log.Named("payout"))

	apiServer := server.NewServer(cfg, server.Deps{
		Backend:   api,
		Flow:      flow,
		Ledger:    store,
		Connector: wallet.NewConnector(cfg.Chain, cfg.Wallet.Domain, log.Named("wallet")),
		Detect:    detect,
		Events:    publisher,
	}, log.Named("server"))
	apiServer.Run(ctx)

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
}

func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, func(), error) {
	switch cfg.Driver {
	case config.LedgerPostgres:
		pg, err := ledger.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case config.LedgerFile:
		fs, err := ledger.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	default:
		return ledger.NewMemoryStore(), func() {}, nil
	}
}

func openGuard(ctx context.Context, cfg config.RedisConfig) (inflight.Guard, func(), error) {
	if cfg.Addr == "" {
		return inflight.NewMemoryGuard(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return inflight.NewRedisGuard(client, cfg.KeyPrefix, cfg.LockTTL), func() { _ = client.Close() }, nil
}
