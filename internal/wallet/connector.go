package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Connector establishes wallet sessions pinned to one required chain.
type Connector struct {
	Chain        ChainParams
	WalletDomain string
	Now          func() time.Time
	log          *zap.Logger
}

func NewConnector(chain ChainParams, walletDomain string, log *zap.Logger) *Connector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Connector{
		Chain:        chain,
		WalletDomain: walletDomain,
		Now:          time.Now,
		log:          log,
	}
}

// Connect opens a session, or returns a Handoff when the caller must open the
// wallet app through a deep link and poll again later.
func (c *Connector) Connect(ctx context.Context, env Env) (Connection, error) {
	if !env.Platform.Valid() {
		return Connection{}, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, env.Platform)
	}

	if env.Provider == nil {
		if env.Platform == PlatformDesktop {
			return Connection{}, ErrNoProvider
		}
		if env.Host == "" {
			return Connection{}, fmt.Errorf("%w: host required for deep link", ErrUnsupportedPlatform)
		}
		link := DeepLink(c.WalletDomain, env.Host)
		c.log.Info("wallet handoff required", zap.String("url", link))
		return Connection{Handoff: &Handoff{URL: link}}, nil
	}

	provenance := ProvenanceExtension
	if env.Platform == PlatformMobile {
		provenance = ProvenanceInApp
	}

	accounts, err := env.Provider.RequestAccounts(ctx)
	if err != nil {
		return Connection{}, fmt.Errorf("request accounts: %w", err)
	}
	if len(accounts) == 0 {
		return Connection{}, ErrNoAccounts
	}

	if err := EnsureChain(ctx, env.Provider, c.Chain); err != nil {
		return Connection{}, err
	}

	session := NewSession(env.Provider, accounts[0].Hex(), c.Chain.ChainID, provenance, c.Now())
	c.log.Info("wallet connected",
		zap.String("address", session.Address),
		zap.Uint64("chain_id", session.ChainID),
		zap.String("provenance", string(provenance)),
	)
	return Connection{Session: &session}, nil
}

// EnsureChain makes p's active chain equal target. A mismatch costs exactly one
// switch request, plus an add and one more switch when the wallet does not
// know the chain yet.
func EnsureChain(ctx context.Context, p Provider, target ChainParams) error {
	current, err := p.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: read chain: %w", ErrChainSwitch, err)
	}
	if current == target.ChainID {
		return nil
	}

	err = p.SwitchChain(ctx, target.ChainID)
	if errors.Is(err, ErrChainNotAdded) {
		if addErr := p.AddChain(ctx, target); addErr != nil {
			return fmt.Errorf("%w: add chain %d: %w", ErrChainSwitch, target.ChainID, addErr)
		}
		err = p.SwitchChain(ctx, target.ChainID)
	}
	if err != nil {
		return fmt.Errorf("%w: switch %d -> %d: %w", ErrChainSwitch, current, target.ChainID, err)
	}
	return nil
}

// Detector reports the provider once one is reachable, or nil while none is.
type Detector func(ctx context.Context) (Provider, error)

// PollPolicy bounds AwaitSession.
type PollPolicy struct {
	Interval time.Duration
	MaxWait  time.Duration
}

// AwaitSession polls detect after a deep-link handoff until a session can be
// opened, ctx is cancelled or policy.MaxWait passes.
func (c *Connector) AwaitSession(ctx context.Context, env Env, detect Detector, policy PollPolicy) (Session, error) {
	if policy.Interval <= 0 {
		policy.Interval = 2 * time.Second
	}
	if policy.MaxWait <= 0 {
		policy.MaxWait = 2 * time.Minute
	}

	pollCtx, cancel := context.WithTimeout(ctx, policy.MaxWait)
	defer cancel()

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	for {
		p, err := detect(pollCtx)
		if err != nil {
			c.log.Debug("wallet not detected yet", zap.Error(err))
		}
		if p != nil {
			probe := env
			probe.Provider = p
			conn, err := c.Connect(pollCtx, probe)
			if err != nil {
				return Session{}, err
			}
			if conn.Session != nil {
				return *conn.Session, nil
			}
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return Session{}, ctx.Err()
			}
			return Session{}, ErrHandoffExpired
		case <-ticker.C:
		}
	}
}
