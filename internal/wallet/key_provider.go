package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// KeyProvider signs locally with a hex private key and broadcasts through one
// ethclient per registered chain. It never prompts, so it never rejects.
type KeyProvider struct {
	mu      sync.RWMutex
	key     *ecdsa.PrivateKey
	address common.Address
	clients map[uint64]*ethclient.Client
	active  uint64
}

func NewKeyProvider(ctx context.Context, privateKeyHex string, chain ChainParams) (*KeyProvider, error) {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	p := &KeyProvider{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		clients: make(map[uint64]*ethclient.Client),
	}
	if err := p.AddChain(ctx, chain); err != nil {
		return nil, err
	}
	p.active = chain.ChainID
	return p, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Detector always finds a key provider.
func (p *KeyProvider) Detector() Detector {
	return func(context.Context) (Provider, error) { return p, nil }
}

func (p *KeyProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cli := range p.clients {
		cli.Close()
		delete(p.clients, id)
	}
}

func (p *KeyProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	return []common.Address{p.address}, nil
}

func (p *KeyProvider) ChainID(context.Context) (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active, nil
}

func (p *KeyProvider) SwitchChain(_ context.Context, chainID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.clients[chainID]; !ok {
		return fmt.Errorf("%w: %d", ErrChainNotAdded, chainID)
	}
	p.active = chainID
	return nil
}

// AddChain dials the first reachable RPC URL and checks it serves params.ChainID.
func (p *KeyProvider) AddChain(ctx context.Context, params ChainParams) error {
	if len(params.RPCURLs) == 0 {
		return fmt.Errorf("chain %d: no rpc url", params.ChainID)
	}
	var lastErr error
	for _, url := range params.RPCURLs {
		cli, err := ethclient.DialContext(ctx, url)
		if err != nil {
			lastErr = fmt.Errorf("dial %s: %w", url, err)
			continue
		}
		id, err := cli.ChainID(ctx)
		if err != nil {
			cli.Close()
			lastErr = fmt.Errorf("chain id from %s: %w", url, err)
			continue
		}
		if id.Cmp(params.chainIDBig()) != 0 {
			cli.Close()
			return fmt.Errorf("rpc %s serves chain %s, want %d", url, id, params.ChainID)
		}
		p.mu.Lock()
		if old, ok := p.clients[params.ChainID]; ok {
			old.Close()
		}
		p.clients[params.ChainID] = cli
		p.mu.Unlock()
		return nil
	}
	return lastErr
}

func (p *KeyProvider) client() (*ethclient.Client, uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cli, ok := p.clients[p.active]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %d", ErrChainNotAdded, p.active)
	}
	return cli, p.active, nil
}

func (p *KeyProvider) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	cli, _, err := p.client()
	if err != nil {
		return nil, err
	}
	return cli.CallContract(ctx, msg, nil)
}

func (p *KeyProvider) SendTransaction(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error) {
	if msg.From != p.address {
		return common.Hash{}, fmt.Errorf("cannot sign for %s", msg.From.Hex())
	}
	cli, chainID, err := p.client()
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := cli.PendingNonceAt(ctx, p.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gas, err := cli.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", ErrGasEstimation, err)
	}
	value := msg.Value
	if value == nil {
		value = new(big.Int)
	}

	head, err := cli.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}

	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := cli.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(chainID),
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        msg.To,
			Value:     value,
			Data:      msg.Data,
		})
	} else {
		price, err := cli.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       msg.To,
			Value:    value,
			Data:     msg.Data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)), p.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := cli.SendTransaction(ctx, signed); err != nil {
		return sendOutcome(signed.Hash(), err)
	}
	return signed.Hash(), nil
}

// sendOutcome sorts a failed eth_sendRawTransaction. A JSON-RPC error means the
// node answered and refused the tx; anything else leaves the tx possibly in
// flight under hash.
func sendOutcome(hash common.Hash, err error) (common.Hash, error) {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if strings.Contains(strings.ToLower(rpcErr.Error()), "already known") {
			return hash, nil
		}
		return common.Hash{}, classifySendError(fmt.Errorf("send tx: %w", err))
	}
	return hash, fmt.Errorf("%w: send tx %s: %w", ErrBroadcastUnknown, hash.Hex(), err)
}

func (p *KeyProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	cli, _, err := p.client()
	if err != nil {
		return nil, err
	}
	return cli.TransactionReceipt(ctx, hash)
}
