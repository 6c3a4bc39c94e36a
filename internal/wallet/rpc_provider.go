package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCProvider talks to a wallet that exposes its EIP-1193 interface over
// JSON-RPC, such as a desktop wallet's local endpoint.
type RPCProvider struct {
	client *rpc.Client
}

func DialRPCProvider(ctx context.Context, url string) (*RPCProvider, error) {
	if url == "" {
		return nil, ErrNoProvider
	}
	cli, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrNoProvider, url, err)
	}
	return &RPCProvider{client: cli}, nil
}

func NewRPCProvider(client *rpc.Client) *RPCProvider {
	return &RPCProvider{client: client}
}

// RPCDetector dials url and returns a provider only when it answers eth_chainId.
func RPCDetector(url string) Detector {
	return func(ctx context.Context) (Provider, error) {
		p, err := DialRPCProvider(ctx, url)
		if err != nil {
			return nil, err
		}
		if _, err := p.ChainID(ctx); err != nil {
			p.Close()
			return nil, err
		}
		return p, nil
	}
}

func (p *RPCProvider) Close() {
	p.client.Close()
}

func (p *RPCProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := p.client.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, mapRPCError(err)
	}
	return accounts, nil
}

func (p *RPCProvider) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	if err := p.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, mapRPCError(err)
	}
	return uint64(id), nil
}

func (p *RPCProvider) SwitchChain(ctx context.Context, chainID uint64) error {
	arg := map[string]string{"chainId": hexutil.EncodeUint64(chainID)}
	if err := p.client.CallContext(ctx, nil, "wallet_switchEthereumChain", arg); err != nil {
		return mapRPCError(err)
	}
	return nil
}

type addChainArg struct {
	ChainID           string          `json:"chainId"`
	ChainName         string          `json:"chainName"`
	RPCURLs           []string        `json:"rpcUrls"`
	BlockExplorerURLs []string        `json:"blockExplorerUrls,omitempty"`
	NativeCurrency    *NativeCurrency `json:"nativeCurrency,omitempty"`
}

func (p *RPCProvider) AddChain(ctx context.Context, params ChainParams) error {
	arg := addChainArg{
		ChainID:   params.HexID(),
		ChainName: params.Name,
		RPCURLs:   params.RPCURLs,
	}
	if params.ExplorerURL != "" {
		arg.BlockExplorerURLs = []string{params.ExplorerURL}
	}
	if params.NativeCurrency.Symbol != "" {
		nc := params.NativeCurrency
		arg.NativeCurrency = &nc
	}
	if err := p.client.CallContext(ctx, nil, "wallet_addEthereumChain", arg); err != nil {
		return mapRPCError(err)
	}
	return nil
}

func (p *RPCProvider) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out hexutil.Bytes
	if err := p.client.CallContext(ctx, &out, "eth_call", toCallArg(msg), "latest"); err != nil {
		return nil, mapRPCError(err)
	}
	return out, nil
}

func (p *RPCProvider) SendTransaction(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error) {
	var hash common.Hash
	if err := p.client.CallContext(ctx, &hash, "eth_sendTransaction", toCallArg(msg)); err != nil {
		return common.Hash{}, classifySendError(mapRPCError(err))
	}
	return hash, nil
}

func (p *RPCProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var r *types.Receipt
	if err := p.client.CallContext(ctx, &r, "eth_getTransactionReceipt", hash); err != nil {
		return nil, mapRPCError(err)
	}
	if r == nil {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func toCallArg(msg ethereum.CallMsg) map[string]interface{} {
	arg := map[string]interface{}{
		"from": msg.From,
		"to":   msg.To,
	}
	if len(msg.Data) > 0 {
		arg["data"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	return arg
}

func mapRPCError(err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.ErrorCode() {
	case CodeUserRejected:
		return fmt.Errorf("%w: %s", ErrUserRejected, rpcErr.Error())
	case CodeUnrecognizedChain:
		return fmt.Errorf("%w: %s", ErrChainNotAdded, rpcErr.Error())
	}
	// Some wallets nest 4902 inside a generic internal error.
	if strings.Contains(strings.ToLower(rpcErr.Error()), "unrecognized chain") {
		return fmt.Errorf("%w: %s", ErrChainNotAdded, rpcErr.Error())
	}
	return err
}

var gasErrorHints = []string{
	"gas required exceeds",
	"execution reverted",
	"cannot estimate gas",
	"insufficient funds for gas",
	"intrinsic gas too low",
}

func classifySendError(err error) error {
	if errors.Is(err, ErrUserRejected) || errors.Is(err, ErrGasEstimation) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range gasErrorHints {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %w", ErrGasEstimation, err)
		}
	}
	return err
}
