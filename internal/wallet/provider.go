package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnrecognizedChain = 4902
)

var (
	ErrNoProvider          = errors.New("no wallet provider found")
	ErrUserRejected        = errors.New("request rejected by user")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrChainNotAdded       = errors.New("chain not added to wallet")
	ErrChainSwitch         = errors.New("chain switch failed")
	ErrNoAccounts          = errors.New("wallet returned no accounts")
	ErrGasEstimation       = errors.New("gas estimation failed")
	ErrHandoffExpired      = errors.New("no wallet session appeared after handoff")
	// ErrBroadcastUnknown comes with the hash of a signed transaction whose
	// submission failed in transit. The network may still have accepted it.
	ErrBroadcastUnknown = errors.New("transaction broadcast outcome unknown")
)

// Provider is the subset of a wallet provider the payout flow consumes.
type Provider interface {
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	AddChain(ctx context.Context, params ChainParams) error
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	// SendTransaction signs and broadcasts msg from msg.From. With
	// ErrBroadcastUnknown the returned hash is still meaningful.
	SendTransaction(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error)
	// TransactionReceipt returns ethereum.NotFound while the tx is pending.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type NativeCurrency struct {
	Name     string `json:"name" yaml:"name"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals int    `json:"decimals" yaml:"decimals"`
}

// ChainParams is what a wallet needs to register an unknown chain.
type ChainParams struct {
	ChainID        uint64         `yaml:"chainId"`
	Name           string         `yaml:"name"`
	RPCURLs        []string       `yaml:"rpcUrls"`
	ExplorerURL    string         `yaml:"explorerUrl"`
	NativeCurrency NativeCurrency `yaml:"nativeCurrency"`
}

func (c ChainParams) HexID() string {
	return fmt.Sprintf("0x%x", c.ChainID)
}

func (c ChainParams) TxURL(hash string) string {
	if c.ExplorerURL == "" {
		return ""
	}
	return c.ExplorerURL + "/tx/" + hash
}

func (c ChainParams) chainIDBig() *big.Int {
	return new(big.Int).SetUint64(c.ChainID)
}
