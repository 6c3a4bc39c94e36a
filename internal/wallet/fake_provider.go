package wallet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"payoutdesk/internal/token"
)

// FakeProvider is an in-memory wallet with ERC-20 bookkeeping. It records
// every request so tests can assert on call order.
type FakeProvider struct {
	mu sync.Mutex

	Accounts    []common.Address
	Chain       uint64
	KnownChains map[uint64]bool

	RejectAccounts bool
	RejectSwitch   bool
	RejectSign     bool
	SendErr        error
	// PendingPolls is how many receipt polls return NotFound before mining.
	PendingPolls int
	NeverMine    bool
	Revert       bool
	// BeforeSend runs inside SendTransaction before anything is recorded.
	BeforeSend func()
	// LoseSendResponse applies the transfer but reports ErrBroadcastUnknown.
	LoseSendResponse bool

	decimals map[common.Address]uint8
	balances map[common.Address]map[common.Address]*big.Int
	txs      map[common.Hash]*fakeTx
	nonce    uint64
	calls    []string
}

type fakeTx struct {
	pollsLeft int
	block     uint64
	reverted  bool
}

func NewFakeProvider(account common.Address, chainID uint64) *FakeProvider {
	return &FakeProvider{
		Accounts:    []common.Address{account},
		Chain:       chainID,
		KnownChains: map[uint64]bool{chainID: true},
		decimals:    make(map[common.Address]uint8),
		balances:    make(map[common.Address]map[common.Address]*big.Int),
		txs:         make(map[common.Hash]*fakeTx),
	}
}

func (f *FakeProvider) SetToken(tok common.Address, decimals uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decimals[tok] = decimals
	if f.balances[tok] == nil {
		f.balances[tok] = make(map[common.Address]*big.Int)
	}
}

func (f *FakeProvider) SetBalance(tok, account common.Address, units *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[tok] == nil {
		f.balances[tok] = make(map[common.Address]*big.Int)
	}
	f.balances[tok][account] = new(big.Int).Set(units)
}

func (f *FakeProvider) Balance(tok, account common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b := f.balances[tok][account]; b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Calls returns the recorded method names in order.
func (f *FakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeProvider) Count(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

func (f *FakeProvider) record(method string) {
	f.calls = append(f.calls, method)
}

func (f *FakeProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("eth_requestAccounts")
	if f.RejectAccounts {
		return nil, fmt.Errorf("%w: connect", ErrUserRejected)
	}
	return append([]common.Address(nil), f.Accounts...), nil
}

func (f *FakeProvider) ChainID(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("eth_chainId")
	return f.Chain, nil
}

func (f *FakeProvider) SwitchChain(_ context.Context, chainID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("wallet_switchEthereumChain")
	if f.RejectSwitch {
		return fmt.Errorf("%w: switch chain", ErrUserRejected)
	}
	if !f.KnownChains[chainID] {
		return fmt.Errorf("%w: %d", ErrChainNotAdded, chainID)
	}
	f.Chain = chainID
	return nil
}

func (f *FakeProvider) AddChain(_ context.Context, params ChainParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("wallet_addEthereumChain")
	if len(params.RPCURLs) == 0 {
		return errors.New("rpc url required")
	}
	f.KnownChains[params.ChainID] = true
	return nil
}

func (f *FakeProvider) Call(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("eth_call")
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("bad call")
	}
	method, err := token.ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	dec, ok := f.decimals[*msg.To]
	if !ok {
		return nil, errors.New("execution reverted: not a token")
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(dec)
	case "balanceOf":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		owner := args[0].(common.Address)
		bal := f.balances[*msg.To][owner]
		if bal == nil {
			bal = new(big.Int)
		}
		return method.Outputs.Pack(bal)
	}
	return nil, fmt.Errorf("unsupported method %s", method.Name)
}

func (f *FakeProvider) SendTransaction(_ context.Context, msg ethereum.CallMsg) (common.Hash, error) {
	if hook := f.BeforeSend; hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("eth_sendTransaction")
	if f.RejectSign {
		return common.Hash{}, fmt.Errorf("%w: signature", ErrUserRejected)
	}
	if f.SendErr != nil {
		return common.Hash{}, f.SendErr
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return common.Hash{}, errors.New("bad transaction")
	}
	method, err := token.ABI.MethodById(msg.Data[:4])
	if err != nil || method.Name != "transfer" {
		return common.Hash{}, fmt.Errorf("%w: unsupported call", ErrGasEstimation)
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return common.Hash{}, err
	}
	to := args[0].(common.Address)
	amount := args[1].(*big.Int)

	book := f.balances[*msg.To]
	from := book[msg.From]
	if from == nil || from.Cmp(amount) < 0 {
		return common.Hash{}, fmt.Errorf("%w: execution reverted: transfer amount exceeds balance", ErrGasEstimation)
	}

	f.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], f.nonce)
	hash := crypto.Keccak256Hash(msg.From.Bytes(), buf[:], msg.Data)

	if !f.Revert {
		from.Sub(from, amount)
		if book[to] == nil {
			book[to] = new(big.Int)
		}
		book[to].Add(book[to], amount)
	}
	f.txs[hash] = &fakeTx{pollsLeft: f.PendingPolls, block: 100 + f.nonce, reverted: f.Revert}
	if f.LoseSendResponse {
		return hash, fmt.Errorf("%w: read tcp: i/o timeout", ErrBroadcastUnknown)
	}
	return hash, nil
}

func (f *FakeProvider) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("eth_getTransactionReceipt")
	tx, ok := f.txs[hash]
	if !ok || f.NeverMine {
		return nil, ethereum.NotFound
	}
	if tx.pollsLeft > 0 {
		tx.pollsLeft--
		return nil, ethereum.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if tx.reverted {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(tx.block),
		GasUsed:     51_000,
	}, nil
}
