package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
)

// fakeBackend implements Backend with overridable behavior per method.
type fakeBackend struct {
	mu sync.Mutex

	head        uint64
	logs        []gethTypes.Log
	receipts    map[common.Hash]*gethTypes.Receipt
	knownTxs    map[common.Hash]bool // hash → isPending
	pendingNonce uint64
	latestNonce  uint64
	gasPrice     *big.Int
	gasEstimate  uint64
	balance      *big.Int

	sentNonces []uint64
	sentHashes []common.Hash

	blockNumberErr error
	filterErr      error
	sendErr        error
	callErr        error

	filterCalls [][2]uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		head:        1_000_000,
		receipts:    make(map[common.Hash]*gethTypes.Receipt),
		knownTxs:    make(map[common.Hash]bool),
		gasPrice:    big.NewInt(5_000_000_000),
		gasEstimate: 60_000,
		balance:     big.NewInt(0),
	}
}

func (f *fakeBackend) BlockNumber(_ context.Context) (uint64, error) {
	if f.blockNumberErr != nil {
		return 0, f.blockNumberErr
	}
	return f.head, nil
}

func (f *fakeBackend) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeBackend) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethTypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	from := q.FromBlock.Uint64()
	to := q.ToBlock.Uint64()
	f.filterCalls = append(f.filterCalls, [2]uint64{from, to})
	var out []gethTypes.Log
	for _, l := range f.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if !topicsMatch(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func topicsMatch(query [][]common.Hash, topics []common.Hash) bool {
	for i, alternatives := range query {
		if alternatives == nil {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, alt := range alternatives {
			if alt == topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingNonce, nil
}

func (f *fakeBackend) NonceAt(_ context.Context, _ common.Address, _ *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestNonce, nil
}

func (f *fakeBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return f.gasEstimate, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethTypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentNonces = append(f.sentNonces, tx.Nonce())
	f.sentHashes = append(f.sentHashes, tx.Hash())
	f.pendingNonce++
	f.receipts[tx.Hash()] = &gethTypes.Receipt{
		Status:      gethTypes.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(f.head),
		GasUsed:     50_000,
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethTypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*gethTypes.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pending, ok := f.knownTxs[hash]; ok {
		return nil, pending, nil
	}
	if _, ok := f.receipts[hash]; ok {
		return nil, false, nil
	}
	return nil, false, ethereum.NotFound
}

func transferLog(token, from, to common.Address, wei *big.Int, block uint64, tx common.Hash) gethTypes.Log {
	return gethTypes.Log{
		Address:     token,
		Topics:      []common.Hash{transferEventSig, from.Hash(), to.Hash()},
		Data:        common.LeftPadBytes(wei.Bytes(), 32),
		BlockNumber: block,
		TxHash:      tx,
	}
}
