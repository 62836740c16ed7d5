package chain

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/dlock"
)

// Config carries the chain-side wiring of a Gateway. The payout private key
// is held here as the single process-wide cell; only the payment sender reads
// it, and the derived signer lives only for the duration of one signing call.
type Config struct {
	USDTContract common.Address
	PLEXContract common.Address
	SystemWallet common.Address
	PayoutWallet common.Address
	ChainID      int64

	PayoutPrivateKeyHex string
}

// Gateway wraps the provider pool and rate limiter with the contract-level
// operations the engines need.
type Gateway struct {
	pool    *Pool
	limiter *Limiter
	locker  *dlock.Client
	cfg     Config

	// nonceMu guards in-process nonce races in addition to the distributed
	// nonce lock, since the signer library is synchronous.
	nonceMu sync.Mutex
}

// NewGateway builds a gateway. locker may be nil only in tests.
func NewGateway(pool *Pool, limiter *Limiter, locker *dlock.Client, cfg Config) *Gateway {
	return &Gateway{pool: pool, limiter: limiter, locker: locker, cfg: cfg}
}

// call runs op through the limiter and the failover pool with a deadline.
func (g *Gateway) call(ctx context.Context, timeout time.Duration, op func(ctx context.Context, b Backend) error) error {
	release, err := g.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	started := time.Now()
	err = g.pool.Execute(callCtx, func(b Backend) error {
		return op(callCtx, b)
	})
	rpcCallLatency.Observe(float64(time.Since(started).Milliseconds()))
	return err
}

// LatestBlock returns the current chain head number.
func (g *Gateway) LatestBlock(ctx context.Context) (uint64, error) {
	var block uint64
	err := g.call(ctx, params.FinConfig().RPCTimeout, func(ctx context.Context, b Backend) error {
		n, err := b.BlockNumber(ctx)
		if err != nil {
			return err
		}
		block = n
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "could not fetch latest block")
	}
	return block, nil
}

// Confirmations returns the depth of the given block under the current head,
// counting the block itself.
func (g *Gateway) Confirmations(ctx context.Context, blockNumber uint64) (uint64, error) {
	head, err := g.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	if head < blockNumber {
		return 0, nil
	}
	return head - blockNumber + 1, nil
}

// ErrTxReverted is returned by TxConfirmations when the transaction was mined
// but its receipt reports failure.
var ErrTxReverted = errors.New("transaction reverted")

// TxConfirmations looks up a transaction by hash and returns its confirmation
// depth and block number. A transaction not yet mined reports zero
// confirmations with a nil error.
func (g *Gateway) TxConfirmations(ctx context.Context, txHash common.Hash) (uint64, uint64, error) {
	var receipt *gethTypes.Receipt
	err := g.call(ctx, params.FinConfig().RPCTimeout, func(ctx context.Context, b Backend) error {
		r, err := b.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return 0, 0, nil
		}
		return 0, 0, errors.Wrap(err, "could not fetch receipt")
	}
	if receipt.Status != gethTypes.ReceiptStatusSuccessful {
		return 0, 0, ErrTxReverted
	}
	block := receipt.BlockNumber.Uint64()
	conf, err := g.Confirmations(ctx, block)
	if err != nil {
		return 0, 0, err
	}
	return conf, block, nil
}
