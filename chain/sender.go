package chain

import (
	"context"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/dlock"
	"github.com/plexfin/fincore/money"
	"github.com/sirupsen/logrus"
)

// SendStatus is the terminal disposition of a payment attempt.
type SendStatus string

const (
	// StatusConfirmed means the transaction is included with status=1.
	StatusConfirmed SendStatus = "confirmed"
	// StatusFailed means the transaction reverted or could not be submitted.
	StatusFailed SendStatus = "failed"
	// StatusPending means the transaction was submitted but not yet included.
	// This is not a failure: the caller retries with the returned tx hash.
	StatusPending SendStatus = "pending"
)

// SendRequest describes one outbound payment from the payout wallet.
type SendRequest struct {
	To     common.Address
	Amount money.Amount
	// Native sends BNB instead of a USDT transfer.
	Native bool
	// PreviousTxHash resumes a payment whose earlier attempt timed out.
	PreviousTxHash string
}

// SendResult is the outcome of SendPayment.
type SendResult struct {
	Success     bool
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Status      SendStatus
	Error       string
}

var gwei = big.NewInt(1_000_000_000)

// SendPayment sends a payment from the configured payout wallet. The whole
// sequence runs under nonce_lock:{payout} plus an in-process mutex, so
// concurrent sends from one wallet get distinct, increasing nonces. A receipt
// timeout yields a pending result carrying the tx hash; invoking SendPayment
// again with that hash resumes instead of double-spending.
func (g *Gateway) SendPayment(ctx context.Context, req SendRequest) (*SendResult, error) {
	if !req.Amount.IsPositive() {
		return nil, errors.New("payment amount must be positive")
	}
	g.nonceMu.Lock()
	defer g.nonceMu.Unlock()

	cfg := params.FinConfig()
	var result *SendResult
	run := func(ctx context.Context) error {
		res, err := g.sendWithRetries(ctx, req)
		result = res
		return err
	}
	if g.locker != nil {
		err := g.locker.WithLock(ctx, "nonce_lock:"+g.cfg.PayoutWallet.Hex(), dlock.Options{
			TTL:             cfg.TaskLease,
			Blocking:        true,
			BlockingTimeout: cfg.PreviousTxWait,
		}, run)
		if err != nil && result == nil {
			return nil, err
		}
	} else if err := run(ctx); err != nil {
		return nil, err
	}
	if result != nil {
		paymentsSentTotal.WithLabelValues(string(result.Status)).Inc()
	}
	return result, nil
}

func (g *Gateway) sendWithRetries(ctx context.Context, req SendRequest) (*SendResult, error) {
	cfg := params.FinConfig()
	prevHash := req.PreviousTxHash
	var lastErr error

	for attempt := 0; attempt < cfg.MaxSendRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * cfg.RetryBackoffBase
			log.WithFields(logrus.Fields{"attempt": attempt, "backoff": backoff}).Info("Retrying payment send")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		// Step 1: a previous attempt may already be on chain.
		if prevHash != "" {
			res, done, err := g.checkPrevious(ctx, common.HexToHash(prevHash))
			if err != nil {
				lastErr = err
				continue
			}
			if done {
				return res, nil
			}
			// Reverted or vanished; fall through and send a fresh tx.
			prevHash = ""
		}

		res, err := g.sendOnce(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		if res.Status == StatusPending {
			prevHash = res.TxHash
			if attempt == cfg.MaxSendRetries-1 {
				return res, nil
			}
			continue
		}
		return res, nil
	}
	if prevHash != "" {
		return &SendResult{TxHash: prevHash, Status: StatusPending}, nil
	}
	return nil, errors.Wrap(lastErr, "payment send exhausted retries")
}

// checkPrevious resolves the fate of an earlier attempt. done=true means the
// returned result is final and nothing should be sent.
func (g *Gateway) checkPrevious(ctx context.Context, hash common.Hash) (*SendResult, bool, error) {
	cfg := params.FinConfig()
	receipt, err := g.receipt(ctx, hash)
	if err == nil && receipt != nil {
		if receipt.Status != gethTypes.ReceiptStatusSuccessful {
			// The earlier attempt reverted; a fresh send is required.
			return nil, false, nil
		}
		return resultFromReceipt(hash, receipt), true, nil
	}

	err = g.call(ctx, cfg.RPCTimeout, func(ctx context.Context, b Backend) error {
		_, _, err := b.TransactionByHash(ctx, hash)
		return err
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// The tx never propagated; safe to send anew.
			return nil, false, nil
		}
		return nil, false, err
	}
	// Known to the node but not yet mined: wait up to the previous-tx budget
	// for inclusion.
	receipt, err = g.waitReceipt(ctx, hash, cfg.PreviousTxWait)
	if err == nil && receipt != nil {
		return resultFromReceipt(hash, receipt), true, nil
	}
	return &SendResult{TxHash: hash.Hex(), Status: StatusPending}, true, nil
}

func (g *Gateway) sendOnce(ctx context.Context, req SendRequest) (*SendResult, error) {
	cfg := params.FinConfig()

	// Step 2: nonce. Use the pending count so queued txs are not overwritten.
	var pendingNonce, latestNonce uint64
	err := g.call(ctx, cfg.RPCTimeout, func(ctx context.Context, b Backend) error {
		p, err := b.PendingNonceAt(ctx, g.cfg.PayoutWallet)
		if err != nil {
			return err
		}
		l, err := b.NonceAt(ctx, g.cfg.PayoutWallet, nil)
		if err != nil {
			return err
		}
		pendingNonce, latestNonce = p, l
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch nonce")
	}
	if pendingNonce > latestNonce+cfg.StuckNonceGap {
		log.WithFields(logrus.Fields{
			"pending": pendingNonce,
			"latest":  latestNonce,
		}).Warn("Large pending nonce gap, payout wallet may have stuck transactions")
	}

	to := req.To
	var value *big.Int
	var data []byte
	if req.Native {
		value = req.Amount.ToWei(money.NativeDecimals)
	} else {
		value = new(big.Int)
		to = g.cfg.USDTContract
		packed, err := erc20ABI().Pack("transfer", req.To, req.Amount.ToWei(money.USDTDecimals))
		if err != nil {
			return nil, errors.Wrap(err, "could not pack transfer")
		}
		data = packed
	}

	// Step 3: gas limit with a safety factor; documented defaults on failure.
	gasLimit := g.estimateGas(ctx, to, value, data, req.Native)

	// Step 4: gas price clamped to the configured gwei corridor.
	gasPrice, err := g.gasPrice(ctx)
	if err != nil {
		return nil, err
	}

	// Step 5: sign in-process. The signer key exists only for this call.
	tx := gethTypes.NewTransaction(pendingNonce, to, value, gasLimit, gasPrice, data)
	priv, err := crypto.HexToECDSA(g.cfg.PayoutPrivateKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "invalid payout key")
	}
	signed, err := gethTypes.SignTx(tx, gethTypes.LatestSignerForChainID(big.NewInt(g.cfg.ChainID)), priv)
	priv = nil
	if err != nil {
		return nil, errors.Wrap(err, "could not sign transaction")
	}

	if err := g.call(ctx, cfg.RPCTimeout, func(ctx context.Context, b Backend) error {
		return b.SendTransaction(ctx, signed)
	}); err != nil {
		return nil, errors.Wrap(err, "could not submit transaction")
	}
	txHash := signed.Hash()
	log.WithFields(logrus.Fields{
		"tx":    txHash.Hex(),
		"nonce": pendingNonce,
		"to":    req.To.Hex(),
	}).Info("Payment submitted")

	// Step 6: wait for the receipt; timeout is pending, never failed.
	receipt, err := g.waitReceipt(ctx, txHash, cfg.ReceiptWait)
	if err != nil || receipt == nil {
		return &SendResult{TxHash: txHash.Hex(), Status: StatusPending}, nil
	}
	return resultFromReceipt(txHash, receipt), nil
}

func (g *Gateway) estimateGas(ctx context.Context, to common.Address, value *big.Int, data []byte, native bool) uint64 {
	cfg := params.FinConfig()
	var estimated uint64
	err := g.call(ctx, cfg.RPCTimeout, func(ctx context.Context, b Backend) error {
		est, err := b.EstimateGas(ctx, ethereum.CallMsg{
			From:  g.cfg.PayoutWallet,
			To:    &to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			return err
		}
		estimated = est
		return nil
	})
	if err != nil || estimated == 0 {
		if native {
			return cfg.DefaultGasLimitNative
		}
		return cfg.DefaultGasLimitERC20
	}
	return uint64(float64(estimated) * cfg.GasSafetyFactor)
}

func (g *Gateway) gasPrice(ctx context.Context) (*big.Int, error) {
	cfg := params.FinConfig()
	var suggested *big.Int
	err := g.call(ctx, cfg.RPCTimeout, func(ctx context.Context, b Backend) error {
		p, err := b.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		suggested = p
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch gas price")
	}
	min := new(big.Int).Mul(big.NewInt(cfg.MinGasPriceGwei), gwei)
	max := new(big.Int).Mul(big.NewInt(cfg.MaxGasPriceGwei), gwei)
	if suggested.Cmp(min) < 0 {
		return min, nil
	}
	if suggested.Cmp(max) > 0 {
		return max, nil
	}
	return suggested, nil
}

func (g *Gateway) receipt(ctx context.Context, hash common.Hash) (*gethTypes.Receipt, error) {
	var receipt *gethTypes.Receipt
	err := g.call(ctx, params.FinConfig().RPCTimeout, func(ctx context.Context, b Backend) error {
		r, err := b.TransactionReceipt(ctx, hash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	return receipt, err
}

func (g *Gateway) waitReceipt(ctx context.Context, hash common.Hash, budget time.Duration) (*gethTypes.Receipt, error) {
	poll := budget / 4
	if poll > 2*time.Second {
		poll = 2 * time.Second
	}
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	deadline := time.Now().Add(budget)
	for {
		receipt, err := g.receipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func resultFromReceipt(hash common.Hash, receipt *gethTypes.Receipt) *SendResult {
	if receipt.Status == gethTypes.ReceiptStatusSuccessful {
		return &SendResult{
			Success:     true,
			TxHash:      hash.Hex(),
			BlockNumber: receipt.BlockNumber.Uint64(),
			GasUsed:     receipt.GasUsed,
			Status:      StatusConfirmed,
		}
	}
	return &SendResult{
		TxHash:      hash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Status:      StatusFailed,
		Error:       "transaction reverted",
	}
}
