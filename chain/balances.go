package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/money"
)

// USDTBalance returns the USDT balance of addr as a decimal amount.
func (g *Gateway) USDTBalance(ctx context.Context, addr common.Address) (money.Amount, error) {
	return g.tokenBalance(ctx, g.cfg.USDTContract, addr, money.USDTDecimals)
}

// PLEXBalance returns the PLEX balance of addr as a decimal amount.
func (g *Gateway) PLEXBalance(ctx context.Context, addr common.Address) (money.Amount, error) {
	return g.tokenBalance(ctx, g.cfg.PLEXContract, addr, money.PLEXDecimals)
}

// NativeBalance returns the BNB balance of addr as a decimal amount.
func (g *Gateway) NativeBalance(ctx context.Context, addr common.Address) (money.Amount, error) {
	var wei *big.Int
	err := g.call(ctx, params.FinConfig().RPCTimeout, func(ctx context.Context, b Backend) error {
		bal, err := b.BalanceAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		wei = bal
		return nil
	})
	if err != nil {
		return money.Zero(), errors.Wrap(err, "could not fetch native balance")
	}
	return money.FromWei(wei, money.NativeDecimals), nil
}

func (g *Gateway) tokenBalance(ctx context.Context, token, addr common.Address, decimals int32) (money.Amount, error) {
	data, err := erc20ABI().Pack("balanceOf", addr)
	if err != nil {
		return money.Zero(), errors.Wrap(err, "could not pack balanceOf")
	}
	var raw []byte
	err = g.call(ctx, params.FinConfig().RPCTimeout, func(ctx context.Context, b Backend) error {
		out, err := b.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return money.Zero(), errors.Wrapf(err, "balanceOf call failed for %s", addr.Hex())
	}
	results, err := erc20ABI().Unpack("balanceOf", raw)
	if err != nil || len(results) == 0 {
		return money.Zero(), errors.Wrap(err, "could not unpack balanceOf result")
	}
	wei, ok := results[0].(*big.Int)
	if !ok {
		return money.Zero(), errors.New("unexpected balanceOf result type")
	}
	return money.FromWei(wei, decimals), nil
}
