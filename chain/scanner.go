package chain

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/money"
)

// TransferMatch describes a token Transfer found on chain.
type TransferMatch struct {
	TxHash        string
	BlockNumber   uint64
	From          common.Address
	Amount        money.Amount
	Confirmations uint64
}

// SearchForDeposit scans USDT Transfer logs from the user wallet to the
// system wallet within [fromBlock, toBlock] and returns the first event whose
// value is within ±tolerance×expected, or nil if none match. toBlock == 0
// means the chain head, resolved once. Windows wider than the configured cap
// (≈3 days of BSC blocks) are clamped, not rejected; the oldest part of the
// range is dropped.
func (g *Gateway) SearchForDeposit(ctx context.Context, from common.Address, expected money.Amount, fromBlock, toBlock uint64, tolerance money.Amount) (*TransferMatch, error) {
	cfg := params.FinConfig()
	head, err := g.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	if toBlock == 0 || toBlock > head {
		toBlock = head
	}
	if fromBlock > toBlock {
		return nil, errors.Errorf("invalid scan range [%d, %d]", fromBlock, toBlock)
	}
	if toBlock-fromBlock > cfg.DepositScanMaxWindow {
		fromBlock = toBlock - cfg.DepositScanMaxWindow
	}

	logs, err := g.filterTransfers(ctx, g.cfg.USDTContract, &from, g.cfg.SystemWallet, fromBlock, toBlock)
	if err != nil {
		return nil, errors.Wrap(err, "could not filter deposit logs")
	}

	expectedWei := expected.ToWei(money.USDTDecimals)
	// tolerance is a fraction of the expected amount; the comparison happens
	// in wei to avoid floating-point drift.
	tolWei := expected.Percent(tolerance.MulInt(100)).ToWei(money.USDTDecimals)
	for _, l := range logs {
		value := new(big.Int).SetBytes(l.Data)
		diff := new(big.Int).Abs(new(big.Int).Sub(value, expectedWei))
		if diff.Cmp(tolWei) <= 0 {
			// First match in event order wins; a duplicate transfer of the
			// same amount is absorbed downstream by the unique tx hash.
			return g.matchFromLog(l, head, money.USDTDecimals), nil
		}
	}
	return nil, nil
}

// ScanDeposits aggregates all transfers from wallet to the system wallet over
// the last maxBlocks blocks, iterating in reverse chunks so the newest
// transfers surface first. Per-chunk failures are logged and skipped; the scan
// itself never fails on them.
func (g *Gateway) ScanDeposits(ctx context.Context, wallet common.Address, maxBlocks, chunkSize uint64) ([]TransferMatch, error) {
	if chunkSize == 0 {
		chunkSize = params.FinConfig().DepositScanChunkSize
	}
	head, err := g.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	transferScansTotal.Inc()

	var lowest uint64
	if head > maxBlocks {
		lowest = head - maxBlocks
	}
	var out []TransferMatch
	end := head
	for end > lowest {
		start := lowest
		if end > chunkSize && end-chunkSize > lowest {
			start = end - chunkSize
		}
		logs, err := g.filterTransfers(ctx, g.cfg.USDTContract, &wallet, g.cfg.SystemWallet, start, end)
		if err != nil {
			log.WithError(err).WithFields(map[string]interface{}{
				"from": start,
				"to":   end,
			}).Warn("Deposit scan chunk failed, skipping")
		} else {
			for _, l := range logs {
				out = append(out, *g.matchFromLog(l, head, money.USDTDecimals))
			}
		}
		if start == lowest {
			break
		}
		end = start - 1
	}
	return out, nil
}

// VerifyPlexPayment scans PLEX Transfer events into the system wallet over
// the last lookbackBlocks blocks and returns the newest transfer from sender
// whose value covers amountPlex, or nil.
func (g *Gateway) VerifyPlexPayment(ctx context.Context, sender common.Address, amountPlex money.Amount, lookbackBlocks uint64) (*TransferMatch, error) {
	cfg := params.FinConfig()
	if lookbackBlocks == 0 {
		lookbackBlocks = cfg.PlexLookbackBlocks
	}
	head, err := g.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	transferScansTotal.Inc()

	requiredWei := amountPlex.ToWei(money.PLEXDecimals)
	var lowest uint64
	if head > lookbackBlocks {
		lowest = head - lookbackBlocks
	}
	end := head
	for end > lowest {
		start := lowest
		if end > cfg.DepositScanChunkSize && end-cfg.DepositScanChunkSize > lowest {
			start = end - cfg.DepositScanChunkSize
		}
		// Filter by recipient only; the sender check happens below so one
		// query serves every requirement in the sweep window.
		logs, err := g.filterTransfers(ctx, g.cfg.PLEXContract, nil, g.cfg.SystemWallet, start, end)
		if err != nil {
			return nil, errors.Wrap(err, "could not filter plex payment logs")
		}
		sort.Slice(logs, func(i, j int) bool {
			return logs[i].BlockNumber > logs[j].BlockNumber
		})
		for _, l := range logs {
			if len(l.Topics) < 3 {
				continue
			}
			from := common.BytesToAddress(l.Topics[1].Bytes())
			if from != sender {
				continue
			}
			value := new(big.Int).SetBytes(l.Data)
			if value.Cmp(requiredWei) >= 0 {
				return g.matchFromLog(l, head, money.PLEXDecimals), nil
			}
		}
		if start == lowest {
			break
		}
		end = start - 1
	}
	return nil, nil
}

func (g *Gateway) filterTransfers(ctx context.Context, token common.Address, from *common.Address, to common.Address, fromBlock, toBlock uint64) ([]gethTypes.Log, error) {
	topics := [][]common.Hash{{transferEventSig}}
	if from != nil {
		topics = append(topics, []common.Hash{from.Hash()})
	} else {
		topics = append(topics, nil)
	}
	topics = append(topics, []common.Hash{to.Hash()})
	query := ethereum.FilterQuery{
		Addresses: []common.Address{token},
		Topics:    topics,
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
	}
	var logs []gethTypes.Log
	err := g.call(ctx, params.FinConfig().LongRPCTimeout, func(ctx context.Context, b Backend) error {
		out, err := b.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = out
		return nil
	})
	return logs, err
}

func (g *Gateway) matchFromLog(l gethTypes.Log, head uint64, decimals int32) *TransferMatch {
	m := &TransferMatch{
		TxHash:      l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
		Amount:      money.FromWei(new(big.Int).SetBytes(l.Data), decimals),
	}
	if len(l.Topics) >= 2 {
		m.From = common.BytesToAddress(l.Topics[1].Bytes())
	}
	if head >= l.BlockNumber {
		m.Confirmations = head - l.BlockNumber + 1
	}
	return m
}
