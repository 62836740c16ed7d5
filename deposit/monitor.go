package deposit

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/plexfin/fincore/chain"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/dlock"
	"github.com/plexfin/fincore/store"
	"github.com/sirupsen/logrus"
)

// Monitor runs one deposit sweep: network-recovery conversion, pending
// timeout handling and confirmation-depth checks. The whole sweep holds the
// deposit_monitoring lock; a sibling process holding it makes this run a
// no-op.
func (e *Engine) Monitor(ctx context.Context) error {
	return e.withLock(ctx, "deposit_monitoring", dlock.Options{
		TTL: params.FinConfig().TaskLease,
	}, func(ctx context.Context) error {
		e.sweepNetworkRecovery(ctx)
		e.sweepPendingWithoutHash(ctx)
		e.sweepPendingWithHash(ctx)
		return nil
	})
}

// sweepNetworkRecovery re-examines deposits parked during chain maintenance.
// Once maintenance lifts, a matching historical transfer confirms the
// deposit; otherwise it rejoins the ordinary pending flow.
func (e *Engine) sweepNetworkRecovery(ctx context.Context) {
	gs, err := e.db.Settings(ctx)
	if err != nil {
		log.WithError(err).Error("Could not load settings")
		return
	}
	if gs.BlockchainMaintenance {
		return
	}
	deposits, err := e.db.NetworkRecoveryDeposits(ctx)
	if err != nil {
		log.WithError(err).Error("Could not list network-recovery deposits")
		return
	}
	for i := range deposits {
		d := &deposits[i]
		match, err := e.searchHistory(ctx, d)
		if err != nil {
			log.WithError(err).WithField("depositID", d.ID).Warn("History search failed")
			continue
		}
		if match == nil {
			if err := e.db.UpdateDepositStatus(ctx, d.ID, store.DepositPending); err != nil {
				log.WithError(err).WithField("depositID", d.ID).Error("Could not convert deposit to pending")
			}
			continue
		}
		e.confirmFromMatch(ctx, d, match)
	}
}

// sweepPendingWithoutHash searches history for pending deposits that never
// presented a transaction hash and are older than the pending timeout. No
// match by then fails the deposit.
func (e *Engine) sweepPendingWithoutHash(ctx context.Context) {
	cfg := params.FinConfig()
	deposits, err := e.db.PendingDeposits(ctx, false)
	if err != nil {
		log.WithError(err).Error("Could not list pending deposits")
		return
	}
	cutoff := time.Now().UTC().Add(-cfg.DepositPendingTimeout)
	for i := range deposits {
		d := &deposits[i]
		if d.CreatedAt.After(cutoff) {
			continue
		}
		match, err := e.searchHistory(ctx, d)
		if err != nil {
			log.WithError(err).WithField("depositID", d.ID).Warn("History search failed")
			continue
		}
		if match != nil {
			e.confirmFromMatch(ctx, d, match)
			continue
		}
		if err := e.db.UpdateDepositStatus(ctx, d.ID, store.DepositFailed); err != nil {
			log.WithError(err).WithField("depositID", d.ID).Error("Could not fail deposit")
			continue
		}
		depositsFailed.Inc()
		e.notifyUser(ctx, d.UserID,
			fmt.Sprintf("Deposit #%d expired: no matching transfer found within 24 hours.", d.ID), true)
	}
}

// sweepPendingWithHash confirms pending deposits whose transaction reached
// the required confirmation depth. A reverted transaction fails the deposit.
func (e *Engine) sweepPendingWithHash(ctx context.Context) {
	cfg := params.FinConfig()
	deposits, err := e.db.PendingDeposits(ctx, true)
	if err != nil {
		log.WithError(err).Error("Could not list pending deposits")
		return
	}
	for i := range deposits {
		d := &deposits[i]
		conf, block, err := e.chain.TxConfirmations(ctx, common.HexToHash(*d.TxHash))
		if err != nil {
			if errors.Is(err, chain.ErrTxReverted) {
				if err := e.db.UpdateDepositStatus(ctx, d.ID, store.DepositFailed); err != nil {
					log.WithError(err).WithField("depositID", d.ID).Error("Could not fail deposit")
					continue
				}
				depositsFailed.Inc()
				e.notifyUser(ctx, d.UserID,
					fmt.Sprintf("Deposit #%d failed: transaction reverted.", d.ID), true)
				continue
			}
			log.WithError(err).WithField("depositID", d.ID).Warn("Confirmation check failed")
			continue
		}
		if conf < cfg.ConfirmationBlocks {
			continue
		}
		if err := e.Confirm(ctx, d.ID, block); err != nil {
			log.WithError(err).WithField("depositID", d.ID).Error("Could not confirm deposit")
		}
	}
}

func (e *Engine) searchHistory(ctx context.Context, d *store.Deposit) (*chain.TransferMatch, error) {
	user, err := e.db.GetUser(ctx, d.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "could not load user")
	}
	from, err := chain.ParseAddress(user.WalletAddress)
	if err != nil {
		return nil, errors.Wrap(err, "bad user wallet")
	}
	return e.chain.SearchForDeposit(ctx, from, d.Amount, 0, 0, params.FinConfig().DepositAmountTolerance)
}

func (e *Engine) confirmFromMatch(ctx context.Context, d *store.Deposit, match *chain.TransferMatch) {
	if d.TxHash == nil || *d.TxHash != match.TxHash {
		if err := e.db.SetDepositTxHash(ctx, d.ID, match.TxHash); err != nil && !errors.Is(err, store.ErrConflict) {
			log.WithError(err).WithField("depositID", d.ID).Error("Could not attach tx hash")
			return
		}
	}
	if err := e.Confirm(ctx, d.ID, match.BlockNumber); err != nil {
		log.WithError(err).WithField("depositID", d.ID).Error("Could not confirm deposit")
	}
}

// ConsolidateUserDeposits merges a user's confirmed deposits into the oldest
// one: amounts and caps sum, transfer hashes collect on the target, and the
// other rows become terminal. The routine runs once per user.
func (e *Engine) ConsolidateUserDeposits(ctx context.Context, userID int64) error {
	return e.db.Transact(ctx, func(tx Storage) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return errors.Wrap(err, "could not load user")
		}
		if user.DepositsConsolidated {
			return nil
		}
		deposits, err := tx.ConfirmedDepositsByUser(ctx, userID)
		if err != nil {
			return errors.Wrap(err, "could not list deposits")
		}
		if len(deposits) < 2 {
			return tx.SetDepositsConsolidated(ctx, userID)
		}
		target := &deposits[0]
		amount := target.Amount
		roiCap := target.ROICapAmount
		var hashes store.StringList
		if target.TxHash != nil {
			hashes = append(hashes, *target.TxHash)
		}
		for i := 1; i < len(deposits); i++ {
			d := &deposits[i]
			amount = amount.Add(d.Amount)
			roiCap = roiCap.Add(d.ROICapAmount)
			if d.TxHash != nil {
				hashes = append(hashes, *d.TxHash)
			}
			if err := tx.UpdateDepositStatus(ctx, d.ID, store.DepositConsolidated); err != nil {
				return errors.Wrapf(err, "could not consolidate deposit %d", d.ID)
			}
		}
		if err := tx.MarkDepositConsolidated(ctx, target.ID, amount, roiCap, hashes, time.Now().UTC()); err != nil {
			return errors.Wrap(err, "could not finalize consolidation target")
		}
		if err := tx.SetDepositsConsolidated(ctx, userID); err != nil {
			return errors.Wrap(err, "could not flag user")
		}
		log.WithFields(logrus.Fields{
			"userID":   userID,
			"targetID": target.ID,
			"merged":   len(deposits) - 1,
		}).Info("Deposits consolidated")
		return nil
	})
}
