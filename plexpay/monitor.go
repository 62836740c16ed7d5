package plexpay

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/plexfin/fincore/chain"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/dlock"
	"github.com/plexfin/fincore/store"
)

// Monitor runs one payment sweep: activation reminders, warning batch, block
// batch, cycle rollover and the on-chain verification loop. The whole sweep
// holds the plex_monitoring lock.
func (e *Engine) Monitor(ctx context.Context) error {
	return e.withLock(ctx, "plex_monitoring", dlock.Options{
		TTL: params.FinConfig().TaskLease,
	}, func(ctx context.Context) error {
		gs, err := e.db.Settings(ctx)
		if err != nil {
			return errors.Wrap(err, "could not load settings")
		}
		now := time.Now().UTC()
		e.sweepActivationReminders(ctx)
		e.sweepWarnings(ctx, gs, now)
		e.sweepBlocks(ctx, gs, now)
		e.sweepVerification(ctx, gs, now)
		return nil
	})
}

// sweepActivationReminders nudges users whose requirement never saw a first
// payment.
func (e *Engine) sweepActivationReminders(ctx context.Context) {
	reqs, err := e.db.InactiveRequirements(ctx)
	if err != nil {
		log.WithError(err).Error("Could not list inactive requirements")
		return
	}
	for i := range reqs {
		r := &reqs[i]
		e.notifyUser(ctx, r.UserID, fmt.Sprintf(
			"Deposit #%d is waiting for its first daily payment of %s PLEX. Send it from your registered wallet to start earning.",
			r.DepositID, r.DailyPlexRequired), false)
	}
}

func (e *Engine) sweepWarnings(ctx context.Context, gs *store.GlobalSettings, now time.Time) {
	reqs, err := e.db.RequirementsPastWarning(ctx, now)
	if err != nil {
		log.WithError(err).Error("Could not list warning batch")
		return
	}
	for i := range reqs {
		r := &reqs[i]
		if e.reanchorIfNeeded(ctx, r, gs) {
			continue
		}
		if err := e.MarkWarning(ctx, r.ID); err != nil {
			log.WithError(err).WithField("requirementID", r.ID).Error("Could not mark warning")
			continue
		}
		e.notifyUser(ctx, r.UserID, fmt.Sprintf(
			"Daily payment of %s PLEX for deposit #%d is overdue. Pay within 24 hours of the original deadline or the deposit will be blocked.",
			r.DailyPlexRequired, r.DepositID), true)
	}
}

func (e *Engine) sweepBlocks(ctx context.Context, gs *store.GlobalSettings, now time.Time) {
	reqs, err := e.db.RequirementsPastBlock(ctx, now)
	if err != nil {
		log.WithError(err).Error("Could not list block batch")
		return
	}
	for i := range reqs {
		r := &reqs[i]
		if e.reanchorIfNeeded(ctx, r, gs) {
			continue
		}
		if err := e.MarkBlocked(ctx, r.ID); err != nil {
			log.WithError(err).WithField("requirementID", r.ID).Error("Could not block requirement")
			continue
		}
		e.notifyUser(ctx, r.UserID, fmt.Sprintf(
			"Deposit #%d has been blocked for missed daily payments. Contact support to restore it.",
			r.DepositID), true)
	}
}

// sweepVerification rolls paid requirements into their next cycle and checks
// the chain for fresh payments on every payable requirement.
func (e *Engine) sweepVerification(ctx context.Context, gs *store.GlobalSettings, now time.Time) {
	reqs, err := e.db.PayableRequirements(ctx, now)
	if err != nil {
		log.WithError(err).Error("Could not list payable requirements")
		return
	}
	for i := range reqs {
		r := &reqs[i]
		if r.Status == store.PlexPaid {
			if err := e.beginNextCycle(ctx, r.ID, now); err != nil {
				log.WithError(err).WithField("requirementID", r.ID).Error("Could not roll cycle")
			}
			continue
		}
		match, err := e.verifyPayment(ctx, r)
		if err != nil {
			log.WithError(err).WithField("requirementID", r.ID).Warn("Payment verification failed")
			continue
		}
		if match == nil {
			continue
		}
		if err := e.MarkPaid(ctx, r.ID, match.TxHash, now); err != nil {
			log.WithError(err).WithField("requirementID", r.ID).Error("Could not record payment")
		}
	}
}

// beginNextCycle moves a paid requirement back to active once its next
// payment window opens.
func (e *Engine) beginNextCycle(ctx context.Context, requirementID int64, now time.Time) error {
	return e.db.Transact(ctx, func(tx Storage) error {
		r, err := tx.GetPlexRequirementForUpdate(ctx, requirementID)
		if err != nil {
			return errors.Wrap(err, "could not load requirement")
		}
		if r.Status != store.PlexPaid || now.Before(r.NextPaymentDue) {
			return nil
		}
		r.Status = store.PlexActive
		return errors.Wrap(tx.SavePlexRequirement(ctx, r), "could not save requirement")
	})
}

func (e *Engine) verifyPayment(ctx context.Context, r *store.PlexRequirement) (*chain.TransferMatch, error) {
	user, err := e.db.GetUser(ctx, r.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "could not load user")
	}
	sender, err := chain.ParseAddress(user.WalletAddress)
	if err != nil {
		return nil, errors.Wrap(err, "bad user wallet")
	}
	match, err := e.chain.VerifyPlexPayment(ctx, sender, r.DailyPlexRequired, params.FinConfig().PlexLookbackBlocks)
	if err != nil {
		return nil, err
	}
	// A transfer already credited to this cycle must not count twice.
	if match != nil && r.LastPaymentTxHash != nil && *r.LastPaymentTxHash == match.TxHash {
		return nil, nil
	}
	return match, nil
}

// reanchorIfNeeded applies the project-start re-anchor and persists it.
// Returns true when the requirement was shifted, in which case the caller
// skips its batch action this round.
func (e *Engine) reanchorIfNeeded(ctx context.Context, r *store.PlexRequirement, gs *store.GlobalSettings) bool {
	if !reanchor(r, gs.ProjectStartAt) {
		return false
	}
	err := e.db.Transact(ctx, func(tx Storage) error {
		fresh, err := tx.GetPlexRequirementForUpdate(ctx, r.ID)
		if err != nil {
			return err
		}
		if !reanchor(fresh, gs.ProjectStartAt) {
			return nil
		}
		return tx.SavePlexRequirement(ctx, fresh)
	})
	if err != nil {
		log.WithError(err).WithField("requirementID", r.ID).Error("Could not re-anchor deadlines")
	}
	return true
}

func (e *Engine) withLock(ctx context.Context, key string, opts dlock.Options, fn func(ctx context.Context) error) error {
	if e.locker == nil {
		return fn(ctx)
	}
	return e.locker.WithLock(ctx, key, opts, fn)
}

func (e *Engine) notifyUser(ctx context.Context, userID int64, msg string, critical bool) {
	u, err := e.db.GetUser(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("userID", userID).Warn("Could not load user for notification")
		return
	}
	if err := e.sink.NotifyUser(ctx, u.ExternalID, msg, critical); err != nil {
		log.WithError(err).WithField("userID", userID).Warn("Could not notify user")
	}
}
