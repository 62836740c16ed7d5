// Package plexpay runs the per-deposit daily PLEX payment state machine: the
// pay-then-work activation, the warning and block deadlines, cycle rollover
// and the on-chain verification loop.
package plexpay

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/plexfin/fincore/chain"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/dlock"
	"github.com/plexfin/fincore/money"
	"github.com/plexfin/fincore/notify"
	"github.com/plexfin/fincore/store"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "plexpay")

// Storage is the slice of the store the engine needs.
type Storage interface {
	Transact(ctx context.Context, fn func(tx Storage) error) error

	GetUser(ctx context.Context, id int64) (*store.User, error)
	TouchPlexCheck(ctx context.Context, userID int64, at time.Time) error

	GetDeposit(ctx context.Context, id int64) (*store.Deposit, error)
	UpdateDepositStatus(ctx context.Context, id int64, status store.DepositStatus) error

	GetPlexRequirementForUpdate(ctx context.Context, id int64) (*store.PlexRequirement, error)
	SavePlexRequirement(ctx context.Context, r *store.PlexRequirement) error
	InactiveRequirements(ctx context.Context) ([]store.PlexRequirement, error)
	RequirementsPastWarning(ctx context.Context, now time.Time) ([]store.PlexRequirement, error)
	RequirementsPastBlock(ctx context.Context, now time.Time) ([]store.PlexRequirement, error)
	PayableRequirements(ctx context.Context, now time.Time) ([]store.PlexRequirement, error)
	UnpaidRequiredDays(ctx context.Context, userID int64, projectStart, now time.Time) (int, error)

	CreateTransaction(ctx context.Context, t *store.Transaction) error
	Settings(ctx context.Context) (*store.GlobalSettings, error)
}

// Chain is the slice of the blockchain gateway the engine needs.
type Chain interface {
	VerifyPlexPayment(ctx context.Context, sender common.Address, amountPlex money.Amount, lookbackBlocks uint64) (*chain.TransferMatch, error)
	PLEXBalance(ctx context.Context, addr common.Address) (money.Amount, error)
}

// Locker acquires named cross-process locks.
type Locker interface {
	WithLock(ctx context.Context, key string, opts dlock.Options, fn func(ctx context.Context) error) error
}

// Engine is the PLEX payment engine.
type Engine struct {
	db     Storage
	chain  Chain
	locker Locker
	sink   notify.Sink
}

// New builds an engine. locker may be nil in single-process tests.
func New(db Storage, ch Chain, locker Locker, sink notify.Sink) *Engine {
	return &Engine{db: db, chain: ch, locker: locker, sink: sink}
}

// MarkPaid records a verified daily payment: the cycle advances by one
// payment window, totals accumulate, and the first payment ever flips the
// requirement work-active. Paying a blocked requirement is rejected.
func (e *Engine) MarkPaid(ctx context.Context, requirementID int64, txHash string, paidAt time.Time) error {
	cfg := params.FinConfig()
	return e.db.Transact(ctx, func(tx Storage) error {
		r, err := tx.GetPlexRequirementForUpdate(ctx, requirementID)
		if err != nil {
			return errors.Wrap(err, "could not load requirement")
		}
		if r.Status == store.PlexBlocked {
			return errors.Errorf("requirement %d is blocked", requirementID)
		}
		if r.LastPaymentTxHash != nil && *r.LastPaymentTxHash == txHash {
			return nil
		}
		r.Status = store.PlexPaid
		r.NextPaymentDue = r.NextPaymentDue.Add(cfg.PlexPaymentWindow)
		r.WarningDue = r.WarningDue.Add(cfg.PlexPaymentWindow)
		r.BlockDue = r.BlockDue.Add(cfg.PlexPaymentWindow)
		r.LastPaymentAt = &paidAt
		r.LastPaymentTxHash = &txHash
		r.TotalPaidPlex = r.TotalPaidPlex.Add(r.DailyPlexRequired)
		r.DaysPaid++
		r.WarningSentAt = nil
		if !r.IsWorkActive {
			r.IsWorkActive = true
			r.FirstPaymentAt = &paidAt
		}
		if err := tx.SavePlexRequirement(ctx, r); err != nil {
			return errors.Wrap(err, "could not save requirement")
		}
		hash := txHash
		if err := tx.CreateTransaction(ctx, &store.Transaction{
			UserID: r.UserID,
			Type:   store.TxPlexPayment,
			Amount: r.DailyPlexRequired,
			Status: store.TxConfirmed,
			TxHash: &hash,
		}); err != nil {
			return errors.Wrap(err, "could not write ledger row")
		}
		paymentsVerified.Inc()
		log.WithFields(logrus.Fields{
			"requirementID": requirementID,
			"txHash":        txHash,
			"daysPaid":      r.DaysPaid,
		}).Info("Daily payment recorded")
		return nil
	})
}

// MarkWarning moves an active requirement to warning and stamps the notice.
func (e *Engine) MarkWarning(ctx context.Context, requirementID int64) error {
	return e.db.Transact(ctx, func(tx Storage) error {
		r, err := tx.GetPlexRequirementForUpdate(ctx, requirementID)
		if err != nil {
			return errors.Wrap(err, "could not load requirement")
		}
		if r.Status != store.PlexActive || r.WarningSentAt != nil {
			return nil
		}
		now := time.Now().UTC()
		r.Status = store.PlexWarning
		r.WarningSentAt = &now
		r.WarningCount++
		return errors.Wrap(tx.SavePlexRequirement(ctx, r), "could not save requirement")
	})
}

// MarkBlocked blocks an overdue requirement and flips its deposit to
// blocked_plex. Terminal until an explicit reset.
func (e *Engine) MarkBlocked(ctx context.Context, requirementID int64) error {
	return e.db.Transact(ctx, func(tx Storage) error {
		r, err := tx.GetPlexRequirementForUpdate(ctx, requirementID)
		if err != nil {
			return errors.Wrap(err, "could not load requirement")
		}
		if r.Status == store.PlexBlocked {
			return nil
		}
		r.Status = store.PlexBlocked
		if err := tx.SavePlexRequirement(ctx, r); err != nil {
			return errors.Wrap(err, "could not save requirement")
		}
		if err := tx.UpdateDepositStatus(ctx, r.DepositID, store.DepositBlockedPlex); err != nil {
			return errors.Wrap(err, "could not block deposit")
		}
		requirementsBlocked.Inc()
		return nil
	})
}

// ResetBlocked is the admin path out of blocked: the requirement restarts
// with fresh deadlines and the deposit returns to confirmed.
func (e *Engine) ResetBlocked(ctx context.Context, requirementID int64) error {
	cfg := params.FinConfig()
	return e.db.Transact(ctx, func(tx Storage) error {
		r, err := tx.GetPlexRequirementForUpdate(ctx, requirementID)
		if err != nil {
			return errors.Wrap(err, "could not load requirement")
		}
		if r.Status != store.PlexBlocked {
			return errors.Errorf("requirement %d is not blocked", requirementID)
		}
		now := time.Now().UTC()
		r.Status = store.PlexActive
		r.NextPaymentDue = now.Add(cfg.PlexPaymentWindow)
		r.WarningDue = now.Add(cfg.PlexPaymentWindow + cfg.PlexWarningOffset)
		r.BlockDue = now.Add(cfg.PlexPaymentWindow + cfg.PlexBlockOffset)
		r.WarningSentAt = nil
		if err := tx.SavePlexRequirement(ctx, r); err != nil {
			return errors.Wrap(err, "could not save requirement")
		}
		return errors.Wrap(tx.UpdateDepositStatus(ctx, r.DepositID, store.DepositConfirmed),
			"could not unblock deposit")
	})
}

// reanchor shifts deadlines forward when they predate the project start.
// Historical warning state is cleared once along with the shift.
func reanchor(r *store.PlexRequirement, projectStart time.Time) bool {
	cfg := params.FinConfig()
	if projectStart.IsZero() || !r.NextPaymentDue.Before(projectStart) {
		return false
	}
	r.NextPaymentDue = projectStart.Add(cfg.PlexPaymentWindow)
	r.WarningDue = projectStart.Add(cfg.PlexPaymentWindow + cfg.PlexWarningOffset)
	r.BlockDue = projectStart.Add(cfg.PlexPaymentWindow + cfg.PlexBlockOffset)
	r.WarningSentAt = nil
	if r.Status == store.PlexWarning {
		r.Status = store.PlexActive
	}
	return true
}

// WalletMinimum reports whether the user's on-chain PLEX balance satisfies
// the platform reserve, together with the balance itself.
func (e *Engine) WalletMinimum(ctx context.Context, userID int64) (bool, money.Amount, error) {
	user, err := e.db.GetUser(ctx, userID)
	if err != nil {
		return false, money.Zero(), errors.Wrap(err, "could not load user")
	}
	addr, err := chain.ParseAddress(user.WalletAddress)
	if err != nil {
		return false, money.Zero(), errors.Wrap(err, "bad user wallet")
	}
	balance, err := e.chain.PLEXBalance(ctx, addr)
	if err != nil {
		return false, money.Zero(), errors.Wrap(err, "could not fetch balance")
	}
	if err := e.db.TouchPlexCheck(ctx, userID, time.Now().UTC()); err != nil {
		log.WithError(err).WithField("userID", userID).Warn("Could not stamp balance check")
	}
	return balance.GreaterThanOrEqual(params.FinConfig().MinimumPlexBalance), balance, nil
}

// AvailablePlex is the balance above the platform reserve, floored at zero.
func AvailablePlex(total money.Amount) money.Amount {
	available := total.Sub(params.FinConfig().MinimumPlexBalance)
	if available.IsNegative() {
		return money.Zero()
	}
	return available
}

// Debt is the user's unpaid required payment days across confirmed deposits,
// counted from the later of the project start and each deposit's creation.
func (e *Engine) Debt(ctx context.Context, userID int64) (int, error) {
	gs, err := e.db.Settings(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "could not load settings")
	}
	return e.db.UnpaidRequiredDays(ctx, userID, gs.ProjectStartAt, time.Now().UTC())
}
