// Package deposit drives the deposit lifecycle: guarded creation, on-chain
// confirmation, ROI accrual against a fixed cap, one-shot consolidation and
// the periodic monitor sweep that moves pending deposits forward.
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
	"github.com/plexfin/fincore/money"
	"github.com/plexfin/fincore/notify"
	"github.com/plexfin/fincore/referral"
	"github.com/plexfin/fincore/store"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "deposit")

// Creation gate errors, in check order.
var (
	ErrEmergencyStop    = errors.New("deposits are stopped")
	ErrInvalidLevel     = errors.New("invalid deposit level")
	ErrInvalidAmount    = errors.New("deposit amount must be positive")
	ErrBelowMinimum     = errors.New("deposit amount below minimum")
	ErrLevelUnavailable = errors.New("deposit level unavailable")
	ErrAmountTooLow     = errors.New("deposit amount below level requirement")
)

// Storage is the slice of the store the engine needs. Transact runs fn with a
// transaction-bound view of the same interface.
type Storage interface {
	Transact(ctx context.Context, fn func(tx Storage) error) error

	GetUser(ctx context.Context, id int64) (*store.User, error)
	RecordDeposit(ctx context.Context, userID int64, amount money.Amount) error
	CreditBalance(ctx context.Context, userID int64, amount money.Amount, countEarned bool) error
	SetDepositsConsolidated(ctx context.Context, userID int64) error

	CreateDeposit(ctx context.Context, d *store.Deposit) error
	GetDeposit(ctx context.Context, id int64) (*store.Deposit, error)
	GetDepositForUpdate(ctx context.Context, id int64) (*store.Deposit, error)
	UpdateDepositStatus(ctx context.Context, id int64, status store.DepositStatus) error
	ConfirmDeposit(ctx context.Context, id int64, blockNumber uint64, confirmedAt, nextAccrualAt time.Time) error
	SetDepositTxHash(ctx context.Context, id int64, txHash string) error
	UpdateDepositROI(ctx context.Context, id int64, paid money.Amount, completed bool, completedAt, nextAccrualAt *time.Time) error
	PendingDeposits(ctx context.Context, withTxHash bool) ([]store.Deposit, error)
	NetworkRecoveryDeposits(ctx context.Context) ([]store.Deposit, error)
	DepositsDueForAccrual(ctx context.Context, now time.Time) ([]store.Deposit, error)
	ConfirmedDepositsByUser(ctx context.Context, userID int64) ([]store.Deposit, error)
	MarkDepositConsolidated(ctx context.Context, id int64, amount, roiCap money.Amount, txHashes store.StringList, at time.Time) error

	CreatePlexRequirement(ctx context.Context, r *store.PlexRequirement) error
	GetPlexRequirementByDeposit(ctx context.Context, depositID int64) (*store.PlexRequirement, error)

	CreateTransaction(ctx context.Context, t *store.Transaction) error
	Settings(ctx context.Context) (*store.GlobalSettings, error)
	ActiveLevelVersion(ctx context.Context, level int) (*store.DepositLevelVersion, error)
	LevelVersion(ctx context.Context, id int64) (*store.DepositLevelVersion, error)
}

// Chain is the slice of the blockchain gateway the engine needs.
type Chain interface {
	SearchForDeposit(ctx context.Context, from common.Address, expected money.Amount, fromBlock, toBlock uint64, tolerance money.Amount) (*chain.TransferMatch, error)
	TxConfirmations(ctx context.Context, txHash common.Hash) (confirmations, blockNumber uint64, err error)
}

// Locker acquires named cross-process locks.
type Locker interface {
	WithLock(ctx context.Context, key string, opts dlock.Options, fn func(ctx context.Context) error) error
}

// Distributor fans referral rewards out for a source event.
type Distributor interface {
	Distribute(ctx context.Context, ev referral.Event) error
}

// Engine is the deposit lifecycle engine.
type Engine struct {
	db      Storage
	chain   Chain
	locker  Locker
	sink    notify.Sink
	rewards Distributor
}

// New builds an engine. locker may be nil in single-process tests.
func New(db Storage, ch Chain, locker Locker, sink notify.Sink, rewards Distributor) *Engine {
	return &Engine{db: db, chain: ch, locker: locker, sink: sink, rewards: rewards}
}

// Create runs the ordered creation gates and inserts the deposit. Creation
// for one user is serialized by a per-user lock so concurrent requests cannot
// both pass the gates.
func (e *Engine) Create(ctx context.Context, userID int64, level int, amount money.Amount, txHash *string) (*store.Deposit, error) {
	var created *store.Deposit
	err := e.withLock(ctx, fmt.Sprintf("user:%d:create_deposit", userID), dlock.Options{
		TTL:             30 * time.Second,
		Blocking:        true,
		BlockingTimeout: 5 * time.Second,
	}, func(ctx context.Context) error {
		d, err := e.create(ctx, userID, level, amount, txHash)
		if err != nil {
			return err
		}
		created = d
		return nil
	})
	return created, err
}

func (e *Engine) create(ctx context.Context, userID int64, level int, amount money.Amount, txHash *string) (*store.Deposit, error) {
	cfg := params.FinConfig()
	gs, err := e.db.Settings(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not load settings")
	}
	if cfg.EmergencyStop || gs.EmergencyStopDeposits {
		return nil, ErrEmergencyStop
	}
	if level < 1 || level > 5 {
		return nil, ErrInvalidLevel
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if amount.LessThan(cfg.MinDepositAmount) {
		return nil, ErrBelowMinimum
	}
	if gs.MaxOpenDepositLevel > 0 && level > gs.MaxOpenDepositLevel {
		return nil, ErrLevelUnavailable
	}
	version, err := e.db.ActiveLevelVersion(ctx, level)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrLevelUnavailable
		}
		return nil, errors.Wrap(err, "could not load level version")
	}
	if amount.LessThan(version.Amount) {
		return nil, ErrAmountTooLow
	}

	user, err := e.db.GetUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "could not load user")
	}
	status := store.DepositPending
	if gs.BlockchainMaintenance {
		status = store.DepositNetworkRecovery
	}
	d := &store.Deposit{
		UserID:            userID,
		Level:             level,
		Amount:            amount,
		DepositType:       "standard",
		Status:            status,
		TxHash:            txHash,
		WalletAddress:     &user.WalletAddress,
		ROICapAmount:      amount.Percent(version.ROICapPercent),
		PlexDailyRequired: amount.MulInt(cfg.PlexDailyMultiplier),
		DepositVersionID:  &version.ID,
	}
	if err := e.db.CreateDeposit(ctx, d); err != nil {
		return nil, errors.Wrap(err, "could not create deposit")
	}
	depositsCreated.Inc()
	log.WithFields(logrus.Fields{
		"depositID": d.ID,
		"userID":    userID,
		"level":     level,
		"amount":    amount.String(),
		"status":    status,
	}).Info("Deposit created")
	return d, nil
}

// Confirm moves a deposit to confirmed, creates its daily-payment
// requirement and fires referral deposit rewards. Confirming an already
// confirmed deposit is a no-op, so the monitor may retry freely. Referral and
// notification failures never fail the confirmation.
func (e *Engine) Confirm(ctx context.Context, depositID int64, blockNumber uint64) error {
	var confirmed *store.Deposit
	err := e.db.Transact(ctx, func(tx Storage) error {
		d, err := tx.GetDepositForUpdate(ctx, depositID)
		if err != nil {
			return errors.Wrap(err, "could not load deposit")
		}
		switch d.Status {
		case store.DepositConfirmed:
			return nil
		case store.DepositPending, store.DepositNetworkRecovery:
		default:
			return errors.Errorf("deposit %d cannot be confirmed from status %s", depositID, d.Status)
		}
		gs, err := tx.Settings(ctx)
		if err != nil {
			return errors.Wrap(err, "could not load settings")
		}
		now := time.Now().UTC()
		nextAccrual := now.Add(time.Duration(gs.AccrualPeriodHours()) * time.Hour)
		if err := tx.ConfirmDeposit(ctx, depositID, blockNumber, now, nextAccrual); err != nil {
			return errors.Wrap(err, "could not confirm deposit")
		}
		req := requirementFor(d, now)
		if err := tx.CreatePlexRequirement(ctx, req); err != nil && !errors.Is(err, store.ErrConflict) {
			return errors.Wrap(err, "could not create payment requirement")
		}
		if err := tx.RecordDeposit(ctx, d.UserID, d.Amount); err != nil {
			return errors.Wrap(err, "could not update user deposit totals")
		}
		if err := tx.CreateTransaction(ctx, &store.Transaction{
			UserID: d.UserID,
			Type:   store.TxDeposit,
			Amount: d.Amount,
			Status: store.TxConfirmed,
			TxHash: d.TxHash,
		}); err != nil {
			return errors.Wrap(err, "could not write ledger row")
		}
		confirmed = d
		return nil
	})
	if err != nil || confirmed == nil {
		return err
	}

	depositsConfirmed.Inc()
	if err := e.rewards.Distribute(ctx, referral.Event{
		SourceUserID: confirmed.UserID,
		Amount:       confirmed.Amount,
		Type:         store.SourceDeposit,
		EventID:      fmt.Sprintf("deposit:%d", confirmed.ID),
	}); err != nil {
		log.WithError(err).WithField("depositID", confirmed.ID).Error("Referral fan-out failed")
	}
	e.notifyUser(ctx, confirmed.UserID,
		fmt.Sprintf("Deposit #%d for %s USDT confirmed.", confirmed.ID, confirmed.Amount), false)
	return nil
}

// requirementFor builds the daily-payment requirement of a deposit. Deadlines
// anchor at the deposit's creation: pay within 24h, warning at 25h, block at
// 49h.
func requirementFor(d *store.Deposit, now time.Time) *store.PlexRequirement {
	cfg := params.FinConfig()
	anchor := d.CreatedAt
	if anchor.IsZero() {
		anchor = now
	}
	return &store.PlexRequirement{
		DepositID:         d.ID,
		UserID:            d.UserID,
		DailyPlexRequired: d.Amount.MulInt(cfg.PlexDailyMultiplier),
		NextPaymentDue:    anchor.Add(cfg.PlexPaymentWindow),
		WarningDue:        anchor.Add(cfg.PlexPaymentWindow + cfg.PlexWarningOffset),
		BlockDue:          anchor.Add(cfg.PlexPaymentWindow + cfg.PlexBlockOffset),
		Status:            store.PlexActive,
	}
}

// AccrueROI credits the due accrual against the deposit's cap and returns the
// actually credited delta after clipping. Accrual on a deposit whose
// requirement is not work-active only reschedules. The delta feeds the
// referral ROI fan-out. The row lock plus the due re-check make the call safe
// to race: a sibling process that accrued first already advanced the
// schedule, so the loser credits nothing.
func (e *Engine) AccrueROI(ctx context.Context, depositID int64, accrual money.Amount) (money.Amount, error) {
	delta := money.Zero()
	var userID int64
	var eventID string
	err := e.db.Transact(ctx, func(tx Storage) error {
		d, err := tx.GetDepositForUpdate(ctx, depositID)
		if err != nil {
			return errors.Wrap(err, "could not load deposit")
		}
		if d.Status != store.DepositConfirmed || d.IsROICompleted {
			return nil
		}
		now := time.Now().UTC()
		if d.NextAccrualAt == nil || d.NextAccrualAt.After(now) {
			return nil
		}
		gs, err := tx.Settings(ctx)
		if err != nil {
			return errors.Wrap(err, "could not load settings")
		}
		next := now.Add(time.Duration(gs.AccrualPeriodHours()) * time.Hour)

		active, err := e.workActive(ctx, tx, depositID)
		if err != nil {
			return err
		}
		if !active {
			return tx.UpdateDepositROI(ctx, depositID, d.ROIPaidAmount, false, nil, &next)
		}

		newPaid := money.Min(d.ROIPaidAmount.Add(accrual), d.ROICapAmount)
		delta = newPaid.Sub(d.ROIPaidAmount)
		completed := newPaid.Equal(d.ROICapAmount)
		var completedAt, nextAccrual *time.Time
		if completed {
			completedAt = &now
		} else {
			nextAccrual = &next
		}
		if err := tx.UpdateDepositROI(ctx, depositID, newPaid, completed, completedAt, nextAccrual); err != nil {
			return errors.Wrap(err, "could not update deposit roi")
		}
		if delta.IsPositive() {
			if err := tx.CreditBalance(ctx, d.UserID, delta, true); err != nil {
				return errors.Wrap(err, "could not credit roi")
			}
			if err := tx.CreateTransaction(ctx, &store.Transaction{
				UserID: d.UserID,
				Type:   store.TxROI,
				Amount: delta,
				Status: store.TxConfirmed,
			}); err != nil {
				return errors.Wrap(err, "could not write ledger row")
			}
		}
		userID = d.UserID
		eventID = fmt.Sprintf("roi:%d:%s", depositID, d.NextAccrualAt.UTC().Format(time.RFC3339))
		return nil
	})
	if err != nil {
		return money.Zero(), err
	}
	if delta.IsPositive() {
		roiAccruals.Inc()
		if err := e.rewards.Distribute(ctx, referral.Event{
			SourceUserID: userID,
			Amount:       delta,
			Type:         store.SourceROI,
			EventID:      eventID,
		}); err != nil {
			log.WithError(err).WithField("depositID", depositID).Error("Referral ROI fan-out failed")
		}
	}
	return delta, nil
}

// workActive applies the pay-then-work rule from the requirement's side: the
// deposit accrues only once its requirement has seen a first payment and is
// not blocked. A deposit without a requirement row accrues.
func (e *Engine) workActive(ctx context.Context, tx Storage, depositID int64) (bool, error) {
	req, err := tx.GetPlexRequirementByDeposit(ctx, depositID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		return false, errors.Wrap(err, "could not load payment requirement")
	}
	return req.IsWorkActive && req.Status != store.PlexBlocked, nil
}

// AccrualAmount computes the default accrual for one period from the
// settings-driven daily percent, pro-rated by the settings-driven accrual
// period.
func AccrualAmount(gs *store.GlobalSettings, d *store.Deposit) money.Amount {
	daily := d.Amount.Percent(gs.DailyROIPercent(d.Level))
	return daily.MulInt(int64(gs.AccrualPeriodHours())).Div(24)
}

// AccrueDueROI sweeps deposits whose accrual time has passed. The sweep holds
// the roi_accrual lock; a sibling process holding it makes this run a no-op.
func (e *Engine) AccrueDueROI(ctx context.Context) error {
	return e.withLock(ctx, "roi_accrual", dlock.Options{
		TTL: params.FinConfig().TaskLease,
	}, func(ctx context.Context) error {
		gs, err := e.db.Settings(ctx)
		if err != nil {
			return errors.Wrap(err, "could not load settings")
		}
		due, err := e.db.DepositsDueForAccrual(ctx, time.Now().UTC())
		if err != nil {
			return errors.Wrap(err, "could not list due deposits")
		}
		for i := range due {
			d := &due[i]
			if _, err := e.AccrueROI(ctx, d.ID, AccrualAmount(gs, d)); err != nil {
				log.WithError(err).WithField("depositID", d.ID).Error("ROI accrual failed")
			}
		}
		return nil
	})
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
