// Package withdraw is the layered withdrawal gate: nine ordered checks that
// admit, reject with a stable code, or (separately) defer a request to manual
// review.
package withdraw

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/money"
	"github.com/plexfin/fincore/store"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "withdraw")

// Rejection codes, in gate order.
const (
	CodeEmergencyStop         = "EMERGENCY_STOP"
	CodeMinAmount             = "MIN_AMOUNT"
	CodeUserBanned            = "USER_BANNED"
	CodeFinpassRecovery       = "FINPASS_RECOVERY"
	CodeFraudDetection        = "FRAUD_DETECTION"
	CodeInsufficientBalance   = "INSUFFICIENT_BALANCE"
	CodePlexPaymentRequired   = "PLEX_PAYMENT_REQUIRED"
	CodeInsufficientPlexFunds = "INSUFFICIENT_PLEX_BALANCE"
	CodeDailyLimit            = "DAILY_LIMIT"
)

// ValidationError is a rejection with its stable code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

// Storage is the slice of the store the validator needs.
type Storage interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	Settings(ctx context.Context) (*store.GlobalSettings, error)
	WithdrawnSince(ctx context.Context, since time.Time) (money.Amount, error)
}

// PlexChecker answers the PLEX-side gates.
type PlexChecker interface {
	WalletMinimum(ctx context.Context, userID int64) (bool, money.Amount, error)
	Debt(ctx context.Context, userID int64) (int, error)
}

// Validator runs the withdrawal gates.
type Validator struct {
	db   Storage
	plex PlexChecker
}

// New builds a validator.
func New(db Storage, plex PlexChecker) *Validator {
	return &Validator{db: db, plex: plex}
}

// Validate runs the nine ordered gates. A nil return admits the withdrawal;
// a *ValidationError carries the code of the first failing gate. Any other
// error is an infrastructure failure, not a verdict.
func (v *Validator) Validate(ctx context.Context, userID int64, amount, available money.Amount) error {
	gs, err := v.db.Settings(ctx)
	if err != nil {
		return errors.Wrap(err, "could not load settings")
	}

	// 1. Emergency stop, from the process config or the settings row.
	cfg := params.FinConfig()
	if cfg.EmergencyStop || cfg.WithdrawalsDisabled || gs.EmergencyStopWithdrawals {
		return reject(CodeEmergencyStop, "withdrawals are temporarily stopped")
	}

	// 2. Minimum amount, settings-driven with the platform default as floor.
	minAmount := cfg.MinWithdrawalAmount
	if gs.MinWithdrawalAmount.IsPositive() {
		minAmount = gs.MinWithdrawalAmount
	}
	if amount.LessThan(minAmount) {
		return reject(CodeMinAmount, fmt.Sprintf("minimum withdrawal is %s USDT", minAmount))
	}

	user, err := v.db.GetUser(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "could not load user")
	}

	// 3. Account standing.
	if user.IsBanned || user.WithdrawalBlocked {
		return reject(CodeUserBanned, "withdrawals are not available for this account")
	}

	// 4. Financial-password recovery window.
	if user.FinpassRecoveryUntil != nil && user.FinpassRecoveryUntil.After(time.Now()) {
		return reject(CodeFinpassRecovery, "withdrawals are locked while password recovery is in progress")
	}

	// 5. Fraud detection.
	if user.Suspicious {
		return reject(CodeFraudDetection, "withdrawal requires a manual security review")
	}

	// 6. Balance.
	if available.LessThan(amount) {
		return reject(CodeInsufficientBalance, "insufficient balance")
	}

	// 7. PLEX debt.
	debt, err := v.plex.Debt(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "could not compute payment debt")
	}
	if debt > 0 {
		return reject(CodePlexPaymentRequired,
			fmt.Sprintf("%d unpaid daily PLEX payment(s) must be settled first", debt))
	}

	// 8. On-chain PLEX reserve.
	ok, balance, err := v.plex.WalletMinimum(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "could not check wallet balance")
	}
	if !ok {
		return reject(CodeInsufficientPlexFunds,
			fmt.Sprintf("wallet holds %s PLEX, below the required reserve", balance))
	}

	// 9. Platform-wide daily limit, counted across all users.
	if gs.IsDailyLimitEnabled && gs.DailyWithdrawalLimit != nil {
		today, err := v.db.WithdrawnSince(ctx, midnightUTC())
		if err != nil {
			return errors.Wrap(err, "could not sum today's withdrawals")
		}
		if today.Add(amount).Cmp(*gs.DailyWithdrawalLimit) > 0 {
			return reject(CodeDailyLimit, "daily withdrawal limit reached")
		}
	}
	return nil
}

// AutoApproveEligible decides whether an admitted withdrawal may skip manual
// review: auto-withdrawals enabled, the x5 lifetime payout cap holds, and the
// daily limit (when enabled) is not consumed. Failing any of these defers to
// manual review rather than rejecting.
func (v *Validator) AutoApproveEligible(ctx context.Context, userID int64, amount money.Amount) (bool, error) {
	gs, err := v.db.Settings(ctx)
	if err != nil {
		return false, errors.Wrap(err, "could not load settings")
	}
	if !gs.AutoWithdrawalEnabled {
		return false, nil
	}
	user, err := v.db.GetUser(ctx, userID)
	if err != nil {
		return false, errors.Wrap(err, "could not load user")
	}
	payoutCap := user.TotalDepositedUSDT.MulInt(params.FinConfig().PayoutCapMultiplier)
	if user.TotalWithdrawn.Add(amount).Cmp(payoutCap) > 0 {
		log.WithFields(logrus.Fields{
			"userID": userID,
			"amount": amount.String(),
		}).Info("Withdrawal exceeds lifetime payout cap, deferring to manual review")
		return false, nil
	}
	if gs.IsDailyLimitEnabled && gs.DailyWithdrawalLimit != nil {
		today, err := v.db.WithdrawnSince(ctx, midnightUTC())
		if err != nil {
			return false, errors.Wrap(err, "could not sum today's withdrawals")
		}
		if today.Add(amount).Cmp(*gs.DailyWithdrawalLimit) > 0 {
			return false, nil
		}
	}
	return true, nil
}

func midnightUTC() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
