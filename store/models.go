package store

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/plexfin/fincore/money"
)

// DepositStatus is the lifecycle state of a deposit.
type DepositStatus string

const (
	DepositPending         DepositStatus = "pending"
	DepositNetworkRecovery DepositStatus = "pending_network_recovery"
	DepositConfirmed       DepositStatus = "confirmed"
	DepositFailed          DepositStatus = "failed"
	DepositConsolidated    DepositStatus = "consolidated"
	DepositBlockedPlex     DepositStatus = "blocked_plex"
)

// PlexStatus is the state of a daily payment requirement.
type PlexStatus string

const (
	PlexActive  PlexStatus = "active"
	PlexWarning PlexStatus = "warning"
	PlexBlocked PlexStatus = "blocked"
	PlexPaid    PlexStatus = "paid"
)

// TxType classifies ledger rows.
type TxType string

const (
	TxDeposit     TxType = "deposit"
	TxWithdrawal  TxType = "withdrawal"
	TxROI         TxType = "roi"
	TxReferral    TxType = "referral"
	TxBonus       TxType = "bonus"
	TxPlexPayment TxType = "plex_payment"
)

// TxStatus is the state of a ledger row.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// EarningSource classifies referral earnings.
type EarningSource string

const (
	SourceDeposit EarningSource = "deposit"
	SourceROI     EarningSource = "roi"
)

// User is a platform account. Users are never deleted, only banned.
type User struct {
	ID            int64   `db:"id"`
	ExternalID    int64   `db:"external_id"`
	Username      *string `db:"username"`
	WalletAddress string  `db:"wallet_address"`

	FinPasswordHash   string     `db:"fin_password_hash"`
	FinpassAttempts   int        `db:"finpass_attempts"`
	FinpassLockedTill *time.Time `db:"finpass_locked_until"`
	// A pending finpass recovery blocks withdrawals while it is open.
	FinpassRecoveryUntil *time.Time `db:"finpass_recovery_until"`

	Balance         money.Amount `db:"balance"`
	TotalEarned     money.Amount `db:"total_earned"`
	PendingEarnings money.Amount `db:"pending_earnings"`
	BonusBalance    money.Amount `db:"bonus_balance"`
	BonusROIEarned  money.Amount `db:"bonus_roi_earned"`

	IsBanned          bool `db:"is_banned"`
	WithdrawalBlocked bool `db:"withdrawal_blocked"`
	EarningsBlocked   bool `db:"earnings_blocked"`
	Suspicious        bool `db:"suspicious"`

	ReferrerID   *int64 `db:"referrer_id"`
	ReferralCode string `db:"referral_code"`

	TotalDepositedUSDT    money.Amount `db:"total_deposited_usdt"`
	TotalWithdrawn        money.Amount `db:"total_withdrawn"`
	DepositTxCount        int          `db:"deposit_tx_count"`
	DepositsConsolidated  bool         `db:"deposits_consolidated"`
	LastPlexCheckAt       *time.Time   `db:"last_plex_check_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// StringList round-trips a JSON list-of-strings column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(src interface{}) error {
	if src == nil {
		*l = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return errors.Errorf("cannot scan %T into StringList", src)
	}
	return json.Unmarshal(b, l)
}

// StringMap round-trips a JSON map-of-string-to-string column.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *StringMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return errors.Errorf("cannot scan %T into StringMap", src)
	}
	return json.Unmarshal(b, m)
}

// Deposit is one user deposit and its ROI accounting.
type Deposit struct {
	ID     int64 `db:"id"`
	UserID int64 `db:"user_id"`
	Level  int   `db:"level"`

	Amount      money.Amount  `db:"amount"`
	DepositType string        `db:"deposit_type"`
	Status      DepositStatus `db:"status"`

	TxHash        *string `db:"tx_hash"`
	BlockNumber   *uint64 `db:"block_number"`
	WalletAddress *string `db:"wallet_address"`

	ROICapAmount   money.Amount `db:"roi_cap_amount"`
	ROIPaidAmount  money.Amount `db:"roi_paid_amount"`
	IsROICompleted bool         `db:"is_roi_completed"`
	CompletedAt    *time.Time   `db:"completed_at"`
	NextAccrualAt  *time.Time   `db:"next_accrual_at"`

	IsConsolidated       bool       `db:"is_consolidated"`
	ConsolidatedAt       *time.Time `db:"consolidated_at"`
	ConsolidatedTxHashes StringList `db:"consolidated_tx_hashes"`

	PlexDailyRequired money.Amount `db:"plex_daily_required"`
	PlexCycleStart    *time.Time   `db:"plex_cycle_start"`

	DepositVersionID *int64 `db:"deposit_version_id"`

	CreatedAt   time.Time  `db:"created_at"`
	ConfirmedAt *time.Time `db:"confirmed_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// PlexRequirement is the 1:1 daily-payment state machine row of a deposit.
type PlexRequirement struct {
	ID        int64 `db:"id"`
	DepositID int64 `db:"deposit_id"`
	UserID    int64 `db:"user_id"`

	DailyPlexRequired money.Amount `db:"daily_plex_required"`

	NextPaymentDue time.Time `db:"next_payment_due"`
	WarningDue     time.Time `db:"warning_due"`
	BlockDue       time.Time `db:"block_due"`

	Status PlexStatus `db:"status"`

	LastPaymentAt     *time.Time   `db:"last_payment_at"`
	LastPaymentTxHash *string      `db:"last_payment_tx_hash"`
	TotalPaidPlex     money.Amount `db:"total_paid_plex"`
	DaysPaid          int          `db:"days_paid"`
	WarningSentAt     *time.Time   `db:"warning_sent_at"`
	WarningCount      int          `db:"warning_count"`

	IsWorkActive   bool       `db:"is_work_active"`
	FirstPaymentAt *time.Time `db:"first_payment_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Referral is an edge in the referral DAG.
type Referral struct {
	ID          int64        `db:"id"`
	ReferrerID  int64        `db:"referrer_id"`
	ReferralID  int64        `db:"referral_id"`
	Level       int          `db:"level"`
	TotalEarned money.Amount `db:"total_earned"`
	CreatedAt   time.Time    `db:"created_at"`
}

// ReferralEarning is one credited reward on a referral edge.
type ReferralEarning struct {
	ID            int64         `db:"id"`
	ReferralID    int64         `db:"referral_id"`
	Amount        money.Amount  `db:"amount"`
	SourceType    EarningSource `db:"source_type"`
	SourceUserID  int64         `db:"source_user_id"`
	SourceEventID string        `db:"source_event_id"`
	Paid          bool          `db:"paid"`
	TxHash        *string       `db:"tx_hash"`
	CreatedAt     time.Time     `db:"created_at"`
}

// Transaction is a ledger row.
type Transaction struct {
	ID        int64        `db:"id"`
	UserID    int64        `db:"user_id"`
	Type      TxType       `db:"type"`
	Amount    money.Amount `db:"amount"`
	Status    TxStatus     `db:"status"`
	TxHash    *string      `db:"tx_hash"`
	CreatedAt time.Time    `db:"created_at"`
}

// GlobalSettings is the single mutable settings row.
type GlobalSettings struct {
	ID                      int64         `db:"id"`
	MaxOpenDepositLevel     int           `db:"max_open_deposit_level"`
	MinWithdrawalAmount     money.Amount  `db:"min_withdrawal_amount"`
	AutoWithdrawalEnabled   bool          `db:"auto_withdrawal_enabled"`
	IsDailyLimitEnabled     bool          `db:"is_daily_limit_enabled"`
	DailyWithdrawalLimit    *money.Amount `db:"daily_withdrawal_limit"`
	EmergencyStopWithdrawals bool         `db:"emergency_stop_withdrawals"`
	EmergencyStopDeposits   bool          `db:"emergency_stop_deposits"`
	BlockchainMaintenance   bool          `db:"blockchain_maintenance_mode"`
	ActiveRPCProvider       string        `db:"active_rpc_provider"`
	IsAutoSwitchEnabled     bool          `db:"is_auto_switch_enabled"`
	ProjectStartAt          time.Time     `db:"project_start_at"`
	ROISettings             StringMap     `db:"roi_settings"`
	UpdatedAt               time.Time     `db:"updated_at"`
}

// DepositLevelVersion captures the amount corridor and ROI cap of a deposit
// level at a point in time. A deposit carries the version in force at its
// creation.
type DepositLevelVersion struct {
	ID            int64        `db:"id"`
	Level         int          `db:"level"`
	Amount        money.Amount `db:"amount"`
	ROICapPercent money.Amount `db:"roi_cap_percent"`
	IsActive      bool         `db:"is_active"`
	VersionNumber int          `db:"version_number"`
	CreatedAt     time.Time    `db:"created_at"`
}
